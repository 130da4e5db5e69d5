package crawler

import (
	"lmsfetch/internal/courses"
	"slices"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/antzucaro/matchr"
)

var keywords = map[string]courses.Category{
	"lecture":        courses.Lecture,
	"lectures":       courses.Lecture,
	"slides":         courses.Lecture,
	"lecture_slides": courses.Lecture,

	"tutorial":       courses.Section,
	"tutorials":      courses.Section,
	"section":        courses.Section,
	"sections":       courses.Section,
	"section_slides": courses.Section,

	"assignment":     courses.Assignment,
	"assignments":    courses.Assignment,
	"homework":       courses.Assignment,
	"sheet":          courses.Assignment,
	"modtype_assign": courses.Assignment,

	"lab":  courses.Lab,
	"labs": courses.Lab,
}

// headingKeywords are the single word keywords, sorted so ties resolve the same way every time.
var headingKeywords = func() []string {
	var result []string
	for keyword := range keywords {
		if strings.Contains(keyword, "_") {
			continue
		}
		result = append(result, keyword)
	}
	slices.Sort(result)
	return result
}()

// moodle marks every course section container with these, they say nothing about the material.
var structuralTokens = map[string]struct{}{
	"section":  {},
	"sections": {},
}

const headingSimilarity = 0.9

func normalizeToken(token string) string {
	return strings.ReplaceAll(strings.ToLower(token), "-", "_")
}

func classifyTokens(tokens []string, skip map[string]struct{}) (courses.Category, bool) {
	for _, t := range tokens {
		t = normalizeToken(t)
		if _, skipped := skip[t]; skipped {
			continue
		}
		if category, ok := keywords[t]; ok {
			return category, true
		}
	}
	return courses.Other, false
}

func elementTokens(sel *goquery.Selection) []string {
	tokens := strings.Fields(sel.AttrOr("class", ""))
	if category := strings.TrimSpace(sel.AttrOr("data-category", "")); category != "" {
		tokens = append(tokens, category)
	}
	return tokens
}

// classifyHeading fuzzy matches the words of a section heading against the keywords and
// returns the category of the closest keyword.
func classifyHeading(heading string) (courses.Category, bool) {
	words := strings.FieldsFunc(strings.ToLower(heading), func(r rune) bool {
		return !unicode.IsLetter(r)
	})

	best := 0.0
	result := courses.Other
	for _, word := range words {
		if len(word) < 3 {
			continue
		}
		for _, keyword := range headingKeywords {
			similarity := matchr.JaroWinkler(word, keyword, false)
			if similarity >= headingSimilarity && similarity > best {
				best = similarity
				result = keywords[keyword]
			}
		}
	}
	return result, best > 0
}

// Classify decides the category of an anchor, the first rule that matches wins:
//  1. the anchor's own class tokens or data-category
//  2. the class tokens of its ancestors, closest first
//  3. the heading of the enclosing moodle section
//
// Anything else is Other.
func Classify(anchor *goquery.Selection) courses.Category {
	if category, ok := classifyTokens(elementTokens(anchor), nil); ok {
		return category
	}

	for parent := anchor.Parent(); parent.Length() > 0; parent = parent.Parent() {
		if category, ok := classifyTokens(elementTokens(parent), structuralTokens); ok {
			return category
		}
	}

	heading := anchor.Closest("li.section").Find(".sectionname").First().Text()
	if category, ok := classifyHeading(heading); ok {
		return category
	}

	return courses.Other
}
