// Package crawler discovers the downloadable materials linked from a course page.
package crawler

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"lmsfetch/internal/components/assert"
	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/courses"
	"lmsfetch/internal/lms"
	"lmsfetch/lib/htmlutil"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	report_crawler_discover = "crawler.discover"
)

const DefaultSelector = "a[href]"

// ContentRegion is where moodle renders the course content. The selector is applied inside of
// it when the page has one, leaving out the navbar, the user menu and the footer.
const ContentRegion = "#region-main"

// MaterialLink is a link to a course material, URL is absolute.
type MaterialLink struct {
	URL      *url.URL
	Label    string
	Category courses.Category
}

func (l MaterialLink) String() string {
	return fmt.Sprintf("%s (%s)", l.URL, l.Category)
}

// Fetcher is implemented by *lms.Session.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) (*lms.Page, error)
}

// PageFetchError is returned when a course page could not be retrieved.
type PageFetchError struct {
	Course string
	URL    string
	Err    error
}

func (e *PageFetchError) Error() string {
	return fmt.Sprintf("fetch course page of %s (%s): %v", e.Course, e.URL, e.Err)
}

func (e *PageFetchError) Unwrap() error {
	return e.Err
}

type Crawler struct {
	fetcher   Fetcher
	courseURL func(courseID string) string
	selector  string
	tel       telemetry.API
}

// New creates a crawler, `courseURL` maps a course id to its course page, an empty `selector`
// means DefaultSelector.
func New(fetcher Fetcher, courseURL func(courseID string) string, selector string, tel telemetry.API) *Crawler {
	assert.NotNil(fetcher)
	assert.NotNil(courseURL)
	assert.NotNil(tel)
	if selector == "" {
		selector = DefaultSelector
	}
	return &Crawler{
		fetcher:   fetcher,
		courseURL: courseURL,
		selector:  selector,
		tel:       telemetry.NewScopedAPI("crawler", tel),
	}
}

// Discover fetches the course page (never cached) and returns its material links in document
// order, each url at most once.
func (c *Crawler) Discover(ctx context.Context, course courses.Course) (iter.Seq[MaterialLink], error) {
	pageURL := c.courseURL(course.ID)

	page, err := c.fetcher.Get(ctx, pageURL)
	if err != nil {
		c.tel.ReportWarning(report_crawler_discover, err, course.ID)
		return nil, &PageFetchError{Course: course.ID, URL: pageURL, Err: err}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		c.tel.ReportBroken(report_crawler_discover, fmt.Errorf("parse: %w", err), course.ID)
		return nil, &PageFetchError{Course: course.ID, URL: pageURL, Err: err}
	}

	base := page.URL
	if base == nil {
		base, err = url.Parse(pageURL)
		if err != nil {
			return nil, &PageFetchError{Course: course.ID, URL: pageURL, Err: err}
		}
	}

	root := doc.Find(ContentRegion).First()
	if root.Length() == 0 {
		root = doc.Selection
	}

	links := Extract(base, root, c.selector)
	c.tel.ReportDebug("discovered links", course.ID, len(links))

	return slices.Values(links), nil
}

// Fetchable reports whether `target` may be requested with the session: it must live on the
// same host as `base` and must not be one of the login endpoints (login, logout, signup), which
// would end the session.
func Fetchable(base, target *url.URL) bool {
	if !strings.EqualFold(base.Host, target.Host) {
		return false
	}
	return !strings.Contains(strings.ToLower(target.Path), "/login/")
}

// Extract finds and classifies the links in `root` matching `selector`. Links that are not
// Fetchable are left out.
func Extract(base *url.URL, root *goquery.Selection, selector string) []MaterialLink {
	anchors := htmlutil.GetAnchors(base, root.Find(selector))

	seen := map[string]struct{}{}
	links := make([]MaterialLink, 0, len(anchors))
	for _, a := range anchors {
		if !Fetchable(base, a.Url) {
			continue
		}
		key := a.Url.String()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		links = append(links, MaterialLink{
			URL:      a.Url,
			Label:    a.Name,
			Category: Classify(a.Selection),
		})
	}
	return links
}
