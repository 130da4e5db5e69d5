// Package courses is the course registry: the list of tracked courses and their directory
// layout on disk.
package courses

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var ErrInvalidCourse = errors.New("invalid course identifier")

type Course struct {
	ID string
}

func (c Course) String() string {
	return c.ID
}

type Category int

const (
	Other Category = iota
	Lecture
	Section
	Assignment
	Lab
)

// Categories lists every category in the order their directories are laid out.
var Categories = []Category{Lecture, Section, Assignment, Lab, Other}

func (c Category) String() string {
	switch c {
	case Lecture:
		return "lecture"
	case Section:
		return "section"
	case Assignment:
		return "assignment"
	case Lab:
		return "lab"
	default:
		return "other"
	}
}

// Dir is the name of the category's directory under a course.
func (c Category) Dir() string {
	switch c {
	case Lecture:
		return "lecture_slides"
	case Section:
		return "section_slides"
	case Assignment:
		return "assignments"
	case Lab:
		return "labs"
	default:
		return "other"
	}
}

func validate(id string) error {
	if id == "." || id == ".." ||
		strings.Contains(id, "..") ||
		strings.ContainsAny(id, `/\`) ||
		strings.ContainsRune(id, os.PathSeparator) {
		return fmt.Errorf("%w: %q", ErrInvalidCourse, id)
	}
	return nil
}

// Parse parses a course list, one identifier per line. Blank lines and lines starting with `#`
// are ignored and duplicates are dropped.
func Parse(text string) ([]Course, error) {
	var result []Course
	seen := map[string]struct{}{}

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := validate(line); err != nil {
			return nil, err
		}
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		result = append(result, Course{ID: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Load reads the course list file at `path`.
func Load(path string) ([]Course, error) {
	buff, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read course list: %w", err)
	}
	return Parse(string(buff))
}

// Sorted returns a copy of `courses` sorted by id.
func Sorted(courses []Course) []Course {
	sorted := slices.Clone(courses)
	slices.SortFunc(sorted, func(a, b Course) int {
		return strings.Compare(a.ID, b.ID)
	})
	return sorted
}

func Dir(root string, course Course, category Category) string {
	return filepath.Join(root, course.ID, category.Dir())
}

// EnsureLayout creates every category directory for every course under `root`, it is safe to
// call repeatedly.
func EnsureLayout(courses []Course, root string) error {
	for _, course := range courses {
		if err := validate(course.ID); err != nil {
			return err
		}
		for _, category := range Categories {
			err := os.MkdirAll(Dir(root, course, category), 0755)
			if err != nil {
				return fmt.Errorf("ensure layout for %s: %w", course.ID, err)
			}
		}
	}
	return nil
}
