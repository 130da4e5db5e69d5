package pipeline

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

type Failure struct {
	URL   string `json:"url"`
	Label string `json:"label,omitempty"`
	Error string `json:"error"`
}

type CourseSummary struct {
	Course string `json:"course"`
	// Succeeded counts created and updated files.
	Succeeded int       `json:"succeeded"`
	Skipped   int       `json:"skipped"`
	Failed    int       `json:"failed"`
	Failures  []Failure `json:"failures,omitempty"`
	// Error is set when the course page itself could not be crawled.
	Error string `json:"error,omitempty"`
}

type Summary struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Courses    []CourseSummary `json:"courses"`
	// Error is the error that ended the run early, if any.
	Error string `json:"error,omitempty"`
}

type Totals struct {
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (s Summary) Totals() Totals {
	var totals Totals
	for _, c := range s.Courses {
		totals.Succeeded += c.Succeeded
		totals.Skipped += c.Skipped
		totals.Failed += c.Failed
	}
	return totals
}

// HasFailures reports whether any link, course or the run itself failed.
func (s Summary) HasFailures() bool {
	if s.Error != "" {
		return true
	}
	for _, c := range s.Courses {
		if c.Failed > 0 || c.Error != "" {
			return true
		}
	}
	return false
}

func (s Summary) Changed() bool {
	return s.Totals().Succeeded > 0
}

func (s Summary) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Course", "Succeeded", "Skipped", "Failed", "Error"})

	for _, c := range s.Courses {
		t.AppendRow(table.Row{c.Course, c.Succeeded, c.Skipped, c.Failed, c.Error})
	}

	totals := s.Totals()
	t.AppendFooter(table.Row{"Total", totals.Succeeded, totals.Skipped, totals.Failed, s.Error})
	t.SetStyle(table.StyleRounded)
	t.Render()
}

// Text renders the summary as plain text, failures included.
func (s Summary) Text() string {
	var b strings.Builder
	totals := s.Totals()
	fmt.Fprintf(
		&b,
		"run started %s, finished %s\n",
		s.StartedAt.Format(time.RFC1123),
		s.FinishedAt.Format(time.RFC1123),
	)
	fmt.Fprintf(&b, "succeeded: %d, skipped: %d, failed: %d\n", totals.Succeeded, totals.Skipped, totals.Failed)
	if s.Error != "" {
		fmt.Fprintf(&b, "run error: %s\n", s.Error)
	}

	for _, c := range s.Courses {
		fmt.Fprintf(&b, "\n%s: succeeded %d, skipped %d, failed %d\n", c.Course, c.Succeeded, c.Skipped, c.Failed)
		if c.Error != "" {
			fmt.Fprintf(&b, "  error: %s\n", c.Error)
		}
		for _, f := range c.Failures {
			fmt.Fprintf(&b, "  - %s: %s\n", f.URL, f.Error)
		}
	}
	return b.String()
}
