package pipeline

import (
	"bytes"
	"context"
	"lmsfetch/internal/components/chrono"
	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/config"
	"lmsfetch/internal/crawler"
	"lmsfetch/internal/credentials"
	"lmsfetch/internal/lms"
	"lmsfetch/internal/lms/lmstest"
	"lmsfetch/internal/manifest"
	"lmsfetch/internal/materialize"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type staticCreds struct {
	creds credentials.Credentials
	err   error
}

func (s staticCreds) Resolve(ctx context.Context) (credentials.Credentials, error) {
	return s.creds, s.err
}

var alice = staticCreds{creds: credentials.Credentials{Username: "alice", Password: "pw"}}

func newTestConfig(t testing.TB, server *lmstest.Server, courseIDs ...string) config.Config {
	root := t.TempDir()
	courseList := filepath.Join(root, "courses.txt")
	err := os.WriteFile(courseList, []byte(strings.Join(courseIDs, "\n")), 0644)
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.Config{
		BaseURL:      server.URL,
		CourseList:   courseList,
		DownloadRoot: filepath.Join(root, "downloads"),
		HTTP: config.HTTPConfig{
			Retries:      1,
			RetryWait:    "1ms",
			RetryMaxWait: "5ms",
			RateLimit:    -1,
		},
	}
	err = cfg.Normalize()
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newTestPipeline(t testing.TB, cfg config.Config, creds CredentialSource, store Manifest) *Pipeline {
	clock, err := chrono.NewStandardImpl("")
	if err != nil {
		t.Fatal(err)
	}
	return New(cfg, creds, store, clock, telemetry.Discard())
}

func TestRunEndToEnd(t *testing.T) {
	server := lmstest.New(t, "t1", "alice", "pw")
	server.SetCourse("CS101", `<html><body>
<a class="lecture" href="/pluginfile.php/1/lecture1.pdf">Lecture 1</a>
</body></html>`)
	server.SetFile("/pluginfile.php/1/lecture1.pdf", []byte("%PDF-1.4 lecture one"))

	cfg := newTestConfig(t, server, "CS101")
	store, err := manifest.Open(context.Background(), filepath.Join(t.TempDir(), "manifest.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	p := newTestPipeline(t, cfg, alice, store)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, Totals{Succeeded: 1}, summary.Totals())
	require.False(t, summary.HasFailures())

	path := filepath.Join(cfg.DownloadRoot, "CS101", "lecture_slides", "lecture1.pdf")
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "%PDF-1.4 lecture one", string(content))

	for _, dir := range []string{"section_slides", "assignments", "labs", "other"} {
		info, err := os.Stat(filepath.Join(cfg.DownloadRoot, "CS101", dir))
		if err != nil {
			t.Fatal(err)
		}
		require.True(t, info.IsDir())
	}

	entries, err := store.List(context.Background(), "CS101")
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, entries, 1)
	require.Equal(t, "lecture", entries[0].Category)
	require.Equal(t, server.URL+"/pluginfile.php/1/lecture1.pdf", entries[0].URL)

	summary, err = p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, Totals{Skipped: 1}, summary.Totals())
	require.Equal(t, 2, server.Hits("/pluginfile.php/1/lecture1.pdf"))
	require.Equal(t, 2, server.Hits(lmstest.CoursePath))
}

func TestRunLoginRejected(t *testing.T) {
	server := lmstest.New(t, "t1", "alice", "pw")
	server.SetCourse("CS101", `<a href="/pluginfile.php/1/lecture1.pdf">Lecture 1</a>`)
	cfg := newTestConfig(t, server, "CS101")
	p := newTestPipeline(t, cfg, staticCreds{creds: credentials.Credentials{Username: "alice", Password: "nope"}}, nil)

	summary, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrLoginRejected)
	require.Empty(t, summary.Courses)
	require.NotEmpty(t, summary.Error)
	require.Equal(t, 0, server.Hits(lmstest.CoursePath))

	_, err = os.Stat(cfg.DownloadRoot)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunMissingCredentials(t *testing.T) {
	server := lmstest.New(t, "t1", "alice", "pw")
	cfg := newTestConfig(t, server, "CS101")
	p := newTestPipeline(t, cfg, staticCreds{err: credentials.ErrMissingCredentials}, nil)

	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, credentials.ErrMissingCredentials)
	require.Equal(t, 0, server.Hits(lmstest.LoginPath))
}

func TestRunContinuesAfterFailures(t *testing.T) {
	server := lmstest.New(t, "t1", "alice", "pw")
	server.SetCourse("CS102", `<html><body>
<div class="labs">
  <a href="/pluginfile.php/2/lab1.zip">Lab 1</a>
  <a href="/pluginfile.php/2/lab2.zip">Lab 2</a>
</div>
</body></html>`)
	server.SetFile("/pluginfile.php/2/lab1.zip", []byte("PK lab one"))

	cfg := newTestConfig(t, server, "CS102", "CS101")
	p := newTestPipeline(t, cfg, alice, nil)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, summary.HasFailures())
	require.Len(t, summary.Courses, 2)

	missing := summary.Courses[0]
	require.Equal(t, "CS101", missing.Course)
	require.NotEmpty(t, missing.Error)

	partial := summary.Courses[1]
	diff := cmp.Diff(CourseSummary{
		Course:    "CS102",
		Succeeded: 1,
		Failed:    1,
		Failures: []Failure{{
			URL:   server.URL + "/pluginfile.php/2/lab2.zip",
			Label: "Lab 2",
		}},
	}, partial, cmp.FilterPath(func(p cmp.Path) bool {
		return p.Last().String() == ".Error"
	}, cmp.Ignore()))
	if diff != "" {
		t.Fatal(diff)
	}
	require.NotEmpty(t, partial.Failures[0].Error)
}

func TestRunNameCollision(t *testing.T) {
	server := lmstest.New(t, "t1", "alice", "pw")
	server.SetCourse("CS101", `<html><body><div class="lectures">
<a href="/pluginfile.php/1/slides.pdf">Week 1</a>
<a href="/pluginfile.php/2/slides.pdf">Week 2</a>
</div></body></html>`)
	server.SetFile("/pluginfile.php/1/slides.pdf", []byte("week one"))
	server.SetFile("/pluginfile.php/2/slides.pdf", []byte("week two"))

	cfg := newTestConfig(t, server, "CS101")
	p := newTestPipeline(t, cfg, alice, nil)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, Totals{Succeeded: 2}, summary.Totals())

	entries, err := os.ReadDir(filepath.Join(cfg.DownloadRoot, "CS101", "lecture_slides"))
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, entries, 2)

	content, err := os.ReadFile(filepath.Join(cfg.DownloadRoot, "CS101", "lecture_slides", "slides.pdf"))
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "week one", string(content))
}

func TestRunSkipsLogoutLink(t *testing.T) {
	server := lmstest.New(t, "t1", "alice", "pw")
	server.SetCourse("CS101", `<html><body>
<a href="/login/logout.php?sesskey=abc">Log out</a>
<a class="lecture" href="/pluginfile.php/1/lecture1.pdf">Lecture 1</a>
</body></html>`)
	server.SetFile("/pluginfile.php/1/lecture1.pdf", []byte("%PDF-1.4 lecture one"))

	cfg := newTestConfig(t, server, "CS101")
	cfg.Crawl.Concurrency = 1
	p := newTestPipeline(t, cfg, alice, nil)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, Totals{Succeeded: 1}, summary.Totals())
	require.Equal(t, 0, server.Hits(lmstest.LogoutPath))

	content, err := os.ReadFile(filepath.Join(cfg.DownloadRoot, "CS101", "lecture_slides", "lecture1.pdf"))
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "%PDF-1.4 lecture one", string(content))

	others, err := os.ReadDir(filepath.Join(cfg.DownloadRoot, "CS101", "other"))
	if err != nil {
		t.Fatal(err)
	}
	require.Empty(t, others)
}

func TestRunSessionExpired(t *testing.T) {
	server := lmstest.New(t, "t1", "alice", "pw")
	server.SetCourse("CS101", `<div class="lectures">
<a href="/pluginfile.php/1/lecture1.pdf">Lecture 1</a>
<a href="/pluginfile.php/1/lecture2.pdf">Lecture 2</a>
</div>`)
	server.SetCourse("CS102", `<a class="lecture" href="/pluginfile.php/2/lecture1.pdf">Lecture 1</a>`)
	server.SetFile("/pluginfile.php/1/lecture1.pdf", []byte("one"))
	server.SetFile("/pluginfile.php/1/lecture2.pdf", []byte("two"))
	server.SetFile("/pluginfile.php/2/lecture1.pdf", []byte("three"))
	server.ExpireOn("/pluginfile.php/1/lecture1.pdf")

	cfg := newTestConfig(t, server, "CS101", "CS102")
	cfg.Crawl.Concurrency = 1
	p := newTestPipeline(t, cfg, alice, nil)

	summary, err := p.Run(context.Background())
	require.ErrorIs(t, err, lms.ErrSessionExpired)
	require.NotEmpty(t, summary.Error)
	require.Len(t, summary.Courses, 1)
	require.Equal(t, "CS101", summary.Courses[0].Course)
	require.Equal(t, 0, summary.Courses[0].Succeeded)
	require.Equal(t, 2, summary.Courses[0].Failed)
	require.Equal(t, 1, server.Hits(lmstest.CoursePath))
	require.Equal(t, 0, server.Hits("/pluginfile.php/1/lecture2.pdf"))

	written, err := os.ReadDir(filepath.Join(cfg.DownloadRoot, "CS101", "lecture_slides"))
	if err != nil {
		t.Fatal(err)
	}
	require.Empty(t, written)
}

func TestRunExtensionCollision(t *testing.T) {
	server := lmstest.New(t, "t1", "alice", "pw")
	server.SetCourse("CS101", `<html><body>
<a href="/pluginfile.php/5/download">Syllabus</a>
<a href="/pluginfile.php/6/Syllabus.pdf">Syllabus (2023)</a>
</body></html>`)
	server.SetFile("/pluginfile.php/5/download", []byte("%PDF-1.4 version A"))
	server.SetFile("/pluginfile.php/6/Syllabus.pdf", []byte("%PDF-1.4 version B"))

	cfg := newTestConfig(t, server, "CS101")
	p := newTestPipeline(t, cfg, alice, nil)

	summary, err := p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, Totals{Succeeded: 2}, summary.Totals())

	dir := filepath.Join(cfg.DownloadRoot, "CS101", "other")
	labelled := "Syllabus-" + materialize.URLHash(mustLink(t, server.URL+"/pluginfile.php/5/download"))[:8] + ".pdf"
	for name, expected := range map[string]string{
		"Syllabus.pdf": "%PDF-1.4 version B",
		labelled:       "%PDF-1.4 version A",
	} {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, expected, string(content), name)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, entries, 2)

	summary, err = p.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, Totals{Skipped: 2}, summary.Totals())
}

type cancellingManifest struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	entries []manifest.Entry
}

func (m *cancellingManifest) Record(ctx context.Context, entry manifest.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	m.cancel()
	return nil
}

func (m *cancellingManifest) Lookup(ctx context.Context, path string) (manifest.Entry, error) {
	return manifest.Entry{}, manifest.ErrNotFound
}

func TestRunCancelledBetweenCourses(t *testing.T) {
	server := lmstest.New(t, "t1", "alice", "pw")
	server.SetCourse("CS101", `<a class="lecture" href="/pluginfile.php/1/lecture1.pdf">Lecture 1</a>`)
	server.SetCourse("CS102", `<a class="lecture" href="/pluginfile.php/2/lecture1.pdf">Lecture 1</a>`)
	server.SetFile("/pluginfile.php/1/lecture1.pdf", []byte("one"))
	server.SetFile("/pluginfile.php/2/lecture1.pdf", []byte("two"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancellingManifest{cancel: cancel}

	cfg := newTestConfig(t, server, "CS101", "CS102")
	p := newTestPipeline(t, cfg, alice, store)

	summary, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, summary.Courses, 1)
	require.Equal(t, 1, summary.Courses[0].Succeeded)
	require.Equal(t, 1, server.Hits(lmstest.CoursePath))
	require.Equal(t, 0, server.Hits("/pluginfile.php/2/lecture1.pdf"))
	require.False(t, summary.FinishedAt.IsZero())
}

func TestSummaryRendering(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	summary := Summary{
		StartedAt:  start,
		FinishedAt: start.Add(time.Minute),
		Courses: []CourseSummary{
			{Course: "CS101", Succeeded: 2, Skipped: 1},
			{
				Course: "MATH201",
				Failed: 1,
				Failures: []Failure{{
					URL:   "https://lms.example.edu/pluginfile.php/9/sheet1.pdf",
					Error: "fetch: unexpected status 500",
				}},
			},
			{Course: "PHYS110", Error: "fetch course page: unexpected status 404"},
		},
	}
	require.Equal(t, Totals{Succeeded: 2, Skipped: 1, Failed: 1}, summary.Totals())
	require.True(t, summary.Changed())
	require.True(t, summary.HasFailures())

	buff := bytes.NewBuffer(nil)
	summary.Render(buff)
	for _, course := range []string{"CS101", "MATH201", "PHYS110"} {
		require.Contains(t, buff.String(), course)
	}

	text := summary.Text()
	require.Contains(t, text, "succeeded: 2, skipped: 1, failed: 1")
	require.Contains(t, text, "sheet1.pdf: fetch: unexpected status 500")
	require.Contains(t, text, "error: fetch course page: unexpected status 404")
}

func TestNamer(t *testing.T) {
	n := newNamer()
	first := mustLink(t, "https://lms.example.edu/a/notes.pdf")
	second := mustLink(t, "https://lms.example.edu/b/notes.pdf")

	require.Equal(t, "notes.pdf", n.name("dir", first))
	require.Equal(t, "notes.pdf", n.name("dir", first))
	renamed := n.name("dir", second)
	require.NotEqual(t, "notes.pdf", renamed)
	require.True(t, strings.HasPrefix(renamed, "notes-"))
	require.True(t, strings.HasSuffix(renamed, ".pdf"))
	require.Equal(t, "notes.pdf", n.name("other", second))
}

func TestNamerClaim(t *testing.T) {
	n := newNamer()
	labelled := mustLink(t, "https://lms.example.edu/pluginfile.php/5/download")
	labelled.Label = "Syllabus"
	named := mustLink(t, "https://lms.example.edu/pluginfile.php/6/Syllabus.pdf")

	require.Equal(t, "Syllabus", n.name("dir", labelled))
	require.Equal(t, "Syllabus.pdf", n.name("dir", named))

	// the labelled link finishes first but the name was reserved before any download.
	final := n.claim("dir", labelled)("Syllabus.pdf")
	require.Equal(t, "Syllabus-"+materialize.URLHash(labelled)[:8]+".pdf", final)
	require.Equal(t, "Syllabus.pdf", n.claim("dir", named)("Syllabus.pdf"))
	require.Equal(t, final, n.claim("dir", labelled)(final))
}

func mustLink(t testing.TB, rawURL string) crawler.MaterialLink {
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return crawler.MaterialLink{URL: u}
}
