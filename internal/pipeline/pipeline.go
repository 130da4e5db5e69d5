// Package pipeline runs a full synchronization: login, then crawl and materialize every course.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"lmsfetch/internal/components/assert"
	"lmsfetch/internal/components/chrono"
	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/config"
	"lmsfetch/internal/courses"
	"lmsfetch/internal/crawler"
	"lmsfetch/internal/credentials"
	"lmsfetch/internal/lms"
	"lmsfetch/internal/manifest"
	"lmsfetch/internal/materialize"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"
)

var tracer = otel.Tracer("lmsfetch/pipeline")

const (
	report_pipeline_run      = "pipeline.run"
	report_pipeline_course   = "pipeline.course"
	report_pipeline_manifest = "pipeline.manifest"
)

var ErrLoginRejected = errors.New("login rejected by the lms")

// CredentialSource is implemented by *credentials.Resolver.
type CredentialSource interface {
	Resolve(ctx context.Context) (credentials.Credentials, error)
}

// Manifest is implemented by manifest.Store.
type Manifest interface {
	Record(ctx context.Context, entry manifest.Entry) error
	Lookup(ctx context.Context, path string) (manifest.Entry, error)
}

type Pipeline struct {
	cfg      config.Config
	creds    CredentialSource
	manifest Manifest
	clock    chrono.API
	tel      telemetry.API
}

// New creates a pipeline, `store` may be nil when no manifest is kept.
func New(cfg config.Config, creds CredentialSource, store Manifest, clock chrono.API, tel telemetry.API) *Pipeline {
	assert.NotNil(creds)
	assert.NotNil(clock)
	assert.NotNil(tel)
	return &Pipeline{
		cfg:      cfg,
		creds:    creds,
		manifest: store,
		clock:    clock,
		tel:      telemetry.NewScopedAPI("pipeline", tel),
	}
}

func (p *Pipeline) sessionOptions() lms.Options {
	return lms.Options{
		LoginURL:         p.cfg.LoginURL,
		LandingURL:       p.cfg.LandingURL,
		Timeout:          p.cfg.HTTP.TimeoutDuration,
		Retries:          p.cfg.HTTP.Retries,
		RetryWait:        p.cfg.HTTP.RetryWaitDuration,
		RetryMaxWait:     p.cfg.HTTP.RetryMaxWaitDuration,
		RateLimit:        p.cfg.HTTP.RateLimit,
		Burst:            p.cfg.HTTP.Burst,
		UserAgent:        p.cfg.HTTP.UserAgent,
		CloudflareBypass: p.cfg.HTTP.CloudflareBypass,
		DumpDir:          p.cfg.HTTP.DumpDir,
	}
}

// Authenticate resolves the credentials and logs a fresh session in. A rejected login is
// ErrLoginRejected.
func (p *Pipeline) Authenticate(ctx context.Context) (*lms.Session, error) {
	creds, err := p.creds.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	session, err := lms.NewSession(p.sessionOptions(), p.tel)
	if err != nil {
		return nil, err
	}
	ok, err := session.Login(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if !ok {
		return nil, ErrLoginRejected
	}
	return session, nil
}

// Layout loads the course list and creates the directories of every course.
func (p *Pipeline) Layout() ([]courses.Course, error) {
	list, err := courses.Load(p.cfg.CourseList)
	if err != nil {
		return nil, err
	}
	err = courses.EnsureLayout(list, p.cfg.DownloadRoot)
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Run performs one synchronization. The summary is valid even when an error is returned, it then
// holds whatever was completed before the run stopped. A session that expires mid-run stops the
// run after the current course with lms.ErrSessionExpired.
func (p *Pipeline) Run(ctx context.Context) (summary Summary, err error) {
	ctx, span := tracer.Start(ctx, "pipeline:Run")
	defer span.End()

	summary.StartedAt = p.clock.Now()
	defer func() {
		summary.FinishedAt = p.clock.Now()
		if err != nil {
			summary.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, "run failed")
		}
	}()

	session, err := p.Authenticate(ctx)
	if err != nil {
		p.tel.ReportBroken(report_pipeline_run, err)
		return summary, err
	}

	list, err := p.Layout()
	if err != nil {
		p.tel.ReportBroken(report_pipeline_run, err)
		return summary, err
	}

	crawl := crawler.New(session, p.cfg.CoursePageURL, p.cfg.Crawl.Selector, p.tel)
	materializer := materialize.New(session, p.tel)

	for _, course := range courses.Sorted(list) {
		err = ctx.Err()
		if err != nil {
			p.tel.ReportWarning(report_pipeline_run, fmt.Errorf("cancelled before %s: %w", course.ID, err))
			return summary, err
		}

		courseSummary := p.syncCourse(ctx, crawl, materializer, course)
		summary.Courses = append(summary.Courses, courseSummary)

		if session.State() != lms.Authenticated {
			err = fmt.Errorf("sync %s: %w", course.ID, lms.ErrSessionExpired)
			p.tel.ReportBroken(report_pipeline_run, err)
			return summary, err
		}
	}

	err = ctx.Err()
	if err != nil {
		return summary, err
	}

	totals := summary.Totals()
	p.tel.ReportCount("pipeline.succeeded", int64(totals.Succeeded))
	p.tel.ReportCount("pipeline.skipped", int64(totals.Skipped))
	p.tel.ReportCount("pipeline.failed", int64(totals.Failed))
	span.SetAttributes(
		attribute.Int("pipeline.succeeded", totals.Succeeded),
		attribute.Int("pipeline.skipped", totals.Skipped),
		attribute.Int("pipeline.failed", totals.Failed),
	)

	return summary, nil
}

type job struct {
	link  crawler.MaterialLink
	dir   string
	name  string
	claim materialize.Claim
}

func (p *Pipeline) syncCourse(ctx context.Context, crawl *crawler.Crawler, materializer *materialize.Materializer, course courses.Course) CourseSummary {
	ctx, span := tracer.Start(ctx, "pipeline:syncCourse")
	defer span.End()
	span.SetAttributes(attribute.String("course", course.ID))

	summary := CourseSummary{Course: course.ID}

	links, err := crawl.Discover(ctx, course)
	if err != nil {
		p.tel.ReportWarning(report_pipeline_course, err, course.ID)
		span.SetStatus(codes.Error, "discover failed")
		summary.Error = err.Error()
		return summary
	}

	names := newNamer()
	var jobs []job
	for link := range links {
		dir := courses.Dir(p.cfg.DownloadRoot, course, link.Category)
		jobs = append(jobs, job{
			link:  link,
			dir:   dir,
			name:  names.name(dir, link),
			claim: names.claim(dir, link),
		})
	}

	mu := sync.Mutex{}
	wg := sync.WaitGroup{}
	sem := semaphore.NewWeighted(int64(max(p.cfg.Crawl.Concurrency, 1)))
	for _, j := range jobs {
		err := sem.Acquire(ctx, 1)
		if err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			if ctx.Err() != nil {
				return
			}
			result, err := materializer.MaterializeClaimed(ctx, j.link, j.dir, j.name, j.claim)
			if err != nil && ctx.Err() != nil {
				return
			}

			if err == nil {
				p.record(ctx, course, j.link, result)
			}

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				summary.Failed++
				summary.Failures = append(summary.Failures, Failure{
					URL:   j.link.URL.String(),
					Label: j.link.Label,
					Error: err.Error(),
				})
			case result.Outcome == materialize.Skipped:
				summary.Skipped++
			default:
				summary.Succeeded++
			}
		}()
	}
	wg.Wait()

	p.tel.ReportInfo(
		"course synced",
		course.ID,
		fmt.Sprintf("succeeded=%d skipped=%d failed=%d", summary.Succeeded, summary.Skipped, summary.Failed),
	)
	return summary
}

// record writes the artifact into the manifest, failures are reported but never fail the link.
func (p *Pipeline) record(ctx context.Context, course courses.Course, link crawler.MaterialLink, result materialize.Result) {
	if p.manifest == nil {
		return
	}

	if result.Outcome == materialize.Skipped {
		_, err := p.manifest.Lookup(ctx, result.Artifact.Path)
		if err == nil {
			return
		}
		if !errors.Is(err, manifest.ErrNotFound) {
			p.tel.ReportWarning(report_pipeline_manifest, fmt.Errorf("lookup: %w", err), result.Artifact.Path)
			return
		}
	}

	err := p.manifest.Record(ctx, manifest.Entry{
		Path:        result.Artifact.Path,
		Course:      course.ID,
		Category:    link.Category.String(),
		URL:         link.URL.String(),
		Fingerprint: result.Artifact.Fingerprint,
		Size:        result.Artifact.Size,
		UpdatedAt:   p.clock.Now(),
	})
	if err != nil {
		p.tel.ReportWarning(report_pipeline_manifest, fmt.Errorf("record: %w", err), result.Artifact.Path)
	}
}

// namer hands out file names within a course, two different urls never get the same name in
// the same directory.
//
// Names are first reserved in document order from the link alone. Once the response has added
// an extension, the final name is claimed again: a final name reserved by another link gets the
// url hash suffix, so which link keeps the plain name does not depend on download order.
type namer struct {
	mu    sync.Mutex
	taken map[string]string
}

func newNamer() *namer {
	return &namer{taken: map[string]string{}}
}

// reserve gives `name` to `rawURL` in `dir`, or a name suffixed with `hash` if it is taken.
func (n *namer) reserve(dir, name, rawURL, hash string) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	owner, ok := n.taken[dir+"\x00"+name]
	if !ok || owner == rawURL {
		n.taken[dir+"\x00"+name] = rawURL
		return name
	}

	name = materialize.WithSuffix(name, hash[:8])
	n.taken[dir+"\x00"+name] = rawURL
	return name
}

func (n *namer) name(dir string, link crawler.MaterialLink) string {
	return n.reserve(dir, materialize.FileName(link), link.URL.String(), materialize.URLHash(link))
}

func (n *namer) claim(dir string, link crawler.MaterialLink) materialize.Claim {
	rawURL := link.URL.String()
	hash := materialize.URLHash(link)
	return func(name string) string {
		return n.reserve(dir, name, rawURL, hash)
	}
}
