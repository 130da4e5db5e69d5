// Package materialize writes fetched course materials to disk, skipping files whose content
// has not changed.
package materialize

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"lmsfetch/internal/components/assert"
	"lmsfetch/internal/components/telemetry"
	"lmsfetch/internal/crawler"
	"lmsfetch/internal/lms"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	report_materialize_fetch              = "materialize.fetch"
	report_materialize_write              = "materialize.write"
	report_materialize_resolve_workaround = "materialize.resolve-workaround"
)

type Outcome int

const (
	Created Outcome = iota
	Updated
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Artifact is a material as stored on disk, Fingerprint is the hex sha256 of its content.
type Artifact struct {
	Path        string
	Fingerprint string
	Size        int64
}

type Result struct {
	Outcome  Outcome
	Artifact Artifact
}

// FetchError is returned when the bytes of a material could not be retrieved.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

type Materializer struct {
	fetcher crawler.Fetcher
	locks   *pathLocks
	tel     telemetry.API
}

// New creates a Materializer, it can be shared by any amount of goroutines.
func New(fetcher crawler.Fetcher, tel telemetry.API) *Materializer {
	assert.NotNil(fetcher)
	assert.NotNil(tel)
	return &Materializer{
		fetcher: fetcher,
		locks:   newPathLocks(),
		tel:     telemetry.NewScopedAPI("materialize", tel),
	}
}

func Fingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// fingerprintFile returns the fingerprint of the file at `path`, or os.ErrNotExist.
func fingerprintFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	_, err = io.Copy(hash, f)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// writeAtomic writes `content` to a temporary file next to `path` and renames it into place so
// `path` never holds partial content.
func writeAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.part")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	_, err = tmp.Write(content)
	if err != nil {
		tmp.Close()
		return err
	}
	err = tmp.Sync()
	if err != nil {
		tmp.Close()
		return err
	}
	err = tmp.Close()
	if err != nil {
		return err
	}
	err = os.Chmod(tmpPath, 0644)
	if err != nil {
		return err
	}
	err = os.Rename(tmpPath, path)
	if err != nil {
		return err
	}
	committed = true
	return nil
}

func isHTML(page *lms.Page) bool {
	mediatype, _, err := mime.ParseMediaType(page.Header.Get("content-type"))
	return err == nil && mediatype == "text/html"
}

// resolveWorkaround follows the "click here to open the file" page moodle serves for
// embedded resources and urls. Any other page is returned as is.
func (m *Materializer) resolveWorkaround(ctx context.Context, page *lms.Page) (*lms.Page, error) {
	if page.URL == nil || !isHTML(page) ||
		!(strings.Contains(page.URL.Path, "/mod/resource") || strings.Contains(page.URL.Path, "/mod/url")) {
		return page, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		m.tel.ReportWarning(report_materialize_resolve_workaround, fmt.Errorf("parse: %w", err), page.URL.String())
		return page, nil
	}

	href, ok := doc.Find("div.resourceworkaround a").First().Attr("href")
	if !ok {
		href, ok = doc.Find("div.urlworkaround a").First().Attr("href")
	}
	if !ok {
		return page, nil
	}

	target, err := page.URL.Parse(href)
	if err != nil {
		m.tel.ReportWarning(report_materialize_resolve_workaround, fmt.Errorf("parse href: %w", err), href)
		return page, nil
	}
	m.tel.ReportDebug("resolved workaround link", page.URL.String(), target.String())

	return m.fetcher.Get(ctx, target.String())
}

// Materialize downloads `link` into `destDir` under FileName(link).
func (m *Materializer) Materialize(ctx context.Context, link crawler.MaterialLink, destDir string) (Result, error) {
	return m.MaterializeAs(ctx, link, destDir, FileName(link))
}

// Claim is handed the final file name of a link, extension included, and returns the name the
// link may write to. It lets callers keep links of one directory from sharing a file.
type Claim func(name string) string

// MaterializeAs downloads `link` into `destDir` as `name`. When `name` has no extension, the
// extension of the response (content-disposition or content-type) is appended.
//
// An existing file with the same content is left untouched (Skipped), otherwise the file is
// replaced atomically (Created or Updated).
func (m *Materializer) MaterializeAs(ctx context.Context, link crawler.MaterialLink, destDir, name string) (Result, error) {
	return m.MaterializeClaimed(ctx, link, destDir, name, nil)
}

// MaterializeClaimed is MaterializeAs with the final name passed through `claim` before anything
// is written, a nil `claim` keeps the name.
func (m *Materializer) MaterializeClaimed(ctx context.Context, link crawler.MaterialLink, destDir, name string, claim Claim) (Result, error) {
	assert.NotEmptyStr(name)

	err := ctx.Err()
	if err != nil {
		return Result{}, err
	}

	rawURL := link.URL.String()
	page, err := m.fetcher.Get(ctx, rawURL)
	if err == nil {
		page, err = m.resolveWorkaround(ctx, page)
	}
	if err != nil {
		m.tel.ReportWarning(report_materialize_fetch, err, rawURL)
		return Result{}, &FetchError{URL: rawURL, Err: err}
	}

	name = withResponseExtension(name, page.Header)
	if claim != nil {
		name = claim(name)
	}
	dest, err := filepath.Abs(filepath.Join(destDir, name))
	if err != nil {
		return Result{}, err
	}
	artifact := Artifact{
		Path:        dest,
		Fingerprint: Fingerprint(page.Body),
		Size:        int64(len(page.Body)),
	}

	unlock := m.locks.Lock(dest)
	defer unlock()

	outcome := Created
	existing, err := fingerprintFile(dest)
	switch {
	case err == nil && existing == artifact.Fingerprint:
		m.tel.ReportInfo("unchanged, skipping", dest)
		return Result{Outcome: Skipped, Artifact: artifact}, nil
	case err == nil:
		outcome = Updated
	case !errors.Is(err, os.ErrNotExist):
		m.tel.ReportWarning(report_materialize_write, fmt.Errorf("fingerprint existing: %w", err), dest)
		outcome = Updated
	}

	err = writeAtomic(dest, page.Body)
	if err != nil {
		m.tel.ReportBroken(report_materialize_write, err, dest)
		return Result{}, fmt.Errorf("write %s: %w", dest, err)
	}

	m.tel.ReportInfo(outcome.String(), dest, artifact.Size)
	return Result{Outcome: outcome, Artifact: artifact}, nil
}
