// Package manifest keeps a record of every artifact that has been written to disk.
package manifest

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/tursodatabase/libsql-client-go/libsql"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var Schema string

var ErrNotFound = errors.New("artifact not found in manifest")

type Entry struct {
	Path        string
	Course      string
	Category    string
	URL         string
	Fingerprint string
	Size        int64
	UpdatedAt   time.Time
}

type Store struct {
	db *sql.DB
}

func isRemote(dsn string) bool {
	for _, prefix := range []string{"libsql://", "http://", "https://", "ws://", "wss://"} {
		if strings.HasPrefix(dsn, prefix) {
			return true
		}
	}
	return false
}

func openSqlite(dsn string) (*sql.DB, error) {
	if dsn != ":memory:" {
		err := os.MkdirAll(filepath.Dir(dsn), 0755)
		if err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite does not support concurrent writers
	db.SetMaxOpenConns(1)
	if dsn != ":memory:" {
		_, err = db.Exec("PRAGMA journal_mode=WAL")
		if err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Open opens (and creates if needed) the manifest at `dsn`, which is either a sqlite file path
// or a libsql url.
func Open(ctx context.Context, dsn string) (Store, error) {
	var db *sql.DB
	var err error
	if isRemote(dsn) {
		db, err = sql.Open("libsql", dsn)
	} else {
		db, err = openSqlite(dsn)
	}
	if err != nil {
		return Store{}, fmt.Errorf("open manifest: %w", err)
	}

	_, err = db.ExecContext(ctx, Schema)
	if err != nil {
		db.Close()
		return Store{}, fmt.Errorf("create manifest schema: %w", err)
	}
	return Store{db: db}, nil
}

func (s Store) Close() error {
	return s.db.Close()
}

// Record inserts or replaces the entry for `entry.Path`.
func (s Store) Record(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(
		ctx,
		`insert into artifacts(path, course, category, url, fingerprint, size, updated_at)
		values (?, ?, ?, ?, ?, ?, ?)
		on conflict(path) do update set
			course = excluded.course,
			category = excluded.category,
			url = excluded.url,
			fingerprint = excluded.fingerprint,
			size = excluded.size,
			updated_at = excluded.updated_at`,
		entry.Path,
		entry.Course,
		entry.Category,
		entry.URL,
		entry.Fingerprint,
		entry.Size,
		entry.UpdatedAt.Unix(),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var entry Entry
	var updatedAt int64
	err := row.Scan(
		&entry.Path,
		&entry.Course,
		&entry.Category,
		&entry.URL,
		&entry.Fingerprint,
		&entry.Size,
		&updatedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	entry.UpdatedAt = time.Unix(updatedAt, 0)
	return entry, nil
}

const selectEntry = `select path, course, category, url, fingerprint, size, updated_at from artifacts`

func (s Store) Lookup(ctx context.Context, path string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` where path = ?`, path)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return entry, err
}

// List returns the entries of `course` ordered by path, an empty course lists everything.
func (s Store) List(ctx context.Context, course string) ([]Entry, error) {
	query := selectEntry + ` order by course, path`
	args := []any{}
	if course != "" {
		query = selectEntry + ` where course = ? order by path`
		args = append(args, course)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
