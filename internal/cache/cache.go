// Package cache provides the SQLite-backed local document cache: the last
// good body of every remote collection, with the validators needed for
// conditional requests.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"tourkita/internal/cache/migrations"
	"tourkita/internal/errs"
)

const migrationTable = "schema_migrations"

// Entry holds HTTP cache metadata and body for a single remote URL.
type Entry struct {
	URL          string
	ETag         string
	LastModified string
	Body         []byte
	UpdatedAt    time.Time
}

// Store persists entries in SQLite.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the cache database at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("cache path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Get returns the cached entry for url, or a not_found error.
func (s *Store) Get(ctx context.Context, url string) (Entry, error) {
	if s == nil || s.sqlDB == nil {
		return Entry{}, errs.New(errs.KindUnavailable, "cache.get", errors.New("storage is not configured"))
	}
	var (
		e         Entry
		updatedAt int64
	)
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT url, etag, last_modified, body, updated_at FROM documents WHERE url = ?`, url)
	if err := row.Scan(&e.URL, &e.ETag, &e.LastModified, &e.Body, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, errs.NotFound("cache.get", err)
		}
		return Entry{}, errs.Filesystem("cache.get", err)
	}
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return e, nil
}

// Put inserts or replaces the entry for e.URL.
func (s *Store) Put(ctx context.Context, e Entry) error {
	if s == nil || s.sqlDB == nil {
		return errs.New(errs.KindUnavailable, "cache.put", errors.New("storage is not configured"))
	}
	if e.URL == "" {
		return errs.Invalid("cache.put", errors.New("url is required"))
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	if e.Body == nil {
		e.Body = []byte{}
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO documents (url, etag, last_modified, body, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET
		   etag = excluded.etag,
		   last_modified = excluded.last_modified,
		   body = excluded.body,
		   updated_at = excluded.updated_at`,
		e.URL, e.ETag, e.LastModified, e.Body, e.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return errs.Filesystem("cache.put", err)
	}
	return nil
}

// Delete removes the entry for url; deleting a missing entry is not an error.
func (s *Store) Delete(ctx context.Context, url string) error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM documents WHERE url = ?`, url); err != nil {
		return errs.Filesystem("cache.delete", err)
	}
	return nil
}

// applyMigrations executes embedded migrations at most once per file.
func applyMigrations(sqlDB *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var sqlFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			sqlFiles = append(sqlFiles, entry.Name())
		}
	}
	sort.Strings(sqlFiles)

	if _, err := sqlDB.Exec(`CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range sqlFiles {
		var found int
		err := sqlDB.QueryRow("SELECT 1 FROM "+migrationTable+" WHERE name = ?", file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}

		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := extractUp(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		tx, err := sqlDB.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.Exec(upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec("INSERT INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
			file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// extractUp returns the SQL in the -- +migrate Up section.
func extractUp(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, up)
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, down)
	if downIdx == -1 {
		return content[upIdx+len(up):]
	}
	return content[upIdx+len(up) : downIdx]
}
