// Package store is the persistence collaborator: a SQLite-backed page and
// artifact store addressed by page id and artifact kind, with a read-through
// cache for artifact blobs. Deleting a page cascades to every dependent
// artifact in one transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/scan2doc/scan2doc/internal/cache"
	"github.com/scan2doc/scan2doc/internal/domain"
)

// ErrNotFound indicates a missing page or artifact.
var ErrNotFound = errors.New("record not found")

// Options configures the store.
type Options struct {
	Path         string
	MaxOpenConns int
	JournalMode  string
	Cache        cache.Client
	CacheTTL     time.Duration
}

// Store wraps the SQLite database.
type Store struct {
	db       *sql.DB
	cache    cache.Client
	cacheTTL time.Duration
}

// Open opens (creating if necessary) the store at opts.Path.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		opts.Path = ":memory:"
	}
	journal := opts.JournalMode
	if journal == "" {
		journal = "WAL"
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_foreign_keys=on", opts.Path, journal)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, cache: opts.Cache, cacheTTL: opts.CacheTTL}
	if s.cache == nil {
		s.cache = cache.NewMemoryClient(256)
	}
	if s.cacheTTL == 0 {
		s.cacheTTL = 5 * time.Minute
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pages (
		id         TEXT PRIMARY KEY,
		idx        INTEGER NOT NULL,
		origin     TEXT NOT NULL,
		file_name  TEXT NOT NULL DEFAULT '',
		file_size  INTEGER NOT NULL DEFAULT 0,
		mime_type  TEXT NOT NULL DEFAULT '',
		pdf_page   INTEGER NOT NULL DEFAULT 0,
		source_id  TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL,
		width      INTEGER NOT NULL DEFAULT 0,
		height     INTEGER NOT NULL DEFAULT 0,
		logs       TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE TABLE IF NOT EXISTS artifacts (
		page_id    TEXT NOT NULL,
		kind       TEXT NOT NULL,
		ref        TEXT NOT NULL DEFAULT '',
		seq        INTEGER NOT NULL DEFAULT 0,
		data       BLOB NOT NULL,
		meta       TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (page_id, kind, ref)
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_ref ON artifacts(kind, ref);
	CREATE INDEX IF NOT EXISTS idx_pages_idx ON pages(idx);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close closes the database and the cache.
func (s *Store) Close() error {
	_ = s.cache.Close()
	return s.db.Close()
}

// CreatePage inserts a new page record.
func (s *Store) CreatePage(ctx context.Context, p *domain.Page) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	logs, err := json.Marshal(p.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}

	query := `
		INSERT INTO pages (id, idx, origin, file_name, file_size, mime_type,
			pdf_page, source_id, status, width, height, logs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.Index, p.Origin, p.FileName, p.FileSize, p.MIMEType,
		p.PDFPage, p.SourceID, p.Status, p.Width, p.Height, string(logs),
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetPage retrieves a page by id.
func (s *Store) GetPage(ctx context.Context, id string) (*domain.Page, error) {
	query := `
		SELECT id, idx, origin, file_name, file_size, mime_type,
			pdf_page, source_id, status, width, height, logs, created_at, updated_at
		FROM pages WHERE id = ?
	`
	return scanPage(s.db.QueryRowContext(ctx, query, id))
}

// ListPages returns all pages ordered by their order index.
func (s *Store) ListPages(ctx context.Context) ([]*domain.Page, error) {
	query := `
		SELECT id, idx, origin, file_name, file_size, mime_type,
			pdf_page, source_id, status, width, height, logs, created_at, updated_at
		FROM pages ORDER BY idx
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []*domain.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// UpdatePage persists the mutable fields of a page (status, logs, dims, idx).
func (s *Store) UpdatePage(ctx context.Context, p *domain.Page) error {
	p.UpdatedAt = time.Now()
	logs, err := json.Marshal(p.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}

	query := `
		UPDATE pages SET idx = ?, status = ?, width = ?, height = ?,
			logs = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		p.Index, p.Status, p.Width, p.Height, string(logs), p.UpdatedAt, p.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// DeletePage removes a page and all dependent artifacts in one transaction.
func (s *Store) DeletePage(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE page_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	_ = s.cache.DeleteByPrefix(ctx, "art:"+id+":")
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPage(row rowScanner) (*domain.Page, error) {
	p := &domain.Page{}
	var logs string
	err := row.Scan(&p.ID, &p.Index, &p.Origin, &p.FileName, &p.FileSize,
		&p.MIMEType, &p.PDFPage, &p.SourceID, &p.Status, &p.Width, &p.Height,
		&logs, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(logs), &p.Logs); err != nil {
		return nil, fmt.Errorf("unmarshal logs: %w", err)
	}
	return p, nil
}
