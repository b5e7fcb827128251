package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/scan2doc/scan2doc/internal/domain"
)

func artifactCacheKey(pageID string, kind domain.ArtifactKind) string {
	return "art:" + pageID + ":" + string(kind)
}

// PutArtifact stores (or replaces) the blob of the given kind for a page.
func (s *Store) PutArtifact(ctx context.Context, pageID string, kind domain.ArtifactKind, data []byte) error {
	query := `
		INSERT INTO artifacts (page_id, kind, ref, seq, data, meta, created_at)
		VALUES (?, ?, '', 0, ?, '{}', ?)
		ON CONFLICT(page_id, kind, ref) DO UPDATE SET data = excluded.data, created_at = excluded.created_at
	`
	if _, err := s.db.ExecContext(ctx, query, pageID, kind, data, time.Now()); err != nil {
		return fmt.Errorf("put artifact %s/%s: %w", pageID, kind, err)
	}
	_ = s.cache.Delete(ctx, artifactCacheKey(pageID, kind))
	return nil
}

// GetArtifact retrieves the blob of the given kind for a page, consulting
// the read cache first.
func (s *Store) GetArtifact(ctx context.Context, pageID string, kind domain.ArtifactKind) ([]byte, error) {
	key := artifactCacheKey(pageID, kind)
	if data, err := s.cache.Get(ctx, key); err == nil {
		return data, nil
	}

	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM artifacts WHERE page_id = ? AND kind = ? AND ref = ''`,
		pageID, kind).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	_ = s.cache.Set(ctx, key, data, s.cacheTTL)
	return data, nil
}

// HasArtifact reports whether a blob of the given kind exists for a page.
// The render pipeline keys resume idempotency on this check.
func (s *Store) HasArtifact(ctx context.Context, pageID string, kind domain.ArtifactKind) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM artifacts WHERE page_id = ? AND kind = ? AND ref = ''`,
		pageID, kind).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DeleteArtifact removes one artifact kind for a page.
func (s *Store) DeleteArtifact(ctx context.Context, pageID string, kind domain.ArtifactKind) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE page_id = ? AND kind = ?`, pageID, kind); err != nil {
		return err
	}
	return s.cache.Delete(ctx, artifactCacheKey(pageID, kind))
}

// SaveOCRResult persists the structured OCR result for a page. A retry
// replaces the whole result.
func (s *Store) SaveOCRResult(ctx context.Context, pageID string, res *domain.OCRResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal ocr result: %w", err)
	}
	return s.PutArtifact(ctx, pageID, domain.ArtifactOCR, data)
}

// GetOCRResult retrieves the structured OCR result for a page.
func (s *Store) GetOCRResult(ctx context.Context, pageID string) (*domain.OCRResult, error) {
	data, err := s.GetArtifact(ctx, pageID, domain.ArtifactOCR)
	if err != nil {
		return nil, err
	}
	res := &domain.OCRResult{}
	if err := json.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("unmarshal ocr result: %w", err)
	}
	return res, nil
}

// ExtractedImage is one cropped sub-image belonging to a page, addressed
// globally by its own id through the scan2doc-img scheme.
type ExtractedImage struct {
	ID     string
	PageID string
	Seq    int
	Data   []byte
}

// PutExtracted stores one extracted sub-image.
func (s *Store) PutExtracted(ctx context.Context, pageID, id string, seq int, data []byte) error {
	query := `
		INSERT INTO artifacts (page_id, kind, ref, seq, data, meta, created_at)
		VALUES (?, ?, ?, ?, ?, '{}', ?)
		ON CONFLICT(page_id, kind, ref) DO UPDATE SET data = excluded.data, seq = excluded.seq
	`
	_, err := s.db.ExecContext(ctx, query,
		pageID, domain.ArtifactExtracted, id, seq, data, time.Now())
	return err
}

// GetExtracted retrieves an extracted sub-image by its global id.
func (s *Store) GetExtracted(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM artifacts WHERE kind = ? AND ref = ?`,
		domain.ArtifactExtracted, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return data, err
}

// ListExtracted returns a page's extracted sub-images ordered by their
// original extraction index.
func (s *Store) ListExtracted(ctx context.Context, pageID string) ([]ExtractedImage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ref, seq, data FROM artifacts WHERE page_id = ? AND kind = ? ORDER BY seq`,
		pageID, domain.ArtifactExtracted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []ExtractedImage
	for rows.Next() {
		img := ExtractedImage{PageID: pageID}
		if err := rows.Scan(&img.ID, &img.Seq, &img.Data); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// PutSource persists an ingested source PDF under its own id, independent
// of any single page: pages split from it reference it via Page.SourceID.
func (s *Store) PutSource(ctx context.Context, sourceID string, data []byte) error {
	return s.PutArtifact(ctx, sourceID, domain.ArtifactSource, data)
}

// GetSource retrieves a persisted source PDF.
func (s *Store) GetSource(ctx context.Context, sourceID string) ([]byte, error) {
	return s.GetArtifact(ctx, sourceID, domain.ArtifactSource)
}

// CountPagesBySource reports how many pages still reference a source PDF.
// The pipeline garbage-collects the source blob when the count drops to zero.
func (s *Store) CountPagesBySource(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pages WHERE source_id = ?`, sourceID).Scan(&n)
	return n, err
}

// DeleteSource removes a persisted source PDF.
func (s *Store) DeleteSource(ctx context.Context, sourceID string) error {
	return s.DeleteArtifact(ctx, sourceID, domain.ArtifactSource)
}

// DeleteExtracted removes every extracted sub-image belonging to a page.
func (s *Store) DeleteExtracted(ctx context.Context, pageID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM artifacts WHERE page_id = ? AND kind = ?`,
		pageID, domain.ArtifactExtracted)
	return err
}
