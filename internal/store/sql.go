package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/database"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// SQLStore persists records through database.DB. Each record is one row in
// scan_records with the full record as a JSON payload; scan_current points
// at the current record per URL.
type SQLStore struct {
	db    database.DB
	limit int
}

// NewSQL creates a SQLStore. The database must already be migrated.
func NewSQL(db database.DB, limit int) *SQLStore {
	return &SQLStore{db: db, limit: historyLimit(limit)}
}

type recordRow struct {
	ID            string `db:"id"`
	RepoURL       string `db:"repo_url"`
	CommitHash    string `db:"commit_hash"`
	ScannedAt     string `db:"scanned_at"`
	FindingsCount int    `db:"findings_count"`
	Payload       string `db:"payload"`
}

type currentRow struct {
	RepoURL   string `db:"repo_url"`
	RecordID  string `db:"record_id"`
	UpdatedAt string `db:"updated_at"`
}

// payloadRow is scanned positionally by Get: keep field order in sync with
// the selected columns.
type payloadRow struct {
	ID      string `db:"id"`
	Payload string `db:"payload"`
}

type countRow struct {
	N int `db:"n"`
}

type countsRow struct {
	Current int `db:"cur"`
	Total   int `db:"total"`
	Repos   int `db:"repos"`
	Hits    int `db:"hits"`
}

const selectCurrent = `SELECT r.id, r.payload FROM scan_current c JOIN scan_records r ON r.id = c.record_id`

func decodeRecord(row payloadRow) (*models.ScanRecord, error) {
	var rec models.ScanRecord
	if err := json.Unmarshal([]byte(row.Payload), &rec); err != nil {
		return nil, fmt.Errorf("%w: record %s: %v", ErrCorrupt, row.ID, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: record %s: %v", ErrCorrupt, row.ID, err)
	}
	rec.ID = row.ID
	return &rec, nil
}

// decodeAll decodes rows, skipping corrupt ones.
func decodeAll(rows []payloadRow) []*models.ScanRecord {
	out := make([]*models.ScanRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRecord(row)
		if err != nil {
			slog.Warn("Skipping corrupt scan record", "id", row.ID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (s *SQLStore) Current(ctx context.Context, repoURL string) (*models.ScanRecord, error) {
	var row payloadRow
	err := s.db.Get(ctx, &row, selectCurrent+` WHERE c.repo_url = ?`, repoURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading current record for %s: %w", repoURL, err)
	}
	return decodeRecord(row)
}

func (s *SQLStore) Put(ctx context.Context, rec *models.ScanRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("refusing to store invalid record: %w", err)
	}
	cp := persistable(rec)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
		rec.ID = cp.ID
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}

	// The history row and the current pointer land together or not at all.
	err = s.db.InTx(ctx, func(tx database.DB) error {
		if _, err := tx.Insert(ctx, "scan_records", recordRow{
			ID:            cp.ID,
			RepoURL:       cp.RepoURL,
			CommitHash:    cp.CommitHash,
			ScannedAt:     formatTime(cp.Timestamp),
			FindingsCount: len(cp.Findings),
			Payload:       string(payload),
		}); err != nil {
			return fmt.Errorf("inserting scan record: %w", err)
		}
		if err := tx.Upsert(ctx, "scan_current", currentRow{
			RepoURL:   cp.RepoURL,
			RecordID:  cp.ID,
			UpdatedAt: formatTime(time.Now()),
		}, []string{"repo_url"}); err != nil {
			return fmt.Errorf("marking record current: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// The derived table lets MySQL use LIMIT inside the subquery.
	err = s.db.Exec(ctx, `DELETE FROM scan_records
		WHERE repo_url = ? AND id <> ? AND id NOT IN (
			SELECT id FROM (
				SELECT id FROM scan_records WHERE repo_url = ? ORDER BY scanned_at DESC LIMIT ?
			) recent
		)`, cp.RepoURL, cp.ID, cp.RepoURL, s.limit)
	if err != nil {
		slog.Warn("Failed to prune scan history", "repo", cp.RepoURL, "error", err)
	}
	return nil
}

func (s *SQLStore) Invalidate(ctx context.Context, repoURL string) error {
	if err := s.db.Exec(ctx, `DELETE FROM scan_current WHERE repo_url = ?`, repoURL); err != nil {
		return fmt.Errorf("invalidating %s: %w", repoURL, err)
	}
	return nil
}

func (s *SQLStore) InvalidateAll(ctx context.Context) (int, error) {
	var c countRow
	if err := s.db.Get(ctx, &c, `SELECT COUNT(*) AS n FROM scan_current`); err != nil {
		return 0, fmt.Errorf("counting current records: %w", err)
	}
	if err := s.db.Exec(ctx, `DELETE FROM scan_current`); err != nil {
		return 0, fmt.Errorf("invalidating all records: %w", err)
	}
	return c.N, nil
}

func (s *SQLStore) History(ctx context.Context, repoURL string, limit int) ([]*models.ScanRecord, error) {
	if limit <= 0 {
		limit = s.limit
	}
	var rows []payloadRow
	err := s.db.Select(ctx, &rows,
		`SELECT id, payload FROM scan_records WHERE repo_url = ? ORDER BY scanned_at DESC LIMIT ?`,
		repoURL, limit)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", repoURL, err)
	}
	return decodeAll(rows), nil
}

func (s *SQLStore) Records(ctx context.Context, limit, offset int) ([]*models.ScanRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	var rows []payloadRow
	err := s.db.Select(ctx, &rows,
		selectCurrent+` ORDER BY r.scanned_at DESC, r.repo_url ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing current records: %w", err)
	}
	return decodeAll(rows), nil
}

func (s *SQLStore) ListStale(ctx context.Context, maxAge time.Duration) ([]*models.ScanRecord, error) {
	cutoff := formatTime(time.Now().Add(-maxAge))
	var rows []payloadRow
	err := s.db.Select(ctx, &rows,
		selectCurrent+` WHERE r.scanned_at < ? ORDER BY r.scanned_at DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale records: %w", err)
	}
	return decodeAll(rows), nil
}

func (s *SQLStore) MostScanned(ctx context.Context, n int) ([]models.RepoCount, error) {
	if n <= 0 {
		n = 10
	}
	var out []models.RepoCount
	err := s.db.Select(ctx, &out,
		`SELECT repo_url, COUNT(*) AS n FROM scan_records GROUP BY repo_url ORDER BY n DESC, repo_url ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("ranking scanned repos: %w", err)
	}
	return out, nil
}

func (s *SQLStore) MostCached(ctx context.Context, n int) ([]models.RepoCount, error) {
	if n <= 0 {
		n = 10
	}
	var out []models.RepoCount
	err := s.db.Select(ctx, &out,
		`SELECT repo_url, hits AS n FROM scan_cache_hits ORDER BY hits DESC, repo_url ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("ranking cached repos: %w", err)
	}
	return out, nil
}

func (s *SQLStore) RecordHit(ctx context.Context, repoURL string) error {
	now := formatTime(time.Now())
	var q string
	switch s.db.Driver() {
	case "mysql":
		q = `INSERT INTO scan_cache_hits (repo_url, hits, last_hit_at) VALUES (?, 1, ?)
			ON DUPLICATE KEY UPDATE hits = hits + 1, last_hit_at = VALUES(last_hit_at)`
	default:
		q = `INSERT INTO scan_cache_hits (repo_url, hits, last_hit_at) VALUES (?, 1, ?)
			ON CONFLICT (repo_url) DO UPDATE SET hits = scan_cache_hits.hits + 1, last_hit_at = excluded.last_hit_at`
	}
	if err := s.db.Exec(ctx, q, repoURL, now); err != nil {
		return fmt.Errorf("recording cache hit for %s: %w", repoURL, err)
	}
	return nil
}

func (s *SQLStore) Statistics(ctx context.Context) (*models.ScanStatistics, error) {
	var c countsRow
	err := s.db.Get(ctx, &c, `SELECT
		(SELECT COUNT(*) FROM scan_current) AS cur,
		(SELECT COUNT(*) FROM scan_records) AS total,
		(SELECT COUNT(DISTINCT repo_url) FROM scan_records) AS repos,
		(SELECT COALESCE(SUM(hits), 0) FROM scan_cache_hits) AS hits`)
	if err != nil {
		return nil, fmt.Errorf("counting records: %w", err)
	}
	var rows []payloadRow
	if err := s.db.Select(ctx, &rows, selectCurrent); err != nil {
		return nil, fmt.Errorf("loading current records: %w", err)
	}

	st := &models.ScanStatistics{
		CurrentRecords:       c.Current,
		TotalScans:           c.Total,
		DistinctRepositories: c.Repos,
		CacheHits:            c.Hits,
	}
	statsFrom(st, decodeAll(rows))
	return st, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }
