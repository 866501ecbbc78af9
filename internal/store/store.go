// Package store persists scan records. A store keeps at most one current
// record per repository URL plus a bounded history of earlier records.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/database"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

var (
	// ErrNotFound is returned when a repository has no current record.
	ErrNotFound = errors.New("scan record not found")
	// ErrCorrupt is returned when a stored record fails shape validation.
	// Callers treat it as a miss.
	ErrCorrupt = errors.New("scan record corrupt")
)

// DefaultHistoryLimit bounds per-repository history when none is configured.
const DefaultHistoryLimit = 50

// timeLayout is fixed-width UTC so that lexical order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// Store is the scan record repository.
type Store interface {
	// Current returns the current record for repoURL.
	Current(ctx context.Context, repoURL string) (*models.ScanRecord, error)
	// Put stores rec as the current record; the previous one becomes history.
	Put(ctx context.Context, rec *models.ScanRecord) error
	// Invalidate drops the current record for repoURL. History is kept.
	Invalidate(ctx context.Context, repoURL string) error
	// InvalidateAll drops every current record and returns how many were dropped.
	InvalidateAll(ctx context.Context) (int, error)
	// History returns up to limit records for repoURL, newest first.
	History(ctx context.Context, repoURL string, limit int) ([]*models.ScanRecord, error)
	// Records lists current records, newest first.
	Records(ctx context.Context, limit, offset int) ([]*models.ScanRecord, error)
	// ListStale returns current records older than maxAge.
	ListStale(ctx context.Context, maxAge time.Duration) ([]*models.ScanRecord, error)
	// MostScanned ranks repositories by number of stored scans.
	MostScanned(ctx context.Context, n int) ([]models.RepoCount, error)
	// MostCached ranks repositories by cache hits.
	MostCached(ctx context.Context, n int) ([]models.RepoCount, error)
	// RecordHit bumps the cache hit counter of repoURL.
	RecordHit(ctx context.Context, repoURL string) error
	// Statistics aggregates over the store's contents.
	Statistics(ctx context.Context) (*models.ScanStatistics, error)
	Close() error
}

// New builds the store selected by cfg.Store.Backend. db is required for
// the sql backend and ignored by the memory backend. When an archive
// endpoint is configured the store is wrapped in an ArchiveStore.
func New(ctx context.Context, cfg *config.Config, db database.DB) (Store, error) {
	var s Store
	switch cfg.Store.Backend {
	case "memory":
		s = NewMemory(cfg.Store.HistoryLimit)
	case "sql", "":
		if db == nil {
			return nil, fmt.Errorf("sql store requires a database")
		}
		s = NewSQL(db, cfg.Store.HistoryLimit)
	default:
		return nil, fmt.Errorf("unsupported store backend %q (supported: memory, sql)", cfg.Store.Backend)
	}

	if cfg.Archive.Endpoint != "" {
		a, err := NewArchive(ctx, s, cfg.Archive)
		if err != nil {
			return nil, fmt.Errorf("configuring record archive: %w", err)
		}
		s = a
	}
	return s, nil
}

// persistable returns a copy of rec with response annotations cleared.
func persistable(rec *models.ScanRecord) *models.ScanRecord {
	cp := rec.Clone()
	cp.ScanSkipped = false
	cp.SkipReason = ""
	return cp
}

// statsFrom fills the record-derived fields of st from the current records.
func statsFrom(st *models.ScanStatistics, current []*models.ScanRecord) {
	st.SeverityDistribution = models.SeverityCounts{}
	for _, r := range current {
		st.TotalFindings += len(r.Findings)
		for sev, n := range models.CountSeverities(r.Findings) {
			st.SeverityDistribution[sev] += n
		}
		ts := r.Timestamp
		if st.OldestScan == nil || ts.Before(*st.OldestScan) {
			st.OldestScan = &ts
		}
		if st.NewestScan == nil || ts.After(*st.NewestScan) {
			st.NewestScan = &ts
		}
	}
	if len(current) > 0 {
		st.AverageFindings = float64(st.TotalFindings) / float64(len(current))
	}
}

func historyLimit(n int) int {
	if n <= 0 {
		return DefaultHistoryLimit
	}
	return n
}
