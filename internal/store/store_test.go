package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/database"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

func newSQLiteStore(t *testing.T, limit int) (*SQLStore, database.DB) {
	t.Helper()
	db, err := database.NewSQLite(config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "scans.db")})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	s := NewSQL(db, limit)
	t.Cleanup(func() { _ = s.Close() })
	return s, db
}

// backends runs fn against every Store implementation.
func backends(t *testing.T, limit int, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory(limit)) })
	t.Run("sqlite", func(t *testing.T) {
		s, _ := newSQLiteStore(t, limit)
		fn(t, s)
	})
}

func record(url, commit string, at time.Time, severities ...string) *models.ScanRecord {
	rec := &models.ScanRecord{
		RepoURL:    url,
		CommitHash: commit,
		Timestamp:  at,
		Scanners:   []models.ScannerIdentity{{Name: "opengrep", Version: "1.0.0"}},
		Findings:   []models.Finding{},
	}
	for i, sev := range severities {
		rec.Findings = append(rec.Findings, models.Finding{
			RuleID:   "rule",
			Message:  "issue",
			FilePath: "main.go",
			Line:     i + 1,
			Severity: models.MapSeverity(sev),
		})
	}
	return rec
}

const (
	repoA = "https://github.com/acme/a"
	repoB = "https://github.com/acme/b"
)

func TestPutAndCurrent(t *testing.T) {
	backends(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.Current(ctx, repoA)
		require.ErrorIs(t, err, ErrNotFound)

		rec := record(repoA, "abc123", time.Now().Add(-time.Minute), "high")
		rec.ScanSkipped = true
		rec.SkipReason = "no changes"
		require.NoError(t, s.Put(ctx, rec))
		require.NotEmpty(t, rec.ID)

		got, err := s.Current(ctx, repoA)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, "abc123", got.CommitHash)
		assert.False(t, got.ScanSkipped)
		assert.Empty(t, got.SkipReason)
		require.Len(t, got.Findings, 1)
		assert.Equal(t, models.SeverityHigh, got.Findings[0].Severity)

		// Mutating the returned copy does not touch the store.
		got.Findings[0].Message = "changed"
		again, err := s.Current(ctx, repoA)
		require.NoError(t, err)
		assert.Equal(t, "issue", again.Findings[0].Message)
	})
}

func TestPutReplacesCurrentAndKeepsHistory(t *testing.T) {
	backends(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)
		require.NoError(t, s.Put(ctx, record(repoA, "c1", base)))
		require.NoError(t, s.Put(ctx, record(repoA, "c2", base.Add(time.Minute))))

		cur, err := s.Current(ctx, repoA)
		require.NoError(t, err)
		assert.Equal(t, "c2", cur.CommitHash)

		recs, err := s.Records(ctx, 10, 0)
		require.NoError(t, err)
		assert.Len(t, recs, 1)

		hist, err := s.History(ctx, repoA, 10)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, "c2", hist[0].CommitHash)
		assert.Equal(t, "c1", hist[1].CommitHash)
	})
}

func TestHistoryIsBounded(t *testing.T) {
	backends(t, 2, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)
		for i, c := range []string{"c1", "c2", "c3"} {
			require.NoError(t, s.Put(ctx, record(repoA, c, base.Add(time.Duration(i)*time.Minute))))
		}
		hist, err := s.History(ctx, repoA, 0)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, "c3", hist[0].CommitHash)
	})
}

func TestInvalidateKeepsHistory(t *testing.T) {
	backends(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, record(repoA, "c1", time.Now())))
		require.NoError(t, s.Put(ctx, record(repoB, "c1", time.Now())))

		require.NoError(t, s.Invalidate(ctx, repoA))
		_, err := s.Current(ctx, repoA)
		require.ErrorIs(t, err, ErrNotFound)

		hist, err := s.History(ctx, repoA, 0)
		require.NoError(t, err)
		assert.Len(t, hist, 1)

		n, err := s.InvalidateAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		recs, err := s.Records(ctx, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func TestListStale(t *testing.T) {
	backends(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, record(repoA, "old", time.Now().Add(-48*time.Hour))))
		require.NoError(t, s.Put(ctx, record(repoB, "new", time.Now())))

		stale, err := s.ListStale(ctx, 24*time.Hour)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, repoA, stale[0].RepoURL)
	})
}

func TestRankingsAndStatistics(t *testing.T) {
	backends(t, 0, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)
		require.NoError(t, s.Put(ctx, record(repoA, "a1", base, "high")))
		require.NoError(t, s.Put(ctx, record(repoB, "b1", base.Add(time.Minute), "low", "critical")))
		require.NoError(t, s.Put(ctx, record(repoA, "a2", base.Add(2*time.Minute), "high", "high")))
		for i := 0; i < 3; i++ {
			require.NoError(t, s.RecordHit(ctx, repoB))
		}
		require.NoError(t, s.RecordHit(ctx, repoA))

		scanned, err := s.MostScanned(ctx, 5)
		require.NoError(t, err)
		require.Len(t, scanned, 2)
		assert.Equal(t, models.RepoCount{RepoURL: repoA, Count: 2}, scanned[0])

		cached, err := s.MostCached(ctx, 1)
		require.NoError(t, err)
		require.Len(t, cached, 1)
		assert.Equal(t, models.RepoCount{RepoURL: repoB, Count: 3}, cached[0])

		st, err := s.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, st.CurrentRecords)
		assert.Equal(t, 3, st.TotalScans)
		assert.Equal(t, 2, st.DistinctRepositories)
		assert.Equal(t, 4, st.CacheHits)
		assert.Equal(t, 4, st.TotalFindings)
		assert.InDelta(t, 2.0, st.AverageFindings, 0.001)
		assert.Equal(t, 2, st.SeverityDistribution[models.SeverityHigh])
		assert.Equal(t, 1, st.SeverityDistribution[models.SeverityCritical])
		require.NotNil(t, st.OldestScan)
		require.NotNil(t, st.NewestScan)
		assert.True(t, st.OldestScan.Before(*st.NewestScan))
	})
}

func TestPutRejectsInvalidRecord(t *testing.T) {
	backends(t, 0, func(t *testing.T, s Store) {
		err := s.Put(context.Background(), &models.ScanRecord{RepoURL: repoA})
		require.Error(t, err)
	})
}

func TestSQLCorruptPayloadIsErrCorrupt(t *testing.T) {
	s, db := newSQLiteStore(t, 0)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, record(repoA, "c1", time.Now())))
	require.NoError(t, db.Exec(ctx, `UPDATE scan_records SET payload = '{not json' WHERE repo_url = ?`, repoA))

	_, err := s.Current(ctx, repoA)
	require.ErrorIs(t, err, ErrCorrupt)

	recs, err := s.Records(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemoryStatisticsAreOneSnapshot(t *testing.T) {
	s := NewMemory(0)
	ctx := context.Background()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			url := fmt.Sprintf("https://github.com/acme/r%d", i%50)
			if i%7 == 0 {
				_ = s.Invalidate(ctx, url)
				continue
			}
			_ = s.Put(ctx, record(url, "c", time.Now(), "HIGH"))
		}
	}()

	for range 500 {
		st, err := s.Statistics(ctx)
		require.NoError(t, err)
		// Every stored record carries exactly one HIGH finding.
		require.Equal(t, st.CurrentRecords, st.TotalFindings)
		require.Equal(t, st.CurrentRecords, st.SeverityDistribution[models.SeverityHigh])
	}
	close(stop)
	wg.Wait()
}

func TestSQLPutIsAtomic(t *testing.T) {
	s, db := newSQLiteStore(t, 0)
	ctx := context.Background()
	require.NoError(t, db.Exec(ctx, `DROP TABLE scan_current`))

	require.Error(t, s.Put(ctx, record(repoA, "c1", time.Now())))

	var c countRow
	require.NoError(t, db.Get(ctx, &c, `SELECT COUNT(*) AS n FROM scan_records`))
	assert.Equal(t, 0, c.N, "failed put must not leave a history row behind")

	ranked, err := s.MostScanned(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ranked)
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Store.Backend = "memory"
	s, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	cfg.Store.Backend = "sql"
	_, err = New(context.Background(), cfg, nil)
	require.Error(t, err)

	cfg.Store.Backend = "redis"
	_, err = New(context.Background(), cfg, nil)
	require.Error(t, err)
}
