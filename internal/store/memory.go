package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// MemoryStore keeps records in process memory. Every read and write copies
// records so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	current map[string]*models.ScanRecord
	history map[string][]*models.ScanRecord // newest first
	hits    map[string]int
	limit   int
}

// NewMemory creates a MemoryStore keeping at most limit records per
// repository. Zero selects DefaultHistoryLimit.
func NewMemory(limit int) *MemoryStore {
	return &MemoryStore{
		current: make(map[string]*models.ScanRecord),
		history: make(map[string][]*models.ScanRecord),
		hits:    make(map[string]int),
		limit:   historyLimit(limit),
	}
}

func (m *MemoryStore) Current(_ context.Context, repoURL string) (*models.ScanRecord, error) {
	m.mu.RLock()
	rec, ok := m.current[repoURL]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, rec *models.ScanRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("refusing to store invalid record: %w", err)
	}
	cp := persistable(rec)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
		rec.ID = cp.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current[cp.RepoURL] = cp
	h := append([]*models.ScanRecord{cp}, m.history[cp.RepoURL]...)
	if len(h) > m.limit {
		h = h[:m.limit]
	}
	m.history[cp.RepoURL] = h
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, repoURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.current, repoURL)
	return nil
}

func (m *MemoryStore) InvalidateAll(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.current)
	m.current = make(map[string]*models.ScanRecord)
	return n, nil
}

func (m *MemoryStore) History(_ context.Context, repoURL string, limit int) ([]*models.ScanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h := m.history[repoURL]
	if limit > 0 && len(h) > limit {
		h = h[:limit]
	}
	return cloneAll(h), nil
}

// currentSorted returns copies of the current records, newest first.
func (m *MemoryStore) currentSorted() []*models.ScanRecord {
	m.mu.RLock()
	out := make([]*models.ScanRecord, 0, len(m.current))
	for _, r := range m.current {
		out = append(out, r.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].RepoURL < out[j].RepoURL
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (m *MemoryStore) Records(_ context.Context, limit, offset int) ([]*models.ScanRecord, error) {
	all := m.currentSorted()
	if offset >= len(all) {
		return []*models.ScanRecord{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *MemoryStore) ListStale(_ context.Context, maxAge time.Duration) ([]*models.ScanRecord, error) {
	cutoff := time.Now().Add(-maxAge)
	var out []*models.ScanRecord
	for _, r := range m.currentSorted() {
		if r.Timestamp.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) MostScanned(_ context.Context, n int) ([]models.RepoCount, error) {
	m.mu.RLock()
	counts := make(map[string]int, len(m.history))
	for url, h := range m.history {
		counts[url] = len(h)
	}
	m.mu.RUnlock()
	return rank(counts, n), nil
}

func (m *MemoryStore) MostCached(_ context.Context, n int) ([]models.RepoCount, error) {
	m.mu.RLock()
	counts := make(map[string]int, len(m.hits))
	for url, h := range m.hits {
		counts[url] = h
	}
	m.mu.RUnlock()
	return rank(counts, n), nil
}

func (m *MemoryStore) RecordHit(_ context.Context, repoURL string) error {
	m.mu.Lock()
	m.hits[repoURL]++
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Statistics(_ context.Context) (*models.ScanStatistics, error) {
	st := &models.ScanStatistics{}
	m.mu.RLock()
	defer m.mu.RUnlock()
	st.CurrentRecords = len(m.current)
	st.DistinctRepositories = len(m.history)
	for _, h := range m.history {
		st.TotalScans += len(h)
	}
	for _, h := range m.hits {
		st.CacheHits += h
	}
	// Stored records are never mutated in place, so reading them is enough.
	current := make([]*models.ScanRecord, 0, len(m.current))
	for _, r := range m.current {
		current = append(current, r)
	}
	statsFrom(st, current)
	return st, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneAll(in []*models.ScanRecord) []*models.ScanRecord {
	out := make([]*models.ScanRecord, 0, len(in))
	for _, r := range in {
		out = append(out, r.Clone())
	}
	return out
}

// rank orders counts descending, breaking ties by URL.
func rank(counts map[string]int, n int) []models.RepoCount {
	out := make([]models.RepoCount, 0, len(counts))
	for url, c := range counts {
		out = append(out, models.RepoCount{RepoURL: url, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].RepoURL < out[j].RepoURL
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
