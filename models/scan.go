package models

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// ChangeSummary describes what changed between two revisions.
type ChangeSummary struct {
	FilesChanged int `json:"files_changed"`
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	Commits      int `json:"commits"`
}

// ChangeDetectionResult is the outcome of a single change check. It is
// computed fresh every time; only a copy embedded in a ScanRecord is stored.
type ChangeDetectionResult struct {
	HasChanges     bool           `json:"has_changes"`
	LastCommitHash string         `json:"last_commit_hash"`
	Summary        *ChangeSummary `json:"change_summary,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// ScannerIdentity names the scanner and version that contributed to a record.
type ScannerIdentity struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ScanRecord is the persisted outcome of one completed scan.
type ScanRecord struct {
	ID              string                 `json:"id"`
	RepoURL         string                 `json:"repo_url"`
	CommitHash      string                 `json:"commit_hash"`
	Timestamp       time.Time              `json:"timestamp"`
	Scanners        []ScannerIdentity      `json:"scanners"`
	Findings        []Finding              `json:"findings"`
	ChangeDetection *ChangeDetectionResult `json:"change_detection,omitempty"`
	Metadata        *RepositoryMetadata    `json:"metadata,omitempty"`
	Warnings        []string               `json:"warnings,omitempty"`
	DurationMs      int64                  `json:"duration_ms"`

	// Response annotations; never persisted as true.
	ScanSkipped bool   `json:"scan_skipped"`
	SkipReason  string `json:"skip_reason,omitempty"`
}

// Validate checks the record shape. Stores use it on read to detect corruption.
func (r *ScanRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("nil record")
	}
	if r.RepoURL == "" {
		return fmt.Errorf("record has no repo url")
	}
	if r.CommitHash == "" {
		return fmt.Errorf("record for %s has no commit hash", r.RepoURL)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("record for %s has no timestamp", r.RepoURL)
	}
	for _, f := range r.Findings {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("record for %s: %w", r.RepoURL, err)
		}
	}
	return nil
}

// Clone returns a deep copy of r so callers can annotate it freely.
func (r *ScanRecord) Clone() *ScanRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Scanners = slices.Clone(r.Scanners)
	cp.Findings = slices.Clone(r.Findings)
	cp.Warnings = slices.Clone(r.Warnings)
	if r.ChangeDetection != nil {
		cd := *r.ChangeDetection
		if cd.Summary != nil {
			s := *cd.Summary
			cd.Summary = &s
		}
		cp.ChangeDetection = &cd
	}
	if r.Metadata != nil {
		md := *r.Metadata
		md.Platform = copyMap(r.Metadata.Platform)
		md.Common = copyMap(r.Metadata.Common)
		cp.Metadata = &md
	}
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// RepoCount ranks a repository by a counter (scans or cache hits).
type RepoCount struct {
	RepoURL string `json:"repo_url" db:"repo_url"`
	Count   int    `json:"count"    db:"n"`
}

// ScanStatistics aggregates over the contents of a scan store.
type ScanStatistics struct {
	CurrentRecords       int            `json:"current_records"`
	TotalScans           int            `json:"total_scans"`
	DistinctRepositories int            `json:"distinct_repositories"`
	CacheHits            int            `json:"cache_hits"`
	TotalFindings        int            `json:"total_findings"`
	AverageFindings      float64        `json:"average_findings"`
	SeverityDistribution SeverityCounts `json:"severity_distribution"`
	OldestScan           *time.Time     `json:"oldest_scan,omitempty"`
	NewestScan           *time.Time     `json:"newest_scan,omitempty"`
}
