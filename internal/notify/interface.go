package notify

import (
	"context"
	"time"

	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// Event types emitted by the orchestrator.
const (
	EventScanCompleted = "scan.completed"
	EventScanFailed    = "scan.failed"
)

// Event is the payload delivered to every channel.
type Event struct {
	Event      string     `json:"event"`
	Timestamp  time.Time  `json:"timestamp"`
	ScanID     string     `json:"scan_id,omitempty"`
	Repository Repository `json:"repository"`
	Summary    Summary    `json:"summary"`
	Status     string     `json:"status"` // "success" | "failure"
	Error      string     `json:"error,omitempty"`
}

// Repository identifies the scanned repository.
type Repository struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Branch string `json:"branch,omitempty"`
}

// Summary condenses a scan outcome.
type Summary struct {
	TotalIssues int                   `json:"total_issues"`
	DurationMs  int64                 `json:"duration_ms"`
	Severities  models.SeverityCounts `json:"severities,omitempty"`
	PerScanner  []ScannerSummary      `json:"per_scanner,omitempty"`
}

// ScannerSummary is one scanner's share of a Summary.
type ScannerSummary struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Findings int    `json:"findings"`
	Error    string `json:"error,omitempty"`
}

// Channel is implemented by each notification provider.
type Channel interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, evt Event) error
}

// topSeverity returns the most severe level present in counts.
func topSeverity(counts models.SeverityCounts) models.SeverityLevel {
	top := models.SeverityUnknown
	for sev, n := range counts {
		if n > 0 && sev.Weight() > top.Weight() {
			top = sev
		}
	}
	return top
}
