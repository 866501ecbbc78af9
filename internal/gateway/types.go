package gateway

import (
	"time"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/orchestrator"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// SSEEvent is serialised as JSON and pushed over the GET /events SSE stream.
type SSEEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// GatewayStatus is a live snapshot of the gateway.
type GatewayStatus struct {
	UptimeSeconds    int64                         `json:"uptime_seconds"`
	ActiveScans      map[string]orchestrator.State `json:"active_scans"`
	ActiveWorkspaces int64                         `json:"active_workspaces"`
	Subscribers      int                           `json:"subscribers"`
	RescanSchedule   string                        `json:"rescan_schedule,omitempty"`
	LastEventAt      string                        `json:"last_event_at,omitempty"`
}

// scanRequest is the body of POST /api/scan and POST /api/scan/force.
type scanRequest struct {
	RepoURL string `json:"repoUrl"`
}

// errorBody is returned for every failed request.
type errorBody struct {
	Error   string `json:"error"`
	Kind    string `json:"kind,omitempty"`
	RepoURL string `json:"repoUrl,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// cacheStatistics extends the store statistics with provider information.
type cacheStatistics struct {
	*models.ScanStatistics
	TotalProviders int      `json:"totalProviders"`
	Providers      []string `json:"providers"`
	CurrentRecords int      `json:"currentRecords"`
}

// repositorySummary is one row of GET /api/cache/repositories.
type repositorySummary struct {
	RepoURL    string                   `json:"repo_url"`
	CommitHash string                   `json:"commit_hash"`
	Timestamp  time.Time                `json:"timestamp"`
	Findings   int                      `json:"findings"`
	Severities models.SeverityCounts    `json:"severities"`
	Scanners   []models.ScannerIdentity `json:"scanners"`
	Warnings   int                      `json:"warnings,omitempty"`
}

func summarize(r *models.ScanRecord) repositorySummary {
	return repositorySummary{
		RepoURL:    r.RepoURL,
		CommitHash: r.CommitHash,
		Timestamp:  r.Timestamp,
		Findings:   len(r.Findings),
		Severities: models.CountSeverities(r.Findings),
		Scanners:   r.Scanners,
		Warnings:   len(r.Warnings),
	}
}
