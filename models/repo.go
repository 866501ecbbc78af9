package models

import "time"

// RepositoryReference identifies a repository on a hosting platform.
// It is derived from a URL by the owning provider and never mutated.
type RepositoryReference struct {
	Platform    string `json:"platform"` // github | gitlab | azure | git
	Hostname    string `json:"hostname"` // github.com | gitlab.example.com
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	FullName    string `json:"full_name"` // owner/name
	OriginalURL string `json:"original_url"`
}

// CommitInfo describes the tip commit of a repository's default branch.
type CommitInfo struct {
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
	Author    string    `json:"author,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// RepositoryMetadata is a read-only snapshot produced by a provider.
type RepositoryMetadata struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	DefaultBranch string         `json:"default_branch"`
	LastCommit    CommitInfo     `json:"last_commit"`
	Platform      map[string]any `json:"platform,omitempty"` // provider-specific fields
	Common        map[string]any `json:"common,omitempty"`
}

// ProviderHealthStatus is the outcome of a single provider health check.
// It is recomputed on demand and never persisted.
type ProviderHealthStatus struct {
	Provider            string        `json:"provider"`
	IsHealthy           bool          `json:"is_healthy"`
	ResponseTime        time.Duration `json:"response_time"`
	LastChecked         time.Time     `json:"last_checked"`
	APIAvailable        *bool         `json:"api_available,omitempty"`
	AuthenticationValid *bool         `json:"authentication_valid,omitempty"`
	Error               string        `json:"error,omitempty"`
}
