package repository

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

var (
	// ErrProviderUnavailable is returned when no registered provider accepts a URL.
	ErrProviderUnavailable = errors.New("no provider available for repository")
	// ErrRevisionNotFound is returned by ChangeSummary when the base revision
	// is not part of the provider's history (e.g. after a force push).
	ErrRevisionNotFound = errors.New("revision not found")
)

// Platform identifiers.
const (
	PlatformGitHub = "github"
	PlatformGitLab = "gitlab"
	PlatformAzure  = "azure"
	PlatformGit    = "git"
)

// Provider abstracts read operations against one git hosting platform.
// Implementations: GitHub, GitLab, Azure DevOps and a generic git fallback.
type Provider interface {
	// Name is the unique registry key (e.g. "github", "github:ghe.corp.com").
	Name() string

	// Platform is the hosting platform family.
	Platform() string

	// Hostnames lists the hostnames this provider claims. May be empty.
	Hostnames() []string

	// CanHandle reports whether the provider understands repoURL.
	CanHandle(repoURL string) bool

	// Parse derives a RepositoryReference from repoURL.
	Parse(repoURL string) (models.RepositoryReference, error)

	// Clone checks out the default branch of repoURL into dest.
	Clone(ctx context.Context, repoURL, dest string) (*CloneResult, error)

	// Metadata returns a snapshot of repository metadata.
	Metadata(ctx context.Context, repoURL string) (*models.RepositoryMetadata, error)

	// LatestRevision returns the commit hash at the tip of the default branch.
	LatestRevision(ctx context.Context, repoURL string) (string, error)

	// ChangeSummary describes the changes between sinceRevision and the
	// latest revision. Returns ErrRevisionNotFound if sinceRevision is unknown.
	ChangeSummary(ctx context.Context, repoURL, sinceRevision string) (*models.ChangeSummary, error)

	// HealthCheck probes the provider. It must not panic or block past ctx.
	HealthCheck(ctx context.Context) models.ProviderHealthStatus
}

// NormalizeURL canonicalises a repository URL for use as a cache key.
// SCP-style SSH URLs become https URLs; scheme and host are lower-cased;
// trailing slashes and a ".git" suffix are removed (file URLs keep ".git").
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if host, path, ok := splitSCP(s); ok {
		s = "https://" + host + "/" + path
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" {
		return strings.TrimSuffix(strings.TrimSuffix(s, "/"), ".git")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	if u.Scheme != "file" {
		u.Path = strings.TrimSuffix(u.Path, ".git")
	}
	u.RawPath = ""
	return u.String()
}

// Hostname extracts the lower-cased host of repoURL, or "" if it has none.
func Hostname(repoURL string) string {
	host, _, err := splitRepoURL(repoURL)
	if err != nil {
		return ""
	}
	return host
}

// splitRepoURL returns the lower-cased host and the path (without leading
// slash, trailing slash or ".git") of repoURL.
func splitRepoURL(repoURL string) (host, path string, err error) {
	s := strings.TrimSpace(repoURL)
	if s == "" {
		return "", "", fmt.Errorf("empty repository URL")
	}
	if h, p, ok := splitSCP(s); ok {
		return strings.ToLower(h), cleanPath(p), nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", "", fmt.Errorf("parsing repository URL %q: %w", repoURL, err)
	}
	if u.Scheme == "" {
		return "", "", fmt.Errorf("repository URL %q has no scheme", repoURL)
	}
	return strings.ToLower(u.Hostname()), cleanPath(u.Path), nil
}

// splitSCP recognises git@host:owner/repo.
func splitSCP(s string) (host, path string, ok bool) {
	if strings.Contains(s, "://") {
		return "", "", false
	}
	at := strings.Index(s, "@")
	colon := strings.Index(s, ":")
	if at < 0 || colon < at {
		return "", "", false
	}
	return s[at+1 : colon], s[colon+1:], true
}

func cleanPath(p string) string {
	p = strings.Trim(p, "/")
	return strings.TrimSuffix(p, ".git")
}

// ownerAndName splits "a/b/c" into owner "a/b" and name "c". Nested groups
// (GitLab subgroups) stay part of the owner.
func ownerAndName(path string) (owner, name string, err error) {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return "", "", fmt.Errorf("repository path %q is not owner/name", path)
	}
	return path[:idx], path[idx+1:], nil
}

// parseReference builds a RepositoryReference using the owner/name path rule.
func parseReference(platform, repoURL string) (models.RepositoryReference, error) {
	host, path, err := splitRepoURL(repoURL)
	if err != nil {
		return models.RepositoryReference{}, err
	}
	owner, name, err := ownerAndName(path)
	if err != nil {
		return models.RepositoryReference{}, err
	}
	return models.RepositoryReference{
		Platform:    platform,
		Hostname:    host,
		Owner:       owner,
		Name:        name,
		FullName:    owner + "/" + name,
		OriginalURL: repoURL,
	}, nil
}

func boolPtr(b bool) *bool { return &b }
