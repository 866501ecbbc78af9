package repository

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gitlab "gitlab.com/gitlab-org/api/client-go"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// GitLabProvider implements Provider for GitLab (cloud and self-hosted).
// Nested groups are supported: the last path segment is the project name.
type GitLabProvider struct {
	client  *gitlab.Client
	token   string
	host    string
	limiter *apiLimiter
}

// NewGitLab creates a GitLabProvider from the given configuration.
func NewGitLab(cfg config.GitLabConfig, rps float64) (*GitLabProvider, error) {
	host := strings.ToLower(strings.TrimSpace(cfg.Host))
	if host == "" {
		host = "gitlab.com"
	}
	opts := []gitlab.ClientOptionFunc{}
	if host != "gitlab.com" {
		opts = append(opts, gitlab.WithBaseURL(fmt.Sprintf("https://%s/api/v4/", host)))
	}
	return newGitLab(host, cfg.Token, rps, opts...)
}

func newGitLab(host, token string, rps float64, opts ...gitlab.ClientOptionFunc) (*GitLabProvider, error) {
	client, err := gitlab.NewClient(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GitLab client: %w", err)
	}
	return &GitLabProvider{client: client, token: token, host: host, limiter: newAPILimiter(rps)}, nil
}

func (g *GitLabProvider) Name() string {
	if g.host == "gitlab.com" {
		return "gitlab"
	}
	return "gitlab:" + g.host
}

func (g *GitLabProvider) Platform() string    { return PlatformGitLab }
func (g *GitLabProvider) Hostnames() []string { return []string{g.host} }

func (g *GitLabProvider) CanHandle(repoURL string) bool {
	host, path, err := splitRepoURL(repoURL)
	if err != nil || host != g.host {
		return false
	}
	return strings.Contains(path, "/") && !strings.Contains(path, "/-/")
}

func (g *GitLabProvider) Parse(repoURL string) (models.RepositoryReference, error) {
	return parseReference(PlatformGitLab, repoURL)
}

func (g *GitLabProvider) Clone(ctx context.Context, repoURL, dest string) (*CloneResult, error) {
	return gitClone(ctx, repoURL, basicAuth("oauth2", g.token), dest)
}

func (g *GitLabProvider) project(ctx context.Context, repoURL string) (*gitlab.Project, error) {
	ref, err := g.Parse(repoURL)
	if err != nil {
		return nil, err
	}
	if err := g.limiter.wait(ctx); err != nil {
		return nil, err
	}
	proj, _, err := g.client.Projects.GetProject(ref.FullName, nil, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("getting GitLab project %s: %w", ref.FullName, err)
	}
	return proj, nil
}

func (g *GitLabProvider) tip(ctx context.Context, proj *gitlab.Project) (*gitlab.Commit, error) {
	if err := g.limiter.wait(ctx); err != nil {
		return nil, err
	}
	branch, _, err := g.client.Branches.GetBranch(proj.PathWithNamespace, proj.DefaultBranch, gitlab.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("getting branch %s of %s: %w", proj.DefaultBranch, proj.PathWithNamespace, err)
	}
	if branch.Commit == nil {
		return nil, fmt.Errorf("branch %s of %s has no commit", proj.DefaultBranch, proj.PathWithNamespace)
	}
	return branch.Commit, nil
}

func (g *GitLabProvider) LatestRevision(ctx context.Context, repoURL string) (string, error) {
	proj, err := g.project(ctx, repoURL)
	if err != nil {
		return "", err
	}
	c, err := g.tip(ctx, proj)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (g *GitLabProvider) ChangeSummary(ctx context.Context, repoURL, sinceRevision string) (*models.ChangeSummary, error) {
	proj, err := g.project(ctx, repoURL)
	if err != nil {
		return nil, err
	}
	if err := g.limiter.wait(ctx); err != nil {
		return nil, err
	}
	to := proj.DefaultBranch
	cmp, resp, err := g.client.Repositories.Compare(proj.PathWithNamespace, &gitlab.CompareOptions{
		From: &sinceRevision,
		To:   &to,
	}, gitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.Response != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s in %s", ErrRevisionNotFound, sinceRevision, proj.PathWithNamespace)
		}
		return nil, fmt.Errorf("comparing %s...%s on %s: %w", sinceRevision, to, proj.PathWithNamespace, err)
	}
	summary := &models.ChangeSummary{
		Commits:      len(cmp.Commits),
		FilesChanged: len(cmp.Diffs),
	}
	for _, d := range cmp.Diffs {
		add, del := countDiffLines(d.Diff)
		summary.Additions += add
		summary.Deletions += del
	}
	return summary, nil
}

// countDiffLines counts added and removed lines in a unified diff hunk body.
func countDiffLines(diff string) (additions, deletions int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			additions++
		case strings.HasPrefix(line, "-"):
			deletions++
		}
	}
	return additions, deletions
}

func (g *GitLabProvider) Metadata(ctx context.Context, repoURL string) (*models.RepositoryMetadata, error) {
	proj, err := g.project(ctx, repoURL)
	if err != nil {
		return nil, err
	}
	meta := &models.RepositoryMetadata{
		Name:          proj.Name,
		Description:   proj.Description,
		DefaultBranch: proj.DefaultBranch,
		Platform: map[string]any{
			"project_id": proj.ID,
			"stars":      proj.StarCount,
			"forks":      proj.ForksCount,
			"archived":   proj.Archived,
		},
		Common: map[string]any{
			"private":   proj.Visibility == gitlab.PrivateVisibility,
			"html_url":  proj.WebURL,
			"full_name": proj.PathWithNamespace,
		},
	}
	if proj.DefaultBranch != "" {
		c, err := g.tip(ctx, proj)
		if err != nil {
			return nil, err
		}
		meta.LastCommit = models.CommitInfo{
			Hash:    c.ID,
			Author:  c.AuthorName,
			Message: firstLine(c.Title),
		}
		if c.CommittedDate != nil {
			meta.LastCommit.Timestamp = c.CommittedDate.UTC()
		}
	}
	return meta, nil
}

// HealthCheck calls the version endpoint, which requires a valid token.
func (g *GitLabProvider) HealthCheck(ctx context.Context) (st models.ProviderHealthStatus) {
	start := time.Now()
	st = models.ProviderHealthStatus{Provider: g.Name()}
	defer func() {
		st.ResponseTime = time.Since(start)
		st.LastChecked = time.Now()
	}()

	_, resp, err := g.client.Version.GetVersion(gitlab.WithContext(ctx))
	if err != nil {
		if resp != nil && resp.Response != nil && resp.StatusCode == http.StatusUnauthorized {
			st.APIAvailable = boolPtr(true)
			st.AuthenticationValid = boolPtr(false)
		} else {
			st.APIAvailable = boolPtr(false)
		}
		st.Error = err.Error()
		return st
	}
	st.APIAvailable = boolPtr(true)
	st.AuthenticationValid = boolPtr(g.token != "")
	st.IsHealthy = true
	return st
}
