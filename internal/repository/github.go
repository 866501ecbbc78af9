package repository

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gogithub "github.com/google/go-github/v68/github"
	"golang.org/x/oauth2"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// GitHubProvider implements Provider for GitHub and GitHub Enterprise.
type GitHubProvider struct {
	client  *gogithub.Client
	token   string
	host    string
	limiter *apiLimiter
}

// NewGitHub creates a GitHubProvider from the given configuration.
func NewGitHub(cfg config.GitHubConfig, rps float64) (*GitHubProvider, error) {
	host := strings.ToLower(strings.TrimSpace(cfg.Host))
	if host == "" {
		host = "github.com"
	}
	client := gogithub.NewClient(oauthClient(cfg.Token))

	// Support GitHub Enterprise by overriding the base URL.
	if host != "github.com" {
		base := fmt.Sprintf("https://%s/api/v3/", host)
		upload := fmt.Sprintf("https://%s/api/uploads/", host)
		var err error
		client, err = client.WithEnterpriseURLs(base, upload)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub enterprise URLs: %w", err)
		}
	}

	return &GitHubProvider{client: client, token: cfg.Token, host: host, limiter: newAPILimiter(rps)}, nil
}

func oauthClient(token string) *http.Client {
	if token == "" {
		return nil
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	return oauth2.NewClient(context.Background(), ts)
}

func (g *GitHubProvider) Name() string {
	if g.host == "github.com" {
		return "github"
	}
	return "github:" + g.host
}

func (g *GitHubProvider) Platform() string    { return PlatformGitHub }
func (g *GitHubProvider) Hostnames() []string { return []string{g.host} }

func (g *GitHubProvider) CanHandle(repoURL string) bool {
	host, path, err := splitRepoURL(repoURL)
	if err != nil || host != g.host {
		return false
	}
	return strings.Count(path, "/") == 1
}

func (g *GitHubProvider) Parse(repoURL string) (models.RepositoryReference, error) {
	ref, err := parseReference(PlatformGitHub, repoURL)
	if err != nil {
		return ref, err
	}
	if strings.Contains(ref.Owner, "/") {
		return models.RepositoryReference{}, fmt.Errorf("GitHub repository path %q has too many segments", ref.FullName)
	}
	return ref, nil
}

func (g *GitHubProvider) Clone(ctx context.Context, repoURL, dest string) (*CloneResult, error) {
	return gitClone(ctx, repoURL, basicAuth("x-access-token", g.token), dest)
}

func (g *GitHubProvider) LatestRevision(ctx context.Context, repoURL string) (string, error) {
	ref, err := g.Parse(repoURL)
	if err != nil {
		return "", err
	}
	if err := g.limiter.wait(ctx); err != nil {
		return "", err
	}
	sha, _, err := g.client.Repositories.GetCommitSHA1(ctx, ref.Owner, ref.Name, "HEAD", "")
	if err != nil {
		return "", fmt.Errorf("getting HEAD of %s: %w", ref.FullName, err)
	}
	return sha, nil
}

func (g *GitHubProvider) ChangeSummary(ctx context.Context, repoURL, sinceRevision string) (*models.ChangeSummary, error) {
	ref, err := g.Parse(repoURL)
	if err != nil {
		return nil, err
	}
	if err := g.limiter.wait(ctx); err != nil {
		return nil, err
	}
	cmp, resp, err := g.client.Repositories.CompareCommits(ctx, ref.Owner, ref.Name, sinceRevision, "HEAD", nil)
	if err != nil {
		if isNotFound(resp, err) {
			return nil, fmt.Errorf("%w: %s in %s", ErrRevisionNotFound, sinceRevision, ref.FullName)
		}
		return nil, fmt.Errorf("comparing %s...HEAD on %s: %w", sinceRevision, ref.FullName, err)
	}
	summary := &models.ChangeSummary{
		Commits:      cmp.GetTotalCommits(),
		FilesChanged: len(cmp.Files),
	}
	for _, f := range cmp.Files {
		summary.Additions += f.GetAdditions()
		summary.Deletions += f.GetDeletions()
	}
	return summary, nil
}

func (g *GitHubProvider) Metadata(ctx context.Context, repoURL string) (*models.RepositoryMetadata, error) {
	ref, err := g.Parse(repoURL)
	if err != nil {
		return nil, err
	}
	if err := g.limiter.wait(ctx); err != nil {
		return nil, err
	}
	r, _, err := g.client.Repositories.Get(ctx, ref.Owner, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("getting GitHub repo %s: %w", ref.FullName, err)
	}
	meta := &models.RepositoryMetadata{
		Name:          r.GetName(),
		Description:   r.GetDescription(),
		DefaultBranch: r.GetDefaultBranch(),
		Platform: map[string]any{
			"stars":    r.GetStargazersCount(),
			"forks":    r.GetForksCount(),
			"language": r.GetLanguage(),
			"archived": r.GetArchived(),
		},
		Common: map[string]any{
			"private":   r.GetPrivate(),
			"html_url":  r.GetHTMLURL(),
			"full_name": r.GetFullName(),
		},
	}

	if meta.DefaultBranch != "" {
		if err := g.limiter.wait(ctx); err != nil {
			return nil, err
		}
		c, _, err := g.client.Repositories.GetCommit(ctx, ref.Owner, ref.Name, meta.DefaultBranch, nil)
		if err != nil {
			return nil, fmt.Errorf("getting tip of %s@%s: %w", ref.FullName, meta.DefaultBranch, err)
		}
		meta.LastCommit = models.CommitInfo{
			Hash:      c.GetSHA(),
			Timestamp: c.GetCommit().GetAuthor().GetDate().Time.UTC(),
			Author:    c.GetCommit().GetAuthor().GetName(),
			Message:   firstLine(c.GetCommit().GetMessage()),
		}
	}
	return meta, nil
}

// HealthCheck queries the rate limit endpoint (available anonymously) and,
// when a token is configured, the authenticated user.
func (g *GitHubProvider) HealthCheck(ctx context.Context) (st models.ProviderHealthStatus) {
	start := time.Now()
	st = models.ProviderHealthStatus{Provider: g.Name()}
	defer func() {
		st.ResponseTime = time.Since(start)
		st.LastChecked = time.Now()
	}()

	limits, _, err := g.client.RateLimit.Get(ctx)
	if err != nil {
		st.APIAvailable = boolPtr(false)
		st.Error = err.Error()
		return st
	}
	st.APIAvailable = boolPtr(true)
	if core := limits.GetCore(); core != nil && core.Remaining == 0 {
		st.Error = "API rate limit exhausted"
		return st
	}

	if g.token != "" {
		if _, _, err := g.client.Users.Get(ctx, ""); err != nil {
			st.AuthenticationValid = boolPtr(false)
			st.Error = err.Error()
			return st
		}
		st.AuthenticationValid = boolPtr(true)
	}
	st.IsHealthy = true
	return st
}

func isNotFound(resp *gogithub.Response, err error) bool {
	if resp != nil && resp.Response != nil && resp.StatusCode == http.StatusNotFound {
		return true
	}
	var ghErr *gogithub.ErrorResponse
	return errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
}
