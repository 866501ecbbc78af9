package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

const azureAPIVersion = "7.1"

// AzureDevOpsProvider implements Provider for one Azure DevOps organisation.
// Uses the Azure DevOps REST API v7.1.
type AzureDevOpsProvider struct {
	token   string
	org     string
	host    string
	scheme  string
	apiHost string // overrides the REST host; empty uses the URL's host
	client  *http.Client
	limiter *apiLimiter
}

// NewAzureDevOps creates an AzureDevOpsProvider.
func NewAzureDevOps(cfg config.AzureConfig, rps float64) (*AzureDevOpsProvider, error) {
	if cfg.Org == "" {
		return nil, fmt.Errorf("azure DevOps organisation name is required")
	}
	host := strings.ToLower(strings.TrimSpace(cfg.Host))
	if host == "" {
		host = "dev.azure.com"
	}
	return &AzureDevOpsProvider{
		token:   cfg.Token,
		org:     cfg.Org,
		host:    host,
		scheme:  "https",
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: newAPILimiter(rps),
	}, nil
}

func (a *AzureDevOpsProvider) Name() string     { return "azure:" + strings.ToLower(a.org) }
func (a *AzureDevOpsProvider) Platform() string { return PlatformAzure }

func (a *AzureDevOpsProvider) Hostnames() []string {
	return []string{a.host, strings.ToLower(a.org) + ".visualstudio.com"}
}

// azureRepo is a parsed Azure repository location.
type azureRepo struct {
	apiBase string // scheme://host[/org]
	org     string
	project string
	repo    string
}

// locate parses https://dev.azure.com/{org}/{project}/_git/{repo} and
// https://{org}.visualstudio.com/{project}/_git/{repo}.
func (a *AzureDevOpsProvider) locate(repoURL string) (azureRepo, error) {
	host, path, err := splitRepoURL(repoURL)
	if err != nil {
		return azureRepo{}, err
	}
	segs := strings.Split(path, "/")
	idx := -1
	for i, s := range segs {
		if s == "_git" {
			idx = i
			break
		}
	}
	if idx < 1 || idx != len(segs)-2 {
		return azureRepo{}, fmt.Errorf("azure repository path %q must contain {project}/_git/{repo}", path)
	}
	loc := azureRepo{project: segs[idx-1], repo: segs[idx+1]}
	apiHost := host
	if a.apiHost != "" {
		apiHost = a.apiHost
	}

	switch {
	case strings.HasSuffix(host, ".visualstudio.com"):
		loc.org = strings.TrimSuffix(host, ".visualstudio.com")
		loc.apiBase = fmt.Sprintf("%s://%s", a.scheme, apiHost)
	default:
		if idx < 2 {
			return azureRepo{}, fmt.Errorf("azure repository path %q has no organisation", path)
		}
		loc.org = segs[0]
		loc.apiBase = fmt.Sprintf("%s://%s/%s", a.scheme, apiHost, loc.org)
	}
	return loc, nil
}

func (a *AzureDevOpsProvider) CanHandle(repoURL string) bool {
	host := Hostname(repoURL)
	if host != a.host && host != strings.ToLower(a.org)+".visualstudio.com" {
		return false
	}
	loc, err := a.locate(repoURL)
	return err == nil && strings.EqualFold(loc.org, a.org)
}

func (a *AzureDevOpsProvider) Parse(repoURL string) (models.RepositoryReference, error) {
	loc, err := a.locate(repoURL)
	if err != nil {
		return models.RepositoryReference{}, err
	}
	owner := loc.org + "/" + loc.project
	return models.RepositoryReference{
		Platform:    PlatformAzure,
		Hostname:    Hostname(repoURL),
		Owner:       owner,
		Name:        loc.repo,
		FullName:    owner + "/" + loc.repo,
		OriginalURL: repoURL,
	}, nil
}

func (a *AzureDevOpsProvider) Clone(ctx context.Context, repoURL, dest string) (*CloneResult, error) {
	return gitClone(ctx, repoURL, basicAuth("pat", a.token), dest)
}

// azureAPIError carries the HTTP status of a failed REST call.
type azureAPIError struct {
	Status int
	Body   string
}

func (e *azureAPIError) Error() string {
	return fmt.Sprintf("azure DevOps API error %d: %s", e.Status, e.Body)
}

func (a *AzureDevOpsProvider) get(ctx context.Context, urlStr string, out any) error {
	if err := a.limiter.wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth("", a.token)
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req) // #nosec G704 -- URL is built from admin-supplied config, not user input
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	// Azure answers unauthenticated API calls with a 203 sign-in page.
	if resp.StatusCode >= 400 || resp.StatusCode == http.StatusNonAuthoritativeInfo {
		return &azureAPIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func (loc azureRepo) endpoint(suffix string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("api-version", azureAPIVersion)
	return fmt.Sprintf("%s/%s/_apis/git/repositories/%s%s?%s",
		loc.apiBase, url.PathEscape(loc.project), url.PathEscape(loc.repo), suffix, query.Encode())
}

type azureRepoInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	WebURL        string `json:"webUrl"`
	DefaultBranch string `json:"defaultBranch"`
	Size          int64  `json:"size"`
	IsDisabled    bool   `json:"isDisabled"`
	Project       struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Visibility  string `json:"visibility"`
	} `json:"project"`
}

type azureCommit struct {
	CommitID string `json:"commitId"`
	Comment  string `json:"comment"`
	Author   struct {
		Name string    `json:"name"`
		Date time.Time `json:"date"`
	} `json:"author"`
}

func (a *AzureDevOpsProvider) repoInfo(ctx context.Context, loc azureRepo) (*azureRepoInfo, error) {
	var info azureRepoInfo
	if err := a.get(ctx, loc.endpoint("", nil), &info); err != nil {
		return nil, fmt.Errorf("getting Azure DevOps repo %s/%s: %w", loc.project, loc.repo, err)
	}
	return &info, nil
}

func (a *AzureDevOpsProvider) tip(ctx context.Context, loc azureRepo, branch string) (*azureCommit, error) {
	q := url.Values{}
	q.Set("searchCriteria.itemVersion.version", branch)
	q.Set("searchCriteria.$top", "1")
	var page struct {
		Value []azureCommit `json:"value"`
	}
	if err := a.get(ctx, loc.endpoint("/commits", q), &page); err != nil {
		return nil, fmt.Errorf("listing commits of %s/%s: %w", loc.project, loc.repo, err)
	}
	if len(page.Value) == 0 {
		return nil, fmt.Errorf("branch %s of %s/%s has no commits", branch, loc.project, loc.repo)
	}
	return &page.Value[0], nil
}

func (a *AzureDevOpsProvider) LatestRevision(ctx context.Context, repoURL string) (string, error) {
	loc, err := a.locate(repoURL)
	if err != nil {
		return "", err
	}
	info, err := a.repoInfo(ctx, loc)
	if err != nil {
		return "", err
	}
	c, err := a.tip(ctx, loc, strings.TrimPrefix(info.DefaultBranch, "refs/heads/"))
	if err != nil {
		return "", err
	}
	return c.CommitID, nil
}

// ChangeSummary uses the commit diff endpoint. Azure reports per-file change
// types but no line counts, so additions and deletions stay zero.
func (a *AzureDevOpsProvider) ChangeSummary(ctx context.Context, repoURL, sinceRevision string) (*models.ChangeSummary, error) {
	loc, err := a.locate(repoURL)
	if err != nil {
		return nil, err
	}
	info, err := a.repoInfo(ctx, loc)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("baseVersion", sinceRevision)
	q.Set("baseVersionType", "commit")
	q.Set("targetVersion", strings.TrimPrefix(info.DefaultBranch, "refs/heads/"))
	q.Set("targetVersionType", "branch")
	var diff struct {
		AheadCount int `json:"aheadCount"`
		Changes    []struct {
			Item struct {
				IsFolder bool `json:"isFolder"`
			} `json:"item"`
		} `json:"changes"`
	}
	if err := a.get(ctx, loc.endpoint("/diffs/commits", q), &diff); err != nil {
		var apiErr *azureAPIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusBadRequest) {
			return nil, fmt.Errorf("%w: %s in %s/%s", ErrRevisionNotFound, sinceRevision, loc.project, loc.repo)
		}
		return nil, fmt.Errorf("diffing %s on %s/%s: %w", sinceRevision, loc.project, loc.repo, err)
	}
	summary := &models.ChangeSummary{Commits: diff.AheadCount}
	for _, c := range diff.Changes {
		if !c.Item.IsFolder {
			summary.FilesChanged++
		}
	}
	return summary, nil
}

func (a *AzureDevOpsProvider) Metadata(ctx context.Context, repoURL string) (*models.RepositoryMetadata, error) {
	loc, err := a.locate(repoURL)
	if err != nil {
		return nil, err
	}
	info, err := a.repoInfo(ctx, loc)
	if err != nil {
		return nil, err
	}
	branch := strings.TrimPrefix(info.DefaultBranch, "refs/heads/")
	meta := &models.RepositoryMetadata{
		Name:          info.Name,
		Description:   info.Project.Description,
		DefaultBranch: branch,
		Platform: map[string]any{
			"repository_id": info.ID,
			"project":       info.Project.Name,
			"size":          info.Size,
			"disabled":      info.IsDisabled,
		},
		Common: map[string]any{
			"private":   info.Project.Visibility != "public",
			"html_url":  info.WebURL,
			"full_name": loc.org + "/" + loc.project + "/" + info.Name,
		},
	}
	if branch != "" {
		c, err := a.tip(ctx, loc, branch)
		if err != nil {
			return nil, err
		}
		meta.LastCommit = models.CommitInfo{
			Hash:      c.CommitID,
			Timestamp: c.Author.Date.UTC(),
			Author:    c.Author.Name,
			Message:   firstLine(c.Comment),
		}
	}
	return meta, nil
}

// HealthCheck lists one project of the organisation.
func (a *AzureDevOpsProvider) HealthCheck(ctx context.Context) (st models.ProviderHealthStatus) {
	start := time.Now()
	st = models.ProviderHealthStatus{Provider: a.Name()}
	defer func() {
		st.ResponseTime = time.Since(start)
		st.LastChecked = time.Now()
	}()

	apiHost := a.host
	if a.apiHost != "" {
		apiHost = a.apiHost
	}
	urlStr := fmt.Sprintf("%s://%s/%s/_apis/projects?$top=1&api-version=%s", a.scheme, apiHost, url.PathEscape(a.org), azureAPIVersion)
	if err := a.get(ctx, urlStr, nil); err != nil {
		var apiErr *azureAPIError
		if errors.As(err, &apiErr) {
			st.APIAvailable = boolPtr(true)
			if apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusNonAuthoritativeInfo {
				st.AuthenticationValid = boolPtr(false)
			}
		} else {
			st.APIAvailable = boolPtr(false)
		}
		st.Error = err.Error()
		return st
	}
	st.APIAvailable = boolPtr(true)
	st.AuthenticationValid = boolPtr(true)
	st.IsHealthy = true
	return st
}
