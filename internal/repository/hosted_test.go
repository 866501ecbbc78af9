package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	gogithub "github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gitlab "gitlab.com/gitlab-org/api/client-go"
)

const testSHA = "0123456789abcdef0123456789abcdef01234567"

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// newGitHubWithAPI points the API client at apiBase while still claiming host.
func newGitHubWithAPI(host, token, apiBase string) (*GitHubProvider, error) {
	base, err := url.Parse(strings.TrimSuffix(apiBase, "/") + "/")
	if err != nil {
		return nil, err
	}
	client := gogithub.NewClient(oauthClient(token))
	client.BaseURL = base
	return &GitHubProvider{client: client, token: token, host: host}, nil
}

func TestGitHubProviderAgainstAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/api/commits/HEAD", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testSHA)
	})
	mux.HandleFunc("GET /repos/acme/api/compare/{basehead}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("basehead") != "abc123...HEAD" {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"total_commits": 3,
			"files": []map[string]any{
				{"filename": "a.go", "additions": 10, "deletions": 2},
				{"filename": "b.go", "additions": 1, "deletions": 0},
			},
		})
	})
	mux.HandleFunc("GET /repos/acme/api", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"name": "api", "full_name": "acme/api", "description": "API", "default_branch": "main",
			"stargazers_count": 7, "private": true,
		})
	})
	mux.HandleFunc("GET /repos/acme/api/commits/main", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"sha": testSHA,
			"commit": map[string]any{
				"message": "fix: thing\n\nbody",
				"author":  map[string]any{"name": "dev", "date": "2026-01-02T03:04:05Z"},
			},
		})
	})
	mux.HandleFunc("GET /rate_limit", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"resources": map[string]any{"core": map[string]any{"limit": 5000, "remaining": 4999}}})
	})
	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"login": "dev"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := newGitHubWithAPI("github.com", "tok", srv.URL)
	require.NoError(t, err)
	ctx := context.Background()
	repoURL := "https://github.com/acme/api"

	rev, err := p.LatestRevision(ctx, repoURL)
	require.NoError(t, err)
	assert.Equal(t, testSHA, rev)

	s, err := p.ChangeSummary(ctx, repoURL, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Commits)
	assert.Equal(t, 2, s.FilesChanged)
	assert.Equal(t, 11, s.Additions)
	assert.Equal(t, 2, s.Deletions)

	_, err = p.ChangeSummary(ctx, repoURL, "gone")
	require.ErrorIs(t, err, ErrRevisionNotFound)

	meta, err := p.Metadata(ctx, repoURL)
	require.NoError(t, err)
	assert.Equal(t, "main", meta.DefaultBranch)
	assert.Equal(t, testSHA, meta.LastCommit.Hash)
	assert.Equal(t, "fix: thing", meta.LastCommit.Message)
	assert.Equal(t, true, meta.Common["private"])

	st := p.HealthCheck(ctx)
	assert.True(t, st.IsHealthy, st.Error)
	require.NotNil(t, st.AuthenticationValid)
	assert.True(t, *st.AuthenticationValid)
}

func TestGitLabProviderAgainstAPI(t *testing.T) {
	project := map[string]any{
		"id": 42, "name": "svc", "path_with_namespace": "group/sub/svc",
		"default_branch": "main", "description": "service", "visibility": "private",
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v4/projects/{pid}", func(w http.ResponseWriter, r *http.Request) {
		if pid, _ := url.PathUnescape(r.PathValue("pid")); pid != "group/sub/svc" {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]any{"message": "404 Project Not Found"})
			return
		}
		writeJSON(w, project)
	})
	mux.HandleFunc("GET /api/v4/projects/{pid}/repository/branches/main", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"name":   "main",
			"commit": map[string]any{"id": testSHA, "title": "latest", "author_name": "dev", "committed_date": "2026-01-02T03:04:05Z"},
		})
	})
	mux.HandleFunc("GET /api/v4/projects/{pid}/repository/compare", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("from") != "abc123" {
			w.WriteHeader(http.StatusNotFound)
			writeJSON(w, map[string]any{"message": "404 Ref Not Found"})
			return
		}
		writeJSON(w, map[string]any{
			"commits": []map[string]any{{"id": "c1"}, {"id": "c2"}},
			"diffs": []map[string]any{
				{"new_path": "a.go", "diff": "@@ -1,2 +1,3 @@\n line\n-old\n+new\n+more\n"},
			},
		})
	})
	mux.HandleFunc("GET /api/v4/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"version": "17.0.0"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p, err := newGitLab("gitlab.example.com", "tok", 0, gitlab.WithBaseURL(srv.URL+"/api/v4/"))
	require.NoError(t, err)
	ctx := context.Background()
	repoURL := "https://gitlab.example.com/group/sub/svc.git"

	rev, err := p.LatestRevision(ctx, repoURL)
	require.NoError(t, err)
	assert.Equal(t, testSHA, rev)

	s, err := p.ChangeSummary(ctx, repoURL, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Commits)
	assert.Equal(t, 1, s.FilesChanged)
	assert.Equal(t, 2, s.Additions)
	assert.Equal(t, 1, s.Deletions)

	_, err = p.ChangeSummary(ctx, repoURL, "gone")
	require.ErrorIs(t, err, ErrRevisionNotFound)

	meta, err := p.Metadata(ctx, repoURL)
	require.NoError(t, err)
	assert.Equal(t, "svc", meta.Name)
	assert.Equal(t, "latest", meta.LastCommit.Message)

	assert.True(t, p.HealthCheck(ctx).IsHealthy)
}

func TestAzureProviderAgainstAPI(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /contoso/Payments/_apis/git/repositories/billing", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"id": "r1", "name": "billing", "defaultBranch": "refs/heads/main",
			"project": map[string]any{"name": "Payments", "visibility": "private"},
		})
	})
	mux.HandleFunc("GET /contoso/Payments/_apis/git/repositories/billing/commits", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"value": []map[string]any{{
			"commitId": testSHA, "comment": "merge",
			"author": map[string]any{"name": "dev", "date": "2026-01-02T03:04:05Z"},
		}}})
	})
	mux.HandleFunc("GET /contoso/Payments/_apis/git/repositories/billing/diffs/commits", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("baseVersion") != "abc123" {
			http.Error(w, `{"message":"TF401175"}`, http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]any{
			"aheadCount": 4,
			"changes": []map[string]any{
				{"item": map[string]any{"path": "/src", "isFolder": true}},
				{"item": map[string]any{"path": "/src/a.cs"}},
			},
		})
	})
	mux.HandleFunc("GET /contoso/_apis/projects", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"count": 1})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	p := &AzureDevOpsProvider{org: "contoso", host: "dev.azure.com", scheme: "http", apiHost: u.Host, client: srv.Client()}
	ctx := context.Background()
	repoURL := "https://dev.azure.com/contoso/Payments/_git/billing"

	rev, err := p.LatestRevision(ctx, repoURL)
	require.NoError(t, err)
	assert.Equal(t, testSHA, rev)

	s, err := p.ChangeSummary(ctx, repoURL, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 4, s.Commits)
	assert.Equal(t, 1, s.FilesChanged)

	_, err = p.ChangeSummary(ctx, repoURL, "gone")
	require.ErrorIs(t, err, ErrRevisionNotFound)

	meta, err := p.Metadata(ctx, repoURL)
	require.NoError(t, err)
	assert.Equal(t, "main", meta.DefaultBranch)
	assert.Equal(t, testSHA, meta.LastCommit.Hash)

	assert.True(t, p.HealthCheck(ctx).IsHealthy)
}
