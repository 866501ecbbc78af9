package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/wasilibs/go-re2"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/orchestrator"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/store"
)

const maxBodyBytes = 1 << 20

// --- HTTP response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeScanError maps orchestration failures onto HTTP statuses.
func writeScanError(w http.ResponseWriter, repoURL string, err error) {
	body := errorBody{Error: err.Error(), RepoURL: repoURL}
	status := http.StatusInternalServerError

	var se *orchestrator.ScanError
	if errors.As(err, &se) {
		body.Kind = string(se.Kind)
		body.Stage = string(se.Stage)
		if se.RepoURL != "" {
			body.RepoURL = se.RepoURL
		}
	}
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrProviderUnavailable):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrScanInProgress):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// Client went away; the status is never read.
		status = 499
	case errors.Is(err, orchestrator.ErrCloneFailure):
		status = http.StatusBadGateway
	case errors.Is(err, orchestrator.ErrScannerFailure):
		status = http.StatusInternalServerError
	}
	if status >= 500 {
		slog.Error("Request failed", "repo", body.RepoURL, "kind", body.Kind, "stage", body.Stage, "error", err)
	}
	writeJSON(w, status, body)
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no cached record")
		return
	}
	slog.Error("Store request failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// --- Repository URLs in paths ---

// collapsedScheme matches "https:/host/..." left behind by path cleaning.
var collapsedScheme = re2.MustCompile(`^([A-Za-z][A-Za-z0-9+.-]*):/([^/].*)$`)

// cleanPaths cleans the request path before routing so that raw repository
// URLs ("/api/cache/https://github.com/o/r") route instead of redirecting.
func cleanPaths(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := r.URL.Path
		if p != "" && p != "/" {
			cleaned := path.Clean(p)
			if strings.HasSuffix(p, "/") && cleaned != "/" {
				cleaned += "/"
			}
			if cleaned != p {
				r.URL.Path = cleaned
				r.URL.RawPath = ""
			}
		}
		next.ServeHTTP(w, r)
	})
}

// repoURLParam extracts the {repoUrl...} wildcard. It accepts escaped and
// raw forms and prepends https:// when no scheme is present.
func repoURLParam(r *http.Request) (string, error) {
	raw := strings.TrimSpace(r.PathValue("repoUrl"))
	if u, err := url.PathUnescape(raw); err == nil {
		raw = u
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("repository url is required")
	}
	return canonicalRepoURL(raw), nil
}

func canonicalRepoURL(raw string) string {
	if m := collapsedScheme.FindStringSubmatch(raw); m != nil && !strings.Contains(raw, "://") {
		raw = m[1] + "://" + m[2]
	}
	if !strings.Contains(raw, "://") && !isSCP(raw) {
		raw = "https://" + raw
	}
	return repository.NormalizeURL(raw)
}

// isSCP reports whether s looks like git@host:owner/repo.
func isSCP(s string) bool {
	at := strings.Index(s, "@")
	colon := strings.Index(s, ":")
	slash := strings.Index(s, "/")
	return at > 0 && colon > at && (slash < 0 || colon < slash)
}

// --- Query parameters ---

func intQuery(r *http.Request, name string, def, max int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	if max > 0 && n > max {
		n = max
	}
	return n, nil
}

func durationQuery(r *http.Request, name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration such as 24h", name)
	}
	return d, nil
}

// --- Pagination ---

type paginationResult[T any] struct {
	Items      []T `json:"items"`
	Limit      int `json:"limit"`
	Offset     int `json:"offset"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func paginate[T any](items []T, limit, offset, total int) paginationResult[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return paginationResult[T]{Items: items, Limit: limit, Offset: offset, Total: total, TotalPages: pages}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
