package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/orchestrator"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/scanner"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/store"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

type stubProvider struct {
	mu       sync.Mutex
	revs     map[string]string
	cloneErr error
}

func (p *stubProvider) Name() string        { return "stub" }
func (p *stubProvider) Platform() string    { return repository.PlatformGit }
func (p *stubProvider) Hostnames() []string { return []string{"example.com"} }
func (p *stubProvider) CanHandle(u string) bool {
	return repository.Hostname(u) == "example.com"
}

func (p *stubProvider) Parse(u string) (models.RepositoryReference, error) {
	name := filepath.Base(u)
	return models.RepositoryReference{Platform: "git", Hostname: "example.com", Owner: "o", Name: name, FullName: "o/" + name, OriginalURL: u}, nil
}

func (p *stubProvider) revision(u string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.revs[repository.NormalizeURL(u)]; ok {
		return r
	}
	return "aaaaaaaaaaaa0000"
}

func (p *stubProvider) setRevision(u, rev string) {
	p.mu.Lock()
	p.revs[u] = rev
	p.mu.Unlock()
}

func (p *stubProvider) Clone(_ context.Context, u, dest string) (*repository.CloneResult, error) {
	if p.cloneErr != nil {
		return nil, p.cloneErr
	}
	if err := os.WriteFile(filepath.Join(dest, "app.env"), []byte("a\nKEY=1\nb\n"), 0o644); err != nil {
		return nil, err
	}
	return &repository.CloneResult{LocalPath: dest, Branch: "main", Commit: p.revision(u)}, nil
}

func (p *stubProvider) Metadata(context.Context, string) (*models.RepositoryMetadata, error) {
	return &models.RepositoryMetadata{DefaultBranch: "main"}, nil
}

func (p *stubProvider) LatestRevision(_ context.Context, u string) (string, error) {
	return p.revision(u), nil
}

func (p *stubProvider) ChangeSummary(context.Context, string, string) (*models.ChangeSummary, error) {
	return &models.ChangeSummary{Commits: 1}, nil
}

func (p *stubProvider) HealthCheck(context.Context) models.ProviderHealthStatus {
	return models.ProviderHealthStatus{Provider: "stub", IsHealthy: true}
}

type stubScanner struct{}

func (stubScanner) Name() string                   { return "gitleaks" }
func (stubScanner) Version(context.Context) string { return "8.0.0" }
func (stubScanner) Scan(context.Context, string) ([]models.Finding, error) {
	return []models.Finding{{RuleID: "generic-api-key", Message: "key", FilePath: "app.env", Line: 2, Severity: models.SeverityHigh}}, nil
}

func newTestGateway(t *testing.T) (*Gateway, *stubProvider) {
	t.Helper()
	p := &stubProvider{revs: map[string]string{}}
	reg := repository.NewRegistry(time.Second)
	reg.Register(p)
	orch := orchestrator.New(reg, repository.NewCloneManager(t.TempDir()), store.NewMemory(0),
		scanner.NewRunner([]scanner.Capability{stubScanner{}}, 5*time.Second), orchestrator.Options{})
	return New(&config.Config{}, orch), p
}

func do(t *testing.T, gw *Gateway, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	rr := httptest.NewRecorder()
	buildHandler(gw).ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthAndProviders(t *testing.T) {
	gw, _ := newTestGateway(t)

	rr := do(t, gw, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d", rr.Code)
	}

	rr = do(t, gw, http.MethodGet, "/api/providers", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("providers status = %d", rr.Code)
	}
	got := decode[struct {
		Providers []models.ProviderHealthStatus `json:"providers"`
		Total     int                           `json:"total"`
		Healthy   int                           `json:"healthy"`
	}](t, rr)
	if got.Total != 1 || got.Healthy != 1 || got.Providers[0].Provider != "stub" {
		t.Fatalf("unexpected providers body: %+v", got)
	}
}

func TestScanThenSkip(t *testing.T) {
	gw, _ := newTestGateway(t)

	rr := do(t, gw, http.MethodPost, "/api/scan", scanRequest{RepoURL: "https://example.com/o/a"})
	if rr.Code != http.StatusOK {
		t.Fatalf("scan status = %d body=%s", rr.Code, rr.Body.String())
	}
	first := decode[models.ScanRecord](t, rr)
	if first.ScanSkipped || len(first.Findings) != 1 {
		t.Fatalf("unexpected first scan: %+v", first)
	}

	rr = do(t, gw, http.MethodPost, "/api/scan", scanRequest{RepoURL: "https://example.com/o/a.git"})
	second := decode[models.ScanRecord](t, rr)
	if !second.ScanSkipped || second.ID != first.ID {
		t.Fatalf("second scan should be served from cache: %+v", second)
	}

	rr = do(t, gw, http.MethodPost, "/api/scan/force", scanRequest{RepoURL: "https://example.com/o/a"})
	forced := decode[models.ScanRecord](t, rr)
	if forced.ScanSkipped || forced.ID == first.ID {
		t.Fatalf("forced scan should produce a new record: %+v", forced)
	}
}

func TestCacheStatisticsAfterScans(t *testing.T) {
	gw, p := newTestGateway(t)

	for _, u := range []string{"https://example.com/o/a", "https://example.com/o/b"} {
		if rr := do(t, gw, http.MethodPost, "/api/scan", scanRequest{RepoURL: u}); rr.Code != http.StatusOK {
			t.Fatalf("scan %s status = %d", u, rr.Code)
		}
	}
	p.setRevision("https://example.com/o/a", "bbbbbbbbbbbb1111")
	if rr := do(t, gw, http.MethodPost, "/api/scan", scanRequest{RepoURL: "https://example.com/o/a"}); rr.Code != http.StatusOK {
		t.Fatalf("rescan status = %d", rr.Code)
	}

	rr := do(t, gw, http.MethodGet, "/api/cache/statistics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("statistics status = %d", rr.Code)
	}
	st := decode[cacheStatistics](t, rr)
	if st.CurrentRecords != 2 {
		t.Errorf("currentRecords = %d, want 2", st.CurrentRecords)
	}
	if st.TotalProviders != 1 {
		t.Errorf("totalProviders = %d, want 1", st.TotalProviders)
	}
	if st.ScanStatistics == nil || st.TotalScans != 3 {
		t.Errorf("unexpected scan statistics: %+v", st.ScanStatistics)
	}

	rr = do(t, gw, http.MethodGet, "/api/scan/records?limit=1", nil)
	page := decode[paginationResult[models.ScanRecord]](t, rr)
	if page.Total != 2 || page.TotalPages != 2 || len(page.Items) != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}

	rr = do(t, gw, http.MethodGet, "/api/scan/most-scanned", nil)
	ranked := decode[struct {
		Repositories []models.RepoCount `json:"repositories"`
	}](t, rr)
	if len(ranked.Repositories) == 0 || ranked.Repositories[0].RepoURL != "https://example.com/o/a" {
		t.Fatalf("unexpected ranking: %+v", ranked)
	}
}

func TestRepositoryURLPathForms(t *testing.T) {
	gw, _ := newTestGateway(t)
	if rr := do(t, gw, http.MethodPost, "/api/scan", scanRequest{RepoURL: "https://example.com/o/a"}); rr.Code != http.StatusOK {
		t.Fatalf("scan status = %d", rr.Code)
	}

	for _, target := range []string{
		"/api/cache/repository/https://example.com/o/a",
		"/api/cache/repository/https%3A%2F%2Fexample.com%2Fo%2Fa",
		"/api/cache/repository/example.com/o/a",
		"/api/cache/repository/https://example.com/o/a.git",
	} {
		rr := do(t, gw, http.MethodGet, target, nil)
		if rr.Code != http.StatusOK {
			t.Errorf("GET %s status = %d body=%s", target, rr.Code, rr.Body.String())
			continue
		}
		rec := decode[models.ScanRecord](t, rr)
		if rec.RepoURL != "https://example.com/o/a" {
			t.Errorf("GET %s returned %q", target, rec.RepoURL)
		}
	}

	rr := do(t, gw, http.MethodGet, "/api/scan/history/https://example.com/o/a", nil)
	hist := decode[struct {
		RepoURL string `json:"repoUrl"`
		Total   int    `json:"total"`
	}](t, rr)
	if hist.RepoURL != "https://example.com/o/a" || hist.Total != 1 {
		t.Fatalf("unexpected history: %+v", hist)
	}

	rr = do(t, gw, http.MethodGet, "/api/cache/repository/https://example.com/o/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing record status = %d", rr.Code)
	}
}

func TestInvalidateForcesFreshScan(t *testing.T) {
	gw, _ := newTestGateway(t)
	first := decode[models.ScanRecord](t, do(t, gw, http.MethodPost, "/api/scan", scanRequest{RepoURL: "https://example.com/o/a"}))

	rr := do(t, gw, http.MethodDelete, "/api/cache/https://example.com/o/a", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d body=%s", rr.Code, rr.Body.String())
	}
	if rr := do(t, gw, http.MethodGet, "/api/cache/repository/https://example.com/o/a", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("record still present after delete: %d", rr.Code)
	}

	next := decode[models.ScanRecord](t, do(t, gw, http.MethodPost, "/api/scan", scanRequest{RepoURL: "https://example.com/o/a"}))
	if next.ScanSkipped || next.ID == first.ID {
		t.Fatalf("scan after invalidation was short-circuited: %+v", next)
	}

	rr = do(t, gw, http.MethodDelete, "/api/cache", nil)
	got := decode[map[string]int](t, rr)
	if got["invalidated"] != 1 {
		t.Fatalf("invalidate all = %v", got)
	}
}

func TestScanErrorStatuses(t *testing.T) {
	gw, p := newTestGateway(t)

	if rr := do(t, gw, http.MethodPost, "/api/scan", "{not json"); rr.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", rr.Code)
	}
	if rr := do(t, gw, http.MethodPost, "/api/scan", scanRequest{}); rr.Code != http.StatusBadRequest {
		t.Errorf("empty repoUrl status = %d", rr.Code)
	}

	rr := do(t, gw, http.MethodPost, "/api/scan", scanRequest{RepoURL: "https://unknown.example.org/o/r"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown provider status = %d", rr.Code)
	}
	body := decode[errorBody](t, rr)
	if body.Kind != string(orchestrator.KindProviderUnavailable) || body.Stage != string(orchestrator.StateResolving) {
		t.Fatalf("unexpected error body: %+v", body)
	}

	p.cloneErr = errors.New("connection refused")
	rr = do(t, gw, http.MethodPost, "/api/scan", scanRequest{RepoURL: "https://example.com/o/c"})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("clone failure status = %d", rr.Code)
	}
	if body := decode[errorBody](t, rr); body.Kind != string(orchestrator.KindCloneFailure) {
		t.Fatalf("clone failure kind = %q", body.Kind)
	}
}

func TestWriteScanErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&orchestrator.ScanError{Kind: orchestrator.KindScanInProgress}, http.StatusConflict},
		{&orchestrator.ScanError{Kind: orchestrator.KindScannerFailure}, http.StatusInternalServerError},
		{&orchestrator.ScanError{Kind: orchestrator.KindInvalidRequest}, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeScanError(rr, "https://example.com/o/r", tc.err)
		if rr.Code != tc.want {
			t.Errorf("%v: status = %d, want %d", tc.err, rr.Code, tc.want)
		}
	}
}

func TestScanContext(t *testing.T) {
	gw, _ := newTestGateway(t)

	rr := do(t, gw, http.MethodPost, "/api/scan/context", orchestrator.ContextRequest{
		RepoURL: "https://example.com/o/a", FilePath: "app.env", Line: 2, Context: 1,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("context status = %d body=%s", rr.Code, rr.Body.String())
	}
	res := decode[orchestrator.ContextResult](t, rr)
	if res.StartLine != 1 || res.EndLine != 3 || len(res.Lines) != 3 || res.Lines[1].Text != "KEY=1" {
		t.Fatalf("unexpected context: %+v", res)
	}

	rr = do(t, gw, http.MethodPost, "/api/scan/context", orchestrator.ContextRequest{
		RepoURL: "https://example.com/o/a", FilePath: "../etc/passwd", Line: 1,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("escaping path status = %d", rr.Code)
	}
}

func TestStaleListingAndRescan(t *testing.T) {
	gw, _ := newTestGateway(t)
	if rr := do(t, gw, http.MethodPost, "/api/scan", scanRequest{RepoURL: "https://example.com/o/a"}); rr.Code != http.StatusOK {
		t.Fatalf("scan status = %d", rr.Code)
	}

	rr := do(t, gw, http.MethodGet, "/api/scan/stale?max_age=1ns", nil)
	stale := decode[struct {
		Total int `json:"total"`
	}](t, rr)
	if stale.Total != 1 {
		t.Fatalf("stale total = %d", stale.Total)
	}
	if rr := do(t, gw, http.MethodGet, "/api/scan/stale?max_age=soon", nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad max_age status = %d", rr.Code)
	}

	gw.scheduler.maxAge = time.Nanosecond
	rr = do(t, gw, http.MethodPost, "/api/scan/stale/rescan", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("rescan status = %d", rr.Code)
	}
	rep := decode[RescanReport](t, rr)
	if rep.Stale != 1 || rep.Unchanged != 1 || rep.Rescanned != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
}

func TestRescanOverlapIsRejected(t *testing.T) {
	gw, _ := newTestGateway(t)
	gw.scheduler.running.Store(true)
	if _, err := gw.scheduler.RescanStale(context.Background()); !errors.Is(err, errRescanRunning) {
		t.Fatalf("err = %v, want errRescanRunning", err)
	}
	if rr := do(t, gw, http.MethodPost, "/api/scan/stale/rescan", nil); rr.Code != http.StatusConflict {
		t.Fatalf("overlapping rescan status = %d", rr.Code)
	}
}

func TestSchedulerValidate(t *testing.T) {
	if err := validate("*/5 * * * *"); err != nil {
		t.Fatalf("valid expression rejected: %v", err)
	}
	if err := validate("every tuesday"); err == nil {
		t.Fatal("invalid expression accepted")
	}

	gw, _ := newTestGateway(t)
	gw.scheduler.expr = "not a cron"
	if err := gw.scheduler.Start(context.Background()); err == nil {
		t.Fatal("Start accepted an invalid expression")
	}
}

func TestBroadcasterFramesScanEvents(t *testing.T) {
	gw, _ := newTestGateway(t)
	ch := gw.broadcaster.subscribe()
	defer gw.broadcaster.unsubscribe(ch)

	if rr := do(t, gw, http.MethodPost, "/api/scan", scanRequest{RepoURL: "https://example.com/o/a"}); rr.Code != http.StatusOK {
		t.Fatalf("scan status = %d", rr.Code)
	}

	var types []string
	for len(ch) > 0 {
		f := string(<-ch)
		if !strings.HasPrefix(f, "event: ") || !strings.HasSuffix(f, "\n\n") {
			t.Fatalf("malformed frame %q", f)
		}
		types = append(types, strings.TrimPrefix(strings.SplitN(f, "\n", 2)[0], "event: "))
	}
	if len(types) < 2 || types[0] != "scan.started" || types[len(types)-1] != "scan.completed" {
		t.Fatalf("unexpected event sequence %v", types)
	}
	if st := gw.currentStatus(); len(st.ActiveScans) != 0 {
		t.Fatalf("active scans not cleared: %v", st.ActiveScans)
	}
}

func TestFrameFormat(t *testing.T) {
	f, err := frame(SSEEvent{Type: "cache.invalidated", Payload: map[string]int{"count": 2}})
	if err != nil {
		t.Fatal(err)
	}
	want := "event: cache.invalidated\ndata: {\"type\":\"cache.invalidated\",\"payload\":{\"count\":2}}\n\n"
	if string(f) != want {
		t.Fatalf("frame = %q, want %q", f, want)
	}
}

func TestCanonicalRepoURL(t *testing.T) {
	cases := map[string]string{
		"https:/github.com/o/r":   "https://github.com/o/r",
		"github.com/o/r":          "https://github.com/o/r",
		"git@github.com:o/r.git":  "https://github.com/o/r",
		"HTTPS://GitHub.com/o/r/": "https://github.com/o/r",
	}
	for in, want := range cases {
		if got := canonicalRepoURL(in); got != want {
			t.Errorf("canonicalRepoURL(%q) = %q, want %q", in, got, want)
		}
	}
}
