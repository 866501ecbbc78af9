package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/orchestrator"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/store"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

const (
	defaultRecordsLimit = 50
	maxRecordsLimit     = 500
	defaultRankLimit    = 10
)

// buildHandler returns the HTTP handler with all routes registered.
func buildHandler(gw *Gateway) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", gw.handleRoot)
	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /api/status", gw.handleStatus)
	mux.HandleFunc("GET /api/providers", gw.handleProviders)

	// Scans
	mux.HandleFunc("POST /api/scan", gw.handleScan)
	mux.HandleFunc("POST /api/scan/force", gw.handleForceScan)
	mux.HandleFunc("POST /api/scan/context", gw.handleScanContext)
	mux.HandleFunc("GET /api/scan/statistics", gw.handleScanStatistics)
	mux.HandleFunc("GET /api/scan/records", gw.handleListRecords)
	mux.HandleFunc("GET /api/scan/history/{repoUrl...}", gw.handleHistory)
	mux.HandleFunc("GET /api/scan/stale", gw.handleStale)
	mux.HandleFunc("POST /api/scan/stale/rescan", gw.handleRescanStale)
	mux.HandleFunc("GET /api/scan/most-scanned", gw.handleMostScanned)
	mux.HandleFunc("GET /api/scan/most-cached", gw.handleMostCached)

	// Cache
	mux.HandleFunc("GET /api/cache/statistics", gw.handleCacheStatistics)
	mux.HandleFunc("GET /api/cache/repositories", gw.handleCacheRepositories)
	mux.HandleFunc("GET /api/cache/repository/{repoUrl...}", gw.handleCacheRepository)
	mux.HandleFunc("DELETE /api/cache", gw.handleInvalidateAll)
	mux.HandleFunc("DELETE /api/cache/{repoUrl...}", gw.handleInvalidate)

	// SSE
	mux.HandleFunc("GET /events", gw.handleEvents)

	return cleanPaths(mux)
}

func (gw *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (gw *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   "ctrlscan-cache gateway",
		"status": "running",
		"endpoints": []string{
			"POST /api/scan",
			"POST /api/scan/force",
			"POST /api/scan/context",
			"GET /api/scan/statistics",
			"GET /api/scan/records",
			"GET /api/scan/history/{repoUrl}",
			"GET /api/scan/stale",
			"GET /api/scan/most-scanned",
			"GET /api/scan/most-cached",
			"GET /api/cache/statistics",
			"GET /api/cache/repositories",
			"GET /api/cache/repository/{repoUrl}",
			"DELETE /api/cache",
			"DELETE /api/cache/{repoUrl}",
			"GET /api/providers",
			"GET /health",
			"GET /events",
		},
	})
}

func (gw *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, gw.currentStatus())
}

func (gw *Gateway) handleProviders(w http.ResponseWriter, r *http.Request) {
	statuses := gw.orch.Registry().HealthStatuses(r.Context())
	out := make([]models.ProviderHealthStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	healthy := 0
	for _, s := range out {
		if s.IsHealthy {
			healthy++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": out,
		"total":     len(out),
		"healthy":   healthy,
	})
}

// --- scans ---

func (gw *Gateway) handleScan(w http.ResponseWriter, r *http.Request) {
	gw.scan(w, r, false)
}

func (gw *Gateway) handleForceScan(w http.ResponseWriter, r *http.Request) {
	gw.scan(w, r, true)
}

func (gw *Gateway) scan(w http.ResponseWriter, r *http.Request, force bool) {
	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RepoURL) == "" {
		writeError(w, http.StatusBadRequest, "repoUrl is required")
		return
	}
	rec, err := gw.orch.Scan(r.Context(), orchestrator.Request{RepoURL: req.RepoURL, Force: force})
	if err != nil {
		writeScanError(w, req.RepoURL, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (gw *Gateway) handleScanContext(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ContextRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RepoURL) == "" || strings.TrimSpace(req.FilePath) == "" {
		writeError(w, http.StatusBadRequest, "repoUrl and filePath are required")
		return
	}
	res, err := gw.orch.Context(r.Context(), req)
	if err != nil {
		writeScanError(w, req.RepoURL, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (gw *Gateway) handleScanStatistics(w http.ResponseWriter, r *http.Request) {
	st, err := gw.orch.Store().Statistics(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (gw *Gateway) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", defaultRecordsLimit, maxRecordsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := intQuery(r, "offset", 0, 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st := gw.orch.Store()
	recs, err := st.Records(r.Context(), limit, offset)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	stats, err := st.Statistics(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, paginate(recs, limit, offset, stats.CurrentRecords))
}

func (gw *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	repoURL, err := repoURLParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intQuery(r, "limit", store.DefaultHistoryLimit, maxRecordsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := gw.orch.Store().History(r.Context(), repoURL, limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"repoUrl": repoURL,
		"records": nonNil(recs),
		"total":   len(recs),
	})
}

func (gw *Gateway) handleStale(w http.ResponseWriter, r *http.Request) {
	maxAge, err := durationQuery(r, "max_age", gw.scheduler.maxAge)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := gw.orch.Store().ListStale(r.Context(), maxAge)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"max_age": maxAge.String(),
		"records": nonNil(recs),
		"total":   len(recs),
	})
}

func (gw *Gateway) handleRescanStale(w http.ResponseWriter, r *http.Request) {
	rep, err := gw.scheduler.RescanStale(r.Context())
	if errors.Is(err, errRescanRunning) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (gw *Gateway) handleMostScanned(w http.ResponseWriter, r *http.Request) {
	gw.ranking(w, r, gw.orch.Store().MostScanned)
}

func (gw *Gateway) handleMostCached(w http.ResponseWriter, r *http.Request) {
	gw.ranking(w, r, gw.orch.Store().MostCached)
}

func (gw *Gateway) ranking(w http.ResponseWriter, r *http.Request, fetch func(ctx context.Context, n int) ([]models.RepoCount, error)) {
	limit, err := intQuery(r, "limit", defaultRankLimit, maxRecordsLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rows, err := fetch(r.Context(), limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repositories": nonNil(rows)})
}

// --- cache ---

func (gw *Gateway) handleCacheStatistics(w http.ResponseWriter, r *http.Request) {
	st, err := gw.orch.Store().Statistics(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	providers := gw.orch.Registry().Providers()
	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	writeJSON(w, http.StatusOK, cacheStatistics{
		ScanStatistics: st,
		TotalProviders: len(names),
		Providers:      names,
		CurrentRecords: st.CurrentRecords,
	})
}

func (gw *Gateway) handleCacheRepositories(w http.ResponseWriter, r *http.Request) {
	recs, err := gw.orch.Store().Records(r.Context(), 0, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]repositorySummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, summarize(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"repositories": out, "total": len(out)})
}

func (gw *Gateway) handleCacheRepository(w http.ResponseWriter, r *http.Request) {
	repoURL, err := repoURLParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, err := gw.orch.Store().Current(r.Context(), repoURL)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (gw *Gateway) handleInvalidateAll(w http.ResponseWriter, r *http.Request) {
	n, err := gw.orch.Store().InvalidateAll(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	gw.broadcaster.send(SSEEvent{Type: "cache.invalidated", Payload: map[string]any{"count": n}})
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": n})
}

func (gw *Gateway) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	repoURL, err := repoURLParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := gw.orch.Store().Invalidate(r.Context(), repoURL); err != nil {
		writeStoreError(w, err)
		return
	}
	gw.broadcaster.send(SSEEvent{Type: "cache.invalidated", Payload: map[string]any{"repoUrl": repoURL}})
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": repoURL})
}

// --- SSE ---

func (gw *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if behind a proxy

	ch := gw.broadcaster.subscribe()
	defer gw.broadcaster.unsubscribe(ch)

	connected, _ := json.Marshal(SSEEvent{Type: "connected", Payload: gw.currentStatus()})
	// nosemgrep: go.lang.security.audit.xss.no-fprintf-to-responsewriter.no-fprintf-to-responsewriter
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case f, ok := <-ch:
			if !ok {
				return
			}
			// nosemgrep: go.lang.security.audit.xss.no-direct-write-to-responsewriter.no-direct-write-to-responsewriter
			_, _ = w.Write(f)
			flusher.Flush()
		}
	}
}
