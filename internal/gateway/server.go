package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/orchestrator"
)

// Gateway is the long-running daemon that combines:
//   - the scan Orchestrator (serving cached-or-fresh records)
//   - a cron Scheduler (rescanning stale records)
//   - a REST + SSE HTTP server
type Gateway struct {
	cfg         *config.Config
	orch        *orchestrator.Orchestrator
	scheduler   *Scheduler
	broadcaster *Broadcaster

	mu          sync.RWMutex
	startedAt   time.Time
	activeScans map[string]orchestrator.State
	lastEventAt time.Time
}

// New creates a Gateway around orch. Call Start() to begin serving.
func New(cfg *config.Config, orch *orchestrator.Orchestrator) *Gateway {
	gw := &Gateway{
		cfg:         cfg,
		orch:        orch,
		broadcaster: newBroadcaster(),
		startedAt:   time.Now(),
		activeScans: make(map[string]orchestrator.State),
	}
	gw.scheduler = newScheduler(cfg.Schedule, orch, gw.broadcaster.send)
	orch.Observe(gw.onScanEvent)
	return gw
}

// onScanEvent tracks in-flight scans and relays transitions over SSE.
func (gw *Gateway) onScanEvent(evt orchestrator.Event) {
	gw.mu.Lock()
	gw.lastEventAt = evt.At
	switch evt.State {
	case orchestrator.StateDone, orchestrator.StateError:
		delete(gw.activeScans, evt.RepoURL)
	default:
		gw.activeScans[evt.RepoURL] = evt.State
	}
	gw.mu.Unlock()

	typ := "scan.state"
	switch evt.State {
	case orchestrator.StateResolving:
		typ = "scan.started"
	case orchestrator.StateDone:
		typ = "scan.completed"
		if evt.Skipped {
			typ = "scan.skipped"
		}
	case orchestrator.StateError:
		typ = "scan.failed"
	}
	gw.broadcaster.send(SSEEvent{Type: typ, Payload: evt})
}

// Start runs the gateway until ctx is cancelled. It:
//  1. Validates and starts the rescan scheduler
//  2. Starts a stats ticker that pushes cache statistics via SSE
//  3. Binds the HTTP server (blocks until shutdown)
func (gw *Gateway) Start(ctx context.Context) error {
	port := gw.cfg.Gateway.Port
	if port == 0 {
		port = config.DefaultPort
	}
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	// 1. Start scheduler.
	if err := gw.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	// 2. Stats ticker.
	go gw.runStatsTicker(ctx)

	// 3. HTTP server.
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(buildHandler(gw), "gateway"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		gw.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Gateway listening", "addr", "http://"+addr)
	gw.broadcaster.send(SSEEvent{
		Type:    "gateway.started",
		Payload: map[string]string{"addr": "http://" + addr},
	})

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	gw.orch.Wait()
	return nil
}

// runStatsTicker broadcasts a "cache.stats" SSE event every 30 seconds.
func (gw *Gateway) runStatsTicker(ctx context.Context) {
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st, err := gw.orch.Store().Statistics(ctx)
			if err != nil {
				slog.Warn("Refreshing cache statistics failed", "error", err)
				continue
			}
			gw.broadcaster.send(SSEEvent{Type: "cache.stats", Payload: st})
		}
	}
}

func (gw *Gateway) currentStatus() GatewayStatus {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	active := make(map[string]orchestrator.State, len(gw.activeScans))
	for k, v := range gw.activeScans {
		active[k] = v
	}
	s := GatewayStatus{
		UptimeSeconds:    int64(time.Since(gw.startedAt).Seconds()),
		ActiveScans:      active,
		ActiveWorkspaces: gw.orch.ActiveWorkspaces(),
		Subscribers:      gw.broadcaster.count(),
		RescanSchedule:   gw.cfg.Schedule.RescanCron,
	}
	if !gw.lastEventAt.IsZero() {
		s.LastEventAt = gw.lastEventAt.UTC().Format(time.RFC3339)
	}
	return s
}
