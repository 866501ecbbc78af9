package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/orchestrator"
)

const defaultMaxAge = 24 * time.Hour

var errRescanRunning = errors.New("a rescan pass is already running")

// Scheduler periodically re-runs scans for records older than maxAge.
// Repositories that did not change are answered by the orchestrator's
// change check and cost one revision probe each; their records keep their
// original timestamp.
type Scheduler struct {
	expr      string
	maxAge    time.Duration
	orch      *orchestrator.Orchestrator
	cron      *cron.Cron
	broadcast func(SSEEvent)
	running   atomic.Bool
}

// RescanReport summarises one pass over the stale records.
type RescanReport struct {
	Stale     int      `json:"stale"`
	Rescanned int      `json:"rescanned"`
	Unchanged int      `json:"unchanged"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

func newScheduler(cfg config.ScheduleConfig, orch *orchestrator.Orchestrator, broadcast func(SSEEvent)) *Scheduler {
	return &Scheduler{
		expr:      cfg.RescanCron,
		maxAge:    config.Duration(cfg.MaxAge, defaultMaxAge),
		orch:      orch,
		cron:      cron.New(),
		broadcast: broadcast,
	}
}

// Start validates the rescan expression and starts the cron runner.
// An empty expression disables scheduled rescans.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.expr == "" {
		slog.Info("Scheduled rescans disabled")
		return nil
	}
	if err := validate(s.expr); err != nil {
		return fmt.Errorf("invalid rescan expression %q: %w", s.expr, err)
	}
	if _, err := s.cron.AddFunc(s.expr, func() {
		if _, err := s.RescanStale(ctx); err != nil {
			slog.Warn("Scheduled rescan failed", "error", err)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	slog.Info("Rescan scheduler started", "expr", s.expr, "max_age", s.maxAge)
	return nil
}

// Stop halts the cron runner gracefully.
func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }

// validate checks that expr is parseable by robfig/cron without adding it
// permanently to any runner.
func validate(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// RescanStale runs a non-forced scan for every record older than maxAge.
// Overlapping passes are skipped.
func (s *Scheduler) RescanStale(ctx context.Context) (*RescanReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, errRescanRunning
	}
	defer s.running.Store(false)

	stale, err := s.orch.Store().ListStale(ctx, s.maxAge)
	if err != nil {
		return nil, fmt.Errorf("listing stale records: %w", err)
	}
	rep := &RescanReport{Stale: len(stale)}
	s.broadcast(SSEEvent{Type: "rescan.started", Payload: map[string]any{"stale": len(stale)}})

	for _, rec := range stale {
		if ctx.Err() != nil {
			break
		}
		out, err := s.orch.Scan(ctx, orchestrator.Request{RepoURL: rec.RepoURL})
		switch {
		case err != nil:
			rep.Failed++
			rep.Errors = append(rep.Errors, err.Error())
			slog.Warn("Stale rescan failed", "repo", rec.RepoURL, "error", err)
		case out.ScanSkipped:
			rep.Unchanged++
		default:
			rep.Rescanned++
		}
	}

	slog.Info("Stale rescan pass finished", "stale", rep.Stale, "rescanned", rep.Rescanned,
		"unchanged", rep.Unchanged, "failed", rep.Failed)
	s.broadcast(SSEEvent{Type: "rescan.completed", Payload: rep})
	return rep, nil
}
