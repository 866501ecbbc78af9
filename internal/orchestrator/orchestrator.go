// Package orchestrator drives a scan from URL to stored record: it resolves
// the provider, decides whether the cached record is still valid, clones,
// runs the scanners and persists the result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/changes"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/notify"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/repository"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/scanner"
	"github.com/CosmoTheDev/ctrlscan-cache/internal/store"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// State is a step of the scan state machine.
type State string

const (
	StateIdle        State = "Idle"
	StateResolving   State = "Resolving"
	StateDeciding    State = "Deciding"
	StateAcquiring   State = "Acquiring"
	StateScanning    State = "Scanning"
	StateAggregating State = "Aggregating"
	StatePersisting  State = "Persisting"
	StateDone        State = "Done"
	StateError       State = "Error"
)

const defaultNotifyTimeout = 10 * time.Second

// Request asks for the current scan record of a repository.
type Request struct {
	RepoURL string
	// Force rescans even when the repository has not changed.
	Force bool
}

// Event reports a state transition to observers.
type Event struct {
	RepoURL  string    `json:"repo_url"`
	State    State     `json:"state"`
	Force    bool      `json:"force,omitempty"`
	At       time.Time `json:"at"`
	RecordID string    `json:"record_id,omitempty"`
	Skipped  bool      `json:"skipped,omitempty"`
	Findings int       `json:"findings,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Notifier delivers scan notifications. *notify.Dispatcher implements it.
type Notifier interface {
	Notify(ctx context.Context, evt notify.Event)
}

// Options tunes orchestration behaviour.
type Options struct {
	// BestEffort keeps the scan alive when individual scanners fail.
	BestEffort bool
	// RejectConcurrent fails duplicate in-flight requests with ScanInProgress
	// instead of letting them share the running scan.
	RejectConcurrent bool
	// ContextLines is the default window for Context requests.
	ContextLines int
	Notifier     Notifier
	// NotifyTimeout bounds one notification delivery.
	NotifyTimeout time.Duration
	// OnEvent observes every state transition. It must not block.
	OnEvent func(Event)
}

// OptionsFromConfig maps the scan and notify config sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BestEffort:       cfg.Scan.BestEffort,
		RejectConcurrent: cfg.Scan.RejectConcurrent,
		ContextLines:     cfg.Scan.ContextLines,
		NotifyTimeout:    config.Duration(cfg.Notify.Timeout, defaultNotifyTimeout),
	}
}

// Orchestrator runs scans. It is safe for concurrent use.
type Orchestrator struct {
	registry *repository.Registry
	clones   *repository.CloneManager
	detector *changes.Detector
	store    store.Store
	runner   *scanner.Runner
	opts     Options

	tracer  trace.Tracer
	metrics *scanMetrics

	flights  singleflight.Group
	mu       sync.Mutex
	inflight map[string]struct{}
	waiters  map[string]int
	cancels  map[string]context.CancelFunc
	notifyWG sync.WaitGroup

	obsMu     sync.RWMutex
	observers []func(Event)
}

// New creates an Orchestrator.
func New(reg *repository.Registry, clones *repository.CloneManager, st store.Store, runner *scanner.Runner, opts Options) *Orchestrator {
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = defaultNotifyTimeout
	}
	if opts.ContextLines <= 0 {
		opts.ContextLines = 3
	}
	if clones == nil {
		clones = repository.NewCloneManager("")
	}
	o := &Orchestrator{
		registry: reg,
		clones:   clones,
		detector: changes.NewDetector(reg),
		store:    st,
		runner:   runner,
		opts:     opts,
		tracer:   otel.Tracer(instrumentationName),
		metrics:  defaultMetrics(),
		inflight: make(map[string]struct{}),
		waiters:  make(map[string]int),
		cancels:  make(map[string]context.CancelFunc),
	}
	if opts.OnEvent != nil {
		o.observers = append(o.observers, opts.OnEvent)
	}
	return o
}

// Observe registers fn to receive every state transition. fn must not block.
func (o *Orchestrator) Observe(fn func(Event)) {
	o.obsMu.Lock()
	o.observers = append(o.observers, fn)
	o.obsMu.Unlock()
}

// Registry returns the provider registry.
func (o *Orchestrator) Registry() *repository.Registry { return o.registry }

// Store returns the scan store.
func (o *Orchestrator) Store() store.Store { return o.store }

// Runner returns the scanner runner.
func (o *Orchestrator) Runner() *scanner.Runner { return o.runner }

// Detector returns the change detector.
func (o *Orchestrator) Detector() *changes.Detector { return o.detector }

// ActiveWorkspaces reports working copies that have not been released.
func (o *Orchestrator) ActiveWorkspaces() int64 { return o.clones.Active() }

// Wait blocks until pending notifications are delivered or timed out.
func (o *Orchestrator) Wait() { o.notifyWG.Wait() }

// Scan returns the current record for req.RepoURL, rescanning only when
// the repository changed or req.Force is set. Concurrent requests for the
// same repository share one in-flight scan; a forced request that joins an
// unforced one waits for it and then runs its own.
func (o *Orchestrator) Scan(ctx context.Context, req Request) (*models.ScanRecord, error) {
	key := repository.NormalizeURL(req.RepoURL)
	if key == "" {
		return nil, scanErr(KindInvalidRequest, req.RepoURL, StateIdle, errors.New("repository url is required"))
	}

	if o.opts.RejectConcurrent {
		if !o.claim(key) {
			return nil, scanErr(KindScanInProgress, key, StateIdle, nil)
		}
		defer o.unclaim(key)
		return o.run(ctx, key, req.Force)
	}

	o.join(key)
	defer o.leave(key)
	for {
		ch := o.flights.DoChan(key, func() (any, error) {
			return o.lead(ctx, key, req.Force)
		})
		select {
		case res := <-ch:
			out, _ := res.Val.(flightResult)
			if req.Force && !out.force {
				slog.Debug("Forced scan waited for an unforced flight", "repo", key)
				continue
			}
			if res.Err != nil {
				// The flight was abandoned by every earlier caller before we joined.
				if isCancellation(res.Err) && ctx.Err() == nil {
					continue
				}
				return nil, res.Err
			}
			if res.Shared {
				slog.Debug("Shared in-flight scan result", "repo", key)
			}
			return out.rec.Clone(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// flightResult is what one shared run hands to every caller that joined it.
type flightResult struct {
	rec   *models.ScanRecord
	force bool
}

// lead runs the scan for one flight. The run is detached from the caller
// that started it and is cancelled only once every caller waiting on key
// has gone.
func (o *Orchestrator) lead(parent context.Context, key string, force bool) (any, error) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	o.mu.Lock()
	if o.waiters[key] == 0 {
		cancel()
	}
	o.cancels[key] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, key)
		o.mu.Unlock()
	}()

	rec, err := o.run(ctx, key, force)
	return flightResult{rec: rec, force: force}, err
}

func (o *Orchestrator) join(key string) {
	o.mu.Lock()
	o.waiters[key]++
	o.mu.Unlock()
}

func (o *Orchestrator) leave(key string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.waiters[key]--; o.waiters[key] > 0 {
		return
	}
	delete(o.waiters, key)
	if cancel, ok := o.cancels[key]; ok {
		cancel()
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (o *Orchestrator) claim(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[key]; busy {
		return false
	}
	o.inflight[key] = struct{}{}
	return true
}

func (o *Orchestrator) unclaim(key string) {
	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()
}

// scanRun tracks the state of one orchestration.
type scanRun struct {
	o      *Orchestrator
	key    string
	name   string
	force  bool
	parent context.Context
	state  State
	span   trace.Span
}

// enter closes the current stage span, opens one for next and reports the
// transition. The returned context carries the stage span.
func (r *scanRun) enter(next State) context.Context {
	r.closeStage()
	slog.Debug("Scan state change", "repo", r.key, "from", r.state, "to", next)
	r.state = next
	ctx, span := r.o.tracer.Start(r.parent, "scan."+strings.ToLower(string(next)))
	r.span = span
	r.o.emit(Event{RepoURL: r.key, State: next, Force: r.force})
	return ctx
}

func (r *scanRun) closeStage() {
	if r.span != nil {
		r.span.End()
		r.span = nil
	}
}

func (o *Orchestrator) run(ctx context.Context, key string, force bool) (rec *models.ScanRecord, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "scan", trace.WithAttributes(
		attribute.String("repo.url", key),
		attribute.Bool("scan.force", force),
	))
	defer span.End()
	o.metrics.scanned(ctx, force)

	r := &scanRun{o: o, key: key, name: key, force: force, parent: ctx, state: StateIdle}
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Scan panicked", "repo", key, "stage", r.state, "panic", p)
			rec, err = nil, scanErr(kindForStage(r.state), key, r.state, fmt.Errorf("panic: %v", p))
		}
		r.closeStage()
		if err == nil {
			return
		}
		if cerr := ctx.Err(); cerr != nil {
			rec, err = nil, cerr
			o.cancelled(span, r, cerr)
			return
		}
		o.fail(ctx, span, r, err)
	}()

	rec, outcomes, err := o.pipeline(r, start)
	if err != nil {
		return nil, err
	}

	if rec.ScanSkipped {
		span.SetAttributes(attribute.Bool("scan.skipped", true))
		o.metrics.skipped(ctx)
		slog.Info("Repository unchanged; returning cached scan", "repo", key, "commit", rec.CommitHash)
	} else {
		o.metrics.completed(ctx, len(rec.Findings), time.Since(start))
		slog.Info("Scan completed", "repo", key, "commit", rec.CommitHash,
			"findings", len(rec.Findings), "duration", time.Since(start).Round(time.Millisecond))
		o.notify(completedEvent(r.name, rec, outcomes))
	}
	o.emit(Event{RepoURL: key, State: StateDone, Force: force, RecordID: rec.ID, Skipped: rec.ScanSkipped, Findings: len(rec.Findings)})
	return rec, nil
}

func (o *Orchestrator) fail(ctx context.Context, span trace.Span, r *scanRun, err error) {
	kind := KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(kind))
	o.metrics.failed(ctx, kind)
	slog.Error("Scan failed", "repo", r.key, "kind", kind, "stage", r.state, "error", err)
	o.emit(Event{RepoURL: r.key, State: StateError, Force: r.force, Error: err.Error()})
	if kind != KindInvalidRequest && kind != KindScanInProgress {
		o.notify(failedEvent(r.name, r.key, err))
	}
}

// cancelled records an abandoned scan. Nobody is waiting for it, so no
// failure notification goes out.
func (o *Orchestrator) cancelled(span trace.Span, r *scanRun, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "cancelled")
	slog.Info("Scan cancelled", "repo", r.key, "stage", r.state, "error", err)
	o.emit(Event{RepoURL: r.key, State: StateError, Force: r.force, Error: err.Error()})
}

func (o *Orchestrator) pipeline(r *scanRun, start time.Time) (*models.ScanRecord, []scanner.Outcome, error) {
	key := r.key

	ctx := r.enter(StateResolving)
	p, err := o.registry.Resolve(key)
	if err != nil {
		return nil, nil, scanErr(KindProviderUnavailable, key, StateResolving, err)
	}
	if ref, perr := p.Parse(key); perr == nil && ref.FullName != "" {
		r.name = ref.FullName
	}

	ctx = r.enter(StateDeciding)
	var warnings []string
	prev, err := o.store.Current(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		prev = nil
	case errors.Is(err, store.ErrCorrupt):
		slog.Warn("Discarding corrupt cached record", "repo", key, "error", err)
		warnings = append(warnings, fmt.Sprintf("%s: %v", KindCacheCorruption, err))
		prev = nil
	default:
		slog.Warn("Cache lookup failed; scanning fresh", "repo", key, "error", err)
		warnings = append(warnings, fmt.Sprintf("cache lookup failed: %v", err))
		prev = nil
	}

	known := changes.UnknownRevision
	if prev != nil {
		known = prev.CommitHash
	}
	detection := o.detector.HasChangesSince(ctx, key, known)
	if strings.HasPrefix(detection.Error, changes.AmbiguousPrefix) {
		warnings = append(warnings, detection.Error)
	}

	if prev != nil && !r.force && !detection.HasChanges {
		if err := o.store.RecordHit(ctx, key); err != nil {
			slog.Warn("Failed to record cache hit", "repo", key, "error", err)
		}
		out := prev.Clone()
		out.ScanSkipped = true
		out.SkipReason = fmt.Sprintf("No changes since %s", shortHash(prev.CommitHash))
		return out, nil, nil
	}

	ctx = r.enter(StateAcquiring)
	ws, err := o.clones.Acquire(ctx, p, key)
	if err != nil {
		return nil, nil, scanErr(KindCloneFailure, key, StateAcquiring, err)
	}
	defer ws.Release()

	ctx = r.enter(StateScanning)
	var outcomes []scanner.Outcome
	if o.runner != nil {
		outcomes = o.runner.Run(ctx, ws.Dir).Outcomes
	}
	if err := r.parent.Err(); err != nil {
		return nil, nil, err
	}
	var failed []error
	for _, oc := range outcomes {
		if oc.Err == nil {
			continue
		}
		if !o.opts.BestEffort {
			failed = append(failed, fmt.Errorf("%s: %w", oc.Scanner.Name, oc.Err))
			continue
		}
		slog.Warn("Scanner failed; continuing without its findings", "repo", key, "scanner", oc.Scanner.Name, "error", oc.Err)
		warnings = append(warnings, fmt.Sprintf("scanner %s failed: %v", oc.Scanner.Name, oc.Err))
	}
	if len(failed) > 0 {
		return nil, nil, scanErr(KindScannerFailure, key, StateScanning, errors.Join(failed...))
	}

	ctx = r.enter(StateAggregating)
	findings := []models.Finding{}
	scanners := []models.ScannerIdentity{}
	for _, oc := range outcomes {
		if oc.Err != nil {
			continue
		}
		findings = append(findings, oc.Findings...)
		scanners = append(scanners, oc.Scanner)
	}

	md, err := p.Metadata(ctx, key)
	if err != nil {
		slog.Debug("Metadata unavailable", "repo", key, "provider", p.Name(), "error", err)
		md = nil
	}

	commit := ""
	if ws.Clone != nil {
		commit = ws.Clone.Commit
	}
	if commit == "" {
		commit = detection.LastCommitHash
	}
	if commit == "" {
		commit = changes.UnknownRevision
	}

	ctx = r.enter(StatePersisting)
	rec := &models.ScanRecord{
		ID:              uuid.NewString(),
		RepoURL:         key,
		CommitHash:      commit,
		Timestamp:       time.Now().UTC(),
		Scanners:        scanners,
		Findings:        findings,
		ChangeDetection: &detection,
		Metadata:        md,
		Warnings:        warnings,
		DurationMs:      time.Since(start).Milliseconds(),
	}
	if err := o.store.Put(ctx, rec); err != nil {
		return nil, nil, scanErr(KindStoreFailure, key, StatePersisting, err)
	}
	return rec, outcomes, nil
}

func (o *Orchestrator) emit(evt Event) {
	o.obsMu.RLock()
	defer o.obsMu.RUnlock()
	if len(o.observers) == 0 {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	for _, fn := range o.observers {
		fn(evt)
	}
}

// notify delivers evt in the background; failures never reach the caller.
func (o *Orchestrator) notify(evt notify.Event) {
	if o.opts.Notifier == nil {
		return
	}
	o.notifyWG.Add(1)
	go func() {
		defer o.notifyWG.Done()
		defer func() {
			if p := recover(); p != nil {
				slog.Error("Notifier panicked", "event", evt.Event, "panic", p)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.NotifyTimeout)
		defer cancel()
		o.opts.Notifier.Notify(ctx, evt)
	}()
}

func completedEvent(name string, rec *models.ScanRecord, outcomes []scanner.Outcome) notify.Event {
	evt := notify.Event{
		Event:      notify.EventScanCompleted,
		Timestamp:  rec.Timestamp,
		ScanID:     rec.ID,
		Repository: notify.Repository{Name: name, URL: rec.RepoURL},
		Status:     "success",
		Summary: notify.Summary{
			TotalIssues: len(rec.Findings),
			DurationMs:  rec.DurationMs,
			Severities:  models.CountSeverities(rec.Findings),
		},
	}
	if rec.Metadata != nil {
		evt.Repository.Branch = rec.Metadata.DefaultBranch
	}
	for _, oc := range outcomes {
		s := notify.ScannerSummary{Name: oc.Scanner.Name, Version: oc.Scanner.Version, Findings: len(oc.Findings)}
		if oc.Err != nil {
			s.Findings = 0
			s.Error = oc.Err.Error()
		}
		evt.Summary.PerScanner = append(evt.Summary.PerScanner, s)
	}
	return evt
}

func failedEvent(name, repoURL string, err error) notify.Event {
	return notify.Event{
		Event:      notify.EventScanFailed,
		Timestamp:  time.Now().UTC(),
		Repository: notify.Repository{Name: name, URL: repoURL},
		Status:     "failure",
		Error:      err.Error(),
	}
}

func kindForStage(s State) Kind {
	switch s {
	case StateIdle, StateResolving:
		return KindProviderUnavailable
	case StateAcquiring:
		return KindCloneFailure
	case StatePersisting:
		return KindStoreFailure
	default:
		return KindScannerFailure
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
