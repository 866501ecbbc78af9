package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CosmoTheDev/ctrlscan-cache/internal/config"
	"github.com/CosmoTheDev/ctrlscan-cache/models"
)

// DefaultTimeout bounds a single scanner run when none is configured.
const DefaultTimeout = 10 * time.Minute

// Outcome is the result of one capability over one directory.
type Outcome struct {
	Scanner  models.ScannerIdentity
	Type     ScannerType
	Findings []models.Finding
	Err      error
	Duration time.Duration
}

// RunResult aggregates the outcomes of a run, in capability order.
type RunResult struct {
	Outcomes []Outcome
}

// Failed returns the outcomes that ended in an error.
func (r RunResult) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Runner fans a directory out to every capability concurrently.
type Runner struct {
	caps    []Capability
	timeout time.Duration
}

// NewRunner creates a Runner. timeout bounds each capability separately;
// zero selects DefaultTimeout.
func NewRunner(caps []Capability, timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{caps: caps, timeout: timeout}
}

// Capabilities returns the configured capabilities.
func (r *Runner) Capabilities() []Capability { return r.caps }

// Run executes all capabilities against dir. It never fails as a whole;
// per-scanner errors (including timeouts) are reported in the outcomes and
// the caller decides whether they are fatal.
func (r *Runner) Run(ctx context.Context, dir string) RunResult {
	outcomes := make([]Outcome, len(r.caps))
	var wg sync.WaitGroup
	for i, c := range r.caps {
		wg.Add(1)
		go func(i int, c Capability) {
			defer wg.Done()
			outcomes[i] = r.runOne(ctx, c, dir)
		}(i, c)
	}
	wg.Wait()
	return RunResult{Outcomes: outcomes}
}

func (r *Runner) runOne(ctx context.Context, c Capability, dir string) (o Outcome) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	o.Type = TypeOf(c)
	o.Scanner = models.ScannerIdentity{Name: c.Name(), Version: "unknown"}
	defer func() {
		if rec := recover(); rec != nil {
			o.Err = fmt.Errorf("scanner %s panicked: %v", c.Name(), rec)
			o.Findings = nil
		}
		o.Duration = time.Since(start)
		if o.Err != nil {
			slog.Error("Scanner failed", "scanner", c.Name(), "duration", o.Duration, "error", o.Err)
		} else {
			slog.Info("Scanner completed", "scanner", c.Name(),
				"findings", len(o.Findings), "duration", fmt.Sprintf("%.1fs", o.Duration.Seconds()))
		}
	}()

	o.Scanner.Version = c.Version(ctx)
	slog.Info("Running scanner", "scanner", c.Name(), "scanner_type", o.Type, "version", o.Scanner.Version)
	findings, err := c.Scan(ctx, dir)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("scanner %s timed out after %s: %w", c.Name(), r.timeout, err)
		}
		o.Err = err
		return o
	}
	if findings == nil {
		findings = []models.Finding{}
	}
	o.Findings = findings
	return o
}

// Build constructs capabilities for the given names. Unknown names are
// reported as an error so misconfiguration surfaces at startup.
func Build(names []string, tools config.ToolsConfig) ([]Capability, error) {
	caps := make([]Capability, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		var c Capability
		switch name {
		case "grype":
			c = NewGrypeScanner(tools.BinDir, tools.PreferDocker)
		case "opengrep":
			c = NewOpengrepScanner(tools.BinDir, tools.PreferDocker)
		case "trufflehog":
			c = NewTrufflehogScanner(tools.BinDir, tools.PreferDocker)
		case "trivy":
			c = NewTrivyScanner(tools.BinDir, tools.PreferDocker)
		case "gitleaks":
			c = NewGitleaksScanner()
		default:
			return nil, fmt.Errorf("unknown scanner %q (supported: opengrep, trufflehog, trivy, grype, gitleaks)", name)
		}
		caps = append(caps, c)
	}
	if len(caps) == 0 {
		return nil, fmt.Errorf("no scanners configured")
	}
	return caps, nil
}
