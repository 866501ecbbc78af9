package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/CosmoTheDev/ctrlscan-cache/internal/orchestrator"

type scanMetrics struct {
	scans    metric.Int64Counter
	skips    metric.Int64Counter
	failures metric.Int64Counter
	findings metric.Int64Counter
	duration metric.Float64Histogram
}

func newScanMetrics(mp metric.MeterProvider) (*scanMetrics, error) {
	meter := mp.Meter(instrumentationName, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(scanMetrics)
	var err error

	if m.scans, err = meter.Int64Counter(
		"scans_total",
		metric.WithDescription("Total number of scan requests handled"),
	); err != nil {
		return nil, err
	}

	if m.skips, err = meter.Int64Counter(
		"scans_skipped_total",
		metric.WithDescription("Scans answered from the cache because nothing changed"),
	); err != nil {
		return nil, err
	}

	if m.failures, err = meter.Int64Counter(
		"scan_failures_total",
		metric.WithDescription("Scans that ended in an error"),
	); err != nil {
		return nil, err
	}

	if m.findings, err = meter.Int64Counter(
		"scan_findings_total",
		metric.WithDescription("Findings produced by fresh scans"),
	); err != nil {
		return nil, err
	}

	if m.duration, err = meter.Float64Histogram(
		"scan_duration_seconds",
		metric.WithDescription("Wall time of fresh scans"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// defaultMetrics uses the global meter provider and degrades to no-op
// instruments if registration fails.
func defaultMetrics() *scanMetrics {
	m, err := newScanMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Warn("Scan metrics disabled", "error", err)
		m, _ = newScanMetrics(noop.NewMeterProvider())
	}
	return m
}

func (m *scanMetrics) scanned(ctx context.Context, force bool) {
	m.scans.Add(ctx, 1, metric.WithAttributes(attribute.Bool("force", force)))
}

func (m *scanMetrics) skipped(ctx context.Context) { m.skips.Add(ctx, 1) }

func (m *scanMetrics) failed(ctx context.Context, kind Kind) {
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *scanMetrics) completed(ctx context.Context, findings int, d time.Duration) {
	m.findings.Add(ctx, int64(findings))
	m.duration.Record(ctx, d.Seconds())
}
