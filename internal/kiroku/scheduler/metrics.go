package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/bdobrica/Kiroku/internal/kiroku/store"
)

const instrumentName = "github.com/bdobrica/Kiroku/internal/kiroku/scheduler"

// metrics holds the scheduler's OpenTelemetry instruments. They record into
// whatever MeterProvider is installed globally; without one they are no-ops.
type metrics struct {
	runs      metric.Int64Counter
	generated metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

func newMetrics(logger *slog.Logger) *metrics {
	m, err := buildMetrics(otel.Meter(instrumentName))
	if err != nil {
		logger.Warn("scheduler metrics disabled", "err", err)
		m, _ = buildMetrics(noop.NewMeterProvider().Meter(instrumentName))
	}
	return m
}

func buildMetrics(meter metric.Meter) (*metrics, error) {
	var (
		m   metrics
		err error
	)
	m.runs, err = meter.Int64Counter("kiroku.scheduler.runs",
		metric.WithDescription("Scheduler runs by cadence and status"))
	if err != nil {
		return nil, err
	}
	m.generated, err = meter.Int64Counter("kiroku.summaries.generated",
		metric.WithDescription("Scheduled summaries generated"))
	if err != nil {
		return nil, err
	}
	m.failed, err = meter.Int64Counter("kiroku.summaries.failed",
		metric.WithDescription("Scheduled summaries that failed"))
	if err != nil {
		return nil, err
	}
	m.duration, err = meter.Float64Histogram("kiroku.scheduler.run.duration",
		metric.WithDescription("Duration of a scheduler run"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func typeAttr(t store.SummaryType) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("summary_type", string(t)))
}

func (m *metrics) runFinished(ctx context.Context, t store.SummaryType, d time.Duration) {
	m.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("summary_type", string(t)),
		attribute.String("status", "ok"),
	))
	m.duration.Record(ctx, d.Seconds(), typeAttr(t))
}

func (m *metrics) runFailed(ctx context.Context, t store.SummaryType) {
	m.runs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("summary_type", string(t)),
		attribute.String("status", "error"),
	))
}

func (m *metrics) summaryGenerated(ctx context.Context, t store.SummaryType) {
	m.generated.Add(ctx, 1, typeAttr(t))
}

func (m *metrics) summaryFailed(ctx context.Context, t store.SummaryType) {
	m.failed.Add(ctx, 1, typeAttr(t))
}
