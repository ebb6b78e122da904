// Package metrics holds the OpenTelemetry instruments recorded by the pipeline
// and the Prometheus bridge that exposes them on /metrics.
//
// Components receive a *Metrics explicitly. Tests should build one with
// NewMetrics over a ManualReader, or use Noop.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "Narrato"

// Metrics holds all instruments. Safe for concurrent use.
type Metrics struct {
	// SectionOutcomes counts resolved units by variant and outcome.
	SectionOutcomes metric.Int64Counter
	// TTSDuration tracks provider latency per synthesized section.
	TTSDuration metric.Float64Histogram
	// MixDuration tracks end-to-end mixing job time.
	MixDuration metric.Float64Histogram
	// MixOutcomes counts mixing jobs by final state.
	MixOutcomes metric.Int64Counter
	// UploadActions counts chunked upload protocol calls by action and result.
	UploadActions metric.Int64Counter
	// ActiveBatches tracks orchestration runs in flight in this process.
	ActiveBatches metric.Int64UpDownCounter
}

var latencyBuckets = []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SectionOutcomes, err = m.Int64Counter("narrato.sections",
		metric.WithDescription("Sections resolved by the generation orchestrator."),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("narrato.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis per section."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MixDuration, err = m.Float64Histogram("narrato.mix.duration",
		metric.WithDescription("Duration of mixing jobs."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.MixOutcomes, err = m.Int64Counter("narrato.mix.jobs",
		metric.WithDescription("Mixing jobs by final state."),
	); err != nil {
		return nil, err
	}
	if met.UploadActions, err = m.Int64Counter("narrato.upload.actions",
		metric.WithDescription("Chunked upload protocol calls."),
	); err != nil {
		return nil, err
	}
	if met.ActiveBatches, err = m.Int64UpDownCounter("narrato.batches.active",
		metric.WithDescription("Orchestration runs currently executing."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

// InitProvider installs a MeterProvider backed by the Prometheus exporter as the
// global provider and returns instruments created on it.
func InitProvider() (*Metrics, func(context.Context) error, error) {
	exp, err := promexporter.New()
	if err != nil {
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
	otel.SetMeterProvider(mp)

	met, err := NewMetrics(mp)
	if err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, nil, err
	}
	return met, mp.Shutdown, nil
}

// Handler serves the default Prometheus registry the exporter writes into.
func Handler() http.Handler {
	return promhttp.Handler()
}

func (m *Metrics) RecordSection(ctx context.Context, variant, outcome string) {
	m.SectionOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("variant", variant),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordTTS(ctx context.Context, d time.Duration, status string) {
	m.TTSDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

func (m *Metrics) RecordMix(ctx context.Context, d time.Duration, status string) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.MixDuration.Record(ctx, d.Seconds(), attrs)
	m.MixOutcomes.Add(ctx, 1, attrs)
}

func (m *Metrics) RecordUpload(ctx context.Context, action, status string) {
	m.UploadActions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("status", status),
	))
}
