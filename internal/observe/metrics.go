// Package observe provides application-wide observability primitives for
// Fablewake: OpenTelemetry metrics, tracing, and HTTP middleware that ties
// them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so the device's metrics
// can be scraped from the status server's /metrics endpoint. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Fablewake metrics.
const meterName = "github.com/fablehome/fablewake"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// WakeDetections counts wake events. Use with attribute:
	//   attribute.String("outcome", "accepted"|"suppressed")
	WakeDetections metric.Int64Counter

	// WakeConfidence tracks the confidence distribution of emitted detections.
	WakeConfidence metric.Float64Histogram

	// STTLatency tracks per-attempt transcription latency.
	STTLatency metric.Float64Histogram

	// STTFailures counts failed transcription attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("class", ...)
	STTFailures metric.Int64Counter

	// CaptureDuration tracks capture segment lengths in seconds.
	CaptureDuration metric.Float64Histogram

	// PipelineTransitions counts state machine transitions. Use with
	// attributes: attribute.String("from", ...), attribute.String("to", ...)
	PipelineTransitions metric.Int64Counter

	// PipelineState tracks the current pipeline state gauge-style: +1 for the
	// state entered, -1 for the state left, attribute.String("state", ...).
	PipelineState metric.Int64UpDownCounter

	// MemoryFraction tracks sampled memory pressure.
	MemoryFraction metric.Float64Histogram

	// RingDroppedFrames counts frames evicted from the ring buffer.
	RingDroppedFrames metric.Int64Counter

	// HTTPRequestDuration tracks status server request processing time. Use
	// with attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// wake scoring and STT round trips on the device.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.WakeDetections, err = m.Int64Counter("fablewake.wake.detections",
		metric.WithDescription("Wake events by outcome (accepted, suppressed)."),
	); err != nil {
		return nil, err
	}
	if met.WakeConfidence, err = m.Float64Histogram("fablewake.wake.confidence",
		metric.WithDescription("Confidence of emitted wake detections."),
	); err != nil {
		return nil, err
	}
	if met.STTLatency, err = m.Float64Histogram("fablewake.stt.latency",
		metric.WithDescription("Latency of transcription attempts."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTFailures, err = m.Int64Counter("fablewake.stt.failures",
		metric.WithDescription("Failed transcription attempts by provider and class."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDuration, err = m.Float64Histogram("fablewake.capture.duration",
		metric.WithDescription("Capture segment length."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineTransitions, err = m.Int64Counter("fablewake.pipeline.transitions",
		metric.WithDescription("Pipeline state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.PipelineState, err = m.Int64UpDownCounter("fablewake.pipeline.state",
		metric.WithDescription("Current pipeline state (1 on the active state)."),
	); err != nil {
		return nil, err
	}
	if met.MemoryFraction, err = m.Float64Histogram("fablewake.resource.memory_fraction",
		metric.WithDescription("Sampled memory usage fraction."),
	); err != nil {
		return nil, err
	}
	if met.RingDroppedFrames, err = m.Int64Counter("fablewake.ring.dropped_frames",
		metric.WithDescription("Frames evicted from the ring buffer before being read."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("fablewake.http.request.duration",
		metric.WithDescription("Status server request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordWakeDetection records one wake event with its outcome and, for
// accepted detections, the confidence sample.
func (m *Metrics) RecordWakeDetection(ctx context.Context, outcome string, confidence float64) {
	m.WakeDetections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
	if outcome == "accepted" {
		m.WakeConfidence.Record(ctx, confidence)
	}
}

// RecordSTTAttempt records one transcription attempt's latency and outcome.
func (m *Metrics) RecordSTTAttempt(ctx context.Context, provider, outcome string, seconds float64) {
	m.STTLatency.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordSTTFailure records one failed transcription attempt.
func (m *Metrics) RecordSTTFailure(ctx context.Context, provider, class string) {
	m.STTFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("class", class),
		),
	)
}

// RecordTransition records a pipeline state change, updating both the
// transition counter and the state gauge.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.PipelineTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
	if from != "" {
		m.PipelineState.Add(ctx, -1,
			metric.WithAttributes(attribute.String("state", from)))
	}
	m.PipelineState.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", to)))
}
