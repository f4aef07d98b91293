// Package observe provides application-wide observability primitives for
// Voicewire: OpenTelemetry metrics, tracing helpers, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Voicewire metrics.
const meterName = "github.com/voicewire/voicewire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Per-turn latency histograms ---

	// STTLatency tracks time from end of user speech to the final transcript.
	STTLatency metric.Float64Histogram

	// FirstTokenLatency tracks time from the final transcript to the first
	// streamed LLM token.
	FirstTokenLatency metric.Float64Histogram

	// FirstAudioLatency tracks time from the first LLM token to the first
	// synthesized audio block.
	FirstAudioLatency metric.Float64Histogram

	// TurnLatency tracks end-to-end voice-to-voice time: end of user speech
	// to the end of playback.
	TurnLatency metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed turns. Use with attribute:
	//   attribute.String("outcome", "done"|"interrupted")
	Turns metric.Int64Counter

	// PipelineErrors counts error frames surfaced to the client. Use with
	// attributes:
	//   attribute.String("kind", ...), attribute.Bool("recoverable", ...)
	PipelineErrors metric.Int64Counter

	// DroppedAudio counts capture blocks discarded under backpressure.
	DroppedAudio metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTLatency, err = m.Float64Histogram("voicewire.stt.latency",
		metric.WithDescription("Time from end of user speech to the final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstTokenLatency, err = m.Float64Histogram("voicewire.llm.first_token.latency",
		metric.WithDescription("Time from the final transcript to the first LLM token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioLatency, err = m.Float64Histogram("voicewire.tts.first_audio.latency",
		metric.WithDescription("Time from the first LLM token to the first synthesized audio block."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnLatency, err = m.Float64Histogram("voicewire.turn.latency",
		metric.WithDescription("End-to-end voice-to-voice latency per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("voicewire.turns",
		metric.WithDescription("Total completed turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("voicewire.pipeline.errors",
		metric.WithDescription("Total error frames surfaced to clients by kind."),
	); err != nil {
		return nil, err
	}
	if met.DroppedAudio, err = m.Int64Counter("voicewire.audio.dropped",
		metric.WithDescription("Total capture audio blocks discarded under backpressure."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicewire.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicewire.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// RecordPipelineError records one error frame surfaced to a client.
func (m *Metrics) RecordPipelineError(ctx context.Context, kind string, recoverable bool) {
	m.PipelineErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("recoverable", recoverable),
		),
	)
}

// RecordDroppedAudio records capture blocks discarded under backpressure.
func (m *Metrics) RecordDroppedAudio(ctx context.Context, n int) {
	m.DroppedAudio.Add(ctx, int64(n))
}

// SessionStarted increments the live-session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded decrements the live-session gauge.
func (m *Metrics) SessionEnded(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}
