// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics and distributed tracing.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/parley-ai/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks speech-to-text transcription latency.
	ASRDuration metric.Float64Histogram

	// LLMDuration tracks full LLM generation latency per turn.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks per-sentence synthesis latency.
	TTSDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// FirstTokenLatency tracks time from final transcript to first LLM token.
	FirstTokenLatency metric.Float64Histogram

	// FirstAudioLatency tracks time from sentence request to first PCM chunk.
	FirstAudioLatency metric.Float64Histogram

	// BargeInReaction tracks time from barge-in detection to stop_tts publish.
	BargeInReaction metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("source", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// Utterances counts finalized user utterances.
	Utterances metric.Int64Counter

	// BargeIns counts detected barge-in events.
	BargeIns metric.Int64Counter

	// DroppedFrames counts audio frames discarded under backpressure.
	// Use with attribute: attribute.String("stage", ...)
	DroppedFrames metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConversations tracks the number of live conversations in this
	// service.
	ActiveConversations metric.Int64UpDownCounter

	// ActiveGenerations tracks the number of in-flight LLM generations.
	ActiveGenerations metric.Int64UpDownCounter

	// ActiveSyntheses tracks the number of in-flight TTS syntheses.
	ActiveSyntheses metric.Int64UpDownCounter
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
	if met.ASRDuration, err = m.Float64Histogram("parley.asr.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("parley.llm.duration",
		metric.WithDescription("Latency of full LLM generation per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("parley.tts.duration",
		metric.WithDescription("Latency of per-sentence speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("parley.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstTokenLatency, err = m.Float64Histogram("parley.llm.first_token_latency",
		metric.WithDescription("Time from final transcript to first LLM token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioLatency, err = m.Float64Histogram("parley.tts.first_audio_latency",
		metric.WithDescription("Time from sentence request to first audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BargeInReaction, err = m.Float64Histogram("parley.barge_in.reaction",
		metric.WithDescription("Time from barge-in detection to TTS stop command."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("parley.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("parley.tool.calls",
		metric.WithDescription("Total tool invocations by tool name, source, and status."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("parley.utterances",
		metric.WithDescription("Total finalized user utterances."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("parley.barge_ins",
		metric.WithDescription("Total detected barge-in events."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("parley.dropped_frames",
		metric.WithDescription("Total audio frames discarded under backpressure, by stage."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConversations, err = m.Int64UpDownCounter("parley.active_conversations",
		metric.WithDescription("Number of live conversations in this service."),
	); err != nil {
		return nil, err
	}
	if met.ActiveGenerations, err = m.Int64UpDownCounter("parley.active_generations",
		metric.WithDescription("Number of in-flight LLM generations."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSyntheses, err = m.Int64UpDownCounter("parley.active_syntheses",
		metric.WithDescription("Number of in-flight TTS syntheses."),
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

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set. source is "client", "server",
// or "mcp".
func (m *Metrics) RecordToolCall(ctx context.Context, tool, source, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("source", source),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordDroppedFrame is a convenience method that records a dropped audio
// frame for one pipeline stage.
func (m *Metrics) RecordDroppedFrame(ctx context.Context, stage string) {
	m.DroppedFrames.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
