// Package observe provides application-wide observability primitives for
// livetutor: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [Setup] binds
// them to a Prometheus registry served at /metrics. [DefaultMetrics] records
// into whatever global provider is installed; tests should use [NewMetrics]
// with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livetutor metrics.
const meterName = "github.com/MrWong99/livetutor"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from start() until the remote session
	// reports it is open.
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// AudioChunks counts realtime input chunks. Use with attribute:
	//   attribute.String("status", "sent"|"dropped")
	AudioChunks metric.Int64Counter

	// PlaybackChunks counts decoded response chunks scheduled for playback.
	PlaybackChunks metric.Int64Counter

	// Interruptions counts barge-in signals from the remote model.
	Interruptions metric.Int64Counter

	// TranscriptEntries counts completed transcript entries. Use with attribute:
	//   attribute.String("speaker", ...)
	TranscriptEntries metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// SessionErrors counts terminal session errors. Use with attribute:
	//   attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// UIClients tracks the number of connected browser clients.
	UIClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for realtime voice latencies.
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
	if met.ConnectDuration, err = m.Float64Histogram("livetutor.session.connect.duration",
		metric.WithDescription("Latency from session start until the remote session is open."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("livetutor.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("livetutor.audio.chunks",
		metric.WithDescription("Total realtime input chunks by delivery status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("livetutor.playback.chunks",
		metric.WithDescription("Total response audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("livetutor.interruptions",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEntries, err = m.Int64Counter("livetutor.transcript.entries",
		metric.WithDescription("Total transcript entries by speaker."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("livetutor.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("livetutor.session.errors",
		metric.WithDescription("Total terminal session errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livetutor.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.UIClients, err = m.Int64UpDownCounter("livetutor.ui_clients",
		metric.WithDescription("Number of connected browser clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livetutor.http.request.duration",
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

// RecordAudioChunk records one realtime input chunk with its delivery status.
func (m *Metrics) RecordAudioChunk(ctx context.Context, status string) {
	m.AudioChunks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTranscriptEntry records one completed transcript entry.
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, speaker string) {
	m.TranscriptEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}

// RecordSessionError records one terminal session error.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
