package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumFor returns the value of the data point carrying key=value, or -1.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return -1
}

func TestConnectDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ConnectDuration.Record(ctx, 0.123)
	m.ConnectDuration.Record(ctx, 0.456)

	rm := collect(t, reader)
	met := findMetric(rm, "livetutor.session.connect.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestCounterIncrement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "gemini-live", "connect", "ok")
	m.RecordProviderRequest(ctx, "gemini-live", "connect", "ok")
	m.RecordProviderRequest(ctx, "gemini-live", "connect", "error")

	rm := collect(t, reader)
	if got := sumFor(t, rm, "livetutor.provider.requests", "status", "ok"); got != 2 {
		t.Errorf("status=ok = %d, want 2", got)
	}
	if got := sumFor(t, rm, "livetutor.provider.requests", "status", "error"); got != 1 {
		t.Errorf("status=error = %d, want 1", got)
	}
}

func TestSessionCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAudioChunk(ctx, "sent")
	m.RecordAudioChunk(ctx, "sent")
	m.RecordAudioChunk(ctx, "dropped")
	m.RecordTranscriptEntry(ctx, "user")
	m.RecordTranscriptEntry(ctx, "agent")
	m.RecordTranscriptEntry(ctx, "agent")
	m.RecordSessionError(ctx, "close")
	m.RecordProviderError(ctx, "gemini-live", "connect")

	rm := collect(t, reader)

	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"livetutor.audio.chunks", "status", "sent", 2},
		{"livetutor.audio.chunks", "status", "dropped", 1},
		{"livetutor.transcript.entries", "speaker", "user", 1},
		{"livetutor.transcript.entries", "speaker", "agent", 2},
		{"livetutor.session.errors", "kind", "close", 1},
		{"livetutor.provider.errors", "provider", "gemini-live", 1},
	}
	for _, tc := range tests {
		t.Run(tc.metric+"/"+tc.value, func(t *testing.T) {
			if got := sumFor(t, rm, tc.metric, tc.key, tc.value); got != tc.want {
				t.Errorf("value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive, so we simulate Set(n) as Add(n).
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.UIClients.Add(ctx, 3)
	m.PlaybackChunks.Add(ctx, 4)
	m.Interruptions.Add(ctx, 1)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"livetutor.active_sessions", 1},
		{"livetutor.ui_clients", 3},
		{"livetutor.playback.chunks", 4},
		{"livetutor.interruptions", 1},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "livetutor.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
