package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Options configures [Setup].
type Options struct {
	// Version is reported as service.version.
	Version string

	// TraceExporter receives finished spans. Nil keeps spans in process only,
	// which still gives every log line a trace_id.
	TraceExporter sdktrace.SpanExporter
}

// Telemetry is the process-wide telemetry pipeline of the tutor server.
type Telemetry struct {
	// Metrics records into the Prometheus registry behind Handler.
	Metrics *Metrics

	// Handler serves the registry in the Prometheus text format. Mount it at
	// /metrics.
	Handler http.Handler

	closers []func(context.Context) error
}

// Setup builds the metric and trace providers for the livetutor service,
// installs them as the OTel globals together with the W3C trace context
// propagator, and returns the instruments and scrape handler bound to them.
func Setup(ctx context.Context, opts Options) (*Telemetry, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName("livetutor"),
		semconv.ServiceVersion(opts.Version),
	))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))

	met, err := NewMetrics(mp)
	if err != nil {
		_ = mp.Shutdown(ctx)
		return nil, fmt.Errorf("observe: instruments: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if opts.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(opts.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Telemetry{
		Metrics: met,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		// Spans flush before metrics stop.
		closers: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// Shutdown flushes and stops both providers. Every provider is shut down even
// if an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.closers {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}
