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
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// Process roles reported as the intercom.role resource attribute.
const (
	RoleEndpoint = "endpoint"
	RolePeer     = "peer"
)

// ProviderConfig describes the intercom process whose telemetry is set up.
type ProviderConfig struct {
	// Role is [RoleEndpoint] or [RolePeer]. The service name is
	// "intercom-<role>". Default: [RoleEndpoint].
	Role string

	// Instance identifies this process among others of the same role: the
	// peer URL for an endpoint, the listen address for a peer.
	Instance string

	// ServiceVersion is the build version.
	ServiceVersion string

	// TraceExporter receives finished spans. When nil spans are recorded but
	// not exported.
	TraceExporter sdktrace.SpanExporter
}

// Telemetry holds the providers of one intercom process. Its metrics are
// exported through a private Prometheus registry served by [Telemetry.Handler].
type Telemetry struct {
	registry  *prometheus.Registry
	metrics   *Metrics
	shutdowns []func(context.Context) error
}

// InitProvider builds the meter and tracer providers for cfg, installs them
// as the OTel globals and creates the intercom instruments on them. The
// registry also carries the Go runtime and process collectors.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.Role == "" {
		cfg.Role = RoleEndpoint
	}
	if cfg.Role != RoleEndpoint && cfg.Role != RolePeer {
		return nil, fmt.Errorf("observe: unknown role %q", cfg.Role)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName("intercom-" + cfg.Role),
		semconv.ServiceVersion(cfg.ServiceVersion),
		attribute.String("intercom.role", cfg.Role),
	}
	if cfg.Instance != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.Instance))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	m, err := NewMetrics(mp)
	if err != nil {
		_ = mp.Shutdown(ctx)
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return &Telemetry{
		registry:  reg,
		metrics:   m,
		shutdowns: []func(context.Context) error{mp.Shutdown, tp.Shutdown},
	}, nil
}

// Metrics returns the instruments bound to this process's meter provider.
func (t *Telemetry) Metrics() *Metrics { return t.metrics }

// Handler serves the registry in the Prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(t.registry,
		promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range t.shutdowns {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
