package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"astrovoice/internal/config"
	"astrovoice/internal/logging"
)

// Provider owns the installed tracer and meter providers.
type Provider struct {
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
	metrics http.Handler
	server  *http.Server
	addr    string
}

// Setup installs global OpenTelemetry providers. Traces go to OTLP when an
// endpoint is configured, to stdout when requested, and are otherwise only
// sampled in-process. Metrics are exposed through a Prometheus handler.
func Setup(ctx context.Context, cfg config.TelemetryConfig, version string) (*Provider, error) {
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "astrovoice"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
			attribute.String("app.component", "voice"),
		),
	)
	if err != nil {
		return nil, err
	}

	tp, err := initTracer(ctx, cfg, res)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)

	mp, handler := initMetrics(res)
	otel.SetMeterProvider(mp)

	return &Provider{tracer: tp, meter: mp, metrics: handler}, nil
}

func initTracer(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		logging.Infow("telemetry initialized", "exporter", "otlp", "endpoint", endpoint)
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	}

	if cfg.TraceStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		logging.Infow("telemetry initialized", "exporter", "stdout")
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	}

	return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
}

func initMetrics(res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		logging.Warnw("failed to initialize prometheus exporter", "err", err)
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	return mp, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// MetricsHandler serves Prometheus metrics; nil when the exporter failed.
func (p *Provider) MetricsHandler() http.Handler {
	if p == nil {
		return nil
	}
	return p.metrics
}

// Serve exposes /metrics on bind in the background. An empty bind is a no-op.
func (p *Provider) Serve(bind string) error {
	bind = strings.TrimSpace(bind)
	if p == nil || bind == "" || p.metrics == nil {
		return nil
	}

	listener, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", p.metrics)
	p.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	p.addr = listener.Addr().String()

	go func() {
		if err := p.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warnw("metrics server stopped", "err", err)
		}
	}()
	logging.Infow("metrics server listening", "addr", p.addr)
	return nil
}

// Shutdown flushes and stops every provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.server != nil {
		if err := p.server.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.meter.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
