// Package observability provides OpenTelemetry tracing and RED metrics
// (rate, errors, duration) for the API and the scan pipeline. A disabled
// provider records nothing and costs nothing.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/vectornode/vectornode"

// Config selects the collector and sampling.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// OTLPEndpoint is a gRPC collector address such as "localhost:4317".
	OTLPEndpoint string
	SampleRate   float64
	BatchTimeout time.Duration
	Enabled      bool
	Insecure     bool
	// Reader replaces the OTLP metric exporter, for tests.
	Reader sdkmetric.Reader
}

// DefaultConfig returns production defaults with telemetry off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "vectornode",
		ServiceVersion: "dev",
		Environment:    "development",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider owns the tracer and meter providers and the server's instruments.
type Provider struct {
	cfg    *Config
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	tracer trace.Tracer
	meter  metric.Meter
	log    *slog.Logger
	inst   *instruments
}

// instruments are the RED series plus the scan counter.
type instruments struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
	inflight metric.Int64UpDownCounter
	scans    metric.Int64Counter
}

// New creates a provider. With Enabled unset it returns a no-op provider.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{cfg: cfg, log: slog.Default().With("component", "observability")}
	if !cfg.Enabled {
		p.log.InfoContext(ctx, "telemetry off")
		return p, nil
	}

	// Schemaless so the merge adopts the SDK default's schema URL.
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	if p.tp, err = newTracerProvider(ctx, cfg, res); err != nil {
		return nil, err
	}
	if p.mp, err = newMeterProvider(ctx, cfg, res); err != nil {
		_ = p.tp.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(p.tp)
	otel.SetMeterProvider(p.mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	p.tracer = p.tp.Tracer(instrumentation, trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = p.mp.Meter(instrumentation, metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if p.inst, err = newInstruments(p.meter); err != nil {
		return nil, fmt.Errorf("telemetry instruments: %w", err)
	}

	p.log.InfoContext(ctx, "telemetry on", "service", cfg.ServiceName, "environment", cfg.Environment,
		"collector", cfg.OTLPEndpoint, "sample_rate", cfg.SampleRate)
	return p, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// newTracerProvider exports spans only when a collector is configured.
func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res), sdktrace.WithSampler(sampler(cfg.SampleRate))}
	if cfg.OTLPEndpoint != "" {
		exOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			exOpts = append(exOpts, otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, exOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp span exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(cfg.BatchTimeout)))
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	reader := cfg.Reader
	if reader == nil {
		exOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.Insecure {
			exOpts = append(exOpts, otlpmetricgrpc.WithInsecure())
		}
		exp, err := otlpmetricgrpc.New(ctx, exOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader)), nil
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in   instruments
		errs []error
		err  error
	)
	in.requests, err = m.Int64Counter("vectornode.requests.total", metric.WithUnit("{request}"),
		metric.WithDescription("API requests and tracked operations"))
	errs = append(errs, err)
	in.errors, err = m.Int64Counter("vectornode.errors.total", metric.WithUnit("{error}"),
		metric.WithDescription("Operations that ended in an error or a 5xx"))
	errs = append(errs, err)
	in.duration, err = m.Float64Histogram("vectornode.request.duration", metric.WithUnit("s"),
		metric.WithDescription("Operation latency"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	errs = append(errs, err)
	in.inflight, err = m.Int64UpDownCounter("vectornode.operations.active", metric.WithUnit("{operation}"),
		metric.WithDescription("Operations in flight"))
	errs = append(errs, err)
	in.scans, err = m.Int64Counter("vectornode.scans.total", metric.WithUnit("{scan}"),
		metric.WithDescription("Checkpoint scans by action and outcome"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &in, nil
}

// Shutdown flushes buffered spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.tp != nil {
		errs = append(errs, p.tp.Shutdown(ctx))
	}
	if p.mp != nil {
		errs = append(errs, p.mp.Shutdown(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		p.log.ErrorContext(ctx, "telemetry flush failed", "error", err)
		return err
	}
	return nil
}

// Tracer falls back to the global tracer when telemetry is off.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentation)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentation)
	}
	return p.meter
}

// RecordScan counts a checkpoint scan attempt. outcome is "ok" or the
// error code the scan was rejected with.
func (p *Provider) RecordScan(ctx context.Context, action, outcome string) {
	if p == nil || p.inst == nil {
		return
	}
	p.inst.scans.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scan.action", action),
		attribute.String("scan.outcome", outcome),
	))
}

// TrackOperation starts a span and RED bookkeeping for one operation. Call
// the returned function with the operation's error when it completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	in := p.inst
	set := metric.WithAttributes(attrs...)
	if in != nil {
		in.inflight.Add(ctx, 1, set)
		in.requests.Add(ctx, 1, set)
	}
	return ctx, func(err error) {
		defer span.End()
		if in != nil {
			in.inflight.Add(ctx, -1, set)
			in.duration.Record(ctx, time.Since(start).Seconds(), set)
		}
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if in != nil {
			in.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
		}
	}
}

// statusRecorder captures the response status for the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPError marks a 5xx response for TrackOperation.
type HTTPError struct{ Status int }

func (e HTTPError) Error() string { return "http status " + strconv.Itoa(e.Status) }

// Middleware tracks every request. route names the operation; pass a
// function that returns the matched route pattern to keep cardinality low.
func (p *Provider) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			ctx, done := p.TrackOperation(r.Context(), "http "+r.Method, attribute.String("http.request.method", r.Method))
			next.ServeHTTP(rec, r.WithContext(ctx))

			span := trace.SpanFromContext(ctx)
			if route != nil {
				if pattern := route(r); pattern != "" {
					span.SetName("http " + r.Method + " " + pattern)
					span.SetAttributes(attribute.String("http.route", pattern))
				}
			}
			span.SetAttributes(attribute.Int("http.response.status_code", rec.status))
			var err error
			if rec.status >= http.StatusInternalServerError {
				err = HTTPError{Status: rec.status}
			}
			done(err)
		})
	}
}
