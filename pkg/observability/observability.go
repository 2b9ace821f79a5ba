// Package observability bootstraps OpenTelemetry tracing and metrics with
// OTLP gRPC export, plus the engine's own instrument set.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
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

const instrumentationName = "veridact.erasure"

// Config configures the providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Insecure       bool
	Enabled        bool
}

// DefaultConfig returns local-mode defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "erasured",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Insecure:       true,
		Enabled:        false,
	}
}

// Provider owns the trace and metric providers and the engine instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	workflowsStarted   metric.Int64Counter
	workflowsCompleted metric.Int64Counter
	stepRetries        metric.Int64Counter
	certificatesIssued metric.Int64Counter
}

// New initializes the providers. Disabled config returns a no-export
// provider whose Tracer/Meter still work.
func New(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	p := &Provider{
		config: cfg,
		logger: slog.Default().With("component", "observability"),
	}
	if !cfg.Enabled {
		p.tracer = otel.Tracer(instrumentationName)
		p.meter = otel.Meter(instrumentationName)
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	if err := p.initTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(cfg.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(cfg.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"environment", cfg.Environment)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.workflowsStarted, err = p.meter.Int64Counter("erasure.workflows.started",
		metric.WithDescription("Erasure workflows admitted")); err != nil {
		return err
	}
	if p.workflowsCompleted, err = p.meter.Int64Counter("erasure.workflows.completed",
		metric.WithDescription("Erasure workflows reaching a terminal status")); err != nil {
		return err
	}
	if p.stepRetries, err = p.meter.Int64Counter("erasure.steps.retries",
		metric.WithDescription("Deletion step retry attempts")); err != nil {
		return err
	}
	if p.certificatesIssued, err = p.meter.Int64Counter("erasure.certificates.issued",
		metric.WithDescription("Certificates of Destruction issued")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// WorkflowStarted increments the admission counter.
func (p *Provider) WorkflowStarted(ctx context.Context, jurisdiction string) {
	if p.workflowsStarted != nil {
		p.workflowsStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("jurisdiction", jurisdiction)))
	}
}

// WorkflowCompleted increments the terminal-status counter.
func (p *Provider) WorkflowCompleted(ctx context.Context, status string) {
	if p.workflowsCompleted != nil {
		p.workflowsCompleted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", status)))
	}
}

// StepRetried increments the retry counter.
func (p *Provider) StepRetried(ctx context.Context, system string) {
	if p.stepRetries != nil {
		p.stepRetries.Add(ctx, 1, metric.WithAttributes(
			attribute.String("system", system)))
	}
}

// CertificateIssued increments the certificate counter.
func (p *Provider) CertificateIssued(ctx context.Context) {
	if p.certificatesIssued != nil {
		p.certificatesIssued.Add(ctx, 1)
	}
}
