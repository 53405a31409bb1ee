// Package observability wires OpenTelemetry tracing and metrics around the
// admission and execution path: admissions by verdict, execution duration,
// charged cost, and in-flight executions, with a span per governed action.
//
// The provider is opt-in. A nil or disabled Provider is fully functional
// and records nothing, so embedding processes pay for telemetry only when
// they ask for it.
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

	"github.com/kashaf12/mandate/pkg/contracts"
)

const instrumentationName = "mandate.kernel"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64       // 0.0 to 1.0
	BatchTimeout   time.Duration // span batch flush interval
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns library defaults: telemetry stays off until the
// embedding process turns it on.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "mandate-kernel",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       false,
	}
}

// Provider manages the trace and metric pipelines.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	admissions       metric.Int64Counter
	durationHist     metric.Float64Histogram
	chargedHist      metric.Float64Histogram
	activeExecutions metric.Int64UpDownCounter
}

// New creates a provider. With a nil or disabled config it returns a no-op
// provider and touches no global state.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init traces: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("observability: init metrics: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("observability: init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(p.config.BatchTimeout),
		),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
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
			sdkmetric.WithInterval(15*time.Second),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.admissions, err = p.meter.Int64Counter("mandate.admissions.total",
		metric.WithDescription("Admission decisions by verdict and block code"),
		metric.WithUnit("{admission}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("mandate.execution.duration",
		metric.WithDescription("End-to-end duration of governed executions in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}
	p.chargedHist, err = p.meter.Float64Histogram("mandate.cost.charged",
		metric.WithDescription("Cost charged per committed action in USD"),
		metric.WithUnit("{usd}"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0),
	)
	if err != nil {
		return err
	}
	p.activeExecutions, err = p.meter.Int64UpDownCounter("mandate.executions.active",
		metric.WithDescription("Executions currently between admission and commit"),
		metric.WithUnit("{execution}"),
	)
	return err
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func actionAttrs(action *contracts.Action) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("mandate.agent_id", action.AgentID),
		attribute.String("mandate.action_kind", string(action.Kind)),
	}
	if action.Tool != "" {
		attrs = append(attrs, attribute.String("mandate.tool", action.Tool))
	}
	if action.Model != "" {
		attrs = append(attrs,
			attribute.String("mandate.provider", action.Provider),
			attribute.String("mandate.model", action.Model))
	}
	return attrs
}

// RecordAdmission counts one admission decision.
func (p *Provider) RecordAdmission(ctx context.Context, action *contracts.Action, d contracts.Decision) {
	if p == nil || p.admissions == nil {
		return
	}
	attrs := actionAttrs(action)
	attrs = append(attrs, attribute.String("mandate.decision", string(d.Effect)))
	if d.Code != "" {
		attrs = append(attrs, attribute.String("mandate.block_code", string(d.Code)))
	}
	p.admissions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCharge records the cost charged for a committed action.
func (p *Provider) RecordCharge(ctx context.Context, action *contracts.Action, charged float64) {
	if p == nil || p.chargedHist == nil {
		return
	}
	p.chargedHist.Record(ctx, charged, metric.WithAttributes(actionAttrs(action)...))
}

// TrackExecution opens a span for the action and marks it in flight. The
// returned function closes the span, records duration, and notes the error,
// if any. Safe to call on a nil provider.
func (p *Provider) TrackExecution(ctx context.Context, action *contracts.Action) (context.Context, func(error)) {
	if p == nil || p.tracer == nil {
		return ctx, func(error) {}
	}
	start := time.Now()
	attrs := actionAttrs(action)
	ctx, span := p.tracer.Start(ctx, "mandate.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	if p.activeExecutions != nil {
		p.activeExecutions.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return ctx, func(err error) {
		if p.activeExecutions != nil {
			p.activeExecutions.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}
