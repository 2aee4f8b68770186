// Package observability provides OpenTelemetry tracing and metrics for the
// connector.
//
// The provider exports over OTLP/gRPC when enabled. Disabled providers fall
// back to the global (no-op by default) tracer and meter, so every component
// can hold one unconditionally.
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

const instrumentationName = "dataspace-connector"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g. "localhost:4317"
	SampleRate     float64
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns telemetry disabled with sensible exporter defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "dataspace-connector",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
	}
}

// Provider manages OpenTelemetry trace and metric providers plus the
// connector's instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	operations       metric.Int64Counter
	errors           metric.Int64Counter
	duration         metric.Float64Histogram
	dispatches       metric.Int64Counter
	processed        metric.Int64Counter
	retries          metric.Int64Counter
	callbackFailures metric.Int64Counter
}

// New creates a provider. A nil config means DefaultConfig.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if config.Enabled {
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
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
		if err := p.initTraceProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init trace provider: %w", err)
		}
		if err := p.initMetricProvider(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to init metric provider: %w", err)
		}
		p.tracer = otel.Tracer(instrumentationName, trace.WithInstrumentationVersion(config.ServiceVersion))
		p.meter = otel.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))
		p.logger.InfoContext(ctx, "observability initialized",
			"service", config.ServiceName,
			"endpoint", config.OTLPEndpoint,
			"sample_rate", config.SampleRate,
			"insecure", config.Insecure,
		)
	} else {
		p.logger.InfoContext(ctx, "observability disabled")
	}

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}
	return p, nil
}

// Noop returns a disabled provider; used by tests and optional wiring.
func Noop() *Provider {
	p, _ := New(context.Background(), DefaultConfig()) // disabled config cannot fail
	return p
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
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
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	m := p.Meter()
	var err error

	if p.operations, err = m.Int64Counter("connector.operations.total",
		metric.WithDescription("Operations started"), metric.WithUnit("{operation}")); err != nil {
		return err
	}
	if p.errors, err = m.Int64Counter("connector.errors.total",
		metric.WithDescription("Operations that failed"), metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.duration, err = m.Float64Histogram("connector.operation.duration",
		metric.WithDescription("Operation duration in seconds"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	); err != nil {
		return err
	}
	if p.dispatches, err = m.Int64Counter("connector.dispatch.total",
		metric.WithDescription("Remote dispatches by outcome"), metric.WithUnit("{message}")); err != nil {
		return err
	}
	if p.processed, err = m.Int64Counter("connector.statemachine.processed",
		metric.WithDescription("Entities processed by state machines"), metric.WithUnit("{entity}")); err != nil {
		return err
	}
	if p.retries, err = m.Int64Counter("connector.statemachine.retries",
		metric.WithDescription("Entities scheduled for retry"), metric.WithUnit("{entity}")); err != nil {
		return err
	}
	if p.callbackFailures, err = m.Int64Counter("connector.callback.failures",
		metric.WithDescription("Callback deliveries that failed"), metric.WithUnit("{delivery}")); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown trace provider", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter(instrumentationName)
	}
	return p.meter
}

// RecordDispatch counts one remote dispatch outcome.
func (p *Provider) RecordDispatch(ctx context.Context, messageType, status string) {
	p.dispatches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message.type", messageType),
		attribute.String("status", status),
	))
}

// RecordProcessed counts one entity handled by a state machine processor.
func (p *Provider) RecordProcessed(ctx context.Context, machine string, state int) {
	p.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("machine", machine),
		attribute.Int("state", state),
	))
}

// RecordRetry counts one entity left in place for a later attempt.
func (p *Provider) RecordRetry(ctx context.Context, machine string, state int) {
	p.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("machine", machine),
		attribute.Int("state", state),
	))
}

// RecordCallbackFailure counts one failed callback delivery.
func (p *Provider) RecordCallbackFailure(ctx context.Context, event string, transactional bool) {
	p.callbackFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.Bool("transactional", transactional),
	))
}

// TrackOperation starts a span and returns the function that ends it,
// recording duration and any error.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.Tracer().Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
	p.operations.Add(ctx, 1, metric.WithAttributes(attrs...))

	return ctx, func(err error) {
		p.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		if err != nil {
			span.RecordError(err)
			p.errors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))...))
		}
		span.End()
	}
}
