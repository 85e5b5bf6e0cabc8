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

const instrumentationName = "dataport"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string        // e.g., "localhost:4317" for gRPC
	SampleRate     float64       // 0.0 to 1.0, default 1.0 (sample all)
	BatchTimeout   time.Duration // How long to wait before sending batched spans
	Enabled        bool
	Insecure       bool // Use insecure connection (dev only)
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "dataport",
		ServiceVersion: "0.1.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        true,
		Insecure:       false,
	}
}

// Provider manages OpenTelemetry trace and metric providers and implements
// Recorder on top of them.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	// RED metrics for REST calls
	requestCounter   metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter

	// push pipeline
	transitions  metric.Int64Counter
	reconnects   metric.Int64Counter
	backoffHist  metric.Float64Histogram
	delivered    metric.Int64Counter
	dropped      metric.Int64Counter
	handlerFails metric.Int64Counter
	merges       metric.Int64Counter
}

var _ Recorder = (*Provider)(nil)

// New creates a new observability provider. A disabled provider is still
// usable; it records nothing.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.DebugContext(ctx, "observability disabled")
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
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion),
	)
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initREDMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init RED metrics: %w", err)
	}
	if err := p.initPushMetrics(); err != nil {
		return nil, fmt.Errorf("failed to init push metrics: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
		"insecure", config.Insecure,
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
		return fmt.Errorf("failed to create metric exporter: %w", err)
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

// initREDMetrics initializes Rate, Errors, Duration metrics.
func (p *Provider) initREDMetrics() error {
	var err error

	p.requestCounter, err = p.meter.Int64Counter("dataport.requests.total",
		metric.WithDescription("Total number of REST requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	p.errorCounter, err = p.meter.Int64Counter("dataport.errors.total",
		metric.WithDescription("Total number of failed REST requests"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}

	p.durationHist, err = p.meter.Float64Histogram("dataport.request.duration",
		metric.WithDescription("REST request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}

	p.activeOperations, err = p.meter.Int64UpDownCounter("dataport.operations.active",
		metric.WithDescription("Number of in-flight REST requests"),
		metric.WithUnit("{operation}"),
	)
	return err
}

func (p *Provider) initPushMetrics() error {
	var err error

	p.transitions, err = p.meter.Int64Counter("dataport.stream.transitions",
		metric.WithDescription("Stream connection state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}

	p.reconnects, err = p.meter.Int64Counter("dataport.stream.reconnects",
		metric.WithDescription("Scheduled stream reconnection attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return err
	}

	p.backoffHist, err = p.meter.Float64Histogram("dataport.stream.backoff",
		metric.WithDescription("Reconnect delay in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 2, 4, 8, 16, 30),
	)
	if err != nil {
		return err
	}

	p.delivered, err = p.meter.Int64Counter("dataport.events.delivered",
		metric.WithDescription("Events dispatched to handlers"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.dropped, err = p.meter.Int64Counter("dataport.events.dropped",
		metric.WithDescription("Events dropped before dispatch"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return err
	}

	p.handlerFails, err = p.meter.Int64Counter("dataport.handler.failures",
		metric.WithDescription("Handler invocations that returned an error or panicked"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return err
	}

	p.merges, err = p.meter.Int64Counter("dataport.cache.merges",
		metric.WithDescription("Cache merge outcomes"),
		metric.WithUnit("{merge}"),
	)
	return err
}

// Shutdown flushes and shuts down the providers.
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

// StartSpan starts a new span with the given name.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordRequest records a request with the given attributes.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError records an error with the given attributes.
func (p *Provider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	if p.errorCounter != nil {
		allAttrs := append(attrs, attribute.String("error.type", fmt.Sprintf("%T", err)))
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(allAttrs...))
	}
}

// RecordDuration records the duration of an operation.
func (p *Provider) RecordDuration(ctx context.Context, duration time.Duration, attrs ...attribute.KeyValue) {
	if p.durationHist != nil {
		p.durationHist.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// TrackOperation tracks an operation from start to finish.
// Returns a function that should be called when the operation completes.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()

	ctx, span := p.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	p.RecordRequest(ctx, attrs...)

	return ctx, func(err error) {
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		p.RecordDuration(ctx, time.Since(start), attrs...)
		if err != nil {
			span.RecordError(err)
			p.RecordError(ctx, err, attrs...)
		}
		span.End()
	}
}

// StreamTransition implements Recorder.
func (p *Provider) StreamTransition(ctx context.Context, topic, from, to string) {
	if p.transitions != nil {
		p.transitions.Add(ctx, 1, metric.WithAttributes(
			AttrTopic.String(topic), AttrStateFrom.String(from), AttrStateTo.String(to)))
	}
}

// ReconnectScheduled implements Recorder.
func (p *Provider) ReconnectScheduled(ctx context.Context, topic string, attempt int, delay time.Duration) {
	if p.reconnects != nil {
		p.reconnects.Add(ctx, 1, metric.WithAttributes(AttrTopic.String(topic)))
	}
	if p.backoffHist != nil {
		p.backoffHist.Record(ctx, delay.Seconds(), metric.WithAttributes(
			AttrTopic.String(topic), AttrAttempt.Int(attempt)))
	}
}

// EventDelivered implements Recorder.
func (p *Provider) EventDelivered(ctx context.Context, topic, event string) {
	if p.delivered != nil {
		p.delivered.Add(ctx, 1, metric.WithAttributes(AttrTopic.String(topic), AttrEvent.String(event)))
	}
}

// EventDropped implements Recorder.
func (p *Provider) EventDropped(ctx context.Context, topic, event, reason string) {
	if p.dropped != nil {
		p.dropped.Add(ctx, 1, metric.WithAttributes(
			AttrTopic.String(topic), AttrEvent.String(event), AttrReason.String(reason)))
	}
}

// HandlerFailed implements Recorder.
func (p *Provider) HandlerFailed(ctx context.Context, topic, event string) {
	if p.handlerFails != nil {
		p.handlerFails.Add(ctx, 1, metric.WithAttributes(AttrTopic.String(topic), AttrEvent.String(event)))
	}
}

// CacheMerged implements Recorder.
func (p *Provider) CacheMerged(ctx context.Context, resource, outcome string) {
	if p.merges != nil {
		p.merges.Add(ctx, 1, metric.WithAttributes(AttrResource.String(resource), AttrOutcome.String(outcome)))
	}
}
