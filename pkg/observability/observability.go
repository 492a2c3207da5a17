// Package observability bootstraps OpenTelemetry tracing and metrics for the
// kernel and exposes RED (rate, errors, duration) instruments for dispatched
// actions plus a few economy gauges.
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

const instrumentationName = "agent-ecology.kernel"

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

// DefaultConfig returns development defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "agent-ecology",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider owns the trace and metric providers and the kernel instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	actionCounter    metric.Int64Counter
	errorCounter     metric.Int64Counter
	durationHist     metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
	mintedCounter    metric.Int64Counter
	transferCounter  metric.Int64Counter
}

// New creates a provider. When telemetry is disabled the instruments come
// from the global (no-op unless configured elsewhere) providers.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry export disabled")
		return p, p.init(otel.GetTracerProvider(), otel.GetMeterProvider())
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
	if err := p.init(p.tracerProvider, p.meterProvider); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithProviders builds a provider over caller-supplied providers, e.g. an
// SDK meter provider with a manual reader in tests.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	p := &Provider{
		config: DefaultConfig(),
		logger: slog.Default().With("component", "observability"),
	}
	return p, p.init(tp, mp)
}

func (p *Provider) init(tp trace.TracerProvider, mp metric.MeterProvider) error {
	p.tracer = tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(p.config.ServiceVersion))
	p.meter = mp.Meter(instrumentationName, metric.WithInstrumentationVersion(p.config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return fmt.Errorf("failed to init instruments: %w", err)
	}
	return nil
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
	var err error
	p.actionCounter, err = p.meter.Int64Counter("ecology.actions.total",
		metric.WithDescription("Actions dispatched through the kernel"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}
	p.errorCounter, err = p.meter.Int64Counter("ecology.actions.errors",
		metric.WithDescription("Actions that returned a failure result"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return err
	}
	p.durationHist, err = p.meter.Float64Histogram("ecology.action.duration",
		metric.WithDescription("Action dispatch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return err
	}
	p.activeOperations, err = p.meter.Int64UpDownCounter("ecology.actions.active",
		metric.WithDescription("Actions currently in flight"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return err
	}
	p.mintedCounter, err = p.meter.Int64Counter("ecology.scrip.minted",
		metric.WithDescription("Scrip created by minting"),
		metric.WithUnit("{scrip}"),
	)
	if err != nil {
		return err
	}
	p.transferCounter, err = p.meter.Int64Counter("ecology.scrip.transferred",
		metric.WithDescription("Scrip moved between principals"),
		metric.WithUnit("{scrip}"),
	)
	return err
}

// Shutdown flushes and stops any providers this package created.
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

// Tracer returns the kernel tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// TrackAction opens a span for one dispatched action. The returned function
// records the outcome; errorCode is empty on success.
func (p *Provider) TrackAction(ctx context.Context, actionType, principal string) (context.Context, func(errorCode string)) {
	start := time.Now()
	attrs := []attribute.KeyValue{AttrActionType.String(actionType)}
	ctx, span := p.Tracer().Start(ctx, "kernel.action."+actionType,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(append(attrs, AttrPrincipal.String(principal))...),
	)
	if p.activeOperations != nil {
		p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	return ctx, func(errorCode string) {
		if p.activeOperations != nil {
			p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
		}
		outcome := append(attrs, AttrSuccess.Bool(errorCode == ""))
		if p.actionCounter != nil {
			p.actionCounter.Add(ctx, 1, metric.WithAttributes(outcome...))
		}
		if p.durationHist != nil {
			p.durationHist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attrs...))
		}
		if errorCode != "" {
			span.SetAttributes(AttrErrorCode.String(errorCode))
			if p.errorCounter != nil {
				p.errorCounter.Add(ctx, 1, metric.WithAttributes(append(attrs, AttrErrorCode.String(errorCode))...))
			}
		}
		span.End()
	}
}

// RecordMint counts newly created scrip.
func (p *Provider) RecordMint(ctx context.Context, amount int64, kind string) {
	if p.mintedCounter != nil && amount > 0 {
		p.mintedCounter.Add(ctx, amount, metric.WithAttributes(AttrMintKind.String(kind)))
	}
}

// ObserveEconomy registers gauges sampled at each metric collection: the
// total scrip supply and the number of principals with a ledger entry.
func (p *Provider) ObserveEconomy(supply func() int64, principals func() int) error {
	if p.meter == nil {
		return nil
	}
	supplyGauge, err := p.meter.Int64ObservableGauge("ecology.scrip.supply",
		metric.WithDescription("Total scrip held by all principals"),
		metric.WithUnit("{scrip}"),
	)
	if err != nil {
		return err
	}
	principalGauge, err := p.meter.Int64ObservableGauge("ecology.principals",
		metric.WithDescription("Principals known to the ledger"),
		metric.WithUnit("{principal}"),
	)
	if err != nil {
		return err
	}
	_, err = p.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(supplyGauge, supply())
		o.ObserveInt64(principalGauge, int64(principals()))
		return nil
	}, supplyGauge, principalGauge)
	return err
}

// RecordTransfer counts scrip moved between principals.
func (p *Provider) RecordTransfer(ctx context.Context, amount int64) {
	if p.transferCounter != nil && amount > 0 {
		p.transferCounter.Add(ctx, amount)
	}
}
