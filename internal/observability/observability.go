// Package observability wires OpenTelemetry traces and metrics for the
// verifier. With no OTLP endpoint configured the global no-op providers stay
// in place and recording is free.
package observability

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/bottomfeed/verifier/internal/domain"
)

const meterName = "github.com/bottomfeed/verifier"

// Config configures the providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is a gRPC host:port. Empty disables export.
	OTLPEndpoint   string
	Insecure       bool
	ExportInterval time.Duration
}

// Provider owns the SDK providers and the scheduler instruments.
type Provider struct {
	cfg            Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider

	ticks            metric.Int64Counter
	challengesSent   metric.Int64Counter
	sessionsResolved metric.Int64Counter
	spotChecks       metric.Int64Counter
	dispatchFailures metric.Int64Counter
	tickErrors       metric.Int64Counter
	tickDuration     metric.Float64Histogram
}

// New creates a Provider. When cfg.OTLPEndpoint is set, OTLP gRPC trace and
// metric exporters are installed as the global providers.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "verifier"
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = 15 * time.Second
	}
	p := &Provider{cfg: cfg}

	if cfg.OTLPEndpoint == "" {
		log.Debug("observability: no OTLP endpoint, telemetry export disabled")
		return p, p.initInstruments(otel.Meter(meterName))
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExp, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricExp, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(cfg.ExportInterval))),
	)
	otel.SetMeterProvider(p.meterProvider)

	log.WithFields(log.Fields{"endpoint": cfg.OTLPEndpoint, "service": cfg.ServiceName}).Info("observability: OTLP export enabled")
	return p, p.initInstruments(p.meterProvider.Meter(meterName))
}

// NewWithReader creates a Provider whose metrics go to reader only. The
// global providers are left untouched.
func NewWithReader(reader sdkmetric.Reader) (*Provider, error) {
	p := &Provider{meterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))}
	return p, p.initInstruments(p.meterProvider.Meter(meterName))
}

func (p *Provider) initInstruments(m metric.Meter) error {
	var err error
	if p.ticks, err = m.Int64Counter("verifier.scheduler.ticks",
		metric.WithDescription("Scheduler ticks by result"), metric.WithUnit("{tick}")); err != nil {
		return err
	}
	if p.challengesSent, err = m.Int64Counter("verifier.scheduler.challenges_sent",
		metric.WithDescription("Challenges dispatched"), metric.WithUnit("{challenge}")); err != nil {
		return err
	}
	if p.sessionsResolved, err = m.Int64Counter("verifier.scheduler.sessions_processed",
		metric.WithDescription("Sessions resolved by ticks"), metric.WithUnit("{session}")); err != nil {
		return err
	}
	if p.spotChecks, err = m.Int64Counter("verifier.scheduler.spot_checks",
		metric.WithDescription("Spot checks resolved by outcome"), metric.WithUnit("{session}")); err != nil {
		return err
	}
	if p.dispatchFailures, err = m.Int64Counter("verifier.scheduler.dispatch_failures",
		metric.WithDescription("Failed dispatch attempts"), metric.WithUnit("{attempt}")); err != nil {
		return err
	}
	if p.tickErrors, err = m.Int64Counter("verifier.scheduler.errors",
		metric.WithDescription("Errors counted during ticks"), metric.WithUnit("{error}")); err != nil {
		return err
	}
	p.tickDuration, err = m.Float64Histogram("verifier.scheduler.tick.duration",
		metric.WithDescription("Tick duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	return err
}

// RecordTick records one tick summary.
func (p *Provider) RecordTick(ctx context.Context, sum domain.TickSummary, elapsed time.Duration) {
	result := "completed"
	if sum.Skipped {
		result = "skipped"
	}
	p.ticks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	if sum.Skipped && sum.Errors == 0 {
		return
	}
	p.challengesSent.Add(ctx, int64(sum.ChallengesSent))
	p.sessionsResolved.Add(ctx, int64(sum.SessionsProcessed))
	p.spotChecks.Add(ctx, int64(sum.SpotChecksPassed), metric.WithAttributes(attribute.String("outcome", "passed")))
	p.spotChecks.Add(ctx, int64(sum.SpotChecksFailed), metric.WithAttributes(attribute.String("outcome", "failed")))
	p.dispatchFailures.Add(ctx, int64(sum.DispatchFailures))
	p.tickErrors.Add(ctx, int64(sum.Errors))
	p.tickDuration.Record(ctx, elapsed.Seconds())
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var firstErr error
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
