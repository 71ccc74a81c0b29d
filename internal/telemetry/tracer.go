// Package telemetry wires OpenTelemetry tracing and metrics.
package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// DefaultMetricInterval is how often metrics are exported.
const DefaultMetricInterval = time.Minute

// Providers holds the installed tracer and meter providers.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
}

// Options configures Init.
type Options struct {
	ServiceName    string
	Writer         io.Writer     // exporter output; stdout when nil
	MetricInterval time.Duration // DefaultMetricInterval when zero
}

// Init creates stdout trace and metric exporters, installs both providers
// globally and returns them. Call Shutdown to flush.
func Init(opts Options, logger *slog.Logger) (*Providers, error) {
	if opts.MetricInterval <= 0 {
		opts.MetricInterval = DefaultMetricInterval
	}

	var traceOpts []stdouttrace.Option
	var metricOpts []stdoutmetric.Option
	if opts.Writer != nil {
		traceOpts = append(traceOpts, stdouttrace.WithWriter(opts.Writer))
		metricOpts = append(metricOpts, stdoutmetric.WithWriter(opts.Writer))
	}

	traceExporter, err := stdouttrace.New(traceOpts...)
	if err != nil {
		return nil, err
	}
	metricExporter, err := stdoutmetric.New(metricOpts...)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(semconv.ServiceName(opts.ServiceName)),
	)
	if err != nil {
		return nil, err
	}

	p := &Providers{
		Tracer: sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
		),
		Meter: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(opts.MetricInterval))),
			sdkmetric.WithResource(res),
		),
	}
	otel.SetTracerProvider(p.Tracer)
	otel.SetMeterProvider(p.Meter)

	logger.Info("OpenTelemetry initialized", slog.String("service", opts.ServiceName))
	return p, nil
}

// Shutdown flushes and stops both providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(p.Tracer.Shutdown(ctx), p.Meter.Shutdown(ctx))
}
