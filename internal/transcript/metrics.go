package transcript

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

const meterName = "github.com/tjfontaine/listing-gateway/transcript"

// MetricsSink records stage timings and fallbacks as OpenTelemetry metrics.
type MetricsSink struct {
	runs      metric.Int64Counter
	duration  metric.Int64Histogram
	fallbacks metric.Int64Counter
}

var _ ports.TranscriptSink = (*MetricsSink)(nil)

// NewMetricsSink creates the instruments on provider, or the global provider when nil.
func NewMetricsSink(provider metric.MeterProvider) (*MetricsSink, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	runs, err := meter.Int64Counter("listing.runs",
		metric.WithDescription("Completed listing runs"))
	if err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}
	duration, err := meter.Int64Histogram("listing.stage.duration",
		metric.WithDescription("Stage execution time"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create stage histogram: %w", err)
	}
	fallbacks, err := meter.Int64Counter("listing.stage.fallbacks",
		metric.WithDescription("Stages that used their fallback output"))
	if err != nil {
		return nil, fmt.Errorf("create fallback counter: %w", err)
	}
	return &MetricsSink{runs: runs, duration: duration, fallbacks: fallbacks}, nil
}

func (s *MetricsSink) Publish(ctx context.Context, t *ports.Transcript) error {
	res := t.Result
	s.runs.Add(ctx, 1, metric.WithAttributes(attribute.Bool("preview", res.Preview)))
	for _, st := range res.Stages {
		attrs := metric.WithAttributes(
			attribute.String("stage", string(st.Name)),
			attribute.String("source", string(st.Source)),
		)
		if st.Source != domain.SourceOverride {
			s.duration.Record(ctx, st.ElapsedMS, attrs)
		}
		if st.Source == domain.SourceFallback {
			s.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(st.Name))))
		}
	}
	return nil
}
