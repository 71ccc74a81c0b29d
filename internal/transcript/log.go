package transcript

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

// LogSink writes one summary line per run and one debug line per stage.
type LogSink struct {
	logger *slog.Logger
}

var _ ports.TranscriptSink = (*LogSink)(nil)

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, t *ports.Transcript) error {
	res := t.Result
	var total int64
	for _, st := range res.Stages {
		total += st.ElapsedMS
		s.logger.DebugContext(ctx, "listing stage",
			slog.String("listing_id", res.ListingID),
			slog.String("stage", string(st.Name)),
			slog.String("source", string(st.Source)),
			slog.Int64("elapsed_ms", st.ElapsedMS),
		)
	}

	size := 0
	if data, err := json.Marshal(res); err == nil {
		size = len(data)
	}
	s.logger.InfoContext(ctx, "listing transcript",
		slog.String("tenant_id", t.TenantID),
		slog.String("sku", t.SKU),
		slog.String("listing_id", res.ListingID),
		slog.Bool("preview", res.Preview),
		slog.Int("stages", len(res.Stages)),
		slog.Int64("elapsed_ms", total),
		slog.String("size", humanize.Bytes(uint64(size))),
		slog.Bool("idempotent", t.IdempotencyKey != ""),
	)
	return nil
}
