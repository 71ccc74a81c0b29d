package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

func testTranscript() *ports.Transcript {
	return &ports.Transcript{
		TenantID:       "tenant-a",
		IdempotencyKey: "key-1",
		SKU:            "SKU-1",
		Result: &domain.ListingResult{
			ListingID: "HER-abc",
			Stages: []domain.StageRecord{
				{Name: domain.StageResolveImages, ElapsedMS: 0, Source: domain.SourceOverride},
				{Name: domain.StageSelectCategory, ElapsedMS: 4, Source: domain.SourceComputed},
				{Name: domain.StageExtractProduct, ElapsedMS: 12, Source: domain.SourceFallback},
			},
		},
	}
}

type sinkFunc func(context.Context, *ports.Transcript) error

func (f sinkFunc) Publish(ctx context.Context, t *ports.Transcript) error { return f(ctx, t) }

func TestMulti(t *testing.T) {
	var calls int
	ok := sinkFunc(func(context.Context, *ports.Transcript) error { calls++; return nil })
	boom := errors.New("boom")
	bad := sinkFunc(func(context.Context, *ports.Transcript) error { calls++; return boom })

	err := Multi{bad, ok, ok}.Publish(context.Background(), testTranscript())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls, "a failing sink does not stop the others")

	assert.NoError(t, Multi{}.Publish(context.Background(), testTranscript()))
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	require.NoError(t, NewLogSink(logger).Publish(context.Background(), testTranscript()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	var summary map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[3]), &summary))
	assert.Equal(t, "listing transcript", summary["msg"])
	assert.Equal(t, "HER-abc", summary["listing_id"])
	assert.Equal(t, float64(16), summary["elapsed_ms"])
	assert.Equal(t, float64(3), summary["stages"])
}

func TestMetricsSink(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	sink, err := NewMetricsSink(provider)
	require.NoError(t, err)
	require.NoError(t, sink.Publish(ctx, testTranscript()))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	found := map[string]metricdata.Metrics{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		found[m.Name] = m
	}

	hist, ok := found["listing.stage.duration"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(2), count, "overridden stages are not timed")

	fallbacks, ok := found["listing.stage.fallbacks"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, fallbacks.DataPoints, 1)
	assert.Equal(t, int64(1), fallbacks.DataPoints[0].Value)

	runs, ok := found["listing.runs"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, runs.DataPoints, 1)
	assert.Equal(t, int64(1), runs.DataPoints[0].Value)
}

type fakePutter struct {
	bucket, key, contentType string
	body                     []byte
	err                      error
}

func (f *fakePutter) PutObject(_ context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.err != nil {
		return minio.UploadInfo{}, f.err
	}
	f.bucket, f.key, f.contentType = bucket, object, opts.ContentType
	f.body, _ = io.ReadAll(reader)
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: size}, nil
}

func TestArchiveSink(t *testing.T) {
	store := &fakePutter{}
	sink := NewArchiveSink(store, "listings", "")

	require.NoError(t, sink.Publish(context.Background(), testTranscript()))
	assert.Equal(t, "listings", store.bucket)
	assert.Equal(t, "transcripts/tenant-a/HER-abc.json", store.key)
	assert.Equal(t, "application/json", store.contentType)

	var got struct {
		TenantID string               `json:"tenant_id"`
		SKU      string               `json:"sku"`
		Result   domain.ListingResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(store.body, &got))
	assert.Equal(t, "SKU-1", got.SKU)
	assert.Equal(t, "HER-abc", got.Result.ListingID)
	assert.Len(t, got.Result.Stages, 3)
}

func TestArchiveSink_Errors(t *testing.T) {
	sink := NewArchiveSink(&fakePutter{err: errors.New("unreachable")}, "listings", "/archive/")
	assert.Equal(t, "archive/t/L.json", sink.ObjectKey("t", "L"))
	assert.Error(t, sink.Publish(context.Background(), testTranscript()))

	tr := testTranscript()
	tr.Result.ListingID = ""
	assert.Error(t, NewArchiveSink(&fakePutter{}, "b", "").Publish(context.Background(), tr))
}

func TestArchiveConfigValidate(t *testing.T) {
	valid := ArchiveConfig{Endpoint: "localhost:9000", Bucket: "listings"}
	assert.NoError(t, valid.Validate())

	withScheme := valid
	withScheme.Endpoint = "http://localhost:9000"
	assert.Error(t, withScheme.Validate())

	noBucket := valid
	noBucket.Bucket = ""
	assert.Error(t, noBucket.Validate())
}
