package transcript

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

const defaultPrefix = "transcripts"

// ArchiveConfig locates the bucket transcripts are written to.
type ArchiveConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
	Prefix    string
}

func (c ArchiveConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	return nil
}

// NewMinIOClient connects to S3-compatible storage.
func NewMinIOClient(cfg ArchiveConfig) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
}

// EnsureBucket creates the bucket when it does not exist.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

// ObjectPutter is the subset of *minio.Client the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ArchiveSink stores each transcript as <prefix>/<tenant>/<listing id>.json.
type ArchiveSink struct {
	store  ObjectPutter
	bucket string
	prefix string
}

var _ ports.TranscriptSink = (*ArchiveSink)(nil)

func NewArchiveSink(store ObjectPutter, bucket, prefix string) *ArchiveSink {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &ArchiveSink{store: store, bucket: bucket, prefix: prefix}
}

// ObjectKey returns where the transcript for tenant and listing is stored.
func (s *ArchiveSink) ObjectKey(tenantID, listingID string) string {
	if tenantID == "" {
		tenantID = "_"
	}
	return path.Join(s.prefix, tenantID, listingID+".json")
}

func (s *ArchiveSink) Publish(ctx context.Context, t *ports.Transcript) error {
	if t.Result.ListingID == "" {
		return errors.New("archive transcript: listing id is empty")
	}
	data, err := json.Marshal(archived{
		TenantID:       t.TenantID,
		IdempotencyKey: t.IdempotencyKey,
		SKU:            t.SKU,
		Result:         t.Result,
	})
	if err != nil {
		return fmt.Errorf("archive transcript: %w", err)
	}

	key := s.ObjectKey(t.TenantID, t.Result.ListingID)
	_, err = s.store.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("archive transcript %s: %w", key, err)
	}
	return nil
}

type archived struct {
	TenantID       string `json:"tenant_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	SKU            string `json:"sku"`
	Result         any    `json:"result"`
}
