package memory

import (
	"context"
	"testing"
	"time"

	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/storage"
	"github.com/tjfontaine/listing-gateway/internal/storage/storagetest"
)

func TestMemoryStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return New() })
}

func TestMemoryStore_SweepIdempotency(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := store.Begin(ctx, ports.IdempotencyKey{TenantID: "t", Key: "old"}, "lease-old", now, time.Minute); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := store.Begin(ctx, ports.IdempotencyKey{TenantID: "t", Key: "new"}, "lease-new", now.Add(time.Hour), time.Minute); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	removed, err := store.SweepIdempotency(ctx, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("SweepIdempotency() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("SweepIdempotency() removed %d, want 1", removed)
	}
	if n := store.idempotency.Len(); n != 1 {
		t.Errorf("remaining entries = %d, want 1", n)
	}
}
