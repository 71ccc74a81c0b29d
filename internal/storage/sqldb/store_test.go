package sqldb

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/storage"
	"github.com/tjfontaine/listing-gateway/internal/storage/storagetest"
)

var memdbSeq atomic.Int64

func newMemStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", memdbSeq.Add(1))
	store, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	return store
}

func TestSQLDBStore_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store { return newMemStore(t) })
}

func TestSQLDBStore_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.db")
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, err := NewSQLite(path)
		if err != nil {
			t.Fatalf("NewSQLite() error = %v", err)
		}
		// Subtests share the file; start each one empty.
		for _, table := range []string{"idempotency_keys", "rate_buckets", "jobs"} {
			if _, err := store.DB().Exec("DELETE FROM " + table); err != nil {
				t.Fatalf("failed to reset %s: %v", table, err)
			}
		}
		return store
	})
}

func TestSQLDBStore_UnsupportedDriver(t *testing.T) {
	if _, err := New(Config{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestSQLDBStore_TenantDefaults(t *testing.T) {
	store := newMemStore(t)
	defer store.Close()
	ctx := context.Background()

	got, err := store.ChannelDefaults(ctx, "acme")
	if err != nil {
		t.Fatalf("ChannelDefaults() error = %v", err)
	}
	if got != nil {
		t.Fatalf("ChannelDefaults() = %+v, want nil", got)
	}

	defaults := &domain.ChannelDefaults{
		MerchantLocationKey: "wh-1",
		PaymentPolicyID:     "pay-1",
		Marketplace:         "EBAY_DE",
		Warehouse:           domain.WarehouseLocation{AddressLine1: "1 Main St", City: "Berlin", Country: "DE"},
	}
	if err := store.PutChannelDefaults(ctx, "acme", defaults, time.Now()); err != nil {
		t.Fatalf("PutChannelDefaults() error = %v", err)
	}
	defaults.PaymentPolicyID = "pay-2"
	if err := store.PutChannelDefaults(ctx, "acme", defaults, time.Now()); err != nil {
		t.Fatalf("PutChannelDefaults() error = %v", err)
	}

	got, err = store.ChannelDefaults(ctx, "acme")
	if err != nil {
		t.Fatalf("ChannelDefaults() error = %v", err)
	}
	if got == nil || *got != *defaults {
		t.Errorf("ChannelDefaults() = %+v, want %+v", got, defaults)
	}
}

func TestSQLDBStore_SweepIdempotency(t *testing.T) {
	store := newMemStore(t)
	defer store.Close()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := store.Begin(ctx, ports.IdempotencyKey{TenantID: "t", Key: "a"}, "lease-a", now, time.Minute); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if _, err := store.Begin(ctx, ports.IdempotencyKey{TenantID: "t", Key: "b"}, "lease-b", now, time.Hour); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	n, err := store.SweepIdempotency(ctx, now.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("SweepIdempotency() error = %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d rows, want 1", n)
	}
}
