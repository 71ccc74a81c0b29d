// Package idempotency guarantees at most one pipeline execution per
// (tenant, idempotency key) and replays completed results until they expire.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

// Default lifetimes.
const (
	DefaultTTL         = time.Hour
	DefaultInFlightTTL = 5 * time.Minute
)

// Decision is what Begin tells the caller to do.
type Decision int

const (
	// Proceed means the caller owns the key and must run the pipeline, then
	// call Complete or Fail.
	Proceed Decision = iota
	// Cached means a completed result exists and must be returned as is.
	Cached
	// InFlight means another execution holds the key.
	InFlight
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Cached:
		return "cached"
	case InFlight:
		return "in_flight"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// Outcome is the result of Begin.
type Outcome struct {
	Decision Decision
	Result   *domain.ListingResult // set when Decision is Cached
	// Lease identifies the caller's claim when Decision is Proceed. Complete
	// and Fail only act on the entry while this lease holds it.
	Lease string
}

// Coordinator wraps an IdempotencyStore with the begin/complete/fail contract.
type Coordinator struct {
	store       ports.IdempotencyStore
	ttl         time.Duration
	inFlightTTL time.Duration
	now         func() time.Time
	newLease    func() string
	logger      *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTTL sets how long completed results are replayed.
func WithTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithInFlightTTL sets the lease on in-flight placeholders.
func WithInFlightTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.inFlightTTL = d
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a coordinator over store.
func NewCoordinator(store ports.IdempotencyStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		ttl:         DefaultTTL,
		inFlightTTL: DefaultInFlightTTL,
		now:         time.Now,
		newLease:    uuid.NewString,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Begin claims (tenant, key). An empty key bypasses idempotency and always
// proceeds.
func (c *Coordinator) Begin(ctx context.Context, tenant, key string) (Outcome, error) {
	if key == "" {
		return Outcome{Decision: Proceed}, nil
	}
	lease := c.newLease()
	existing, err := c.store.Begin(ctx, ports.IdempotencyKey{TenantID: tenant, Key: key}, lease, c.now(), c.inFlightTTL)
	if err != nil {
		return Outcome{}, fmt.Errorf("idempotency begin: %w", err)
	}
	switch {
	case existing == nil:
		return Outcome{Decision: Proceed, Lease: lease}, nil
	case existing.State == ports.IdempotencyCompleted:
		c.logger.DebugContext(ctx, "idempotent replay", "tenant_id", tenant, "idempotency_key", key)
		return Outcome{Decision: Cached, Result: existing.Result}, nil
	default:
		return Outcome{Decision: InFlight}, nil
	}
}

// Complete stores result for (tenant, key) if lease still holds it. The TTL
// starts now. When another caller reclaimed the key after lease expired the
// result is dropped and ports.ErrLeaseLost is returned.
func (c *Coordinator) Complete(ctx context.Context, tenant, key, lease string, result *domain.ListingResult) error {
	if key == "" {
		return nil
	}
	if err := c.store.Complete(ctx, ports.IdempotencyKey{TenantID: tenant, Key: key}, lease, result, c.now(), c.ttl); err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return nil
}

// Fail releases the in-flight placeholder held by lease so a retry can
// proceed. A placeholder owned by another lease is left alone.
func (c *Coordinator) Fail(ctx context.Context, tenant, key, lease string) error {
	if key == "" {
		return nil
	}
	if err := c.store.Release(ctx, ports.IdempotencyKey{TenantID: tenant, Key: key}, lease); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

// SweepInterval is how often RunSweeper reclaims expired entries for the
// given result TTL.
func SweepInterval(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return max(ttl/4, time.Second)
}

// RunSweeper deletes expired entries every interval until ctx is done. It
// returns at once when the store cannot sweep.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	sweeper, ok := c.store.(ports.IdempotencySweeper)
	if !ok || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sweeper.SweepIdempotency(ctx, c.now())
			switch {
			case err != nil && !errors.Is(err, context.Canceled):
				c.logger.WarnContext(ctx, "idempotency sweep failed", "error", err)
			case n > 0:
				c.logger.DebugContext(ctx, "idempotency entries swept", "removed", n)
			}
		}
	}
}
