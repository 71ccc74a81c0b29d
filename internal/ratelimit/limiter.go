// Package ratelimit implements per-tenant token buckets with continuous refill.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/tjfontaine/listing-gateway/internal/core/ports"
)

// Defaults applied when a non-positive rate or capacity is configured.
const (
	DefaultRate     = 5.0
	DefaultCapacity = 10.0
)

// epsilon absorbs float drift when refills add up to exactly one token.
const epsilon = 1e-9

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when allowed
	ResetAfter time.Duration // until the bucket is full again
}

// Limiter admits requests while a tenant's bucket holds at least one token.
type Limiter struct {
	store    ports.BucketStore
	rate     float64
	capacity float64
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter refilling rate tokens per second up to capacity.
func New(store ports.BucketStore, rate, capacity float64, opts ...Option) *Limiter {
	if rate <= 0 {
		rate = DefaultRate
	}
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	l := &Limiter{store: store, rate: rate, capacity: capacity, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow refills tenant's bucket for the time elapsed since its last refill
// and takes one token if available. A rejected call takes nothing.
func (l *Limiter) Allow(ctx context.Context, tenant string) (Decision, error) {
	now := l.now()
	var allowed bool
	bucket, err := l.store.Apply(ctx, tenant, func(current ports.Bucket, exists bool) ports.Bucket {
		next := l.refill(current, exists, now)
		allowed = next.Tokens >= 1-epsilon
		if allowed {
			next.Tokens = math.Max(next.Tokens-1, 0)
		}
		return next
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", tenant, err)
	}

	d := Decision{
		Allowed:    allowed,
		Limit:      int(l.capacity),
		Remaining:  int(math.Floor(bucket.Tokens + epsilon)),
		ResetAfter: l.seconds((l.capacity - bucket.Tokens) / l.rate),
	}
	if !allowed {
		d.RetryAfter = l.seconds((1 - bucket.Tokens) / l.rate)
	}
	return d, nil
}

func (l *Limiter) refill(b ports.Bucket, exists bool, now time.Time) ports.Bucket {
	if !exists {
		return ports.Bucket{Tokens: l.capacity, LastRefill: now}
	}
	elapsed := now.Sub(b.LastRefill).Seconds()
	if elapsed < 0 {
		// Clock went backwards; credit nothing and keep the later mark.
		return b
	}
	return ports.Bucket{
		Tokens:     math.Min(l.capacity, b.Tokens+elapsed*l.rate),
		LastRefill: now,
	}
}

func (l *Limiter) seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(s * float64(time.Second)))
}

// Rate returns tokens added per second.
func (l *Limiter) Rate() float64 { return l.rate }

// Capacity returns the burst size.
func (l *Limiter) Capacity() float64 { return l.capacity }
