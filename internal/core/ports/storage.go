package ports

import (
	"context"
	"errors"
	"time"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidTransition is returned when a job state change would leave a
	// terminal state or skip a step.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrLeaseLost is returned when an idempotency entry is now held by
	// another lease.
	ErrLeaseLost = errors.New("idempotency lease lost")
)

// IdempotencyState is the state of an idempotency entry.
type IdempotencyState string

const (
	IdempotencyInFlight  IdempotencyState = "in_flight"
	IdempotencyCompleted IdempotencyState = "completed"
)

// IdempotencyKey scopes a client key to a tenant.
type IdempotencyKey struct {
	TenantID string
	Key      string
}

// IdempotencyEntry is a stored idempotency record.
type IdempotencyEntry struct {
	IdempotencyKey
	State     IdempotencyState
	Lease     string
	Result    *domain.ListingResult
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Live reports whether the entry has not expired at now.
func (e *IdempotencyEntry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// IdempotencyStore persists idempotency entries. Every method is atomic per key
// and never serializes unrelated keys.
type IdempotencyStore interface {
	// Begin installs an in-flight placeholder held by lease that expires after
	// leaseTTL, unless a live entry already exists. It returns the live entry,
	// or nil when the placeholder was installed.
	Begin(ctx context.Context, key IdempotencyKey, lease string, now time.Time, leaseTTL time.Duration) (*IdempotencyEntry, error)

	// Complete replaces the placeholder held by lease with result, expiring
	// ttl after now. It returns ErrLeaseLost when another lease holds a live
	// entry.
	Complete(ctx context.Context, key IdempotencyKey, lease string, result *domain.ListingResult, now time.Time, ttl time.Duration) error

	// Release deletes the in-flight placeholder held by lease. Completed
	// entries and other leases are kept.
	Release(ctx context.Context, key IdempotencyKey, lease string) error
}

// IdempotencySweeper reclaims expired idempotency entries.
type IdempotencySweeper interface {
	// SweepIdempotency deletes entries that expired at or before now and
	// returns how many were removed.
	SweepIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// Bucket is a tenant's token bucket.
type Bucket struct {
	Tokens     float64
	LastRefill time.Time
}

// BucketStore persists token buckets.
type BucketStore interface {
	// Apply atomically replaces the tenant's bucket with fn's result and returns
	// it. fn may be called more than once and must be free of side effects
	// other than capturing its last result.
	Apply(ctx context.Context, tenantID string, fn func(current Bucket, exists bool) Bucket) (Bucket, error)
}

// JobStore persists asynchronous jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error

	// GetJob returns ErrNotFound for unknown ids.
	GetJob(ctx context.Context, id string) (*domain.Job, error)

	// TransitionJob moves the job to state and applies mutate to the stored
	// copy. It returns ErrInvalidTransition when the move is not allowed.
	TransitionJob(ctx context.Context, id string, to domain.JobState, at time.Time, mutate func(*domain.Job)) (*domain.Job, error)

	// SetJobStage records the stage a running job is executing.
	SetJobStage(ctx context.Context, id string, stage domain.StageName, at time.Time) error

	// HeartbeatJob refreshes the heartbeat of a job running under owner. It
	// returns ErrInvalidTransition when the job is no longer running under
	// owner.
	HeartbeatJob(ctx context.Context, id, owner string, at time.Time) error

	// InterruptJob fails a running job whose heartbeat is older than cutoff
	// and applies mutate. It returns ErrInvalidTransition when the job is not
	// running or its owner reported at or after cutoff.
	InterruptJob(ctx context.Context, id string, cutoff, at time.Time, mutate func(*domain.Job)) (*domain.Job, error)

	// ListJobs returns jobs in any of the given states, oldest first.
	ListJobs(ctx context.Context, states ...domain.JobState) ([]*domain.Job, error)
}
