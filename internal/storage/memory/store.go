// Package memory is the single-instance in-process store.
package memory

import (
	"context"
	"sort"
	"time"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/pkg/keyed"
	"github.com/tjfontaine/listing-gateway/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store keeps everything in per-key slots, so unrelated tenants and keys
// never contend on a shared lock.
type Store struct {
	idempotency keyed.Table[ports.IdempotencyKey, ports.IdempotencyEntry]
	buckets     keyed.Table[string, ports.Bucket]
	jobs        keyed.Table[string, domain.Job]
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{}
}

func (s *Store) Begin(_ context.Context, key ports.IdempotencyKey, lease string, now time.Time, leaseTTL time.Duration) (*ports.IdempotencyEntry, error) {
	var existing *ports.IdempotencyEntry
	s.idempotency.Update(key, func(e *ports.IdempotencyEntry, present bool) bool {
		if present && e.Live(now) {
			copied := *e
			existing = &copied
			return true
		}
		*e = ports.IdempotencyEntry{
			IdempotencyKey: key,
			State:          ports.IdempotencyInFlight,
			Lease:          lease,
			CreatedAt:      now,
			ExpiresAt:      now.Add(leaseTTL),
		}
		return true
	})
	return existing, nil
}

func (s *Store) Complete(_ context.Context, key ports.IdempotencyKey, lease string, result *domain.ListingResult, now time.Time, ttl time.Duration) error {
	var err error
	s.idempotency.Update(key, func(e *ports.IdempotencyEntry, present bool) bool {
		if present && e.Live(now) {
			if e.Lease != lease {
				err = ports.ErrLeaseLost
				return true
			}
			if e.State == ports.IdempotencyCompleted {
				return true
			}
		}
		if !present {
			e.IdempotencyKey = key
			e.CreatedAt = now
		}
		e.State = ports.IdempotencyCompleted
		e.Lease = lease
		e.Result = result
		e.ExpiresAt = now.Add(ttl)
		return true
	})
	return err
}

func (s *Store) Release(_ context.Context, key ports.IdempotencyKey, lease string) error {
	s.idempotency.Update(key, func(e *ports.IdempotencyEntry, present bool) bool {
		return present && (e.State == ports.IdempotencyCompleted || e.Lease != lease)
	})
	return nil
}

// SweepIdempotency drops entries that expired at or before now.
func (s *Store) SweepIdempotency(_ context.Context, now time.Time) (int64, error) {
	n := s.idempotency.Sweep(func(_ ports.IdempotencyKey, e ports.IdempotencyEntry) bool {
		return !e.Live(now)
	})
	return int64(n), nil
}

func (s *Store) Apply(_ context.Context, tenantID string, fn func(current ports.Bucket, exists bool) ports.Bucket) (ports.Bucket, error) {
	var out ports.Bucket
	s.buckets.Update(tenantID, func(b *ports.Bucket, present bool) bool {
		*b = fn(*b, present)
		out = *b
		return true
	})
	return out, nil
}

func (s *Store) CreateJob(_ context.Context, job *domain.Job) error {
	var err error
	s.jobs.Update(job.ID, func(j *domain.Job, present bool) bool {
		if present {
			err = ports.ErrAlreadyExists
			return true
		}
		*j = *job
		return true
	})
	return err
}

func (s *Store) GetJob(_ context.Context, id string) (*domain.Job, error) {
	job, ok := s.jobs.Get(id)
	if !ok {
		return nil, ports.ErrNotFound
	}
	return &job, nil
}

func (s *Store) TransitionJob(_ context.Context, id string, to domain.JobState, at time.Time, mutate func(*domain.Job)) (*domain.Job, error) {
	var (
		out *domain.Job
		err error
	)
	s.jobs.Update(id, func(j *domain.Job, present bool) bool {
		if !present {
			err = ports.ErrNotFound
			return false
		}
		if !j.Transition(to, at) {
			err = ports.ErrInvalidTransition
			return true
		}
		if mutate != nil {
			mutate(j)
		}
		copied := *j
		out = &copied
		return true
	})
	return out, err
}

func (s *Store) SetJobStage(_ context.Context, id string, stage domain.StageName, at time.Time) error {
	var err error
	s.jobs.Update(id, func(j *domain.Job, present bool) bool {
		if !present {
			err = ports.ErrNotFound
			return false
		}
		if j.State == domain.JobRunning {
			j.CurrentStage = stage
			j.UpdatedAt = at
		}
		return true
	})
	return err
}

func (s *Store) HeartbeatJob(_ context.Context, id, owner string, at time.Time) error {
	var err error
	s.jobs.Update(id, func(j *domain.Job, present bool) bool {
		if !present {
			err = ports.ErrNotFound
			return false
		}
		if j.State != domain.JobRunning || j.Owner != owner {
			err = ports.ErrInvalidTransition
			return true
		}
		j.HeartbeatAt = &at
		return true
	})
	return err
}

func (s *Store) InterruptJob(_ context.Context, id string, cutoff, at time.Time, mutate func(*domain.Job)) (*domain.Job, error) {
	var (
		out *domain.Job
		err error
	)
	s.jobs.Update(id, func(j *domain.Job, present bool) bool {
		if !present {
			err = ports.ErrNotFound
			return false
		}
		if j.State != domain.JobRunning || !j.Stale(cutoff) {
			err = ports.ErrInvalidTransition
			return true
		}
		j.Transition(domain.JobFailed, at)
		if mutate != nil {
			mutate(j)
		}
		copied := *j
		out = &copied
		return true
	})
	return out, err
}

func (s *Store) ListJobs(_ context.Context, states ...domain.JobState) ([]*domain.Job, error) {
	want := make(map[domain.JobState]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	var out []*domain.Job
	s.jobs.Range(func(_ string, j domain.Job) bool {
		if len(want) == 0 || want[j.State] {
			out = append(out, &j)
		}
		return true
	})
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
