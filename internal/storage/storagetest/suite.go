// Package storagetest holds the contract tests every storage.Store backend must pass.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/storage"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Store

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the contract suite against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("Idempotency", func(t *testing.T) { testIdempotency(t, newStore) })
	t.Run("IdempotencyConcurrentBegin", func(t *testing.T) { testConcurrentBegin(t, newStore) })
	t.Run("IdempotencyLeaseOwnership", func(t *testing.T) { testLeaseOwnership(t, newStore) })
	t.Run("IdempotencySweep", func(t *testing.T) { testSweep(t, newStore) })
	t.Run("Buckets", func(t *testing.T) { testBuckets(t, newStore) })
	t.Run("BucketsConcurrentApply", func(t *testing.T) { testConcurrentApply(t, newStore) })
	t.Run("Jobs", func(t *testing.T) { testJobs(t, newStore) })
	t.Run("JobOwnership", func(t *testing.T) { testJobOwnership(t, newStore) })
}

func open(t *testing.T, newStore Factory) storage.Store {
	t.Helper()
	s := newStore(t)
	t.Cleanup(func() { s.Close() })
	return s
}

func testIdempotency(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)
	key := ports.IdempotencyKey{TenantID: "acme", Key: "k1"}

	existing, err := s.Begin(ctx, key, "lease-1", epoch, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, existing, "first Begin installs the placeholder")

	existing, err = s.Begin(ctx, key, "lease-2", epoch.Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, ports.IdempotencyInFlight, existing.State)
	assert.Equal(t, "lease-1", existing.Lease)

	other := ports.IdempotencyKey{TenantID: "globex", Key: "k1"}
	existing, err = s.Begin(ctx, other, "lease-3", epoch, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, existing, "tenants never share keys")

	result := &domain.ListingResult{ListingID: "HER-1", Stages: []domain.StageRecord{{Name: domain.StageResolveImages}}}
	completedAt := epoch.Add(30 * time.Second)
	require.NoError(t, s.Complete(ctx, key, "lease-1", result, completedAt, time.Hour))

	existing, err = s.Begin(ctx, key, "lease-4", completedAt.Add(59*time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, ports.IdempotencyCompleted, existing.State)
	require.NotNil(t, existing.Result)
	assert.Equal(t, "HER-1", existing.Result.ListingID)

	// Release never drops a completed entry, even for its own lease.
	require.NoError(t, s.Release(ctx, key, "lease-1"))
	existing, err = s.Begin(ctx, key, "lease-5", completedAt.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, ports.IdempotencyCompleted, existing.State)

	// The TTL counts from completion, so one hour after completion it is gone.
	existing, err = s.Begin(ctx, key, "lease-6", completedAt.Add(time.Hour), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, existing, "expired entry is treated as absent")

	// Release drops the fresh placeholder.
	require.NoError(t, s.Release(ctx, key, "lease-6"))
	existing, err = s.Begin(ctx, key, "lease-7", completedAt.Add(time.Hour+time.Second), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, existing)

	// An in-flight lease that ran out is reclaimable.
	existing, err = s.Begin(ctx, key, "lease-8", completedAt.Add(2*time.Hour), time.Minute)
	require.NoError(t, err)
	assert.Nil(t, existing)
}

func testLeaseOwnership(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)
	key := ports.IdempotencyKey{TenantID: "acme", Key: "owned"}

	existing, err := s.Begin(ctx, key, "a", epoch, time.Minute)
	require.NoError(t, err)
	require.Nil(t, existing)

	// a's lease runs out and b reclaims the key.
	later := epoch.Add(2 * time.Minute)
	existing, err = s.Begin(ctx, key, "b", later, time.Minute)
	require.NoError(t, err)
	require.Nil(t, existing)

	require.NoError(t, s.Release(ctx, key, "a"))
	existing, err = s.Begin(ctx, key, "c", later.Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, existing, "a stale owner must not release the new owner's claim")
	assert.Equal(t, "b", existing.Lease)

	err = s.Complete(ctx, key, "a", &domain.ListingResult{ListingID: "HER-a"}, later.Add(time.Second), time.Hour)
	assert.ErrorIs(t, err, ports.ErrLeaseLost)

	require.NoError(t, s.Complete(ctx, key, "b", &domain.ListingResult{ListingID: "HER-b"}, later.Add(2*time.Second), time.Hour))
	// Completing twice under the same lease keeps the first result.
	require.NoError(t, s.Complete(ctx, key, "b", &domain.ListingResult{ListingID: "HER-b2"}, later.Add(3*time.Second), time.Hour))

	existing, err = s.Begin(ctx, key, "d", later.Add(time.Minute), time.Minute)
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, ports.IdempotencyCompleted, existing.State)
	assert.Equal(t, "HER-b", existing.Result.ListingID)
}

func testSweep(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)

	_, err := s.Begin(ctx, ports.IdempotencyKey{TenantID: "acme", Key: "short"}, "l1", epoch, time.Minute)
	require.NoError(t, err)
	_, err = s.Begin(ctx, ports.IdempotencyKey{TenantID: "acme", Key: "long"}, "l2", epoch, time.Hour)
	require.NoError(t, err)

	n, err := s.SweepIdempotency(ctx, epoch.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	existing, err := s.Begin(ctx, ports.IdempotencyKey{TenantID: "acme", Key: "long"}, "l3", epoch.Add(10*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.NotNil(t, existing, "live entries survive the sweep")
}

func testConcurrentBegin(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)
	key := ports.IdempotencyKey{TenantID: "acme", Key: "race"}

	var (
		wg      sync.WaitGroup
		proceed atomic.Int32
	)
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			existing, err := s.Begin(ctx, key, fmt.Sprintf("lease-%d", i), epoch, time.Minute)
			if !assert.NoError(t, err) {
				return
			}
			if existing == nil {
				proceed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), proceed.Load(), "exactly one caller may proceed")
}

func testBuckets(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)

	b, err := s.Apply(ctx, "acme", func(current ports.Bucket, exists bool) ports.Bucket {
		assert.False(t, exists)
		return ports.Bucket{Tokens: 9.5, LastRefill: epoch}
	})
	require.NoError(t, err)
	assert.Equal(t, 9.5, b.Tokens)

	b, err = s.Apply(ctx, "acme", func(current ports.Bucket, exists bool) ports.Bucket {
		assert.True(t, exists)
		assert.Equal(t, 9.5, current.Tokens)
		assert.True(t, current.LastRefill.Equal(epoch))
		current.Tokens--
		current.LastRefill = epoch.Add(time.Second)
		return current
	})
	require.NoError(t, err)
	assert.Equal(t, 8.5, b.Tokens)
	assert.True(t, b.LastRefill.Equal(epoch.Add(time.Second)))
}

func testConcurrentApply(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)

	const workers = 8
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Apply(ctx, "acme", func(current ports.Bucket, _ bool) ports.Bucket {
				current.Tokens++
				return current
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	b, err := s.Apply(ctx, "acme", func(current ports.Bucket, _ bool) ports.Bucket { return current })
	require.NoError(t, err)
	assert.Equal(t, float64(workers), b.Tokens, "no increment may be lost")
}

func testJobs(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)

	_, err := s.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ports.ErrNotFound)

	for i := range 3 {
		job := &domain.Job{
			ID:        fmt.Sprintf("job-%d", i),
			TenantID:  "acme",
			Kind:      domain.JobKindListing,
			Request:   domain.ListingRequest{TenantID: "acme", SKU: fmt.Sprintf("SKU-%d", i), Images: domain.StringList{"https://a.example.com/1.jpg"}},
			State:     domain.JobQueued,
			CreatedAt: epoch.Add(time.Duration(i) * time.Second),
			UpdatedAt: epoch.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.CreateJob(ctx, job))
	}
	assert.ErrorIs(t, s.CreateJob(ctx, &domain.Job{ID: "job-0", State: domain.JobQueued, CreatedAt: epoch}), ports.ErrAlreadyExists)

	got, err := s.GetJob(ctx, "job-0")
	require.NoError(t, err)
	assert.Equal(t, domain.JobQueued, got.State)
	assert.Equal(t, "SKU-0", got.Request.SKU)
	assert.Equal(t, "acme", got.Request.TenantID)

	// queued -> completed skips running.
	_, err = s.TransitionJob(ctx, "job-0", domain.JobCompleted, epoch, nil)
	assert.ErrorIs(t, err, ports.ErrInvalidTransition)

	started := epoch.Add(time.Minute)
	got, err = s.TransitionJob(ctx, "job-0", domain.JobRunning, started, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, got.State)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(started))

	require.NoError(t, s.SetJobStage(ctx, "job-0", domain.StageExtractProduct, started))
	// Stage markers only apply to running jobs.
	require.NoError(t, s.SetJobStage(ctx, "job-1", domain.StageExtractProduct, started))

	finished := started.Add(time.Second)
	got, err = s.TransitionJob(ctx, "job-0", domain.JobCompleted, finished, func(j *domain.Job) {
		j.Result = &domain.ListingResult{ListingID: "HER-1"}
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, got.State)

	got, err = s.GetJob(ctx, "job-0")
	require.NoError(t, err)
	assert.Equal(t, domain.StageExtractProduct, got.CurrentStage)
	require.NotNil(t, got.Result)
	assert.Equal(t, "HER-1", got.Result.ListingID)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(finished))

	_, err = s.TransitionJob(ctx, "job-0", domain.JobFailed, finished, nil)
	assert.ErrorIs(t, err, ports.ErrInvalidTransition, "terminal states are final")

	// queued -> failed skips running.
	_, err = s.TransitionJob(ctx, "job-1", domain.JobFailed, finished, nil)
	assert.ErrorIs(t, err, ports.ErrInvalidTransition)
	_, err = s.TransitionJob(ctx, "job-1", domain.JobRunning, finished, nil)
	require.NoError(t, err)

	got, err = s.TransitionJob(ctx, "job-1", domain.JobFailed, finished, func(j *domain.Job) {
		j.Error = &domain.JobError{Type: domain.ErrorTypeServer, Code: domain.ErrorCodeInterrupted, Message: "interrupted"}
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.State)

	got, err = s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, got.CurrentStage)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrorCodeInterrupted, got.Error.Code)

	queued, err := s.ListJobs(ctx, domain.JobQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "job-2", queued[0].ID)

	all, err := s.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"job-0", "job-1", "job-2"}, []string{all[0].ID, all[1].ID, all[2].ID})

	_, err = s.TransitionJob(ctx, "missing", domain.JobRunning, epoch, nil)
	assert.ErrorIs(t, err, ports.ErrNotFound)
}

func testJobOwnership(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := open(t, newStore)

	for _, id := range []string{"owned", "queued"} {
		require.NoError(t, s.CreateJob(ctx, &domain.Job{
			ID: id, TenantID: "acme", Kind: domain.JobKindListing, State: domain.JobQueued,
			Request: domain.ListingRequest{TenantID: "acme", SKU: id}, CreatedAt: epoch, UpdatedAt: epoch,
		}))
	}
	got, err := s.TransitionJob(ctx, "owned", domain.JobRunning, epoch, func(j *domain.Job) {
		j.Owner = "instance-a"
		j.HeartbeatAt = &epoch
	})
	require.NoError(t, err)
	assert.Equal(t, "instance-a", got.Owner)

	got, err = s.GetJob(ctx, "owned")
	require.NoError(t, err)
	assert.Equal(t, "instance-a", got.Owner)
	require.NotNil(t, got.HeartbeatAt)
	assert.True(t, got.HeartbeatAt.Equal(epoch))

	assert.ErrorIs(t, s.HeartbeatJob(ctx, "owned", "instance-b", epoch.Add(time.Second)), ports.ErrInvalidTransition,
		"only the owner reports for a job")
	assert.ErrorIs(t, s.HeartbeatJob(ctx, "missing", "instance-a", epoch), ports.ErrNotFound)

	beat := epoch.Add(30 * time.Second)
	require.NoError(t, s.HeartbeatJob(ctx, "owned", "instance-a", beat))

	_, err = s.InterruptJob(ctx, "owned", beat, beat, nil)
	assert.ErrorIs(t, err, ports.ErrInvalidTransition, "an owner that reported at the cutoff is alive")
	_, err = s.InterruptJob(ctx, "queued", beat, beat, nil)
	assert.ErrorIs(t, err, ports.ErrInvalidTransition, "only running jobs are interrupted")

	interruptedAt := beat.Add(2 * time.Minute)
	got, err = s.InterruptJob(ctx, "owned", beat.Add(time.Minute), interruptedAt, func(j *domain.Job) {
		j.Error = &domain.JobError{Type: domain.ErrorTypeServer, Code: domain.ErrorCodeInterrupted, Message: "interrupted"}
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.State)

	got, err = s.GetJob(ctx, "owned")
	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, domain.ErrorCodeInterrupted, got.Error.Code)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(interruptedAt))

	assert.ErrorIs(t, s.HeartbeatJob(ctx, "owned", "instance-a", interruptedAt), ports.ErrInvalidTransition,
		"an interrupted job cannot be revived by its old owner")
	_, err = s.TransitionJob(ctx, "owned", domain.JobCompleted, interruptedAt, nil)
	assert.ErrorIs(t, err, ports.ErrInvalidTransition)
}
