// Package jobs runs listing submissions asynchronously on a bounded worker
// pool. A full backlog rejects new submissions instead of growing.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/listing-gateway/internal/core/domain"
	"github.com/tjfontaine/listing-gateway/internal/core/ports"
	"github.com/tjfontaine/listing-gateway/internal/listings"
	"github.com/tjfontaine/listing-gateway/internal/pipeline"
)

// Defaults used when options are absent or non-positive.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 64

	// A running job whose owner has not reported for DefaultStaleAfter is
	// considered abandoned by a dead instance.
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultStaleAfter        = time.Minute

	// claimRetryDelay is the pause before a job whose claim hit a store
	// error goes back on the queue.
	claimRetryDelay = 500 * time.Millisecond
)

var (
	// ErrQueueSaturated is returned by Submit when the backlog is full.
	ErrQueueSaturated = errors.New("job queue saturated")

	// ErrJobNotFound is returned by Status for unknown ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("job tracker is shut down")

	// ErrNotStarted is returned by Submit before Start.
	ErrNotStarted = errors.New("job tracker is not started")
)

// Executor runs one submission. *listings.Service implements it.
type Executor interface {
	Execute(ctx context.Context, sub listings.Submission, observers ...pipeline.Observer) (*listings.Outcome, error)
}

// Tracker owns the job queue and its workers.
type Tracker struct {
	store   ports.JobStore
	exec    Executor
	workers int
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	// owner identifies this tracker on the jobs it runs.
	owner      string
	heartbeat  time.Duration
	staleAfter time.Duration
	retryDelay time.Duration

	// slots bounds queued-but-not-picked-up jobs; queue never blocks a
	// sender holding a slot.
	slots chan struct{}
	queue chan string

	mu      sync.RWMutex
	closed  bool
	started bool
	group   *errgroup.Group
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithWorkers sets the worker count.
func WithWorkers(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.workers = n
		}
	}
}

// WithQueueSize sets the backlog bound.
func WithQueueSize(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.slots = make(chan struct{}, n)
			t.queue = make(chan string, n)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithClock sets the time source for job timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithInstanceID sets the owner recorded on jobs this tracker runs. Trackers
// sharing a store must use distinct ids.
func WithInstanceID(id string) Option {
	return func(t *Tracker) {
		if id != "" {
			t.owner = id
		}
	}
}

// WithHeartbeat sets how often running jobs report and how long a silent
// job may go before another tracker's Start fails it.
func WithHeartbeat(interval, staleAfter time.Duration) Option {
	return func(t *Tracker) {
		if interval > 0 {
			t.heartbeat = interval
		}
		if staleAfter > 0 {
			t.staleAfter = staleAfter
		}
	}
}

// WithIDs sets the job id generator.
func WithIDs(gen func() string) Option {
	return func(t *Tracker) { t.newID = gen }
}

// NewTracker creates a tracker. Call Start to begin processing.
func NewTracker(store ports.JobStore, exec Executor, opts ...Option) *Tracker {
	t := &Tracker{
		store:   store,
		exec:    exec,
		workers: DefaultWorkers,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
		slots:   make(chan struct{}, DefaultQueueSize),
		queue:   make(chan string, DefaultQueueSize),

		owner:      uuid.NewString(),
		heartbeat:  DefaultHeartbeatInterval,
		staleAfter: DefaultStaleAfter,
		retryDelay: claimRetryDelay,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Submit records sub as a queued job and returns its id without waiting for
// execution.
func (t *Tracker) Submit(ctx context.Context, sub listings.Submission) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return "", ErrClosed
	}
	if !t.started {
		return "", ErrNotStarted
	}

	select {
	case t.slots <- struct{}{}:
	default:
		return "", ErrQueueSaturated
	}

	now := t.now()
	req := sub.Request
	req.TenantID = sub.TenantID
	kind := sub.Kind
	if kind == "" {
		kind = domain.JobKindListing
	}
	job := &domain.Job{
		ID:             t.newID(),
		TenantID:       sub.TenantID,
		Kind:           kind,
		IdempotencyKey: sub.IdempotencyKey,
		Request:        req,
		State:          domain.JobQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := t.store.CreateJob(ctx, job); err != nil {
		<-t.slots
		return "", fmt.Errorf("create job: %w", err)
	}
	t.queue <- job.ID

	t.logger.InfoContext(ctx, "job queued", "job_id", job.ID, "tenant_id", job.TenantID, "kind", job.Kind)
	return job.ID, nil
}

// Status returns the job's current snapshot.
func (t *Tracker) Status(ctx context.Context, id string) (*domain.Job, error) {
	job, err := t.store.GetJob(ctx, id)
	if errors.Is(err, ports.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Start recovers jobs left behind by a previous process and launches the
// workers. Running jobs whose owner stopped reporting are failed as
// interrupted; running jobs with a live owner are left to it. Queued jobs are
// enqueued again.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return errors.New("job tracker already started")
	}
	t.started = true
	t.group = &errgroup.Group{}
	t.mu.Unlock()

	queued, err := t.recoverJobs(ctx)
	if err != nil {
		return err
	}

	for i := range t.workers {
		t.group.Go(func() error {
			t.work(i)
			return nil
		})
	}

	if len(queued) > 0 {
		t.group.Go(func() error {
			t.requeue(queued)
			return nil
		})
	}

	t.logger.Info("job workers started", "workers", t.workers, "queue_size", cap(t.queue), "recovered", len(queued), "instance", t.owner)
	return nil
}

func (t *Tracker) recoverJobs(ctx context.Context) ([]string, error) {
	running, err := t.store.ListJobs(ctx, domain.JobRunning)
	if err != nil {
		return nil, fmt.Errorf("list running jobs: %w", err)
	}
	cutoff := t.now().Add(-t.staleAfter)
	for _, job := range running {
		if !job.Stale(cutoff) {
			t.logger.Debug("running job held by live instance", "job_id", job.ID, "owner", job.Owner)
			continue
		}
		_, err := t.store.InterruptJob(ctx, job.ID, cutoff, t.now(), func(j *domain.Job) {
			j.Error = &domain.JobError{
				Type:    domain.ErrorTypeServer,
				Code:    domain.ErrorCodeInterrupted,
				Message: "job was interrupted by a restart",
				Stage:   j.CurrentStage,
			}
		})
		if errors.Is(err, ports.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fail interrupted job %s: %w", job.ID, err)
		}
		t.logger.Warn("job interrupted by restart", "job_id", job.ID, "stage", job.CurrentStage, "owner", job.Owner)
	}

	queued, err := t.store.ListJobs(ctx, domain.JobQueued)
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}
	ids := make([]string, len(queued))
	for i, job := range queued {
		ids[i] = job.ID
	}
	return ids, nil
}

// requeue hands recovered jobs to the workers, waiting for backlog room.
func (t *Tracker) requeue(ids []string) {
	for i := 0; i < len(ids); {
		t.mu.RLock()
		if t.closed {
			t.mu.RUnlock()
			return
		}
		select {
		case t.slots <- struct{}{}:
			t.queue <- ids[i]
			t.mu.RUnlock()
			i++
		default:
			// Backlog full; wait without holding the lock so Shutdown can
			// proceed.
			t.mu.RUnlock()
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (t *Tracker) work(worker int) {
	for id := range t.queue {
		<-t.slots
		t.run(worker, id)
	}
}

// run executes one job. Jobs are never cancelled once running, so execution
// is detached from the tracker's lifetime.
func (t *Tracker) run(worker int, id string) {
	ctx := context.Background()
	logger := t.logger.With("job_id", id, "worker", worker)

	startedAt := t.now()
	job, err := t.store.TransitionJob(ctx, id, domain.JobRunning, startedAt, func(j *domain.Job) {
		j.Owner = t.owner
		j.HeartbeatAt = &startedAt
	})
	switch {
	case errors.Is(err, ports.ErrInvalidTransition), errors.Is(err, ports.ErrNotFound):
		// Another tracker claimed it first.
		logger.Debug("job not runnable", "error", err)
		return
	case err != nil:
		logger.Error("failed to claim job, retrying", "error", err)
		t.retry(id)
		return
	}
	logger.Info("job started", "tenant_id", job.TenantID)

	stop := t.keepAlive(id, logger)
	observer := pipeline.ObserverFunc(func(ctx context.Context, stage domain.StageName) {
		if err := t.store.SetJobStage(ctx, id, stage, t.now()); err != nil {
			logger.Debug("failed to record job stage", "stage", stage, "error", err)
		}
	})

	out, err := t.execute(ctx, job, observer)
	stop()
	if err != nil {
		jobErr := domain.JobErrorFrom(err)
		if _, terr := t.store.TransitionJob(ctx, id, domain.JobFailed, t.now(), func(j *domain.Job) {
			j.Error = jobErr
		}); terr != nil {
			logger.Error("failed to record job failure", "error", terr)
		}
		logger.Warn("job failed", "error_type", jobErr.Type, "stage", jobErr.Stage, "error", err)
		return
	}

	if _, err := t.store.TransitionJob(ctx, id, domain.JobCompleted, t.now(), func(j *domain.Job) {
		j.Result = out.Result
	}); err != nil {
		logger.Error("failed to record job result", "error", err)
		return
	}
	logger.Info("job completed", "listing_id", out.Result.ListingID, "cached", out.Cached)
}

// keepAlive reports the job alive every heartbeat interval until the
// returned stop function is called. stop waits for the reporter to exit.
func (t *Tracker) keepAlive(id string, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(t.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := t.store.HeartbeatJob(ctx, id, t.owner, t.now())
				switch {
				case errors.Is(err, ports.ErrInvalidTransition):
					logger.Warn("job no longer held by this instance")
					return
				case err != nil && ctx.Err() == nil:
					logger.Warn("failed to record job heartbeat", "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// retry puts id back on the queue after a pause. The job stays queued in the
// store, so a tracker that shuts down first recovers it on its next Start.
func (t *Tracker) retry(id string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed || t.group == nil {
		return
	}
	t.group.Go(func() error {
		time.Sleep(t.retryDelay)
		t.requeue([]string{id})
		return nil
	})
}

func (t *Tracker) execute(ctx context.Context, job *domain.Job, observer pipeline.Observer) (out *listings.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.ErrServer(fmt.Sprintf("job panicked: %v", r)).WithCode(domain.ErrorCodeInternal)
		}
	}()
	return t.exec.Execute(ctx, listings.Submission{
		TenantID:       job.TenantID,
		IdempotencyKey: job.IdempotencyKey,
		Kind:           job.Kind,
		Request:        job.Request,
	}, observer)
}

// Shutdown stops accepting submissions and waits for queued and running jobs
// to finish, or for ctx to expire.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.queue)
	group := t.group
	t.mu.Unlock()

	if group == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.logger.Info("job workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
