package domain

import "time"

// JobState is a job's position in its lifecycle.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// CanTransition reports whether moving from s to next is a legal lifecycle step.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case JobQueued:
		return next == JobRunning
	case JobRunning:
		return next == JobCompleted || next == JobFailed
	default:
		return false
	}
}

// JobKind records which entrypoint created a job.
type JobKind string

const (
	JobKindListing  JobKind = "listing"
	JobKindContinue JobKind = "continue"
)

// JobError summarizes why a job failed.
type JobError struct {
	Type    ErrorType `json:"type"`
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`
	Stage   StageName `json:"stage,omitempty"`
}

// Job is an asynchronously executed pipeline run.
type Job struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Kind           JobKind        `json:"kind"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Request        ListingRequest `json:"request"`
	State          JobState       `json:"state"`
	CurrentStage   StageName      `json:"current_stage,omitempty"`
	Result         *ListingResult `json:"result,omitempty"`
	Error          *JobError      `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`

	// Owner is the tracker instance executing a running job. HeartbeatAt is
	// when that instance last reported the job alive.
	Owner       string     `json:"-"`
	HeartbeatAt *time.Time `json:"-"`
}

// Stale reports whether a running job's owner has not reported since before
// cutoff. Jobs without a heartbeat are always stale.
func (j *Job) Stale(cutoff time.Time) bool {
	return j.HeartbeatAt == nil || j.HeartbeatAt.Before(cutoff)
}

// JobErrorFrom summarizes err for storage on a failed job.
func JobErrorFrom(err error) *JobError {
	apiErr := AsAPIError(err)
	if apiErr == nil {
		return nil
	}
	return &JobError{
		Type:    apiErr.Type,
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Stage:   apiErr.Stage,
	}
}

// Transition moves j to next, stamping the lifecycle timestamps. It reports
// false and leaves j untouched when the move is not allowed.
func (j *Job) Transition(next JobState, at time.Time) bool {
	if !j.State.CanTransition(next) {
		return false
	}
	j.State = next
	j.UpdatedAt = at
	switch {
	case next == JobRunning:
		j.StartedAt = &at
	case next.Terminal():
		j.FinishedAt = &at
	}
	return true
}
