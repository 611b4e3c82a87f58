package domain

import (
	"context"
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of a queued job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is the persisted record of one unit of background work. Payload is
// immutable once enqueued; retries re-deliver the same bytes.
type Job struct {
	ID           string
	Queue        string
	Payload      json.RawMessage
	AttemptsMade int
	MaxAttempts  int
	State        JobState
	RunAt        time.Time
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobStore is the durable backing of the queue runtime.
type JobStore interface {
	Insert(ctx context.Context, job Job) error
	// ClaimNext moves the oldest runnable queued job of the queue to active,
	// incrementing AttemptsMade. It returns ErrNotFound when nothing is due.
	ClaimNext(ctx context.Context, queue string, now time.Time) (Job, error)
	Complete(ctx context.Context, id string) error
	// Release returns an active job to queued without consuming an attempt.
	Release(ctx context.Context, id string) error
	// Retry returns an active job to queued with a new run time.
	Retry(ctx context.Context, id string, runAt time.Time, lastError string) error
	// Fail marks an active job failed and reports whether this call made
	// the transition.
	Fail(ctx context.Context, id string, lastError string) (bool, error)
	// RequeueStale returns active jobs not touched since olderThan to queued.
	RequeueStale(ctx context.Context, queue string, olderThan time.Time) (int64, error)
	Get(ctx context.Context, id string) (Job, error)
	CountByState(ctx context.Context, queue string) (map[JobState]int64, error)
}
