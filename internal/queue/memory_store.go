package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// MemoryStore is an in-process JobStore. Jobs do not survive a restart; it
// backs tests and the "memory" queue backend.
type MemoryStore struct {
	mu   sync.Mutex
	seq  int64
	jobs map[string]*memJob
	now  func() time.Time
}

type memJob struct {
	job domain.Job
	seq int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*memJob), now: time.Now}
}

// Insert stores a new job. A duplicate id yields domain.ErrAlreadyExists.
func (s *MemoryStore) Insert(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("memory: insert job %s: %w", job.ID, domain.ErrAlreadyExists)
	}
	s.seq++
	s.jobs[job.ID] = &memJob{job: job, seq: s.seq}
	return nil
}

// ClaimNext activates the oldest runnable job on queue, or returns
// domain.ErrNotFound when none is due.
func (s *MemoryStore) ClaimNext(_ context.Context, queue string, now time.Time) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *memJob
	for _, mj := range s.jobs {
		j := mj.job
		if j.Queue != queue || j.State != domain.JobQueued || j.RunAt.After(now) {
			continue
		}
		if next == nil || j.RunAt.Before(next.job.RunAt) ||
			(j.RunAt.Equal(next.job.RunAt) && mj.seq < next.seq) {
			next = mj
		}
	}
	if next == nil {
		return domain.Job{}, domain.ErrNotFound
	}
	next.job.State = domain.JobActive
	next.job.AttemptsMade++
	next.job.UpdatedAt = s.now()
	return next.job, nil
}

// Complete marks an active job completed.
func (s *MemoryStore) Complete(_ context.Context, id string) error {
	return s.transition(id, func(j *domain.Job) {
		j.State = domain.JobCompleted
	})
}

// Release returns an active job to queued and refunds its attempt.
func (s *MemoryStore) Release(_ context.Context, id string) error {
	return s.transition(id, func(j *domain.Job) {
		j.State = domain.JobQueued
		if j.AttemptsMade > 0 {
			j.AttemptsMade--
		}
	})
}

// Retry re-queues an active job to run at runAt.
func (s *MemoryStore) Retry(_ context.Context, id string, runAt time.Time, lastError string) error {
	return s.transition(id, func(j *domain.Job) {
		j.State = domain.JobQueued
		j.RunAt = runAt
		j.LastError = lastError
	})
}

// Fail marks an active job failed. Only the first caller sees true.
func (s *MemoryStore) Fail(_ context.Context, id string, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[id]
	if !ok {
		return false, fmt.Errorf("memory: fail job %s: %w", id, domain.ErrNotFound)
	}
	if mj.job.State != domain.JobActive {
		return false, nil
	}
	mj.job.State = domain.JobFailed
	mj.job.LastError = lastError
	mj.job.UpdatedAt = s.now()
	return true, nil
}

// RequeueStale re-queues active jobs not updated since olderThan.
func (s *MemoryStore) RequeueStale(_ context.Context, queue string, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, mj := range s.jobs {
		j := &mj.job
		if j.Queue == queue && j.State == domain.JobActive && j.UpdatedAt.Before(olderThan) {
			j.State = domain.JobQueued
			j.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

// Get returns a job by id.
func (s *MemoryStore) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("memory: get job %s: %w", id, domain.ErrNotFound)
	}
	return mj.job, nil
}

// CountByState returns the number of jobs per state on queue.
func (s *MemoryStore) CountByState(_ context.Context, queue string) (map[domain.JobState]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.JobState]int64)
	for _, mj := range s.jobs {
		if mj.job.Queue == queue {
			out[mj.job.State]++
		}
	}
	return out, nil
}

// Jobs returns a snapshot of every job in queue.
func (s *MemoryStore) Jobs(queue string) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, mj := range s.jobs {
		if mj.job.Queue == queue {
			out = append(out, mj.job)
		}
	}
	return out
}

// transition applies fn to an active job.
func (s *MemoryStore) transition(id string, fn func(*domain.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("memory: job %s: %w", id, domain.ErrNotFound)
	}
	if mj.job.State != domain.JobActive {
		return fmt.Errorf("memory: job %s is %s, not active", id, mj.job.State)
	}
	fn(&mj.job)
	mj.job.UpdatedAt = s.now()
	return nil
}

var _ domain.JobStore = (*MemoryStore)(nil)
