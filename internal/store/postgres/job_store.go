package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// JobStore implements domain.JobStore. Claims use FOR UPDATE SKIP LOCKED so
// any number of worker processes can poll the same queue.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore creates a new JobStore backed by the given connection pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

const jobColumns = `id, queue, payload, attempts_made, max_attempts, state, run_at, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j     domain.Job
		state string
	)
	err := row.Scan(
		&j.ID, &j.Queue, &j.Payload, &j.AttemptsMade, &j.MaxAttempts,
		&state, &j.RunAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	j.State = domain.JobState(state)
	return j, nil
}

// Insert records a new job. It returns after the row is committed. A
// duplicate id yields domain.ErrAlreadyExists.
func (s *JobStore) Insert(ctx context.Context, job domain.Job) error {
	const query = `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		job.ID, job.Queue, []byte(job.Payload), job.AttemptsMade, job.MaxAttempts,
		string(job.State), job.RunAt, job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("postgres: insert job %s: %w", job.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert job %s: %w", job.ID, err)
	}
	return nil
}

// ClaimNext activates the oldest runnable job on queue.
func (s *JobStore) ClaimNext(ctx context.Context, queue string, now time.Time) (domain.Job, error) {
	const query = `
		UPDATE jobs SET
			state         = 'active',
			attempts_made = attempts_made + 1,
			updated_at    = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1 AND state = 'queued' AND run_at <= $2
			ORDER BY run_at, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	j, err := scanJob(s.pool.QueryRow(ctx, query, queue, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, domain.ErrNotFound
		}
		return domain.Job{}, fmt.Errorf("postgres: claim job on %s: %w", queue, err)
	}
	return j, nil
}

// Complete marks an active job completed.
func (s *JobStore) Complete(ctx context.Context, id string) error {
	const query = `
		UPDATE jobs SET state = 'completed', updated_at = NOW()
		WHERE id = $1 AND state = 'active'`
	return s.execActive(ctx, "complete", id, query, id)
}

// Release returns an active job to queued and refunds the claim's attempt.
func (s *JobStore) Release(ctx context.Context, id string) error {
	const query = `
		UPDATE jobs SET
			state         = 'queued',
			attempts_made = GREATEST(attempts_made - 1, 0),
			updated_at    = NOW()
		WHERE id = $1 AND state = 'active'`
	return s.execActive(ctx, "release", id, query, id)
}

// Retry re-queues an active job to run at runAt.
func (s *JobStore) Retry(ctx context.Context, id string, runAt time.Time, lastError string) error {
	const query = `
		UPDATE jobs SET state = 'queued', run_at = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND state = 'active'`
	return s.execActive(ctx, "retry", id, query, id, runAt, lastError)
}

// Fail marks an active job failed. Only the first caller sees true.
func (s *JobStore) Fail(ctx context.Context, id string, lastError string) (bool, error) {
	const query = `
		UPDATE jobs SET state = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'active'`

	tag, err := s.pool.Exec(ctx, query, id, lastError)
	if err != nil {
		return false, fmt.Errorf("postgres: fail job %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// RequeueStale re-queues active jobs not updated since olderThan.
func (s *JobStore) RequeueStale(ctx context.Context, queue string, olderThan time.Time) (int64, error) {
	const query = `
		UPDATE jobs SET state = 'queued', updated_at = NOW()
		WHERE queue = $1 AND state = 'active' AND updated_at < $2`

	tag, err := s.pool.Exec(ctx, query, queue, olderThan)
	if err != nil {
		return 0, fmt.Errorf("postgres: requeue stale jobs on %s: %w", queue, err)
	}
	return tag.RowsAffected(), nil
}

// Get returns a job by id.
func (s *JobStore) Get(ctx context.Context, id string) (domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	j, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("postgres: get job %s: %w", id, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("postgres: get job %s: %w", id, err)
	}
	return j, nil
}

// CountByState returns the number of jobs per state on queue.
func (s *JobStore) CountByState(ctx context.Context, queue string) (map[domain.JobState]int64, error) {
	const query = `SELECT state, COUNT(*) FROM jobs WHERE queue = $1 GROUP BY state`

	rows, err := s.pool.Query(ctx, query, queue)
	if err != nil {
		return nil, fmt.Errorf("postgres: count jobs on %s: %w", queue, err)
	}
	defer rows.Close()

	out := make(map[domain.JobState]int64)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan job count: %w", err)
		}
		out[domain.JobState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: count jobs rows: %w", err)
	}
	return out, nil
}

func (s *JobStore) execActive(ctx context.Context, op, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: %s job %s: %w", op, id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: %s job %s: not active", op, id)
	}
	return nil
}

var _ domain.JobStore = (*JobStore)(nil)
