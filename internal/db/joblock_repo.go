package db

import (
	"context"
	"time"

	"deadswitch/internal/types"
)

// JobLockRepository provides single-flight locking via the job_locks table so
// only one process runs a given task for a given time window.
type JobLockRepository struct {
	db  DBTX
	now func() time.Time
}

// NewJobLockRepository creates a new JobLockRepository.
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Acquire inserts the lock row, or reclaims it when the previous holder's
// lease has expired. The holder itself may re-acquire a live lease, so a
// retried task in the same window is not locked out by its own first attempt.
// It returns false when another worker holds a live lease.
//
// lockID is "task:window", e.g. "sweep_switches:2026-02-06T03:00".
// locked_at and expires_at are bound as timestamps; Go duration strings are
// not valid PostgreSQL intervals.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	now := r.now()

	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3
		      OR job_locks.worker_id = EXCLUDED.worker_id`,
		lockID,
		workerID,
		now,
		now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}

	// 1 row: fresh insert or reclaimed lease. 0 rows: lease still held.
	return tag.RowsAffected() > 0, nil
}

// Release deletes the lock row if workerID holds it. Releasing a lock that
// expired and was taken over, or never existed, is not an error.
func (r *JobLockRepository) Release(ctx context.Context, lockID string, workerID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM job_locks WHERE id = $1 AND worker_id = $2`,
		lockID,
		workerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release job lock", err)
	}
	return nil
}
