package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"deadswitch/internal/types"
)

// JobLocker abstracts the distributed single-flight lock.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
	// Release drops the lock if workerID still holds it.
	Release(ctx context.Context, lockID string, workerID string) error
}

// Sweeper runs a trigger sweep.
type Sweeper interface {
	Run(ctx context.Context, now time.Time) (SweepResult, error)
}

// Reminders runs a reminder pass.
type Reminders interface {
	Run(ctx context.Context, now time.Time) (ReminderResult, error)
}

// Redriver runs a redrive pass.
type Redriver interface {
	Run(ctx context.Context, now time.Time) (RedriveResult, error)
}

// RunnerConfig holds the collaborators and timings of a Runner. Windows maps
// each task to its cadence; the lock for a run covers one window.
type RunnerConfig struct {
	Sweep     Sweeper
	Reminders Reminders
	Redrive   Redriver
	Locks     JobLocker
	WorkerID  string
	Windows   map[TaskType]time.Duration
	LockTTL   time.Duration
	Clock     types.Clock
}

// Runner routes a TaskPayload to its service under a job lock, so a task
// runs once per window no matter how many processes fire it.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger
}

// NewRunner creates a Runner. A missing WorkerID gets a random one.
func NewRunner(cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	return &Runner{cfg: cfg, logger: logger}
}

// LockID returns "task:window" where window is now truncated to the task's
// cadence (an hour when none is configured).
func (r *Runner) LockID(task TaskType, now time.Time) string {
	window := r.cfg.Windows[task]
	if window <= 0 {
		window = time.Hour
	}
	return fmt.Sprintf("%s:%s", task, now.UTC().Truncate(window).Format("2006-01-02T15:04"))
}

// Handle runs one task. It returns a short human-readable summary, or a
// "skipped" summary when another worker holds the window's lock. A failed
// run releases the lock so a retry from any worker can take the window.
func (r *Runner) Handle(ctx context.Context, payload TaskPayload) (string, error) {
	now := r.cfg.Clock.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}
	if payload.Task == "" {
		return "", fmt.Errorf("empty task type in payload")
	}
	if types.GetTraceID(ctx) == "" {
		ctx = types.WithTraceID(ctx, uuid.NewString())
	}

	logger := r.logger.With(
		"task", string(payload.Task),
		"worker_id", r.cfg.WorkerID,
		"trace_id", types.GetTraceID(ctx),
	)
	logger.InfoContext(ctx, "task invoked", "reference_time", now.Format(time.RFC3339))

	lockID := r.LockID(payload.Task, now)
	acquired, err := r.cfg.Locks.Acquire(ctx, lockID, r.cfg.WorkerID, r.cfg.LockTTL)
	if err != nil {
		logger.ErrorContext(ctx, "failed to acquire job lock", "lock_id", lockID, "error", err)
		return "", fmt.Errorf("acquiring job lock %s: %w", lockID, err)
	}
	if !acquired {
		logger.InfoContext(ctx, "job lock held by another worker", "lock_id", lockID)
		return fmt.Sprintf("skipped: lock %s held by another worker", lockID), nil
	}

	summary, err := r.dispatch(ctx, payload.Task, now)
	if err != nil {
		logger.ErrorContext(ctx, "task failed", "error", err)
		if relErr := r.cfg.Locks.Release(context.WithoutCancel(ctx), lockID, r.cfg.WorkerID); relErr != nil {
			logger.ErrorContext(ctx, "failed to release job lock", "lock_id", lockID, "error", relErr)
		}
		return "", fmt.Errorf("task %s failed: %w", payload.Task, err)
	}
	logger.InfoContext(ctx, "task complete", "summary", summary)
	return summary, nil
}

func (r *Runner) dispatch(ctx context.Context, task TaskType, now time.Time) (string, error) {
	switch task {
	case TaskSweepSwitches:
		res, err := r.cfg.Sweep.Run(ctx, now)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("triggered %d of %d candidates, %d conflicts, %d jobs enqueued",
			res.Triggered, res.Candidates, res.Conflicts, res.JobsEnqueued), nil

	case TaskDetectReminders:
		res, err := r.cfg.Reminders.Run(ctx, now)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("sent %d reminders, %d deduplicated, %d failed",
			res.Sent, res.Deduplicated, res.Failed), nil

	case TaskRedriveStranded:
		res, err := r.cfg.Redrive.Run(ctx, now)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("redrove %d of %d stranded messages", res.Enqueued, res.Candidates), nil

	default:
		return "", fmt.Errorf("unknown task type: %q", task)
	}
}

// Task adapts the runner to a repeating job body. The tick time is the
// reference time, so retries of a tick share its lock window.
func (r *Runner) Task(task TaskType) func(ctx context.Context, scheduledAt time.Time) error {
	return func(ctx context.Context, scheduledAt time.Time) error {
		at := scheduledAt
		_, err := r.Handle(ctx, TaskPayload{Task: task, ReferenceTime: &at})
		return err
	}
}
