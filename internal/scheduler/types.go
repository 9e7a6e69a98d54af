// Package scheduler runs the periodic work of the engine: triggering overdue
// switches, reminding owners whose switch is about to come due, and
// re-driving delivery jobs that were lost between a trigger and its enqueue.
//
// Services accept `now` so runs are deterministic in tests and can be
// backfilled through TaskPayload.ReferenceTime.
package scheduler

import (
	"context"
	"time"

	"deadswitch/internal/types"
)

// TaskType identifies which service a TaskPayload is routed to.
type TaskType string

const (
	TaskSweepSwitches   TaskType = "sweep_switches"
	TaskDetectReminders TaskType = "detect_reminders"
	TaskRedriveStranded TaskType = "redrive_stranded"
)

// TaskPayload is the JSON event that starts a task, either from an
// EventBridge rule or from the worker's repeating jobs:
//
//	{
//	  "task": "sweep_switches",
//	  "reference_time": "2026-02-06T03:00:00Z"  // optional
//	}
type TaskPayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual runs and backfills.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

// TriggerStore is the switch persistence the sweep needs.
type TriggerStore interface {
	FindReadyToTrigger(ctx context.Context, now time.Time, limit int) ([]*types.Switch, error)
	// Update is compare-and-swap on Version. A lost race returns a
	// conflict_concurrent_modification AppError.
	Update(ctx context.Context, sw *types.Switch) error
}

// MessageLister returns every message of a switch, sent ones included.
type MessageLister interface {
	FindBySwitchID(ctx context.Context, switchID string) ([]*types.Message, error)
}

// StrandedMessageFinder returns unsent, never-attempted messages of switches
// triggered before olderThan, skipping those redriven or claimed since.
type StrandedMessageFinder interface {
	FindStranded(ctx context.Context, olderThan time.Time, limit int) ([]*types.Message, error)
	MarkRedriven(ctx context.Context, id string, at time.Time) error
}

// ApproachingDueFinder returns active switches whose due date falls inside
// the reminder window.
type ApproachingDueFinder interface {
	FindApproachingDue(ctx context.Context, now time.Time, thresholdHours int, limit int) ([]*types.Switch, error)
}

// ContactLookup resolves a switch owner's contact details.
type ContactLookup interface {
	GetContact(ctx context.Context, userID string) (*types.UserContact, error)
}

// ReminderCache records which switches were reminded recently.
type ReminderCache interface {
	Get(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key string, ttl time.Duration) error
}

// ReminderSender delivers a reminder to a switch owner.
type ReminderSender interface {
	SendReminder(ctx context.Context, notice types.ReminderNotice) (string, error)
}

// JobEnqueuer puts a delivery job on a named queue.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, queueName string, job types.DispatchJob) (string, error)
}

// BatchMetrics receives the counters of each run. Implementations must not
// block; a failed metric publish is their problem, not the run's.
type BatchMetrics interface {
	RecordTriggered(ctx context.Context, triggered, conflicts int)
	RecordJobsEnqueued(ctx context.Context, task string, n int)
	RecordRemindersSent(ctx context.Context, n int)
	RecordBatchFailures(ctx context.Context, task string, n int)
}

// SweepResult summarizes one trigger sweep.
type SweepResult struct {
	Candidates int
	Triggered  int
	// Conflicts are switches another writer changed first. They are skipped,
	// never retried within the run.
	Conflicts int
	Skipped   int
	Failed    int

	JobsEnqueued    int
	EnqueueFailures int
}

// ReminderResult summarizes one reminder pass.
type ReminderResult struct {
	Candidates   int
	Sent         int
	Deduplicated int
	Failed       int
}

// RedriveResult summarizes one redrive pass.
type RedriveResult struct {
	Candidates int
	Enqueued   int
	Failed     int
}

type noopBatchMetrics struct{}

func (noopBatchMetrics) RecordTriggered(context.Context, int, int)        {}
func (noopBatchMetrics) RecordJobsEnqueued(context.Context, string, int)  {}
func (noopBatchMetrics) RecordRemindersSent(context.Context, int)         {}
func (noopBatchMetrics) RecordBatchFailures(context.Context, string, int) {}
