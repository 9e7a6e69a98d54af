package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"deadswitch/internal/lifecycle"
	"deadswitch/internal/types"
)

// SweepConfig tunes a SweepService.
type SweepConfig struct {
	BatchLimit  int
	Concurrency int
	// QueueName is the registered queue that receives DispatchJobs.
	QueueName string
}

// SweepService finds overdue switches, moves each to TRIGGERED and queues
// one delivery job per unsent message. It never sends anything itself.
type SweepService struct {
	switches TriggerStore
	messages MessageLister
	queue    JobEnqueuer
	metrics  BatchMetrics
	cfg      SweepConfig
	logger   *slog.Logger
}

// NewSweepService creates a SweepService. metrics may be nil.
func NewSweepService(switches TriggerStore, messages MessageLister, queue JobEnqueuer, metrics BatchMetrics, cfg SweepConfig, logger *slog.Logger) *SweepService {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopBatchMetrics{}
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &SweepService{
		switches: switches,
		messages: messages,
		queue:    queue,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

type sweepOutcome int

const (
	outcomeTriggered sweepOutcome = iota
	outcomeConflict
	outcomeSkipped
	outcomeFailed
)

// Run executes one sweep at now. Only the candidate query can fail the run;
// every per-switch failure is logged, counted and isolated.
func (s *SweepService) Run(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	candidates, err := s.switches.FindReadyToTrigger(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		return result, fmt.Errorf("finding switches ready to trigger: %w", err)
	}
	result.Candidates = len(candidates)

	// The query is a coarse filter; the lifecycle rules are authoritative.
	overdue := lo.Filter(candidates, func(sw *types.Switch, _ int) bool {
		return lifecycle.IsOverdue(sw, now)
	})
	result.Skipped = len(candidates) - len(overdue)

	if len(overdue) == 0 {
		s.logger.InfoContext(ctx, "no switches to trigger", "candidates", result.Candidates)
		return result, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.Concurrency)

	for _, sw := range overdue {
		g.Go(func() error {
			outcome, enqueued, enqueueFailed := s.triggerOne(ctx, sw, now)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeTriggered:
				result.Triggered++
			case outcomeConflict:
				result.Conflicts++
			case outcomeSkipped:
				result.Skipped++
			case outcomeFailed:
				result.Failed++
			}
			result.JobsEnqueued += enqueued
			result.EnqueueFailures += enqueueFailed
			return nil
		})
	}
	// Workers count their failures in result and always return nil.
	_ = g.Wait()

	s.metrics.RecordTriggered(ctx, result.Triggered, result.Conflicts)
	s.metrics.RecordJobsEnqueued(ctx, string(TaskSweepSwitches), result.JobsEnqueued)
	if n := result.Failed + result.EnqueueFailures; n > 0 {
		s.metrics.RecordBatchFailures(ctx, string(TaskSweepSwitches), n)
	}

	s.logger.InfoContext(ctx, "sweep complete",
		"candidates", result.Candidates,
		"triggered", result.Triggered,
		"conflicts", result.Conflicts,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"jobs_enqueued", result.JobsEnqueued,
		"enqueue_failures", result.EnqueueFailures,
	)
	return result, nil
}

// triggerOne persists the transition for sw and, only once it committed,
// queues its unsent messages.
func (s *SweepService) triggerOne(ctx context.Context, sw *types.Switch, now time.Time) (sweepOutcome, int, int) {
	logger := s.logger.With("switch_id", sw.ID, "version", sw.Version)

	if err := lifecycle.Trigger(sw, now); err != nil {
		logger.InfoContext(ctx, "switch not triggerable, skipping", "error", err)
		return outcomeSkipped, 0, 0
	}

	if err := s.switches.Update(ctx, sw); err != nil {
		switch {
		case types.IsConflict(err):
			logger.InfoContext(ctx, "switch modified concurrently, skipping")
			return outcomeConflict, 0, 0
		case types.IsNotFound(err):
			logger.InfoContext(ctx, "switch deleted before trigger, skipping")
			return outcomeSkipped, 0, 0
		default:
			logger.ErrorContext(ctx, "failed to persist trigger", "error", err)
			return outcomeFailed, 0, 0
		}
	}

	logger.InfoContext(ctx, "switch triggered", "triggered_at", now.Format(time.RFC3339))

	msgs, err := s.messages.FindBySwitchID(ctx, sw.ID)
	if err != nil {
		// The switch is TRIGGERED but nothing is queued; redrive picks its
		// messages up once they are old enough.
		logger.ErrorContext(ctx, "failed to load messages of triggered switch", "error", err)
		return outcomeTriggered, 0, 1
	}

	pending := lo.Reject(msgs, func(m *types.Message, _ int) bool { return m.IsSent })

	enqueued, failed := 0, 0
	for _, m := range pending {
		if _, err := s.queue.Enqueue(ctx, s.cfg.QueueName, types.NewDispatchJob(m)); err != nil {
			logger.ErrorContext(ctx, "failed to enqueue dispatch job",
				"message_id", m.ID,
				"idempotency_key", m.IdempotencyKey,
				"error", err,
			)
			failed++
			continue
		}
		enqueued++
	}
	return outcomeTriggered, enqueued, failed
}
