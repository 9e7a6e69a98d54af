package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"deadswitch/internal/types"
)

// RedriveConfig tunes a RedriveService.
type RedriveConfig struct {
	// After is how long a triggered switch's message may sit unattempted
	// before it is considered stranded.
	After      time.Duration
	BatchLimit int
	QueueName  string
}

// RedriveService re-queues delivery jobs whose enqueue after a trigger was
// lost. A redriven message is stamped and left alone for another After, and
// the dispatcher's claim keeps a job that was merely slow from sending twice.
type RedriveService struct {
	messages StrandedMessageFinder
	queue    JobEnqueuer
	metrics  BatchMetrics
	cfg      RedriveConfig
	logger   *slog.Logger
}

// NewRedriveService creates a RedriveService. metrics may be nil.
func NewRedriveService(messages StrandedMessageFinder, queue JobEnqueuer, metrics BatchMetrics, cfg RedriveConfig, logger *slog.Logger) *RedriveService {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopBatchMetrics{}
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	if cfg.After <= 0 {
		cfg.After = time.Hour
	}
	return &RedriveService{
		messages: messages,
		queue:    queue,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run re-queues messages stranded before now minus the configured age.
func (r *RedriveService) Run(ctx context.Context, now time.Time) (RedriveResult, error) {
	var result RedriveResult
	cutoff := now.Add(-r.cfg.After)

	stranded, err := r.messages.FindStranded(ctx, cutoff, r.cfg.BatchLimit)
	if err != nil {
		return result, fmt.Errorf("finding stranded messages: %w", err)
	}
	result.Candidates = len(stranded)
	if len(stranded) == 0 {
		return result, nil
	}

	jobs := lo.Map(stranded, func(m *types.Message, _ int) types.DispatchJob {
		return types.NewDispatchJob(m)
	})
	for _, job := range jobs {
		if _, err := r.queue.Enqueue(ctx, r.cfg.QueueName, job); err != nil {
			r.logger.ErrorContext(ctx, "failed to redrive dispatch job",
				"message_id", job.MessageID,
				"switch_id", job.SwitchID,
				"error", err,
			)
			result.Failed++
			continue
		}
		result.Enqueued++
		if err := r.messages.MarkRedriven(ctx, job.MessageID, now); err != nil {
			r.logger.WarnContext(ctx, "failed to stamp redriven message",
				"message_id", job.MessageID,
				"error", err,
			)
		}
	}

	r.metrics.RecordJobsEnqueued(ctx, string(TaskRedriveStranded), result.Enqueued)
	if result.Failed > 0 {
		r.metrics.RecordBatchFailures(ctx, string(TaskRedriveStranded), result.Failed)
	}

	r.logger.WarnContext(ctx, "redrove stranded messages",
		"cutoff", cutoff.Format(time.RFC3339),
		"candidates", result.Candidates,
		"enqueued", result.Enqueued,
		"failed", result.Failed,
		"switches", len(lo.Uniq(lo.Map(jobs, func(j types.DispatchJob, _ int) string { return j.SwitchID }))),
	)
	return result, nil
}
