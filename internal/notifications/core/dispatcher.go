package core

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"deadswitch/internal/types"
)

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	// MaxDeliveryAttempts freezes a message as terminally failed. The queue's
	// own attempt limit must be higher so this state is always recorded.
	MaxDeliveryAttempts int
	// PersistRetries bounds the retries of a bookkeeping write after a
	// transient database error or a version conflict.
	PersistRetries   uint64
	PersistRetryBase time.Duration
	// PersistTimeout bounds the bookkeeping after a send. It runs detached
	// from the job's context, which may already have expired.
	PersistTimeout time.Duration
	// ClaimLease is how long a claimed message is left to the delivery that
	// claimed it. It must exceed the job timeout plus PersistTimeout.
	ClaimLease time.Duration
}

// Dispatcher delivers the message behind a DispatchJob. It is safe to call
// with the same job any number of times: the persisted message, not the
// payload, decides what happens.
type Dispatcher struct {
	messages  MessageStore
	transport Transport
	metrics   DispatchMetrics
	clock     types.Clock
	cfg       DispatcherConfig
	logger    types.Logger
}

// NewDispatcher creates a Dispatcher. metrics and clock may be nil.
func NewDispatcher(messages MessageStore, transport Transport, metrics DispatchMetrics, clock types.Clock, cfg DispatcherConfig, logger types.Logger) *Dispatcher {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = 5
	}
	if cfg.PersistRetries == 0 {
		cfg.PersistRetries = 3
	}
	if cfg.PersistRetryBase <= 0 {
		cfg.PersistRetryBase = 50 * time.Millisecond
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 2 * time.Minute
	}
	return &Dispatcher{
		messages:  messages,
		transport: transport,
		metrics:   metrics,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Dispatch processes one job. A nil return means the job is finished and must
// not be retried: delivered, already delivered, dropped, or terminally
// failed. A non-nil return asks the queue to retry with backoff.
func (d *Dispatcher) Dispatch(ctx context.Context, job types.DispatchJob) error {
	logger := d.logger.With(
		"message_id", job.MessageID,
		"switch_id", job.SwitchID,
		"idempotency_key", job.IdempotencyKey,
		"attempt", job.Attempt,
	)
	if trace := types.GetTraceID(ctx); trace != "" {
		logger = logger.With("trace_id", trace)
	}

	if !job.EnqueuedAt.IsZero() {
		d.metrics.RecordQueueLag(ctx, d.clock.Now().Sub(job.EnqueuedAt))
	}

	msg, err := d.messages.GetByID(ctx, job.MessageID)
	if err != nil {
		if types.IsNotFound(err) {
			logger.Warn("message not found, dropping job")
			d.metrics.RecordDelivery(ctx, MetricDropped)
			return nil
		}
		return fmt.Errorf("loading message %s: %w", job.MessageID, err)
	}

	// Only the delivery that wins this write may call the transport.
	claimedAt := d.clock.Now()
	claimed, err := d.persist(ctx, msg, func(m *types.Message) bool {
		if m.IsSent || failedPermanently(m) || m.DeliveryAttempts >= d.cfg.MaxDeliveryAttempts || d.inFlight(m, claimedAt) {
			return false
		}
		at := claimedAt
		m.LastAttemptAt = &at
		m.FailureReason = nil
		return true
	})
	if err != nil {
		if types.IsNotFound(err) {
			logger.Warn("message deleted before delivery, dropping job")
			d.metrics.RecordDelivery(ctx, MetricDropped)
			return nil
		}
		return fmt.Errorf("claiming message %s: %w", job.MessageID, err)
	}
	if !claimed {
		return d.skip(ctx, msg, logger)
	}

	env := types.Envelope{
		To:             msg.RecipientEmail,
		ToName:         msg.RecipientName,
		Subject:        msg.Subject,
		ContentRef:     msg.ContentRef,
		IdempotencyKey: msg.IdempotencyKey,
		SwitchID:       msg.SwitchID,
	}

	start := d.clock.Now()
	providerID, sendErr := d.transport.Send(ctx, env)
	d.metrics.RecordLatency(ctx, d.clock.Now().Sub(start))

	// A send that ran into the job deadline still has to be recorded.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.PersistTimeout)
	defer cancel()

	if sendErr == nil {
		return d.recordSent(pctx, msg, providerID, logger)
	}
	return d.recordFailure(pctx, msg, sendErr, logger)
}

// skip handles a message the job could not claim.
func (d *Dispatcher) skip(ctx context.Context, msg *types.Message, logger types.Logger) error {
	switch {
	case msg.IsSent:
		logger.Info("message already sent, skipping duplicate job")
		d.metrics.RecordDelivery(ctx, MetricDuplicate)
		return nil
	case failedPermanently(msg):
		logger.Warn("message failed permanently, dropping job",
			"delivery_attempts", msg.DeliveryAttempts,
		)
		d.metrics.RecordDelivery(ctx, MetricDropped)
		return nil
	case msg.DeliveryAttempts >= d.cfg.MaxDeliveryAttempts:
		return d.markTerminal(ctx, msg, logger)
	default:
		logger.Info("message claimed by another delivery, retrying later",
			"claimed_at", msg.LastAttemptAt.Format(time.RFC3339),
		)
		d.metrics.RecordDelivery(ctx, MetricRetry)
		return types.NewAppError(types.ErrCodeConflictConcurrent, "message delivery in progress", nil)
	}
}

// inFlight reports whether another delivery holds an unexpired claim on m.
// A claim clears FailureReason and every recorded outcome sets it.
func (d *Dispatcher) inFlight(m *types.Message, now time.Time) bool {
	return m.LastAttemptAt != nil && m.FailureReason == nil && now.Before(m.LastAttemptAt.Add(d.cfg.ClaimLease))
}

func (d *Dispatcher) markTerminal(ctx context.Context, msg *types.Message, logger types.Logger) error {
	_, err := d.persist(ctx, msg, func(m *types.Message) bool {
		if m.IsSent || failedPermanently(m) || (m.FailureReason != nil && *m.FailureReason == TerminalReasonMaxAttempts) {
			return false
		}
		reason := TerminalReasonMaxAttempts
		m.FailureReason = &reason
		return true
	})
	if err != nil {
		return fmt.Errorf("recording terminal failure of %s: %w", msg.ID, err)
	}
	logger.Error("message exhausted delivery attempts",
		"delivery_attempts", msg.DeliveryAttempts,
		"recipient", RedactEmail(msg.RecipientEmail),
	)
	d.metrics.RecordDelivery(ctx, MetricTerminal)
	return nil
}

// recordSent marks the message sent. The send already happened, so a write
// failure here is never answered with another send.
func (d *Dispatcher) recordSent(ctx context.Context, msg *types.Message, providerID string, logger types.Logger) error {
	sentAt := d.clock.Now()
	written, err := d.persist(ctx, msg, func(m *types.Message) bool {
		if m.IsSent {
			return false
		}
		at := sentAt
		m.IsSent = true
		m.SentAt = &at
		return true
	})
	if err != nil {
		logger.Error("CRITICAL: message delivered but not marked sent",
			"provider_message_id", providerID,
			"recipient", RedactEmail(msg.RecipientEmail),
			"error", err.Error(),
		)
		d.metrics.RecordInconsistency(ctx)
		d.metrics.RecordDelivery(ctx, MetricInconsistent)
		return nil
	}
	if !written {
		logger.Warn("message was marked sent by a concurrent delivery",
			"provider_message_id", providerID,
		)
		d.metrics.RecordDelivery(ctx, MetricDuplicate)
		return nil
	}

	logger.Info("message delivered",
		"provider_message_id", providerID,
		"recipient", RedactEmail(msg.RecipientEmail),
		"delivery_attempts", msg.DeliveryAttempts,
	)
	d.metrics.RecordDelivery(ctx, MetricSent)
	return nil
}

func (d *Dispatcher) recordFailure(ctx context.Context, msg *types.Message, sendErr error, logger types.Logger) error {
	permanent := IsPermanentFailure(sendErr)
	reason := truncate(sendErr.Error(), 512)
	if permanent {
		reason = permanentReasonPrefix + reason
	}
	attemptAt := d.clock.Now()

	terminal := false
	written, err := d.persist(ctx, msg, func(m *types.Message) bool {
		if m.IsSent || m.DeliveryAttempts >= d.cfg.MaxDeliveryAttempts {
			return false
		}
		at := attemptAt
		m.DeliveryAttempts++
		m.LastAttemptAt = &at
		r := reason
		terminal = permanent || m.DeliveryAttempts >= d.cfg.MaxDeliveryAttempts
		if terminal && !permanent {
			r = TerminalReasonMaxAttempts
		}
		m.FailureReason = &r
		return true
	})
	if err != nil {
		logger.Error("failed to record delivery failure",
			"send_error", sendErr.Error(),
			"error", err.Error(),
		)
		return fmt.Errorf("recording delivery failure of %s: %w", msg.ID, err)
	}
	if !written {
		// A concurrent delivery finished the message first.
		return nil
	}

	if terminal {
		logger.Error("message delivery failed terminally",
			"delivery_attempts", msg.DeliveryAttempts,
			"permanent", permanent,
			"recipient", RedactEmail(msg.RecipientEmail),
			"error", sendErr.Error(),
		)
		d.metrics.RecordDelivery(ctx, MetricTerminal)
		return nil
	}

	logger.Warn("message delivery failed, will retry",
		"delivery_attempts", msg.DeliveryAttempts,
		"max_attempts", d.cfg.MaxDeliveryAttempts,
		"error", sendErr.Error(),
	)
	d.metrics.RecordDelivery(ctx, MetricRetry)
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, "delivery failed", sendErr)
}

// persist writes apply(msg) with compare-and-swap. apply runs against a fresh
// copy on every try, and against a re-read message after a version conflict;
// returning false means there is nothing to write. On success msg holds the
// persisted state. written is false when apply declined.
func (d *Dispatcher) persist(ctx context.Context, msg *types.Message, apply func(*types.Message) bool) (written bool, err error) {
	base := *msg
	b := retry.WithMaxRetries(d.cfg.PersistRetries, retry.NewExponential(d.cfg.PersistRetryBase))

	err = retry.Do(ctx, b, func(ctx context.Context) error {
		next := base
		if !apply(&next) {
			*msg = next
			written = false
			return nil
		}

		updateErr := d.messages.Update(ctx, &next)
		switch {
		case updateErr == nil:
			*msg = next
			written = true
			return nil
		case types.IsNotFound(updateErr):
			return updateErr
		case types.IsConflict(updateErr):
			fresh, getErr := d.messages.GetByID(ctx, msg.ID)
			if getErr != nil {
				if types.IsNotFound(getErr) {
					return getErr
				}
				return retry.RetryableError(getErr)
			}
			base = *fresh
			return retry.RetryableError(updateErr)
		default:
			return retry.RetryableError(updateErr)
		}
	})
	return written, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
