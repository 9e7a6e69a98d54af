// Package core is the delivery side of the engine. The Dispatcher turns a
// DispatchJob into at most one "marked sent" message and records failures
// on the message itself; the queue substrate owns retries and backoff.
package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"deadswitch/internal/types"
)

// TerminalReasonMaxAttempts is the failure reason recorded on a message that
// used up its delivery attempts.
const TerminalReasonMaxAttempts = "max delivery attempts exceeded"

// permanentReasonPrefix marks a failure the transport will never recover from.
const permanentReasonPrefix = "permanent: "

// MessageStore is the message persistence the dispatcher needs.
type MessageStore interface {
	GetByID(ctx context.Context, id string) (*types.Message, error)
	// Update is compare-and-swap on Version and bumps it on success.
	Update(ctx context.Context, m *types.Message) error
}

// Transport delivers a triggered message and returns the provider's ID.
type Transport interface {
	Send(ctx context.Context, env types.Envelope) (string, error)
}

// MetricResult categorizes a dispatch outcome for metrics reporting.
type MetricResult string

const (
	MetricSent         MetricResult = "sent"
	MetricDuplicate    MetricResult = "duplicate"
	MetricDropped      MetricResult = "dropped"
	MetricTerminal     MetricResult = "terminal"
	MetricRetry        MetricResult = "retry"
	MetricInconsistent MetricResult = "inconsistent"
)

// DispatchMetrics abstracts CloudWatch for the dispatcher. Implementations
// log publish failures and never return them.
type DispatchMetrics interface {
	RecordDelivery(ctx context.Context, result MetricResult)
	RecordLatency(ctx context.Context, d time.Duration)
	RecordQueueLag(ctx context.Context, lag time.Duration)
	RecordInconsistency(ctx context.Context)
}

func failedPermanently(m *types.Message) bool {
	return m.FailureReason != nil && strings.HasPrefix(*m.FailureReason, permanentReasonPrefix)
}

// IsPermanentFailure reports whether a transport error can never succeed on
// retry: the recipient is blocked, or the request itself is invalid.
func IsPermanentFailure(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == types.ErrCodeEmailBlocked ||
		strings.HasPrefix(string(appErr.Code), "validation_")
}
