package external

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"deadswitch/internal/types"
)

// StubTransport logs instead of sending. It is selected in local mode or when
// no API key is configured.
type StubTransport struct {
	logger *slog.Logger
	seq    atomic.Int64
}

// NewStubTransport creates a StubTransport.
func NewStubTransport(logger *slog.Logger) *StubTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubTransport{logger: logger}
}

func (s *StubTransport) Send(ctx context.Context, env types.Envelope) (string, error) {
	id := fmt.Sprintf("stub_%s_%d", env.IdempotencyKey, s.seq.Add(1))
	s.logger.InfoContext(ctx, "stub: notification send",
		"switch_id", env.SwitchID,
		"idempotency_key", env.IdempotencyKey,
		"subject", env.Subject,
		"provider_message_id", id,
	)
	return id, nil
}

func (s *StubTransport) SendReminder(ctx context.Context, notice types.ReminderNotice) (string, error) {
	id := fmt.Sprintf("stub_reminder_%s_%d", notice.SwitchID, s.seq.Add(1))
	s.logger.InfoContext(ctx, "stub: reminder send",
		"switch_id", notice.SwitchID,
		"hours_remaining", notice.HoursRemaining,
		"provider_message_id", id,
	)
	return id, nil
}

var _ Transport = (*StubTransport)(nil)
