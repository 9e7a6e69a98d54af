package external

import (
	"context"

	"deadswitch/internal/types"
)

// Transport delivers mail on behalf of the engine. Both methods return the
// provider's message ID on acceptance.
//
// Errors carry AppError codes: email_blocked and validation_* mean the
// recipient can never be reached, everything else is worth retrying.
type Transport interface {
	Send(ctx context.Context, env types.Envelope) (string, error)
	SendReminder(ctx context.Context, notice types.ReminderNotice) (string, error)
}
