package db

import (
	"strings"
	"time"

	"deadswitch/internal/types"
)

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToUpper(s), strings.ToUpper(sub))
}

func ptrTime(t time.Time) *time.Time { return &t }

func ptrString(s string) *string { return &s }

// switchRow returns column values in switchColumns order.
func switchRow(s *types.Switch) []any {
	return []any{
		s.ID, s.UserID, nilIfEmpty(s.Name), s.CheckInIntervalDays, s.GracePeriodDays, s.IsActive,
		s.LastCheckIn, s.NextCheckInDue, s.TriggeredAt, s.Status, s.Version,
		s.DeletedAt, s.CreatedAt, s.UpdatedAt,
	}
}

// messageRow returns column values in messageColumns order.
func messageRow(m *types.Message) []any {
	return []any{
		m.ID, m.SwitchID, m.RecipientEmail, nilIfEmpty(m.RecipientName), m.Subject, m.ContentRef,
		m.IsSent, m.SentAt, m.DeliveryAttempts, m.LastAttemptAt, m.FailureReason,
		m.IdempotencyKey, m.Version, m.CreatedAt, m.UpdatedAt,
	}
}
