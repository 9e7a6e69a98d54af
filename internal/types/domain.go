package types

import "time"

// SwitchStatus is the lifecycle state of a Switch.
type SwitchStatus string

const (
	SwitchStatusActive    SwitchStatus = "ACTIVE"
	SwitchStatusPaused    SwitchStatus = "PAUSED"
	SwitchStatusTriggered SwitchStatus = "TRIGGERED"
	SwitchStatusInactive  SwitchStatus = "INACTIVE"
)

// IsValid reports whether s is one of the known statuses.
func (s SwitchStatus) IsValid() bool {
	switch s {
	case SwitchStatusActive, SwitchStatusPaused, SwitchStatusTriggered, SwitchStatusInactive:
		return true
	}
	return false
}

// Switch is a dead man's switch configuration and its current lifecycle state.
//
// While Status is ACTIVE and the switch is not soft-deleted,
// NextCheckInDue == LastCheckIn + CheckInIntervalDays. Once TRIGGERED,
// TriggeredAt is set and never changes.
type Switch struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`
	Name   string `json:"name"`

	CheckInIntervalDays int  `json:"check_in_interval_days"`
	GracePeriodDays     int  `json:"grace_period_days"`
	IsActive            bool `json:"is_active"`

	LastCheckIn    *time.Time `json:"last_check_in,omitempty"`
	NextCheckInDue *time.Time `json:"next_check_in_due,omitempty"`
	TriggeredAt    *time.Time `json:"triggered_at,omitempty"`

	Status  SwitchStatus `json:"status"`
	Version int64        `json:"version"`

	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks the timing configuration of the switch.
func (s *Switch) Validate() error {
	if s.CheckInIntervalDays < 1 {
		return NewAppErrorWithDetails(ErrCodeValidationInterval,
			"check-in interval must be at least 1 day", nil,
			map[string]any{"check_in_interval_days": s.CheckInIntervalDays})
	}
	if s.GracePeriodDays < 1 {
		return NewAppErrorWithDetails(ErrCodeValidationGracePeriod,
			"grace period must be at least 1 day", nil,
			map[string]any{"grace_period_days": s.GracePeriodDays})
	}
	return nil
}

// IsDeleted reports whether the switch has been soft-deleted.
func (s *Switch) IsDeleted() bool {
	return s.DeletedAt != nil
}

// IsSweepEligible reports whether the switch takes part in the trigger and
// reminder sweeps: ACTIVE, flagged active, not soft-deleted, with a due date.
func (s *Switch) IsSweepEligible() bool {
	return s.Status == SwitchStatusActive &&
		s.IsActive &&
		!s.IsDeleted() &&
		s.NextCheckInDue != nil
}

// CheckIn is an append-only proof-of-life record.
type CheckIn struct {
	ID        string    `json:"id"`
	SwitchID  string    `json:"switch_id"`
	Timestamp time.Time `json:"timestamp"`
	IPAddress *string   `json:"ip_address,omitempty"`
	UserAgent *string   `json:"user_agent,omitempty"`
	Location  *string   `json:"location,omitempty"`
	Notes     *string   `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a pre-configured delivery record released when its switch triggers.
//
// Once IsSent is true no further delivery attempts are made. DeliveryAttempts
// only increases and freezes at the configured maximum.
type Message struct {
	ID             string `json:"id"`
	SwitchID       string `json:"switch_id"`
	RecipientEmail string `json:"recipient_email"`
	RecipientName  string `json:"recipient_name,omitempty"`
	Subject        string `json:"subject"`
	// ContentRef points at the stored (encrypted) body. It is opaque here.
	ContentRef string `json:"content_ref"`

	IsSent           bool       `json:"is_sent"`
	SentAt           *time.Time `json:"sent_at,omitempty"`
	DeliveryAttempts int        `json:"delivery_attempts"`
	LastAttemptAt    *time.Time `json:"last_attempt_at,omitempty"`
	FailureReason    *string    `json:"failure_reason,omitempty"`
	IdempotencyKey   string     `json:"idempotency_key"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserContact is the subset of a user record needed to reach the switch owner.
type UserContact struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}
