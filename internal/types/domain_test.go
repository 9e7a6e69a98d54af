package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitch_Validate(t *testing.T) {
	tests := []struct {
		name     string
		interval int
		grace    int
		wantCode ErrorCode
	}{
		{"valid", 7, 1, ""},
		{"zero interval", 0, 1, ErrCodeValidationInterval},
		{"negative grace", 7, -1, ErrCodeValidationGracePeriod},
		{"zero grace", 7, 0, ErrCodeValidationGracePeriod},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := &Switch{CheckInIntervalDays: tt.interval, GracePeriodDays: tt.grace}
			err := sw.Validate()
			if tt.wantCode == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, HasCode(err, tt.wantCode))
		})
	}
}

func TestSwitch_IsSweepEligible(t *testing.T) {
	due := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	deleted := due.Add(-time.Hour)

	base := func() *Switch {
		return &Switch{Status: SwitchStatusActive, IsActive: true, NextCheckInDue: &due}
	}

	assert.True(t, base().IsSweepEligible())

	paused := base()
	paused.Status = SwitchStatusPaused
	assert.False(t, paused.IsSweepEligible())

	killed := base()
	killed.IsActive = false
	assert.False(t, killed.IsSweepEligible())

	softDeleted := base()
	softDeleted.DeletedAt = &deleted
	assert.False(t, softDeleted.IsSweepEligible())

	neverCheckedIn := base()
	neverCheckedIn.NextCheckInDue = nil
	assert.False(t, neverCheckedIn.IsSweepEligible())
}

func TestNewDispatchJob(t *testing.T) {
	m := &Message{
		ID:             "msg_1",
		SwitchID:       "sw_1",
		RecipientEmail: "alice@example.com",
		RecipientName:  "Alice",
		Subject:        "If you are reading this",
		ContentRef:     "vault://messages/msg_1",
		IdempotencyKey: "idem_msg_1",
	}

	job := NewDispatchJob(m)

	assert.Equal(t, "msg_1", job.MessageID)
	assert.Equal(t, "sw_1", job.SwitchID)
	assert.Equal(t, "idem_msg_1", job.IdempotencyKey)
	assert.Equal(t, "alice@example.com", job.Recipient)
	assert.Equal(t, "vault://messages/msg_1", job.ContentRef)
	assert.Zero(t, job.Attempt)
}

func TestSwitchStatus_IsValid(t *testing.T) {
	for _, s := range []SwitchStatus{SwitchStatusActive, SwitchStatusPaused, SwitchStatusTriggered, SwitchStatusInactive} {
		assert.True(t, s.IsValid(), s)
	}
	assert.False(t, SwitchStatus("active").IsValid())
	assert.False(t, SwitchStatus("").IsValid())
}
