package lifecycle

import (
	"fmt"
	"time"

	"deadswitch/internal/types"
)

// RecordCheckIn applies a check-in made at `at` to sw: LastCheckIn moves to
// at and NextCheckInDue is recomputed from the interval.
//
// Check-ins are accepted for ACTIVE and PAUSED switches. A TRIGGERED switch
// stays triggered; INACTIVE and soft-deleted switches are rejected too.
func RecordCheckIn(sw *types.Switch, at time.Time) error {
	if sw.IsDeleted() {
		return types.NewAppError(types.ErrCodeNotFoundSwitch,
			fmt.Sprintf("switch %s not found", sw.ID), nil)
	}
	if sw.Status != types.SwitchStatusActive && sw.Status != types.SwitchStatusPaused {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictSwitchNotActive,
			"switch no longer accepts check-ins", nil,
			map[string]any{"switch_id": sw.ID, "status": string(sw.Status)})
	}
	if err := sw.Validate(); err != nil {
		return err
	}

	at = at.UTC()
	next := ComputeNextDue(at, sw.CheckInIntervalDays)
	sw.LastCheckIn = &at
	sw.NextCheckInDue = &next
	return nil
}

// Trigger moves an eligible switch to TRIGGERED and stamps TriggeredAt.
// TriggeredAt is set exactly once; a switch that already carries it is
// rejected even if its status was changed by hand.
func Trigger(sw *types.Switch, at time.Time) error {
	if sw.TriggeredAt != nil || sw.Status == types.SwitchStatusTriggered {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictSwitchNotActive,
			"switch already triggered", nil,
			map[string]any{"switch_id": sw.ID})
	}
	if !sw.IsSweepEligible() {
		return types.NewAppErrorWithDetails(types.ErrCodeConflictSwitchNotActive,
			"switch is not eligible for triggering", nil,
			map[string]any{"switch_id": sw.ID, "status": string(sw.Status), "is_active": sw.IsActive})
	}

	at = at.UTC()
	sw.Status = types.SwitchStatusTriggered
	sw.TriggeredAt = &at
	return nil
}

// IsOverdue combines eligibility with ShouldTrigger. The sweep uses it to
// re-validate rows returned by the repository query.
func IsOverdue(sw *types.Switch, now time.Time) bool {
	if !sw.IsSweepEligible() {
		return false
	}
	return ShouldTrigger(*sw.NextCheckInDue, sw.GracePeriodDays, now)
}

// IsRemindable combines eligibility with IsApproachingDue.
func IsRemindable(sw *types.Switch, thresholdHours int, now time.Time) bool {
	if !sw.IsSweepEligible() {
		return false
	}
	return IsApproachingDue(*sw.NextCheckInDue, thresholdHours, now)
}
