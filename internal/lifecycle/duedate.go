// Package lifecycle holds the time arithmetic and state transitions of a
// switch. Nothing in this package performs I/O; persistence of a transition
// is the caller's job and must be compare-and-swap on Switch.Version.
package lifecycle

import "time"

// Day is the length of one interval or grace-period unit.
const Day = 24 * time.Hour

// ComputeNextDue returns lastCheckIn + intervalDays days.
func ComputeNextDue(lastCheckIn time.Time, intervalDays int) time.Time {
	return lastCheckIn.Add(time.Duration(intervalDays) * Day)
}

// TriggerDeadline is the last instant at which a switch with the given due
// date is still safe. ShouldTrigger becomes true strictly after it.
func TriggerDeadline(nextDue time.Time, gracePeriodDays int) time.Time {
	return nextDue.Add(time.Duration(gracePeriodDays) * Day)
}

// ShouldTrigger reports whether now is strictly past nextDue plus the grace
// period. The boundary instant itself does not trigger. Once true for some
// now it stays true for every later now.
func ShouldTrigger(nextDue time.Time, gracePeriodDays int, now time.Time) bool {
	return now.After(TriggerDeadline(nextDue, gracePeriodDays))
}

// IsApproachingDue reports whether nextDue lies in (now, now+thresholdHours]:
// not yet due, but inside the reminder window.
func IsApproachingDue(nextDue time.Time, thresholdHours int, now time.Time) bool {
	windowEnd := now.Add(time.Duration(thresholdHours) * time.Hour)
	return now.Before(nextDue) && !nextDue.After(windowEnd)
}

// HoursRemaining returns max(0, nextDue-now) in whole hours, rounded down.
func HoursRemaining(nextDue, now time.Time) int {
	d := nextDue.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(d / time.Hour)
}
