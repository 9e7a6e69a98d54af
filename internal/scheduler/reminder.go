package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"deadswitch/internal/cache"
	"deadswitch/internal/lifecycle"
	"deadswitch/internal/types"
)

// ReminderConfig tunes a ReminderDetector.
type ReminderConfig struct {
	ThresholdHours int
	BatchLimit     int
	// Cooldown is how long a sent reminder suppresses the next one for the
	// same switch. It should be at least the detector's run interval.
	Cooldown time.Duration
}

// ReminderDetector warns owners whose switch comes due within the threshold.
// Each switch is reminded at most once per cooldown.
type ReminderDetector struct {
	switches ApproachingDueFinder
	contacts ContactLookup
	cache    ReminderCache
	sender   ReminderSender
	metrics  BatchMetrics
	cfg      ReminderConfig
	logger   *slog.Logger
}

// NewReminderDetector creates a ReminderDetector. metrics may be nil.
func NewReminderDetector(switches ApproachingDueFinder, contacts ContactLookup, cache ReminderCache, sender ReminderSender, metrics BatchMetrics, cfg ReminderConfig, logger *slog.Logger) *ReminderDetector {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopBatchMetrics{}
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 500
	}
	return &ReminderDetector{
		switches: switches,
		contacts: contacts,
		cache:    cache,
		sender:   sender,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger,
	}
}

type reminderOutcome int

const (
	reminderSent reminderOutcome = iota
	reminderDeduplicated
	reminderFailed
)

// Run executes one reminder pass at now.
func (d *ReminderDetector) Run(ctx context.Context, now time.Time) (ReminderResult, error) {
	var result ReminderResult

	candidates, err := d.switches.FindApproachingDue(ctx, now, d.cfg.ThresholdHours, d.cfg.BatchLimit)
	if err != nil {
		return result, fmt.Errorf("finding switches approaching due: %w", err)
	}

	due := lo.Filter(candidates, func(sw *types.Switch, _ int) bool {
		return lifecycle.IsRemindable(sw, d.cfg.ThresholdHours, now)
	})
	result.Candidates = len(due)

	for _, sw := range due {
		switch d.remindOne(ctx, sw, now) {
		case reminderSent:
			result.Sent++
		case reminderDeduplicated:
			result.Deduplicated++
		case reminderFailed:
			result.Failed++
		}
	}

	d.metrics.RecordRemindersSent(ctx, result.Sent)
	if result.Failed > 0 {
		d.metrics.RecordBatchFailures(ctx, string(TaskDetectReminders), result.Failed)
	}

	d.logger.InfoContext(ctx, "reminder pass complete",
		"candidates", result.Candidates,
		"sent", result.Sent,
		"deduplicated", result.Deduplicated,
		"failed", result.Failed,
	)
	return result, nil
}

func (d *ReminderDetector) remindOne(ctx context.Context, sw *types.Switch, now time.Time) reminderOutcome {
	logger := d.logger.With("switch_id", sw.ID, "user_id", sw.UserID)
	key := cache.ReminderSentKey(sw.ID)

	// Without a working dedup check a reminder could go out every cycle.
	seen, err := d.cache.Get(ctx, key)
	if err != nil {
		logger.WarnContext(ctx, "reminder dedup check failed, skipping switch", "error", err)
		return reminderFailed
	}
	if seen {
		return reminderDeduplicated
	}

	contact, err := d.contacts.GetContact(ctx, sw.UserID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to resolve switch owner", "error", err)
		return reminderFailed
	}

	notice := types.ReminderNotice{
		To:             contact.Email,
		ToName:         contact.Name,
		SwitchID:       sw.ID,
		SwitchName:     sw.Name,
		HoursRemaining: lifecycle.HoursRemaining(*sw.NextCheckInDue, now),
		DueAt:          *sw.NextCheckInDue,
	}
	providerID, err := d.sender.SendReminder(ctx, notice)
	if err != nil {
		logger.ErrorContext(ctx, "failed to send reminder", "error", err)
		return reminderFailed
	}

	if err := d.cache.Set(ctx, key, d.cfg.Cooldown); err != nil {
		// Sent but not recorded: the owner may get a second reminder.
		logger.WarnContext(ctx, "failed to record reminder", "error", err)
	}

	logger.InfoContext(ctx, "reminder sent",
		"hours_remaining", notice.HoursRemaining,
		"provider_message_id", providerID,
	)
	return reminderSent
}
