// Package checkin records owner check-ins. A check-in pushes the switch's due
// date forward and clears the reminder dedup key so the next cycle can warn
// the owner again.
package checkin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"deadswitch/internal/cache"
	"deadswitch/internal/lifecycle"
	"deadswitch/internal/types"
)

// DefaultListLimit caps List when the caller passes no limit.
const DefaultListLimit = 50

// MaxListLimit is the upper bound accepted by List.
const MaxListLimit = 200

type SwitchReader interface {
	GetByID(ctx context.Context, id string) (*types.Switch, error)
}

// Recorder persists a check-in and the switch it moved in one transaction.
type Recorder interface {
	Record(ctx context.Context, c *types.CheckIn, sw *types.Switch) error
}

type Lister interface {
	ListBySwitch(ctx context.Context, switchID string, limit int) ([]*types.CheckIn, error)
}

type ReminderCache interface {
	Delete(ctx context.Context, key string) error
}

// Input is a check-in request. UserID is the authenticated caller.
type Input struct {
	SwitchID  string
	UserID    string
	IPAddress string
	UserAgent string
	Location  string
	Notes     string
}

// Service implements the check-in use case.
type Service struct {
	switches SwitchReader
	recorder Recorder
	history  Lister
	cache    ReminderCache
	clock    types.Clock
	logger   *slog.Logger
}

// NewService creates a Service. reminders may be nil when no reminder cache is
// deployed.
func NewService(switches SwitchReader, recorder Recorder, history Lister, reminders ReminderCache, clock types.Clock, logger *slog.Logger) *Service {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		switches: switches,
		recorder: recorder,
		history:  history,
		cache:    reminders,
		clock:    clock,
		logger:   logger,
	}
}

// CheckIn records a check-in by the switch owner and returns it together
// with the updated switch. A concurrent change to the switch surfaces as a
// conflict_concurrent_modification error; the caller may simply retry.
func (s *Service) CheckIn(ctx context.Context, in Input) (*types.CheckIn, *types.Switch, error) {
	sw, err := s.load(ctx, in.SwitchID, in.UserID)
	if err != nil {
		return nil, nil, err
	}

	now := s.clock.Now().UTC()
	if err := lifecycle.RecordCheckIn(sw, now); err != nil {
		return nil, nil, err
	}

	c := &types.CheckIn{
		ID:        uuid.NewString(),
		SwitchID:  sw.ID,
		Timestamp: now,
		IPAddress: optional(in.IPAddress),
		UserAgent: optional(in.UserAgent),
		Location:  optional(in.Location),
		Notes:     optional(in.Notes),
	}
	if err := s.recorder.Record(ctx, c, sw); err != nil {
		return nil, nil, err
	}

	logger := s.logger.With("switch_id", sw.ID, "user_id", sw.UserID)
	if s.cache != nil {
		if err := s.cache.Delete(ctx, cache.ReminderSentKey(sw.ID)); err != nil {
			// The stale key only suppresses one reminder until it expires.
			logger.WarnContext(ctx, "failed to clear reminder key", "error", err)
		}
	}

	logger.InfoContext(ctx, "check-in recorded",
		"check_in_id", c.ID,
		"next_check_in_due", sw.NextCheckInDue.Format(time.RFC3339),
	)
	return c, sw, nil
}

// List returns the switch's most recent check-ins, newest first.
func (s *Service) List(ctx context.Context, switchID, userID string, limit int) ([]*types.CheckIn, error) {
	if _, err := s.load(ctx, switchID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)

	out, err := s.history.ListBySwitch(ctx, switchID, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*types.CheckIn{}
	}
	return out, nil
}

// load fetches the switch and checks that userID owns it. Soft-deleted
// switches read as not found.
func (s *Service) load(ctx context.Context, switchID, userID string) (*types.Switch, error) {
	sw, err := s.switches.GetByID(ctx, switchID)
	if err != nil {
		return nil, err
	}
	if sw.IsDeleted() {
		return nil, types.NewAppError(types.ErrCodeNotFoundSwitch,
			fmt.Sprintf("switch %s not found", switchID), nil)
	}
	if sw.UserID != userID {
		return nil, types.NewAppErrorWithDetails(types.ErrCodePermissionSwitchOwner,
			"switch belongs to another user", nil,
			map[string]any{"switch_id": switchID})
	}
	return sw, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
