package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"deadswitch/internal/types"
)

// SwitchRepository provides data access for the switches table.
type SwitchRepository struct {
	db DBTX
}

// NewSwitchRepository creates a new SwitchRepository backed by the given
// database connection (pool or transaction).
func NewSwitchRepository(db DBTX) *SwitchRepository {
	return &SwitchRepository{db: db}
}

const switchColumns = `id, user_id, name, check_in_interval_days, grace_period_days, is_active,
	last_check_in, next_check_in_due, triggered_at, status, version,
	deleted_at, created_at, updated_at`

const switchExistsSQL = `SELECT EXISTS (SELECT 1 FROM switches WHERE id = $1 AND deleted_at IS NULL)`

// scanSwitch scans one row in switchColumns order. pgx.Rows satisfies pgx.Row,
// so the same function serves QueryRow and Query.
func scanSwitch(row pgx.Row) (*types.Switch, error) {
	var s types.Switch
	var name *string
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&name,
		&s.CheckInIntervalDays,
		&s.GracePeriodDays,
		&s.IsActive,
		&s.LastCheckIn,
		&s.NextCheckInDue,
		&s.TriggeredAt,
		&s.Status,
		&s.Version,
		&s.DeletedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if !s.Status.IsValid() {
		return nil, fmt.Errorf("switch %s has unknown status %q", s.ID, s.Status)
	}
	s.Name = derefString(name)
	return &s, nil
}

func (r *SwitchRepository) querySwitches(ctx context.Context, sql string, args ...any) ([]*types.Switch, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query switches", err)
	}
	defer rows.Close()

	var result []*types.Switch
	for rows.Next() {
		s, err := scanSwitch(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan switch", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating switches", err)
	}
	return result, nil
}

// FindReadyToTrigger returns sweep-eligible switches whose grace period ended
// strictly before now, oldest due date first. The caller re-validates each
// row before acting on it.
func (r *SwitchRepository) FindReadyToTrigger(ctx context.Context, now time.Time, limit int) ([]*types.Switch, error) {
	return r.querySwitches(ctx,
		`SELECT `+switchColumns+`
		 FROM switches
		 WHERE status = 'ACTIVE'
		   AND is_active
		   AND deleted_at IS NULL
		   AND next_check_in_due IS NOT NULL
		   AND next_check_in_due + make_interval(days => grace_period_days) < $1
		 ORDER BY next_check_in_due ASC
		 LIMIT $2`,
		now,
		limit,
	)
}

// FindApproachingDue returns sweep-eligible switches with
// now < next_check_in_due <= now + thresholdHours.
func (r *SwitchRepository) FindApproachingDue(ctx context.Context, now time.Time, thresholdHours int, limit int) ([]*types.Switch, error) {
	windowEnd := now.Add(time.Duration(thresholdHours) * time.Hour)
	return r.querySwitches(ctx,
		`SELECT `+switchColumns+`
		 FROM switches
		 WHERE status = 'ACTIVE'
		   AND is_active
		   AND deleted_at IS NULL
		   AND next_check_in_due > $1
		   AND next_check_in_due <= $2
		 ORDER BY next_check_in_due ASC
		 LIMIT $3`,
		now,
		windowEnd,
		limit,
	)
}

// GetByID returns a live switch. Soft-deleted rows are reported as not found.
func (r *SwitchRepository) GetByID(ctx context.Context, id string) (*types.Switch, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+switchColumns+`
		 FROM switches
		 WHERE id = $1 AND deleted_at IS NULL`,
		id,
	)
	s, err := scanSwitch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSwitch, "switch not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve switch", err)
	}
	return s, nil
}

// Update persists the mutable fields of sw if its version still matches the
// stored row. On success sw.Version and sw.UpdatedAt reflect the new row.
func (r *SwitchRepository) Update(ctx context.Context, sw *types.Switch) error {
	var (
		newVersion int64
		updatedAt  time.Time
	)
	err := r.db.QueryRow(ctx,
		`UPDATE switches
		 SET name = $3,
		     check_in_interval_days = $4,
		     grace_period_days = $5,
		     is_active = $6,
		     last_check_in = $7,
		     next_check_in_due = $8,
		     triggered_at = $9,
		     status = $10,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $1 AND version = $2 AND deleted_at IS NULL
		 RETURNING version, updated_at`,
		sw.ID,
		sw.Version,
		nilIfEmpty(sw.Name),
		sw.CheckInIntervalDays,
		sw.GracePeriodDays,
		sw.IsActive,
		sw.LastCheckIn,
		sw.NextCheckInDue,
		sw.TriggeredAt,
		string(sw.Status),
	).Scan(&newVersion, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return resolveCASMiss(ctx, r.db, switchExistsSQL, sw.ID, types.ErrCodeNotFoundSwitch, "switch")
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update switch", err)
	}

	sw.Version = newVersion
	sw.UpdatedAt = updatedAt
	return nil
}
