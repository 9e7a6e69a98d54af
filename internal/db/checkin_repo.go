package db

import (
	"context"

	"deadswitch/internal/types"
)

// CheckInRepository provides append-only access to the check_ins table.
type CheckInRepository struct {
	db DBTX
}

// NewCheckInRepository creates a new CheckInRepository.
func NewCheckInRepository(db DBTX) *CheckInRepository {
	return &CheckInRepository{db: db}
}

// Create inserts c and fills CreatedAt from the database.
func (r *CheckInRepository) Create(ctx context.Context, c *types.CheckIn) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO check_ins (id, switch_id, timestamp, ip_address, user_agent, location, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		 RETURNING created_at`,
		c.ID,
		c.SwitchID,
		c.Timestamp,
		c.IPAddress,
		c.UserAgent,
		c.Location,
		c.Notes,
	).Scan(&c.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create check-in", err)
	}
	return nil
}

// ListBySwitch returns the most recent check-ins of a switch, newest first.
func (r *CheckInRepository) ListBySwitch(ctx context.Context, switchID string, limit int) ([]*types.CheckIn, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, switch_id, timestamp, ip_address, user_agent, location, notes, created_at
		 FROM check_ins
		 WHERE switch_id = $1
		 ORDER BY timestamp DESC
		 LIMIT $2`,
		switchID,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list check-ins", err)
	}
	defer rows.Close()

	var result []*types.CheckIn
	for rows.Next() {
		var c types.CheckIn
		if err := rows.Scan(
			&c.ID,
			&c.SwitchID,
			&c.Timestamp,
			&c.IPAddress,
			&c.UserAgent,
			&c.Location,
			&c.Notes,
			&c.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan check-in", err)
		}
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating check-ins", err)
	}
	return result, nil
}
