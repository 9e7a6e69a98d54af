package db

import (
	"context"

	"deadswitch/internal/types"
)

// CheckInRecorder appends a check-in and persists the switch it moved forward
// in a single transaction. A version conflict on the switch rolls back the
// check-in row as well.
type CheckInRecorder struct {
	db TxBeginner
}

// NewCheckInRecorder creates a recorder over a transaction-capable pool.
func NewCheckInRecorder(db TxBeginner) *CheckInRecorder {
	return &CheckInRecorder{db: db}
}

// Record inserts c and CAS-updates sw. On any failure sw.Version is left at
// the value the caller loaded.
func (r *CheckInRecorder) Record(ctx context.Context, c *types.CheckIn, sw *types.Switch) (err error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to begin check-in transaction", err)
	}
	// Rollback after a successful Commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	loadedVersion, loadedUpdatedAt := sw.Version, sw.UpdatedAt
	defer func() {
		if err != nil {
			sw.Version, sw.UpdatedAt = loadedVersion, loadedUpdatedAt
		}
	}()

	if err = NewCheckInRepository(tx).Create(ctx, c); err != nil {
		return err
	}
	if err = NewSwitchRepository(tx).Update(ctx, sw); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to commit check-in", err)
	}
	return nil
}
