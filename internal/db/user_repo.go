package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"deadswitch/internal/types"
)

// UserRepository resolves switch owners. Account management lives elsewhere;
// the engine only needs a way to reach the owner.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository.
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// GetContact returns the email and display name of an active user.
func (r *UserRepository) GetContact(ctx context.Context, userID string) (*types.UserContact, error) {
	var (
		c    types.UserContact
		name *string
	)
	err := r.db.QueryRow(ctx,
		`SELECT id, email, name
		 FROM users
		 WHERE id = $1 AND deleted_at IS NULL`,
		userID,
	).Scan(&c.ID, &c.Email, &name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user contact", err)
	}
	c.Name = derefString(name)
	return &c, nil
}
