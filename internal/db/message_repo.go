package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"deadswitch/internal/types"
)

// MessageRepository provides data access for the messages table.
type MessageRepository struct {
	db DBTX
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db DBTX) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `m.id, m.switch_id, m.recipient_email, m.recipient_name, m.subject, m.content_ref,
	m.is_sent, m.sent_at, m.delivery_attempts, m.last_attempt_at, m.failure_reason,
	m.idempotency_key, m.version, m.created_at, m.updated_at`

const messageExistsSQL = `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`

func scanMessage(row pgx.Row) (*types.Message, error) {
	var m types.Message
	var recipientName *string
	err := row.Scan(
		&m.ID,
		&m.SwitchID,
		&m.RecipientEmail,
		&recipientName,
		&m.Subject,
		&m.ContentRef,
		&m.IsSent,
		&m.SentAt,
		&m.DeliveryAttempts,
		&m.LastAttemptAt,
		&m.FailureReason,
		&m.IdempotencyKey,
		&m.Version,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.RecipientName = derefString(recipientName)
	return &m, nil
}

func (r *MessageRepository) queryMessages(ctx context.Context, sql string, args ...any) ([]*types.Message, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query messages", err)
	}
	defer rows.Close()

	var result []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan message", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating messages", err)
	}
	return result, nil
}

// GetByID returns the current persisted state of a message.
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*types.Message, error) {
	m, err := scanMessage(r.db.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages m WHERE m.id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundMessage, "message not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve message", err)
	}
	return m, nil
}

// FindBySwitchID returns every message of a switch, sent ones included.
func (r *MessageRepository) FindBySwitchID(ctx context.Context, switchID string) ([]*types.Message, error) {
	return r.queryMessages(ctx,
		`SELECT `+messageColumns+`
		 FROM messages m
		 WHERE m.switch_id = $1
		 ORDER BY m.created_at ASC, m.id ASC`,
		switchID,
	)
}

// FindStranded returns unsent messages that were never attempted although
// their switch triggered before olderThan. These are jobs whose enqueue was
// lost after the trigger transition committed. A message redriven or claimed
// by a delivery since olderThan is not stranded yet.
func (r *MessageRepository) FindStranded(ctx context.Context, olderThan time.Time, limit int) ([]*types.Message, error) {
	return r.queryMessages(ctx,
		`SELECT `+messageColumns+`
		 FROM messages m
		 JOIN switches s ON s.id = m.switch_id
		 WHERE m.is_sent = FALSE
		   AND m.delivery_attempts = 0
		   AND s.status = 'TRIGGERED'
		   AND s.triggered_at < $1
		   AND (m.redriven_at IS NULL OR m.redriven_at < $1)
		   AND (m.last_attempt_at IS NULL OR m.last_attempt_at < $1)
		 ORDER BY s.triggered_at ASC, m.id ASC
		 LIMIT $2`,
		olderThan,
		limit,
	)
}

// MarkRedriven records that a job for the message was re-queued at at. It
// leaves the version alone so it never races the dispatcher's writes.
func (r *MessageRepository) MarkRedriven(ctx context.Context, id string, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE messages SET redriven_at = $2 WHERE id = $1`,
		id,
		at,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark message redriven", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundMessage, "message not found", nil)
	}
	return nil
}

// Update persists the delivery bookkeeping of m under a version check.
func (r *MessageRepository) Update(ctx context.Context, m *types.Message) error {
	var (
		newVersion int64
		updatedAt  time.Time
	)
	err := r.db.QueryRow(ctx,
		`UPDATE messages
		 SET is_sent = $3,
		     sent_at = $4,
		     delivery_attempts = $5,
		     last_attempt_at = $6,
		     failure_reason = $7,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE id = $1 AND version = $2
		 RETURNING version, updated_at`,
		m.ID,
		m.Version,
		m.IsSent,
		m.SentAt,
		m.DeliveryAttempts,
		m.LastAttemptAt,
		m.FailureReason,
	).Scan(&newVersion, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return resolveCASMiss(ctx, r.db, messageExistsSQL, m.ID, types.ErrCodeNotFoundMessage, "message")
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update message", err)
	}

	m.Version = newVersion
	m.UpdatedAt = updatedAt
	return nil
}
