package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/google/uuid"
)

const sessionColumns = `id, booking_id, started_at, ended_at, chat_expires_at, chat_closed_at, created_at, updated_at`

// SessionRepository handles consultation session records
type SessionRepository struct {
	db Executor
}

// NewSessionRepository creates a new SessionRepository
func NewSessionRepository(db Executor) *SessionRepository {
	return &SessionRepository{db: db}
}

// GetByBookingID returns the booking's session or ErrNotFound
func (r *SessionRepository) GetByBookingID(ctx context.Context, bookingID uuid.UUID) (*models.Session, error) {
	var s models.Session
	err := r.db.GetContext(ctx, &s, `SELECT `+sessionColumns+` FROM sessions WHERE booking_id = $1`, bookingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// Create inserts the session; false means the booking already had one
func (r *SessionRepository) Create(ctx context.Context, s *models.Session) (bool, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (booking_id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query,
		s.ID, s.BookingID, s.StartedAt, s.EndedAt, s.ChatExpiresAt, s.ChatClosedAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert session: %w", err)
	}
	return affected(result)
}

// MarkEnded sets ended_at if it is still unset
func (r *SessionRepository) MarkEnded(ctx context.Context, id uuid.UUID, endedAt time.Time) (bool, error) {
	query := `UPDATE sessions SET ended_at = $2, updated_at = $2 WHERE id = $1 AND ended_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, id, endedAt)
	if err != nil {
		return false, fmt.Errorf("failed to end session: %w", err)
	}
	return affected(result)
}

// OpenChat sets chat_expires_at on a session whose window was never opened
func (r *SessionRepository) OpenChat(ctx context.Context, id uuid.UUID, expiresAt time.Time) (bool, error) {
	query := `
		UPDATE sessions
		SET chat_expires_at = $2, updated_at = NOW()
		WHERE id = $1 AND chat_expires_at IS NULL AND chat_closed_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, id, expiresAt)
	if err != nil {
		return false, fmt.Errorf("failed to open chat window: %w", err)
	}
	return affected(result)
}

// CloseChat clears chat_expires_at once it has elapsed
func (r *SessionRepository) CloseChat(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	query := `
		UPDATE sessions
		SET chat_expires_at = NULL, chat_closed_at = $2, updated_at = $2
		WHERE id = $1 AND chat_expires_at < $2`
	result, err := r.db.ExecContext(ctx, query, id, now)
	if err != nil {
		return false, fmt.Errorf("failed to close chat window: %w", err)
	}
	return affected(result)
}

// ListExpiredChats returns sessions whose chat window elapsed before now
func (r *SessionRepository) ListExpiredChats(ctx context.Context, now time.Time, limit int) ([]models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE chat_expires_at IS NOT NULL AND chat_expires_at < $1
		ORDER BY chat_expires_at
		LIMIT $2`

	sessions := []models.Session{}
	if err := r.db.SelectContext(ctx, &sessions, query, now, limit); err != nil {
		return nil, fmt.Errorf("failed to list expired chats: %w", err)
	}
	return sessions, nil
}

func affected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows > 0, nil
}
