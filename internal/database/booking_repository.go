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

const bookingColumns = `
	id, requester_id, provider_id, start_time, end_time, amount, currency, status,
	meeting_link, recording_link, cancelled_by, cancel_reason, created_at, updated_at`

// BookingRepository handles booking database operations
type BookingRepository struct {
	db Executor
}

// NewBookingRepository creates a new BookingRepository
func NewBookingRepository(db Executor) *BookingRepository {
	return &BookingRepository{db: db}
}

// Create inserts a new booking
func (r *BookingRepository) Create(ctx context.Context, b *models.Booking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	query := `
		INSERT INTO bookings (` + bookingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.ExecContext(ctx, query,
		b.ID, b.RequesterID, b.ProviderID, b.StartTime, b.EndTime, b.Amount, b.Currency, b.Status,
		b.MeetingLink, b.RecordingLink, b.CancelledBy, b.CancelReason, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

// GetByID returns the booking or ErrNotFound
func (r *BookingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return r.get(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
}

// GetForUpdate locks the booking row for the rest of the transaction
func (r *BookingRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return r.get(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id)
}

func (r *BookingRepository) get(ctx context.Context, query string, id uuid.UUID) (*models.Booking, error) {
	var b models.Booking
	if err := r.db.GetContext(ctx, &b, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &b, nil
}

// UpdateStatus applies b.Status only while the stored status is still from
func (r *BookingRepository) UpdateStatus(ctx context.Context, b *models.Booking, from models.BookingStatus) error {
	query := `
		UPDATE bookings
		SET status = $3,
		    cancelled_by = $4,
		    cancel_reason = $5,
		    updated_at = $6
		WHERE id = $1 AND status = $2`

	result, err := r.db.ExecContext(ctx, query, b.ID, from, b.Status, b.CancelledBy, b.CancelReason, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if rows == 0 {
		return ErrGuardFailed
	}
	return nil
}

// ListStalePending returns PENDING bookings created before the cutoff, oldest first
func (r *BookingRepository) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings
		WHERE status = 'PENDING' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`

	bookings := []models.Booking{}
	if err := r.db.SelectContext(ctx, &bookings, query, createdBefore, limit); err != nil {
		return nil, fmt.Errorf("failed to list stale pending bookings: %w", err)
	}
	return bookings, nil
}

// ListEndedWithoutSession returns CONFIRMED bookings whose end time falls in
// (endedAfter, endedBefore] and that never had a session
func (r *BookingRepository) ListEndedWithoutSession(ctx context.Context, endedAfter, endedBefore time.Time, limit int) ([]models.Booking, error) {
	query := `
		SELECT ` + bookingColumns + `
		FROM bookings b
		WHERE b.status = 'CONFIRMED'
		  AND b.end_time > $1 AND b.end_time <= $2
		  AND NOT EXISTS (SELECT 1 FROM sessions s WHERE s.booking_id = b.id)
		ORDER BY b.end_time
		LIMIT $3`

	bookings := []models.Booking{}
	if err := r.db.SelectContext(ctx, &bookings, query, endedAfter, endedBefore, limit); err != nil {
		return nil, fmt.Errorf("failed to list ended bookings: %w", err)
	}
	return bookings, nil
}
