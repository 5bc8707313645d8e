package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/google/uuid"
)

// OTPRepository stores one-time codes keyed by (purpose, booking_id)
type OTPRepository struct {
	db Executor
}

// NewOTPRepository creates a new OTPRepository
func NewOTPRepository(db Executor) *OTPRepository {
	return &OTPRepository{db: db}
}

// Upsert replaces any live code for the same purpose and booking
func (r *OTPRepository) Upsert(ctx context.Context, rec *models.OTPRecord) error {
	query := `
		INSERT INTO otp_records (purpose, booking_id, code_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (purpose, booking_id)
		DO UPDATE SET code_hash = EXCLUDED.code_hash,
		              expires_at = EXCLUDED.expires_at,
		              created_at = EXCLUDED.created_at`

	if _, err := r.db.ExecContext(ctx, query, rec.Purpose, rec.BookingID, rec.CodeHash, rec.ExpiresAt, rec.CreatedAt); err != nil {
		return fmt.Errorf("failed to store OTP: %w", err)
	}
	return nil
}

// Find returns the live record or ErrNotFound
func (r *OTPRepository) Find(ctx context.Context, purpose models.OTPPurpose, bookingID uuid.UUID) (*models.OTPRecord, error) {
	var rec models.OTPRecord
	query := `
		SELECT purpose, booking_id, code_hash, expires_at, created_at
		FROM otp_records
		WHERE purpose = $1 AND booking_id = $2`

	if err := r.db.GetContext(ctx, &rec, query, purpose, bookingID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get OTP: %w", err)
	}
	return &rec, nil
}

// Delete consumes the record; false means nothing was there to consume
func (r *OTPRepository) Delete(ctx context.Context, purpose models.OTPPurpose, bookingID uuid.UUID) (bool, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM otp_records WHERE purpose = $1 AND booking_id = $2`, purpose, bookingID)
	if err != nil {
		return false, fmt.Errorf("failed to delete OTP: %w", err)
	}
	return affected(result)
}
