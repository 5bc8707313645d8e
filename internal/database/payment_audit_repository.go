package database

import (
	"context"
	"fmt"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PaymentAuditRepository handles payment audit operations
type PaymentAuditRepository struct {
	db     Executor
	logger *logrus.Logger
}

// NewPaymentAuditRepository creates a new payment audit repository
func NewPaymentAuditRepository(db Executor, logger *logrus.Logger) *PaymentAuditRepository {
	return &PaymentAuditRepository{
		db:     db,
		logger: logger,
	}
}

// Log appends an audit entry. Failures are logged with the full entry so the
// event is never silently lost.
func (r *PaymentAuditRepository) Log(ctx context.Context, audit *models.PaymentAudit) error {
	if audit == nil {
		return fmt.Errorf("audit entry cannot be nil")
	}
	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO payment_audits (
			id, booking_id, transaction_id, gateway, gateway_ref,
			event_type, event_source,
			expected_amount, received_amount, currency, amounts_match,
			normalized_status, payload, error_message,
			processing_time_ms, is_duplicate, idempotency_key,
			ip_address, user_agent, device, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17,
			$18, $19, $20, $21
		)`

	_, err := r.db.ExecContext(ctx, query,
		audit.ID, audit.BookingID, audit.TransactionID, audit.Gateway, audit.GatewayRef,
		audit.EventType, audit.EventSource,
		audit.ExpectedAmount, audit.ReceivedAmount, audit.Currency, audit.AmountsMatch,
		audit.NormalizedStatus, audit.Payload, audit.ErrorMessage,
		audit.ProcessingTimeMs, audit.IsDuplicate, audit.IdempotencyKey,
		audit.IPAddress, audit.UserAgent, audit.Device, audit.CreatedAt,
	)
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"audit_id":       audit.ID,
			"event_type":     audit.EventType,
			"transaction_id": audit.TransactionID,
			"error":          err.Error(),
		}).Error("CRITICAL: failed to write payment audit")
		return fmt.Errorf("failed to log payment audit: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"audit_id":   audit.ID,
		"event_type": audit.EventType,
		"source":     audit.EventSource,
	}).Debug("Payment audit logged")

	return nil
}

// ListByBooking returns the audit trail of a booking, oldest first
func (r *PaymentAuditRepository) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.PaymentAudit, error) {
	audits := []models.PaymentAudit{}
	query := `
		SELECT * FROM payment_audits
		WHERE booking_id = $1
		ORDER BY created_at ASC`

	if err := r.db.SelectContext(ctx, &audits, query, bookingID); err != nil {
		return nil, fmt.Errorf("failed to get audits by booking: %w", err)
	}
	return audits, nil
}
