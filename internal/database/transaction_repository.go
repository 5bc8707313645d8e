package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/google/uuid"
)

const transactionColumns = `
	id, booking_id, kind, gateway, gateway_ref, parent_id, amount, currency, status,
	redirect_url, failure_reason, created_at, updated_at`

// TransactionRepository handles gateway transaction records
type TransactionRepository struct {
	db Executor
}

// NewTransactionRepository creates a new TransactionRepository
func NewTransactionRepository(db Executor) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create inserts a transaction
func (r *TransactionRepository) Create(ctx context.Context, t *models.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := r.db.ExecContext(ctx, query,
		t.ID, t.BookingID, t.Kind, t.Gateway, t.GatewayRef, t.ParentID, t.Amount, t.Currency, t.Status,
		t.RedirectURL, t.FailureReason, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// GetByID returns the transaction or ErrNotFound
func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return r.get(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
}

// GetByGatewayRef finds the transaction a webhook refers to
func (r *TransactionRepository) GetByGatewayRef(ctx context.Context, gateway, ref string) (*models.Transaction, error) {
	return r.get(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE gateway = $1 AND gateway_ref = $2`, gateway, ref)
}

// GetCompletedPayment returns the completed booking payment of a booking
func (r *TransactionRepository) GetCompletedPayment(ctx context.Context, bookingID uuid.UUID) (*models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE booking_id = $1 AND kind = 'booking_payment' AND status = 'completed'
		ORDER BY updated_at
		LIMIT 1`
	return r.get(ctx, query, bookingID)
}

func (r *TransactionRepository) get(ctx context.Context, query string, args ...interface{}) (*models.Transaction, error) {
	var t models.Transaction
	if err := r.db.GetContext(ctx, &t, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &t, nil
}

// ListOpenPayments returns booking payments still waiting on the gateway
func (r *TransactionRepository) ListOpenPayments(ctx context.Context, bookingID uuid.UUID) ([]models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE booking_id = $1 AND kind = 'booking_payment' AND status IN ('created', 'pending')
		ORDER BY created_at`

	txns := []models.Transaction{}
	if err := r.db.SelectContext(ctx, &txns, query, bookingID); err != nil {
		return nil, fmt.Errorf("failed to list open payments: %w", err)
	}
	return txns, nil
}

// ListByBooking returns every transaction of a booking, oldest first
func (r *TransactionRepository) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE booking_id = $1 ORDER BY created_at`

	txns := []models.Transaction{}
	if err := r.db.SelectContext(ctx, &txns, query, bookingID); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txns, nil
}

// Update writes status, gateway reference, redirect and failure reason while
// the stored status is still from
func (r *TransactionRepository) Update(ctx context.Context, t *models.Transaction, from models.TransactionStatus) error {
	query := `
		UPDATE transactions
		SET status = $3,
		    gateway_ref = $4,
		    redirect_url = $5,
		    failure_reason = $6,
		    updated_at = $7
		WHERE id = $1 AND status = $2`

	result, err := r.db.ExecContext(ctx, query, t.ID, from, t.Status, t.GatewayRef, t.RedirectURL, t.FailureReason, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
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
