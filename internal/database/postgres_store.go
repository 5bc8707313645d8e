package database

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// PostgresStore implements Store on top of sqlx repositories
type PostgresStore struct {
	db     DB
	logger *logrus.Logger
}

// NewPostgresStore creates a Store backed by db
func NewPostgresStore(db DB, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// Bookings returns an autocommit booking repository
func (s *PostgresStore) Bookings() BookingStore { return NewBookingRepository(s.db) }

// Transactions returns an autocommit transaction repository
func (s *PostgresStore) Transactions() TransactionStore { return NewTransactionRepository(s.db) }

// Sessions returns an autocommit session repository
func (s *PostgresStore) Sessions() SessionStore { return NewSessionRepository(s.db) }

// OTPs returns an autocommit OTP repository
func (s *PostgresStore) OTPs() OTPStore { return NewOTPRepository(s.db) }

// Audits returns the payment audit repository
func (s *PostgresStore) Audits() AuditStore { return NewPaymentAuditRepository(s.db, s.logger) }

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithinTx runs fn in a database transaction. A cancelled ctx rolls the
// transaction back, so no partial write survives an aborted request.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{exec: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type pgTx struct {
	exec Executor
}

func (t *pgTx) Bookings() BookingStore         { return NewBookingRepository(t.exec) }
func (t *pgTx) Transactions() TransactionStore { return NewTransactionRepository(t.exec) }
func (t *pgTx) Sessions() SessionStore         { return NewSessionRepository(t.exec) }
func (t *pgTx) OTPs() OTPStore                 { return NewOTPRepository(t.exec) }
