package database

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

var bookingRowColumns = []string{
	"id", "requester_id", "provider_id", "start_time", "end_time", "amount", "currency", "status",
	"meeting_link", "recording_link", "cancelled_by", "cancel_reason", "created_at", "updated_at",
}

func bookingRow(rows *sqlmock.Rows, id uuid.UUID, status models.BookingStatus, now time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id.String(), uuid.NewString(), uuid.NewString(), now.Add(time.Hour), now.Add(2*time.Hour), int64(2000), "USD", string(status),
		nil, nil, nil, nil, now, now,
	)
}

func TestBookingRepository_Create(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookingRepository(db)

	t.Run("Success", func(t *testing.T) {
		b := &models.Booking{RequesterID: uuid.New(), ProviderID: uuid.New(), Amount: 2000, Currency: "USD", Status: models.BookingStatusPending}

		mock.ExpectExec(`INSERT INTO bookings`).
			WithArgs(sqlmock.AnyArg(), b.RequesterID, b.ProviderID, sqlmock.AnyArg(), sqlmock.AnyArg(),
				int64(2000), "USD", "PENDING", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Create(context.Background(), b))
		assert.NotEqual(t, uuid.Nil, b.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Database Error", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO bookings`).WillReturnError(fmt.Errorf("connection refused"))

		err := repo.Create(context.Background(), &models.Booking{})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert booking")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBookingRepository_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookingRepository(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Success", func(t *testing.T) {
		id := uuid.New()
		mock.ExpectQuery(`SELECT (.+) FROM bookings WHERE id = \$1$`).
			WithArgs(id).
			WillReturnRows(bookingRow(sqlmock.NewRows(bookingRowColumns), id, models.BookingStatusConfirmed, now))

		b, err := repo.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, id, b.ID)
		assert.Equal(t, models.BookingStatusConfirmed, b.Status)
		assert.Equal(t, int64(2000), b.Amount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("For Update", func(t *testing.T) {
		id := uuid.New()
		mock.ExpectQuery(`SELECT (.+) FROM bookings WHERE id = \$1 FOR UPDATE`).
			WithArgs(id).
			WillReturnRows(bookingRow(sqlmock.NewRows(bookingRowColumns), id, models.BookingStatusPending, now))

		b, err := repo.GetForUpdate(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.BookingStatusPending, b.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Not Found", func(t *testing.T) {
		id := uuid.New()
		mock.ExpectQuery(`SELECT (.+) FROM bookings`).
			WithArgs(id).
			WillReturnRows(sqlmock.NewRows(bookingRowColumns))

		b, err := repo.GetByID(context.Background(), id)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Nil(t, b)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBookingRepository_UpdateStatus(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookingRepository(db)
	actor := uuid.New()
	b := &models.Booking{ID: uuid.New(), Status: models.BookingStatusCancelled, CancelledBy: &actor, UpdatedAt: time.Now()}

	t.Run("Guard Holds", func(t *testing.T) {
		mock.ExpectExec(`UPDATE bookings\s+SET status = \$3`).
			WithArgs(b.ID, "CONFIRMED", "CANCELLED", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.UpdateStatus(context.Background(), b, models.BookingStatusConfirmed))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Guard Fails", func(t *testing.T) {
		mock.ExpectExec(`UPDATE bookings`).
			WithArgs(b.ID, "CONFIRMED", "CANCELLED", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.UpdateStatus(context.Background(), b, models.BookingStatusConfirmed)
		assert.ErrorIs(t, err, ErrGuardFailed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestBookingRepository_SweepQueries(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewBookingRepository(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Stale Pending", func(t *testing.T) {
		cutoff := now.Add(-30 * time.Minute)
		rows := sqlmock.NewRows(bookingRowColumns)
		bookingRow(rows, uuid.New(), models.BookingStatusPending, now.Add(-time.Hour))
		bookingRow(rows, uuid.New(), models.BookingStatusPending, now.Add(-45*time.Minute))

		mock.ExpectQuery(`WHERE status = 'PENDING' AND created_at < \$1`).
			WithArgs(cutoff, 100).
			WillReturnRows(rows)

		bookings, err := repo.ListStalePending(context.Background(), cutoff, 100)
		require.NoError(t, err)
		assert.Len(t, bookings, 2)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Ended Without Session", func(t *testing.T) {
		mock.ExpectQuery(`NOT EXISTS \(SELECT 1 FROM sessions`).
			WithArgs(now.Add(-time.Hour), now, 50).
			WillReturnRows(sqlmock.NewRows(bookingRowColumns))

		bookings, err := repo.ListEndedWithoutSession(context.Background(), now.Add(-time.Hour), now, 50)
		require.NoError(t, err)
		assert.NotNil(t, bookings)
		assert.Empty(t, bookings)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

var transactionRowColumns = []string{
	"id", "booking_id", "kind", "gateway", "gateway_ref", "parent_id", "amount", "currency", "status",
	"redirect_url", "failure_reason", "created_at", "updated_at",
}

func TestTransactionRepository(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTransactionRepository(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Get By Gateway Ref", func(t *testing.T) {
		id, bookingID := uuid.New(), uuid.New()
		mock.ExpectQuery(`FROM transactions WHERE gateway = \$1 AND gateway_ref = \$2`).
			WithArgs("stripe", "pi_123").
			WillReturnRows(sqlmock.NewRows(transactionRowColumns).AddRow(
				id.String(), bookingID.String(), "booking_payment", "stripe", "pi_123", nil, int64(2000), "USD", "pending",
				"https://checkout.example/pi_123", nil, now, now,
			))

		txn, err := repo.GetByGatewayRef(context.Background(), "stripe", "pi_123")
		require.NoError(t, err)
		assert.Equal(t, id, txn.ID)
		assert.Equal(t, bookingID, txn.BookingID)
		require.NotNil(t, txn.GatewayRef)
		assert.Equal(t, "pi_123", *txn.GatewayRef)
		assert.Equal(t, models.TransactionStatusPending, txn.Status)
		assert.Nil(t, txn.ParentID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("No Completed Payment", func(t *testing.T) {
		bookingID := uuid.New()
		mock.ExpectQuery(`kind = 'booking_payment' AND status = 'completed'`).
			WithArgs(bookingID).
			WillReturnRows(sqlmock.NewRows(transactionRowColumns))

		_, err := repo.GetCompletedPayment(context.Background(), bookingID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Guarded Update", func(t *testing.T) {
		txn := &models.Transaction{ID: uuid.New(), Status: models.TransactionStatusCompleted, UpdatedAt: now}
		mock.ExpectExec(`UPDATE transactions`).
			WithArgs(txn.ID, "pending", "completed", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), now).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Update(context.Background(), txn, models.TransactionStatusPending)
		assert.ErrorIs(t, err, ErrGuardFailed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("List Open Payments", func(t *testing.T) {
		bookingID := uuid.New()
		mock.ExpectQuery(`status IN \('created', 'pending'\)`).
			WithArgs(bookingID).
			WillReturnError(fmt.Errorf("timeout"))

		_, err := repo.ListOpenPayments(context.Background(), bookingID)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to list open payments")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSessionRepository(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewSessionRepository(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("Create Once Per Booking", func(t *testing.T) {
		s := &models.Session{BookingID: uuid.New(), StartedAt: now}
		mock.ExpectExec(`INSERT INTO sessions (.+) ON CONFLICT \(booking_id\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		created, err := repo.Create(context.Background(), s)
		require.NoError(t, err)
		assert.False(t, created)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Open Chat Only Once", func(t *testing.T) {
		id := uuid.New()
		expires := now.Add(24 * time.Hour)
		mock.ExpectExec(`chat_expires_at IS NULL AND chat_closed_at IS NULL`).
			WithArgs(id, expires).
			WillReturnResult(sqlmock.NewResult(0, 1))

		opened, err := repo.OpenChat(context.Background(), id, expires)
		require.NoError(t, err)
		assert.True(t, opened)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Close Elapsed Chat", func(t *testing.T) {
		id := uuid.New()
		mock.ExpectExec(`SET chat_expires_at = NULL`).
			WithArgs(id, now).
			WillReturnResult(sqlmock.NewResult(0, 1))

		closed, err := repo.CloseChat(context.Background(), id, now)
		require.NoError(t, err)
		assert.True(t, closed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Not Found", func(t *testing.T) {
		bookingID := uuid.New()
		mock.ExpectQuery(`FROM sessions WHERE booking_id = \$1`).
			WithArgs(bookingID).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := repo.GetByBookingID(context.Background(), bookingID)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestOTPRepository(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewOTPRepository(db)
	bookingID := uuid.New()

	t.Run("Upsert Replaces", func(t *testing.T) {
		rec := &models.OTPRecord{Purpose: models.OTPPurposeCompletion, BookingID: bookingID, CodeHash: "hash", ExpiresAt: time.Now()}
		mock.ExpectExec(`ON CONFLICT \(purpose, booking_id\)\s+DO UPDATE`).
			WithArgs("completion", bookingID, "hash", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Upsert(context.Background(), rec))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Delete Consumes Once", func(t *testing.T) {
		mock.ExpectExec(`DELETE FROM otp_records`).
			WithArgs("completion", bookingID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`DELETE FROM otp_records`).
			WithArgs("completion", bookingID).
			WillReturnResult(sqlmock.NewResult(0, 0))

		first, err := repo.Delete(context.Background(), models.OTPPurposeCompletion, bookingID)
		require.NoError(t, err)
		second, err := repo.Delete(context.Background(), models.OTPPurposeCompletion, bookingID)
		require.NoError(t, err)
		assert.True(t, first)
		assert.False(t, second)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPaymentAuditRepository_Log(t *testing.T) {
	db, mock := newMockDB(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	repo := NewPaymentAuditRepository(db, logger)

	t.Run("Success", func(t *testing.T) {
		audit := models.NewPaymentAudit(models.PaymentEventStatusChecked, models.PaymentSourceWebhook)
		mock.ExpectExec(`INSERT INTO payment_audits`).WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.Log(context.Background(), audit))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Nil Entry", func(t *testing.T) {
		assert.Error(t, repo.Log(context.Background(), nil))
	})

	t.Run("Database Error", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO payment_audits`).WillReturnError(fmt.Errorf("disk full"))

		err := repo.Log(context.Background(), models.NewPaymentAudit(models.PaymentEventError, models.PaymentSourceSystem))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to log payment audit")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_WithinTx(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	t.Run("Commit", func(t *testing.T) {
		db, mock := newMockDB(t)
		store := NewPostgresStore(db, logger)
		b := &models.Booking{ID: uuid.New(), Status: models.BookingStatusCompleted}

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE bookings`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.WithinTx(context.Background(), func(tx Tx) error {
			return tx.Bookings().UpdateStatus(context.Background(), b, models.BookingStatusConfirmed)
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Rollback On Error", func(t *testing.T) {
		db, mock := newMockDB(t)
		store := NewPostgresStore(db, logger)
		b := &models.Booking{ID: uuid.New(), Status: models.BookingStatusCompleted}

		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE bookings`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		err := store.WithinTx(context.Background(), func(tx Tx) error {
			return tx.Bookings().UpdateStatus(context.Background(), b, models.BookingStatusConfirmed)
		})
		assert.ErrorIs(t, err, ErrGuardFailed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
