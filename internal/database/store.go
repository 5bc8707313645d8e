package database

import (
	"context"
	"errors"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a lookup matches no row
	ErrNotFound = errors.New("record not found")

	// ErrGuardFailed is returned when a status-guarded update matched no row
	ErrGuardFailed = errors.New("guarded update affected no rows")
)

// BookingStore persists bookings. Status writes are guarded on the current status.
type BookingStore interface {
	Create(ctx context.Context, b *models.Booking) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	// GetForUpdate reads the booking and holds its row lock until the transaction ends
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error)
	// UpdateStatus writes b's status and cancellation fields only if the stored status is still from
	UpdateStatus(ctx context.Context, b *models.Booking, from models.BookingStatus) error
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]models.Booking, error)
	ListEndedWithoutSession(ctx context.Context, endedAfter, endedBefore time.Time, limit int) ([]models.Booking, error)
}

// TransactionStore persists gateway transactions
type TransactionStore interface {
	Create(ctx context.Context, t *models.Transaction) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetByGatewayRef(ctx context.Context, gateway, ref string) (*models.Transaction, error)
	GetCompletedPayment(ctx context.Context, bookingID uuid.UUID) (*models.Transaction, error)
	ListOpenPayments(ctx context.Context, bookingID uuid.UUID) ([]models.Transaction, error)
	ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.Transaction, error)
	// Update writes t's mutable fields only if the stored status is still from
	Update(ctx context.Context, t *models.Transaction, from models.TransactionStatus) error
}

// SessionStore persists sessions and their chat window
type SessionStore interface {
	GetByBookingID(ctx context.Context, bookingID uuid.UUID) (*models.Session, error)
	// Create inserts the session unless the booking already has one
	Create(ctx context.Context, s *models.Session) (bool, error)
	MarkEnded(ctx context.Context, id uuid.UUID, endedAt time.Time) (bool, error)
	// OpenChat sets chat expiry once; a window that was set or closed before is left alone
	OpenChat(ctx context.Context, id uuid.UUID, expiresAt time.Time) (bool, error)
	// CloseChat clears the expiry if it elapsed before now
	CloseChat(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	ListExpiredChats(ctx context.Context, now time.Time, limit int) ([]models.Session, error)
}

// OTPStore holds one live code per (purpose, booking)
type OTPStore interface {
	Upsert(ctx context.Context, rec *models.OTPRecord) error
	Find(ctx context.Context, purpose models.OTPPurpose, bookingID uuid.UUID) (*models.OTPRecord, error)
	Delete(ctx context.Context, purpose models.OTPPurpose, bookingID uuid.UUID) (bool, error)
}

// AuditStore appends payment audit entries
type AuditStore interface {
	Log(ctx context.Context, audit *models.PaymentAudit) error
	ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.PaymentAudit, error)
}

// Tx groups the repositories bound to one unit of work
type Tx interface {
	Bookings() BookingStore
	Transactions() TransactionStore
	Sessions() SessionStore
	OTPs() OTPStore
}

// Store is the transactional entity store. The embedded Tx runs each call on its own.
type Store interface {
	Tx
	// WithinTx commits every write made through tx when fn returns nil, and none otherwise
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	Audits() AuditStore
	Ping(ctx context.Context) error
}
