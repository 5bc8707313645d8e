package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for tests and STORE_DRIVER=memory.
// Transactions run one at a time against a copy of the state that replaces
// the live state on commit.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type otpKey struct {
	purpose   models.OTPPurpose
	bookingID uuid.UUID
}

type memState struct {
	bookings     map[uuid.UUID]models.Booking
	transactions map[uuid.UUID]models.Transaction
	sessions     map[uuid.UUID]models.Session // keyed by booking id
	otps         map[otpKey]models.OTPRecord
	audits       []models.PaymentAudit
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		bookings:     map[uuid.UUID]models.Booking{},
		transactions: map[uuid.UUID]models.Transaction{},
		sessions:     map[uuid.UUID]models.Session{},
		otps:         map[otpKey]models.OTPRecord{},
	}}
}

func (st *memState) clone() *memState {
	c := &memState{
		bookings:     make(map[uuid.UUID]models.Booking, len(st.bookings)),
		transactions: make(map[uuid.UUID]models.Transaction, len(st.transactions)),
		sessions:     make(map[uuid.UUID]models.Session, len(st.sessions)),
		otps:         make(map[otpKey]models.OTPRecord, len(st.otps)),
		audits:       append([]models.PaymentAudit(nil), st.audits...),
	}
	for k, v := range st.bookings {
		c.bookings[k] = v
	}
	for k, v := range st.transactions {
		c.transactions[k] = v
	}
	for k, v := range st.sessions {
		c.sessions[k] = v
	}
	for k, v := range st.otps {
		c.otps[k] = v
	}
	return c
}

// WithinTx runs fn against a private copy and publishes it only on success
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(&memTx{state: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = work
	return nil
}

// autocommit runs a single call as its own transaction
func (s *MemoryStore) autocommit() *memTx {
	return &memTx{store: s}
}

func (s *MemoryStore) Bookings() BookingStore         { return &memBookings{s.autocommit()} }
func (s *MemoryStore) Transactions() TransactionStore { return &memTransactions{s.autocommit()} }
func (s *MemoryStore) Sessions() SessionStore         { return &memSessions{s.autocommit()} }
func (s *MemoryStore) OTPs() OTPStore                 { return &memOTPs{s.autocommit()} }
func (s *MemoryStore) Audits() AuditStore             { return &memAudits{s.autocommit()} }

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// memTx either wraps a transaction's working copy (state) or, for
// autocommit calls, locks the store for the duration of one call.
type memTx struct {
	store *MemoryStore
	state *memState
}

func (t *memTx) Bookings() BookingStore         { return &memBookings{t} }
func (t *memTx) Transactions() TransactionStore { return &memTransactions{t} }
func (t *memTx) Sessions() SessionStore         { return &memSessions{t} }
func (t *memTx) OTPs() OTPStore                 { return &memOTPs{t} }

func (t *memTx) run(fn func(st *memState) error) error {
	if t.state != nil {
		return fn(t.state)
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	return fn(t.store.state)
}

// ============================================================================
// BOOKINGS
// ============================================================================

type memBookings struct{ tx *memTx }

func (r *memBookings) Create(ctx context.Context, b *models.Booking) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return r.tx.run(func(st *memState) error {
		st.bookings[b.ID] = *b
		return nil
	})
}

func (r *memBookings) GetByID(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	var out *models.Booking
	err := r.tx.run(func(st *memState) error {
		b, ok := st.bookings[id]
		if !ok {
			return ErrNotFound
		}
		out = &b
		return nil
	})
	return out, err
}

func (r *memBookings) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Booking, error) {
	return r.GetByID(ctx, id)
}

func (r *memBookings) UpdateStatus(ctx context.Context, b *models.Booking, from models.BookingStatus) error {
	return r.tx.run(func(st *memState) error {
		cur, ok := st.bookings[b.ID]
		if !ok || cur.Status != from {
			return ErrGuardFailed
		}
		cur.Status = b.Status
		cur.CancelledBy = b.CancelledBy
		cur.CancelReason = b.CancelReason
		cur.UpdatedAt = b.UpdatedAt
		st.bookings[b.ID] = cur
		return nil
	})
}

func (r *memBookings) ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]models.Booking, error) {
	out := []models.Booking{}
	err := r.tx.run(func(st *memState) error {
		for _, b := range st.bookings {
			if b.Status == models.BookingStatusPending && b.CreatedAt.Before(createdBefore) {
				out = append(out, b)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return truncate(out, limit), err
}

func (r *memBookings) ListEndedWithoutSession(ctx context.Context, endedAfter, endedBefore time.Time, limit int) ([]models.Booking, error) {
	out := []models.Booking{}
	err := r.tx.run(func(st *memState) error {
		for _, b := range st.bookings {
			if b.Status != models.BookingStatusConfirmed {
				continue
			}
			if !b.EndTime.After(endedAfter) || b.EndTime.After(endedBefore) {
				continue
			}
			if _, has := st.sessions[b.ID]; has {
				continue
			}
			out = append(out, b)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return truncate(out, limit), err
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// ============================================================================
// TRANSACTIONS
// ============================================================================

type memTransactions struct{ tx *memTx }

func (r *memTransactions) Create(ctx context.Context, t *models.Transaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return r.tx.run(func(st *memState) error {
		st.transactions[t.ID] = *t
		return nil
	})
}

func (r *memTransactions) find(match func(models.Transaction) bool) (*models.Transaction, error) {
	var out *models.Transaction
	err := r.tx.run(func(st *memState) error {
		for _, t := range st.transactions {
			if match(t) {
				found := t
				out = &found
				return nil
			}
		}
		return ErrNotFound
	})
	return out, err
}

func (r *memTransactions) GetByID(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return r.find(func(t models.Transaction) bool { return t.ID == id })
}

func (r *memTransactions) GetByGatewayRef(ctx context.Context, gateway, ref string) (*models.Transaction, error) {
	return r.find(func(t models.Transaction) bool {
		return t.Gateway == gateway && t.GatewayRef != nil && *t.GatewayRef == ref
	})
}

func (r *memTransactions) GetCompletedPayment(ctx context.Context, bookingID uuid.UUID) (*models.Transaction, error) {
	return r.find(func(t models.Transaction) bool {
		return t.BookingID == bookingID &&
			t.Kind == models.TransactionKindBookingPayment &&
			t.Status == models.TransactionStatusCompleted
	})
}

func (r *memTransactions) ListOpenPayments(ctx context.Context, bookingID uuid.UUID) ([]models.Transaction, error) {
	out := []models.Transaction{}
	err := r.tx.run(func(st *memState) error {
		for _, t := range st.transactions {
			if t.BookingID != bookingID || t.Kind != models.TransactionKindBookingPayment {
				continue
			}
			if t.Status == models.TransactionStatusCreated || t.Status == models.TransactionStatusPending {
				out = append(out, t)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r *memTransactions) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.Transaction, error) {
	out := []models.Transaction{}
	err := r.tx.run(func(st *memState) error {
		for _, t := range st.transactions {
			if t.BookingID == bookingID {
				out = append(out, t)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r *memTransactions) Update(ctx context.Context, t *models.Transaction, from models.TransactionStatus) error {
	return r.tx.run(func(st *memState) error {
		cur, ok := st.transactions[t.ID]
		if !ok || cur.Status != from {
			return ErrGuardFailed
		}
		cur.Status = t.Status
		cur.GatewayRef = t.GatewayRef
		cur.RedirectURL = t.RedirectURL
		cur.FailureReason = t.FailureReason
		cur.UpdatedAt = t.UpdatedAt
		st.transactions[t.ID] = cur
		return nil
	})
}

// ============================================================================
// SESSIONS
// ============================================================================

type memSessions struct{ tx *memTx }

func (r *memSessions) GetByBookingID(ctx context.Context, bookingID uuid.UUID) (*models.Session, error) {
	var out *models.Session
	err := r.tx.run(func(st *memState) error {
		s, ok := st.sessions[bookingID]
		if !ok {
			return ErrNotFound
		}
		out = &s
		return nil
	})
	return out, err
}

func (r *memSessions) Create(ctx context.Context, s *models.Session) (bool, error) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	created := false
	err := r.tx.run(func(st *memState) error {
		if _, exists := st.sessions[s.BookingID]; exists {
			return nil
		}
		st.sessions[s.BookingID] = *s
		created = true
		return nil
	})
	return created, err
}

func (r *memSessions) update(id uuid.UUID, apply func(s *models.Session) bool) (bool, error) {
	changed := false
	err := r.tx.run(func(st *memState) error {
		for bookingID, s := range st.sessions {
			if s.ID != id {
				continue
			}
			if apply(&s) {
				st.sessions[bookingID] = s
				changed = true
			}
			return nil
		}
		return nil
	})
	return changed, err
}

func (r *memSessions) MarkEnded(ctx context.Context, id uuid.UUID, endedAt time.Time) (bool, error) {
	return r.update(id, func(s *models.Session) bool {
		if s.EndedAt != nil {
			return false
		}
		s.EndedAt = &endedAt
		s.UpdatedAt = endedAt
		return true
	})
}

func (r *memSessions) OpenChat(ctx context.Context, id uuid.UUID, expiresAt time.Time) (bool, error) {
	return r.update(id, func(s *models.Session) bool {
		if s.ChatExpiresAt != nil || s.ChatClosedAt != nil {
			return false
		}
		s.ChatExpiresAt = &expiresAt
		return true
	})
}

func (r *memSessions) CloseChat(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	return r.update(id, func(s *models.Session) bool {
		if s.ChatExpiresAt == nil || !s.ChatExpiresAt.Before(now) {
			return false
		}
		s.ChatExpiresAt = nil
		s.ChatClosedAt = &now
		s.UpdatedAt = now
		return true
	})
}

func (r *memSessions) ListExpiredChats(ctx context.Context, now time.Time, limit int) ([]models.Session, error) {
	out := []models.Session{}
	err := r.tx.run(func(st *memState) error {
		for _, s := range st.sessions {
			if s.ChatExpiresAt != nil && s.ChatExpiresAt.Before(now) {
				out = append(out, s)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ChatExpiresAt.Before(*out[j].ChatExpiresAt) })
	return truncate(out, limit), err
}

// ============================================================================
// OTP RECORDS AND AUDITS
// ============================================================================

type memOTPs struct{ tx *memTx }

func (r *memOTPs) Upsert(ctx context.Context, rec *models.OTPRecord) error {
	return r.tx.run(func(st *memState) error {
		st.otps[otpKey{rec.Purpose, rec.BookingID}] = *rec
		return nil
	})
}

func (r *memOTPs) Find(ctx context.Context, purpose models.OTPPurpose, bookingID uuid.UUID) (*models.OTPRecord, error) {
	var out *models.OTPRecord
	err := r.tx.run(func(st *memState) error {
		rec, ok := st.otps[otpKey{purpose, bookingID}]
		if !ok {
			return ErrNotFound
		}
		out = &rec
		return nil
	})
	return out, err
}

func (r *memOTPs) Delete(ctx context.Context, purpose models.OTPPurpose, bookingID uuid.UUID) (bool, error) {
	deleted := false
	err := r.tx.run(func(st *memState) error {
		key := otpKey{purpose, bookingID}
		if _, ok := st.otps[key]; ok {
			delete(st.otps, key)
			deleted = true
		}
		return nil
	})
	return deleted, err
}

type memAudits struct{ tx *memTx }

func (r *memAudits) Log(ctx context.Context, audit *models.PaymentAudit) error {
	if audit.ID == uuid.Nil {
		audit.ID = uuid.New()
	}
	return r.tx.run(func(st *memState) error {
		st.audits = append(st.audits, *audit)
		return nil
	})
}

func (r *memAudits) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]models.PaymentAudit, error) {
	out := []models.PaymentAudit{}
	err := r.tx.run(func(st *memState) error {
		for _, a := range st.audits {
			if a.BookingID != nil && *a.BookingID == bookingID {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}
