package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/config"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/database"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Status change triggers carried on booking.status_changed
const (
	TriggerPayment    = "payment"
	TriggerCancel     = "cancel"
	TriggerCompletion = "completion"
	TriggerSweep      = "sweep"
)

// Refund outcomes reported to the cancelling actor
const (
	RefundStatusNone = "none"
)

// LifecycleService is the only writer of Booking.status. Every event runs
// under the booking's lock in one store transaction; events are published
// after commit.
type LifecycleService struct {
	store     database.Store
	locker    BookingLocker
	payments  *PaymentService
	otp       *OTPService
	chat      *ChatWindowManager
	limiter   RateLimiter
	events    emitter
	otpCfg    config.OTPConfig
	lifecycle config.LifecycleConfig
	logger    *logrus.Logger
	now       func() time.Time
}

// NewLifecycleService creates the booking state machine
func NewLifecycleService(
	store database.Store,
	locker BookingLocker,
	payments *PaymentService,
	otp *OTPService,
	chat *ChatWindowManager,
	limiter RateLimiter,
	publisher EventPublisher,
	otpCfg config.OTPConfig,
	lifecycle config.LifecycleConfig,
	logger *logrus.Logger,
) *LifecycleService {
	return &LifecycleService{
		store:     store,
		locker:    locker,
		payments:  payments,
		otp:       otp,
		chat:      chat,
		limiter:   limiter,
		events:    emitter{publisher: publisher, logger: logger},
		otpCfg:    otpCfg,
		lifecycle: lifecycle,
		logger:    logger,
		now:       time.Now,
	}
}

// withBookingLock serializes fn against every other event on the booking and
// runs it as one unit of work
func withBookingLock(ctx context.Context, locker BookingLocker, store database.Store, bookingID uuid.UUID, fn func(tx database.Tx) error) error {
	unlock, err := locker.Lock(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("failed to lock booking %s: %w", bookingID, err)
	}
	defer unlock()
	return store.WithinTx(ctx, fn)
}

func loadBookingForUpdate(ctx context.Context, tx database.Tx, bookingID uuid.UUID) (*models.Booking, error) {
	b, err := tx.Bookings().GetForUpdate(ctx, bookingID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, models.NewNotFoundError("booking", bookingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	return b, nil
}

func authorize(b *models.Booking, actorID uuid.UUID, capability models.Capability) error {
	if !models.Allowed(capability, models.RoleOf(b, actorID)) {
		return models.NewAccessDeniedError(capability)
	}
	return nil
}

// transition moves b to target with a write guarded on its current status
func transition(ctx context.Context, tx database.Tx, b *models.Booking, target models.BookingStatus, action string, now time.Time) error {
	from := b.Status
	if !from.CanTransitionTo(target) {
		return models.NewStateConflictError(from, action)
	}

	b.Status = target
	b.UpdatedAt = now
	if err := tx.Bookings().UpdateStatus(ctx, b, from); err != nil {
		b.Status = from
		if errors.Is(err, database.ErrGuardFailed) {
			return models.NewStateConflictError(from, action)
		}
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	return nil
}

func statusChangedEvent(b *models.Booking, from models.BookingStatus, actorID *uuid.UUID, trigger, reason string, refund *int64, now time.Time) models.LifecycleEvent {
	return models.NewLifecycleEvent(models.EventBookingStatusChanged, b.ID, now, models.StatusChangedData{
		From:         from,
		To:           b.Status,
		ActorID:      actorID,
		Trigger:      trigger,
		Reason:       reason,
		RequesterID:  b.RequesterID,
		ProviderID:   b.ProviderID,
		RefundAmount: refund,
	})
}

func chatOpenedEvent(b *models.Booking, sess *models.Session, expiresAt, now time.Time) models.LifecycleEvent {
	return models.NewLifecycleEvent(models.EventChatWindowOpened, b.ID, now, models.ChatWindowData{
		SessionID: sess.ID,
		ExpiresAt: &expiresAt,
	})
}

// applyPaymentConfirmed moves a PENDING booking to CONFIRMED for a completed
// payment txn. A booking that is already CONFIRMED or COMPLETED reports
// AlreadyProcessed.
func applyPaymentConfirmed(ctx context.Context, tx database.Tx, b *models.Booking, txn *models.Transaction, now time.Time) (*models.LifecycleEvent, error) {
	if err := authorize(b, models.SystemActorID, models.CapabilityConfirmPaid); err != nil {
		return nil, err
	}
	switch b.Status {
	case models.BookingStatusConfirmed, models.BookingStatusCompleted:
		return nil, models.NewAlreadyProcessedError(b.Status)
	case models.BookingStatusCancelled:
		return nil, models.NewStateConflictError(b.Status, "confirm payment for")
	}
	if txn.Status != models.TransactionStatusCompleted {
		return nil, &models.LifecycleError{
			Kind:          models.KindStateConflict,
			Message:       fmt.Sprintf("transaction %s is %s, not completed", txn.ID, txn.Status),
			CurrentStatus: b.Status,
		}
	}

	from := b.Status
	if err := transition(ctx, tx, b, models.BookingStatusConfirmed, "confirm payment for", now); err != nil {
		return nil, err
	}
	ev := statusChangedEvent(b, from, nil, TriggerPayment, "", nil, now)
	return &ev, nil
}

// CreateBooking records a PENDING booking requested by requesterID
func (s *LifecycleService) CreateBooking(ctx context.Context, requesterID uuid.UUID, req *models.CreateBookingRequest) (*models.Booking, error) {
	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil || providerID == models.SystemActorID {
		return nil, models.NewValidationError("invalid provider_id")
	}

	now := s.now()
	if !req.StartTime.After(now) {
		return nil, models.NewValidationError("start_time must be in the future")
	}

	b := &models.Booking{
		ID:          uuid.New(),
		RequesterID: requesterID,
		ProviderID:  providerID,
		StartTime:   req.StartTime.UTC(),
		EndTime:     req.EndTime.UTC(),
		Amount:      req.Amount,
		Currency:    strings.ToUpper(req.Currency),
		Status:      models.BookingStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.Validate(); err != nil {
		return nil, models.NewValidationError("%s", err.Error())
	}
	if b.Amount == 0 {
		return nil, models.NewValidationError("amount must be positive")
	}

	if err := s.store.Bookings().Create(ctx, b); err != nil {
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":   b.ID,
		"requester_id": b.RequesterID,
		"provider_id":  b.ProviderID,
		"amount":       b.Amount,
		"currency":     b.Currency,
	}).Info("Booking created")

	return b, nil
}

// GetBooking returns the booking if actorID is a party to it
func (s *LifecycleService) GetBooking(ctx context.Context, bookingID, actorID uuid.UUID) (*models.Booking, error) {
	b, err := s.store.Bookings().GetByID(ctx, bookingID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, models.NewNotFoundError("booking", bookingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	if err := authorize(b, actorID, models.CapabilityView); err != nil {
		return nil, err
	}
	return b, nil
}

// PaymentConfirmed applies a completed booking payment. Re-delivery after
// the booking left PENDING returns the booking with an AlreadyProcessed error.
func (s *LifecycleService) PaymentConfirmed(ctx context.Context, bookingID, transactionID uuid.UUID) (*models.Booking, error) {
	now := s.now()

	var (
		b  *models.Booking
		ev *models.LifecycleEvent
	)
	err := withBookingLock(ctx, s.locker, s.store, bookingID, func(tx database.Tx) error {
		var err error
		if b, err = loadBookingForUpdate(ctx, tx, bookingID); err != nil {
			return err
		}

		txn, err := tx.Transactions().GetByID(ctx, transactionID)
		if errors.Is(err, database.ErrNotFound) {
			return models.NewNotFoundError("transaction", transactionID)
		}
		if err != nil {
			return fmt.Errorf("failed to load transaction: %w", err)
		}
		if txn.BookingID != b.ID || txn.Kind != models.TransactionKindBookingPayment {
			return models.NewValidationError("transaction %s is not a payment for booking %s", txn.ID, b.ID)
		}

		ev, err = applyPaymentConfirmed(ctx, tx, b, txn, now)
		return err
	})
	if err != nil {
		return b, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":     b.ID,
		"transaction_id": transactionID,
	}).Info("Booking confirmed")

	s.events.emit(ctx, *ev)
	return b, nil
}

// CancelRequested cancels the booking for one of its parties. The refund is
// computed from the paid amount and the time left before start, recorded as
// a pending refund transaction in the same unit of work, and executed after
// commit; a failed refund never reverts the cancellation.
func (s *LifecycleService) CancelRequested(ctx context.Context, bookingID, actorID uuid.UUID, reason string) (*models.CancelBookingResponse, error) {
	now := s.now()

	var (
		b         *models.Booking
		from      models.BookingStatus
		paid      *models.Transaction
		refundTxn *models.Transaction
		refund    int64
		hours     float64
	)
	err := withBookingLock(ctx, s.locker, s.store, bookingID, func(tx database.Tx) error {
		var err error
		if b, err = loadBookingForUpdate(ctx, tx, bookingID); err != nil {
			return err
		}
		if err := authorize(b, actorID, models.CapabilityCancel); err != nil {
			return err
		}
		from = b.Status
		if !from.CanTransitionTo(models.BookingStatusCancelled) {
			return models.NewStateConflictError(from, "cancel")
		}

		paid, err = tx.Transactions().GetCompletedPayment(ctx, b.ID)
		if errors.Is(err, database.ErrNotFound) {
			paid = nil
		} else if err != nil {
			return fmt.Errorf("failed to load payment: %w", err)
		}

		hours = b.HoursUntilStart(now)
		if paid != nil {
			refund = CalculateRefund(paid.Amount, hours)
		}

		b.CancelledBy = &actorID
		if reason != "" {
			b.CancelReason = &reason
		}
		if err := transition(ctx, tx, b, models.BookingStatusCancelled, "cancel", now); err != nil {
			return err
		}

		if refund > 0 {
			refundTxn = newRefundTransaction(paid, refund, now)
			if err := tx.Transactions().Create(ctx, refundTxn); err != nil {
				return fmt.Errorf("failed to record refund: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":        b.ID,
		"actor_id":          actorID,
		"from":              from,
		"hours_until_start": hours,
		"refund_amount":     refund,
	}).Info("Booking cancelled")

	s.events.emit(ctx, statusChangedEvent(b, from, &actorID, TriggerCancel, reason, &refund, now))

	resp := &models.CancelBookingResponse{
		BookingID:    b.ID,
		Status:       b.Status,
		RefundAmount: refund,
		RefundStatus: RefundStatusNone,
		Currency:     b.Currency,
		HoursToStart: hours,
		CancelledAt:  now,
	}
	if refundTxn != nil {
		resp.RefundTxnID = &refundTxn.ID
		resp.RefundStatus = string(s.payments.executeRefund(context.WithoutCancel(ctx), paid, refundTxn))
	}
	return resp, nil
}

// SessionStarted creates the booking's session on first join; later joins are no-ops
func (s *LifecycleService) SessionStarted(ctx context.Context, bookingID, actorID uuid.UUID) (*models.Session, error) {
	now := s.now()

	var (
		sess    *models.Session
		created bool
	)
	err := withBookingLock(ctx, s.locker, s.store, bookingID, func(tx database.Tx) error {
		b, err := loadBookingForUpdate(ctx, tx, bookingID)
		if err != nil {
			return err
		}
		if err := authorize(b, actorID, models.CapabilityStartSession); err != nil {
			return err
		}
		if b.Status != models.BookingStatusConfirmed {
			return models.NewStateConflictError(b.Status, "start session for")
		}

		sess, err = tx.Sessions().GetByBookingID(ctx, b.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("failed to load session: %w", err)
		}

		sess = &models.Session{
			ID:        uuid.New(),
			BookingID: b.ID,
			StartedAt: now,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if created, err = tx.Sessions().Create(ctx, sess); err != nil {
			return err
		}
		if !created {
			sess, err = tx.Sessions().GetByBookingID(ctx, b.ID)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.logger.WithFields(logrus.Fields{
			"booking_id": bookingID,
			"session_id": sess.ID,
			"actor_id":   actorID,
		}).Info("Session started")
	}
	return sess, nil
}

// IssueCompletionOTP issues a completion code for a CONFIRMED booking. The
// provider requests it; the code is delivered to the provider, who hands it
// to the requester at the end of the session.
func (s *LifecycleService) IssueCompletionOTP(ctx context.Context, bookingID, actorID uuid.UUID) (*models.IssueOTPResponse, error) {
	var (
		b         *models.Booking
		code      string
		expiresAt time.Time
	)
	err := withBookingLock(ctx, s.locker, s.store, bookingID, func(tx database.Tx) error {
		var err error
		if b, err = loadBookingForUpdate(ctx, tx, bookingID); err != nil {
			return err
		}
		if err := authorize(b, actorID, models.CapabilityIssueOTP); err != nil {
			return err
		}
		if b.Status != models.BookingStatusConfirmed {
			return models.NewStateConflictError(b.Status, "issue completion code for")
		}
		if err := s.checkRate(ctx, "otp:issue:"+b.ID.String(), s.otpCfg.IssueLimit); err != nil {
			return err
		}

		code, expiresAt, err = s.otp.issue(ctx, tx, b.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"expires_at": expiresAt,
	}).Info("Completion code issued")

	s.events.emit(ctx, models.NewLifecycleEvent(models.EventCompletionOTPIssued, b.ID, s.now(), models.CompletionOTPData{
		RecipientID: b.ProviderID,
		Code:        code,
		ExpiresAt:   expiresAt,
	}))

	resp := &models.IssueOTPResponse{BookingID: b.ID, ExpiresAt: expiresAt}
	if s.otpCfg.Delivery == "response" {
		resp.Code = code
	}
	return resp, nil
}

// CompletionRequested completes a CONFIRMED booking when the requester
// presents the live completion code. The code is consumed, the session is
// ended and the chat window opened in the same unit of work.
func (s *LifecycleService) CompletionRequested(ctx context.Context, bookingID, actorID uuid.UUID, code string) (*models.Booking, error) {
	now := s.now()

	var (
		b         *models.Booking
		sess      *models.Session
		expiresAt time.Time
		opened    bool
	)
	err := withBookingLock(ctx, s.locker, s.store, bookingID, func(tx database.Tx) error {
		var err error
		if b, err = loadBookingForUpdate(ctx, tx, bookingID); err != nil {
			return err
		}
		if err := authorize(b, actorID, models.CapabilityComplete); err != nil {
			return err
		}
		if b.Status != models.BookingStatusConfirmed {
			return models.NewStateConflictError(b.Status, "complete")
		}
		if err := s.checkRate(ctx, "otp:verify:"+b.ID.String(), s.otpCfg.VerifyLimit); err != nil {
			return err
		}

		ok, err := s.otp.verifyAndConsume(ctx, tx, b.ID, code)
		if errors.Is(err, ErrMalformedOTP) {
			return models.NewValidationError("%s", err.Error())
		}
		if err != nil {
			return err
		}
		if !ok {
			return models.NewValidationError("invalid or expired completion code")
		}

		if err := transition(ctx, tx, b, models.BookingStatusCompleted, "complete", now); err != nil {
			return err
		}

		startedAt := now
		if b.StartTime.Before(now) {
			startedAt = b.StartTime
		}
		if sess, err = ensureSession(ctx, tx, b, startedAt, nil, now); err != nil {
			return err
		}

		endedAt := now
		if sess.EndedAt != nil {
			endedAt = *sess.EndedAt
		} else {
			if _, err := tx.Sessions().MarkEnded(ctx, sess.ID, now); err != nil {
				return fmt.Errorf("failed to end session: %w", err)
			}
			sess.EndedAt = &endedAt
		}

		expiresAt, opened, err = s.chat.Open(ctx, tx, sess, endedAt)
		return err
	})
	if err != nil {
		return b, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":      b.ID,
		"session_id":      sess.ID,
		"chat_expires_at": expiresAt,
	}).Info("Booking completed")

	events := []models.LifecycleEvent{statusChangedEvent(b, models.BookingStatusConfirmed, &actorID, TriggerCompletion, "", nil, now)}
	if opened {
		events = append(events, chatOpenedEvent(b, sess, expiresAt, now))
	}
	s.events.emit(ctx, events...)
	return b, nil
}

// ChatStatus reports whether the parties may still message each other
func (s *LifecycleService) ChatStatus(ctx context.Context, bookingID, actorID uuid.UUID) (*models.ChatStatusResponse, error) {
	b, err := s.store.Bookings().GetByID(ctx, bookingID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, models.NewNotFoundError("booking", bookingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	if err := authorize(b, actorID, models.CapabilityViewChat); err != nil {
		return nil, err
	}

	sess, err := s.store.Sessions().GetByBookingID(ctx, b.ID)
	if errors.Is(err, database.ErrNotFound) {
		sess = nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return s.chat.Status(b, sess, s.now()), nil
}

func (s *LifecycleService) checkRate(ctx context.Context, key string, limit int) error {
	if limit <= 0 {
		return nil
	}
	_, err := s.limiter.Check(ctx, key, limit, s.otpCfg.RateWindowSeconds)
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return models.NewRateLimitedError(int(math.Ceil(rl.RetryAfter.Seconds())))
	}
	if err != nil {
		return fmt.Errorf("rate limiter unavailable: %w", err)
	}
	return nil
}

// ensureSession returns the booking's session, creating it when absent
func ensureSession(ctx context.Context, tx database.Tx, b *models.Booking, startedAt time.Time, endedAt *time.Time, now time.Time) (*models.Session, error) {
	sess, err := tx.Sessions().GetByBookingID(ctx, b.ID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	sess = &models.Session{
		ID:        uuid.New(),
		BookingID: b.ID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := tx.Sessions().Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

func newRefundTransaction(paid *models.Transaction, amount int64, now time.Time) *models.Transaction {
	return &models.Transaction{
		ID:        uuid.New(),
		BookingID: paid.BookingID,
		Kind:      models.TransactionKindRefund,
		Gateway:   paid.Gateway,
		ParentID:  &paid.ID,
		Amount:    amount,
		Currency:  paid.Currency,
		Status:    models.TransactionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
