package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/config"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/database"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrSweepInProgress is returned when a tick is requested while one is running
var ErrSweepInProgress = errors.New("sweep already in progress")

// staleCancelReason is recorded on bookings the sweep cancels
const staleCancelReason = "payment not completed in time"

type sweepOutcome int

const (
	outcomeSkipped sweepOutcome = iota
	outcomeCancelled
	outcomeConfirmed
	outcomeCompleted
	outcomeChatClosed
)

// SweepFailure is one action that could not be applied
type SweepFailure struct {
	BookingID uuid.UUID       `json:"booking_id"`
	Action    SweepActionKind `json:"action"`
	Error     string          `json:"error"`
}

// SweepReport aggregates one tick
type SweepReport struct {
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	Planned     int            `json:"planned"`
	Cancelled   int            `json:"cancelled"`
	Confirmed   int            `json:"confirmed"`
	Completed   int            `json:"completed"`
	ChatsClosed int            `json:"chats_closed"`
	Skipped     int            `json:"skipped"`
	Failures    []SweepFailure `json:"failures"`
}

// SweepStatus is the sweeper state exposed to operators
type SweepStatus struct {
	Running    bool         `json:"running"`
	LastReport *SweepReport `json:"last_report,omitempty"`
}

// LifecycleSweeper applies the time-based transitions. Ticks are single
// flight; actions of a tick run in parallel across bookings through the same
// per-booking lock as user events.
type LifecycleSweeper struct {
	store     database.Store
	lifecycle *LifecycleService
	rules     SweepRules
	batchSize int
	workers   int
	logger    *logrus.Logger
	now       func() time.Time

	running atomic.Bool
	mu      sync.Mutex
	last    *SweepReport
}

// NewLifecycleSweeper creates a sweeper for cfg
func NewLifecycleSweeper(store database.Store, lifecycle *LifecycleService, cfg config.LifecycleConfig, logger *logrus.Logger) *LifecycleSweeper {
	workers := cfg.SweepWorkers
	if workers < 1 {
		workers = 1
	}
	return &LifecycleSweeper{
		store:     store,
		lifecycle: lifecycle,
		rules: SweepRules{
			StalePendingAfter:  cfg.StalePendingAfter,
			CompletionLookback: cfg.CompletionLookback,
		},
		batchSize: cfg.SweepBatchSize,
		workers:   workers,
		logger:    logger,
		now:       time.Now,
	}
}

// RunOnce runs one tick. A failure on one booking is recorded in the report
// and never stops the others.
func (s *LifecycleSweeper) RunOnce(ctx context.Context) (*SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.running.Store(false)

	now := s.now()
	candidates, err := s.collect(ctx, now)
	if err != nil {
		return nil, err
	}
	actions := PlanSweep(now, s.rules, candidates)

	report := &SweepReport{StartedAt: now, Planned: len(actions), Failures: []SweepFailure{}}
	var mu sync.Mutex
	record := func(a SweepAction, outcome sweepOutcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			report.Failures = append(report.Failures, SweepFailure{BookingID: a.BookingID, Action: a.Kind, Error: err.Error()})
			return
		}
		switch outcome {
		case outcomeCancelled:
			report.Cancelled++
		case outcomeConfirmed:
			report.Confirmed++
		case outcomeCompleted:
			report.Completed++
		case outcomeChatClosed:
			report.ChatsClosed++
		default:
			report.Skipped++
		}
	}

	// cancellations land before completions
	for _, kind := range []SweepActionKind{SweepCancelStale, SweepAutoComplete, SweepCloseChat} {
		var g errgroup.Group
		g.SetLimit(s.workers)
		for _, a := range actions {
			if a.Kind != kind {
				continue
			}
			a := a
			g.Go(func() error {
				outcome, err := s.apply(ctx, a, now)
				record(a, outcome, err)
				return nil
			})
		}
		g.Wait()
	}

	report.FinishedAt = s.now()
	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	entry := s.logger.WithFields(logrus.Fields{
		"planned":      report.Planned,
		"cancelled":    report.Cancelled,
		"confirmed":    report.Confirmed,
		"completed":    report.Completed,
		"chats_closed": report.ChatsClosed,
		"skipped":      report.Skipped,
		"failures":     len(report.Failures),
		"duration_ms":  report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	})
	if len(report.Failures) > 0 {
		for _, f := range report.Failures {
			s.logger.WithFields(logrus.Fields{
				"booking_id": f.BookingID,
				"action":     f.Action,
			}).Warn("Sweep action failed: " + f.Error)
		}
		entry.Warn("Lifecycle sweep finished with failures")
	} else {
		entry.Info("Lifecycle sweep finished")
	}

	return report, nil
}

// Status reports whether a tick is running and the last finished report
func (s *LifecycleSweeper) Status() SweepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SweepStatus{Running: s.running.Load(), LastReport: s.last}
}

func (s *LifecycleSweeper) collect(ctx context.Context, now time.Time) (SweepCandidates, error) {
	var c SweepCandidates
	var err error

	c.StalePending, err = s.store.Bookings().ListStalePending(ctx, now.Add(-s.rules.StalePendingAfter), s.batchSize)
	if err != nil {
		return c, fmt.Errorf("failed to list stale bookings: %w", err)
	}
	c.EndedWithoutSession, err = s.store.Bookings().ListEndedWithoutSession(ctx, now.Add(-s.rules.CompletionLookback), now, s.batchSize)
	if err != nil {
		return c, fmt.Errorf("failed to list ended bookings: %w", err)
	}
	c.ExpiredChats, err = s.store.Sessions().ListExpiredChats(ctx, now, s.batchSize)
	if err != nil {
		return c, fmt.Errorf("failed to list expired chats: %w", err)
	}
	return c, nil
}

func (s *LifecycleSweeper) apply(ctx context.Context, a SweepAction, now time.Time) (sweepOutcome, error) {
	switch a.Kind {
	case SweepCancelStale:
		return s.lifecycle.cancelStale(ctx, a.BookingID, now, s.rules.StalePendingAfter)
	case SweepAutoComplete:
		return s.lifecycle.autoComplete(ctx, a.BookingID, now)
	case SweepCloseChat:
		return s.lifecycle.closeChat(ctx, a.BookingID, now)
	default:
		return outcomeSkipped, fmt.Errorf("unknown sweep action %q", a.Kind)
	}
}

// cancelStale cancels a PENDING booking whose payment never completed. Open
// payments are verified first; one that completed confirms the booking instead.
func (s *LifecycleService) cancelStale(ctx context.Context, bookingID uuid.UUID, now time.Time, staleAfter time.Duration) (sweepOutcome, error) {
	confirmed, err := s.payments.ReconcileOpenPayments(ctx, bookingID)
	if err != nil {
		// a payment landing after the cancel is refunded by reconciliation
		s.logger.WithError(err).WithField("booking_id", bookingID).Warn("Could not verify open payments before stale cancel")
	}
	if confirmed {
		return outcomeConfirmed, nil
	}

	var (
		b      *models.Booking
		ev     *models.LifecycleEvent
		result = outcomeSkipped
	)
	err = withBookingLock(ctx, s.locker, s.store, bookingID, func(tx database.Tx) error {
		var err error
		if b, err = loadBookingForUpdate(ctx, tx, bookingID); err != nil {
			return err
		}
		if err := authorize(b, models.SystemActorID, models.CapabilitySweep); err != nil {
			return err
		}
		if b.Status != models.BookingStatusPending || !b.CreatedAt.Before(now.Add(-staleAfter)) {
			return nil
		}

		paid, err := tx.Transactions().GetCompletedPayment(ctx, b.ID)
		if err == nil {
			if ev, err = applyPaymentConfirmed(ctx, tx, b, paid, now); err != nil {
				return err
			}
			result = outcomeConfirmed
			return nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("failed to load payment: %w", err)
		}

		reason := staleCancelReason
		b.CancelReason = &reason
		if err := transition(ctx, tx, b, models.BookingStatusCancelled, "cancel", now); err != nil {
			return err
		}
		var zero int64
		e := statusChangedEvent(b, models.BookingStatusPending, nil, TriggerSweep, reason, &zero, now)
		ev = &e
		result = outcomeCancelled
		return nil
	})
	if err != nil {
		return outcomeSkipped, err
	}

	if ev != nil {
		s.logger.WithFields(logrus.Fields{
			"booking_id": bookingID,
			"status":     b.Status,
		}).Info("Sweep settled stale booking")
		s.events.emit(ctx, *ev)
	}
	return result, nil
}

// autoComplete completes a CONFIRMED booking whose end time passed without
// anyone starting the session. The session is recorded as the scheduled slot.
func (s *LifecycleService) autoComplete(ctx context.Context, bookingID uuid.UUID, now time.Time) (sweepOutcome, error) {
	var (
		b         *models.Booking
		sess      *models.Session
		expiresAt time.Time
		opened    bool
		done      bool
	)
	err := withBookingLock(ctx, s.locker, s.store, bookingID, func(tx database.Tx) error {
		var err error
		if b, err = loadBookingForUpdate(ctx, tx, bookingID); err != nil {
			return err
		}
		if err := authorize(b, models.SystemActorID, models.CapabilitySweep); err != nil {
			return err
		}
		if b.Status != models.BookingStatusConfirmed || b.EndTime.After(now) {
			return nil
		}
		_, err = tx.Sessions().GetByBookingID(ctx, b.ID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("failed to load session: %w", err)
		}

		if err := transition(ctx, tx, b, models.BookingStatusCompleted, "complete", now); err != nil {
			return err
		}
		endedAt := b.EndTime
		if sess, err = ensureSession(ctx, tx, b, b.StartTime, &endedAt, now); err != nil {
			return err
		}
		if expiresAt, opened, err = s.chat.Open(ctx, tx, sess, endedAt); err != nil {
			return err
		}
		done = true
		return nil
	})
	if err != nil {
		return outcomeSkipped, err
	}
	if !done {
		return outcomeSkipped, nil
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":      b.ID,
		"session_id":      sess.ID,
		"chat_expires_at": expiresAt,
	}).Info("Sweep completed ended booking")

	events := []models.LifecycleEvent{statusChangedEvent(b, models.BookingStatusConfirmed, nil, TriggerSweep, "session ended", nil, now)}
	if opened {
		events = append(events, chatOpenedEvent(b, sess, expiresAt, now))
	}
	s.events.emit(ctx, events...)
	return outcomeCompleted, nil
}

// closeChat clears an elapsed chat window
func (s *LifecycleService) closeChat(ctx context.Context, bookingID uuid.UUID, now time.Time) (sweepOutcome, error) {
	var (
		sess   *models.Session
		closed bool
	)
	err := withBookingLock(ctx, s.locker, s.store, bookingID, func(tx database.Tx) error {
		var err error
		sess, err = tx.Sessions().GetByBookingID(ctx, bookingID)
		if errors.Is(err, database.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		closed, err = s.chat.Close(ctx, tx, sess, now)
		return err
	})
	if err != nil {
		return outcomeSkipped, err
	}
	if !closed {
		return outcomeSkipped, nil
	}

	s.events.emit(ctx, models.NewLifecycleEvent(models.EventChatWindowClosed, bookingID, now, models.ChatWindowData{
		SessionID: sess.ID,
	}))
	return outcomeChatClosed, nil
}
