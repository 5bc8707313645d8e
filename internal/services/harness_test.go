package services

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/config"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/database"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/pkg/payment"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/pkg/payment/paymenttest"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type harness struct {
	clock     *testClock
	store     *database.MemoryStore
	gw        *paymenttest.Gateway
	events    *RecordingPublisher
	limiter   *MemoryRateLimiter
	otp       *OTPService
	payments  *PaymentService
	lifecycle *LifecycleService
	sweeper   *LifecycleSweeper

	requester uuid.UUID
	provider  uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		clock:     newTestClock(),
		store:     database.NewMemoryStore(),
		gw:        paymenttest.NewGateway("fakepay", false),
		events:    &RecordingPublisher{},
		limiter:   NewMemoryRateLimiter(),
		requester: uuid.New(),
		provider:  uuid.New(),
	}
	h.limiter.now = h.clock.Now

	logger := quietLogger()
	locker := NewKeyedLocker()
	otpCfg := config.OTPConfig{
		Expiry:            15 * time.Minute,
		Delivery:          "response",
		IssueLimit:        5,
		VerifyLimit:       5,
		RateWindowSeconds: 900,
		BcryptCost:        bcrypt.MinCost,
	}
	lifecycleCfg := config.LifecycleConfig{
		StalePendingAfter:  30 * time.Minute,
		CompletionLookback: time.Hour,
		ChatWindow:         24 * time.Hour,
		SweepWorkers:       4,
		SweepBatchSize:     100,
	}

	h.otp = NewOTPService(h.store, otpCfg)
	h.otp.now = h.clock.Now

	h.payments = NewPaymentService(h.store, payment.NewRegistry(h.gw), locker, h.events, logger)
	h.payments.now = h.clock.Now

	h.lifecycle = NewLifecycleService(h.store, locker, h.payments, h.otp, NewChatWindowManager(lifecycleCfg.ChatWindow),
		h.limiter, h.events, otpCfg, lifecycleCfg, logger)
	h.lifecycle.now = h.clock.Now

	h.sweeper = NewLifecycleSweeper(h.store, h.lifecycle, lifecycleCfg, logger)
	h.sweeper.now = h.clock.Now

	return h
}

// booking creates a PENDING booking starting in startIn, lasting one hour
func (h *harness) booking(t *testing.T, startIn time.Duration, amount int64) *models.Booking {
	t.Helper()
	start := h.clock.Now().Add(startIn)
	b, err := h.lifecycle.CreateBooking(context.Background(), h.requester, &models.CreateBookingRequest{
		ProviderID: h.provider.String(),
		StartTime:  start,
		EndTime:    start.Add(time.Hour),
		Amount:     amount,
		Currency:   "usd",
	})
	require.NoError(t, err)
	return b
}

// pay opens an intent for b and settles it as completed at the gateway
func (h *harness) pay(t *testing.T, b *models.Booking) *models.CreatePaymentResponse {
	t.Helper()
	resp, err := h.payments.CreateIntent(context.Background(), b.ID, h.requester,
		&models.CreatePaymentRequest{Gateway: "fakepay"}, ClientInfo{})
	require.NoError(t, err)

	txn, err := h.store.Transactions().GetByID(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	h.gw.Settle(*txn.GatewayRef, payment.StatusCompleted, b.Amount)
	return resp
}

// confirmed creates a booking and drives it to CONFIRMED through a verified payment
func (h *harness) confirmed(t *testing.T, startIn time.Duration, amount int64) (*models.Booking, uuid.UUID) {
	t.Helper()
	b := h.booking(t, startIn, amount)
	resp := h.pay(t, b)

	status, err := h.payments.CheckStatus(context.Background(), b.ID, resp.TransactionID, h.requester)
	require.NoError(t, err)
	require.Equal(t, models.BookingStatusConfirmed, status.BookingStatus)
	return h.reload(t, b.ID), resp.TransactionID
}

func (h *harness) reload(t *testing.T, id uuid.UUID) *models.Booking {
	t.Helper()
	b, err := h.store.Bookings().GetByID(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (h *harness) transactions(t *testing.T, bookingID uuid.UUID, kind models.TransactionKind) []models.Transaction {
	t.Helper()
	all, err := h.store.Transactions().ListByBooking(context.Background(), bookingID)
	require.NoError(t, err)
	out := []models.Transaction{}
	for _, txn := range all {
		if txn.Kind == kind {
			out = append(out, txn)
		}
	}
	return out
}
