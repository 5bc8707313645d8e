package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/config"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/database"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/middleware"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/services"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/pkg/jwt"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/pkg/payment"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/pkg/payment/paymenttest"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type apiHarness struct {
	router *gin.Engine
	jwt    *jwt.Service
	gw     *paymenttest.Gateway
	store  *database.MemoryStore
	events *services.RecordingPublisher

	requester uuid.UUID
	provider  uuid.UUID
	admin     uuid.UUID
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &apiHarness{
		jwt:       jwt.NewService("handler-test-secret-0123456789", "chillconnect-test", time.Hour),
		gw:        paymenttest.NewGateway(payment.GatewayStripe, true),
		store:     database.NewMemoryStore(),
		events:    &services.RecordingPublisher{},
		requester: uuid.New(),
		provider:  uuid.New(),
		admin:     uuid.New(),
	}

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
		SweepWorkers:       2,
		SweepBatchSize:     50,
	}

	locker := services.NewKeyedLocker()
	limiter := services.NewMemoryRateLimiter()
	payments := services.NewPaymentService(h.store, payment.NewRegistry(h.gw), locker, h.events, logger)
	lifecycle := services.NewLifecycleService(h.store, locker, payments, services.NewOTPService(h.store, otpCfg),
		services.NewChatWindowManager(lifecycleCfg.ChatWindow), limiter, h.events, otpCfg, lifecycleCfg, logger)
	sweeper := services.NewLifecycleSweeper(h.store, lifecycle, lifecycleCfg, logger)

	h.router = gin.New()
	RegisterRoutes(h.router.Group("/api/v1"), Routes{
		Bookings: NewBookingHandler(lifecycle, logger),
		Payments: NewPaymentHandler(payments, logger),
		Sweeps:   NewSweepHandler(sweeper, nil, logger),
		Auth:     middleware.AuthMiddleware(h.jwt, logger),
	})
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}, actor uuid.UUID, roles ...string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != uuid.Nil {
		if len(roles) == 0 {
			roles = []string{models.PlatformRoleUser}
		}
		token, err := h.jwt.GenerateAccessToken(actor, roles)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) webhook(t *testing.T, gateway string, body string, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/api/v1/payments/webhooks/"+gateway, bytes.NewBufferString(body))
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (h *apiHarness) createBooking(t *testing.T, startIn time.Duration) models.Booking {
	t.Helper()
	start := time.Now().Add(startIn).Truncate(time.Second)
	w := h.do(t, "POST", "/api/v1/bookings", gin.H{
		"provider_id": h.provider.String(),
		"start_time":  start,
		"end_time":    start.Add(time.Hour),
		"amount":      2000,
		"currency":    "usd",
	}, h.requester)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Booking](t, w)
}

func (h *apiHarness) createPayment(t *testing.T, bookingID uuid.UUID) (models.CreatePaymentResponse, string) {
	t.Helper()
	w := h.do(t, "POST", "/api/v1/bookings/"+bookingID.String()+"/payments", gin.H{"gateway": payment.GatewayStripe}, h.requester)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[models.CreatePaymentResponse](t, w)

	txn, err := h.store.Transactions().GetByID(t.Context(), resp.TransactionID)
	require.NoError(t, err)
	return resp, *txn.GatewayRef
}

func TestBookingFlow_EndToEnd(t *testing.T) {
	h := newAPIHarness(t)
	booking := h.createBooking(t, 48*time.Hour)
	assert.Equal(t, models.BookingStatusPending, booking.Status)
	assert.Equal(t, "USD", booking.Currency)

	pay, ref := h.createPayment(t, booking.ID)
	h.gw.Settle(ref, payment.StatusCompleted, 2000)

	w := h.do(t, "GET", "/api/v1/bookings/"+booking.ID.String()+"/payments/"+pay.TransactionID.String()+"/status", nil, h.requester)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	status := decode[models.PaymentStatusResponse](t, w)
	assert.Equal(t, models.BookingStatusConfirmed, status.BookingStatus)
	assert.False(t, status.AlreadyProcessed)

	w = h.do(t, "POST", "/api/v1/bookings/"+booking.ID.String()+"/start", nil, h.provider)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(t, "POST", "/api/v1/bookings/"+booking.ID.String()+"/completion-otp", nil, h.provider)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	otp := decode[models.IssueOTPResponse](t, w)
	require.Len(t, otp.Code, services.OTPLength)

	w = h.do(t, "POST", "/api/v1/bookings/"+booking.ID.String()+"/complete", gin.H{"otp": otp.Code}, h.requester)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.BookingStatusCompleted, decode[models.Booking](t, w).Status)

	w = h.do(t, "GET", "/api/v1/bookings/"+booking.ID.String()+"/chat", nil, h.provider)
	require.Equal(t, http.StatusOK, w.Code)
	chat := decode[models.ChatStatusResponse](t, w)
	assert.True(t, chat.Open)
	require.NotNil(t, chat.ExpiresAt)

	assert.Len(t, h.events.Events(models.EventBookingStatusChanged), 2)
	assert.Len(t, h.events.Events(models.EventChatWindowOpened), 1)
}

func TestCompleteBooking_WrongCodeIsValidationError(t *testing.T) {
	h := newAPIHarness(t)
	booking := h.createBooking(t, 48*time.Hour)
	pay, ref := h.createPayment(t, booking.ID)
	h.gw.Settle(ref, payment.StatusCompleted, 2000)
	h.do(t, "GET", "/api/v1/bookings/"+booking.ID.String()+"/payments/"+pay.TransactionID.String()+"/status", nil, h.requester)

	w := h.do(t, "POST", "/api/v1/bookings/"+booking.ID.String()+"/completion-otp", nil, h.requester)
	assert.Equal(t, http.StatusForbidden, w.Code, "only the provider issues the code")

	w = h.do(t, "POST", "/api/v1/bookings/"+booking.ID.String()+"/complete", gin.H{"otp": "000000"}, h.requester)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(models.KindValidation), decode[ErrorResponse](t, w).Error)
}

func TestCancelBooking(t *testing.T) {
	h := newAPIHarness(t)
	booking := h.createBooking(t, 48*time.Hour)
	path := "/api/v1/bookings/" + booking.ID.String() + "/cancel"

	w := h.do(t, "POST", path, nil, uuid.New())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, string(models.KindAccessDenied), decode[ErrorResponse](t, w).Error)

	w = h.do(t, "POST", path, gin.H{"reason": "schedule clash"}, h.requester)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.CancelBookingResponse](t, w)
	assert.Equal(t, models.BookingStatusCancelled, resp.Status)
	assert.Equal(t, int64(0), resp.RefundAmount)

	w = h.do(t, "POST", path, nil, h.provider)
	assert.Equal(t, http.StatusConflict, w.Code)
	errResp := decode[ErrorResponse](t, w)
	assert.Equal(t, string(models.KindStateConflict), errResp.Error)
	assert.Equal(t, models.BookingStatusCancelled, errResp.CurrentStatus)
}

func TestCancelBooking_RefundsPaidBooking(t *testing.T) {
	h := newAPIHarness(t)
	booking := h.createBooking(t, 48*time.Hour)
	pay, ref := h.createPayment(t, booking.ID)
	h.gw.Settle(ref, payment.StatusCompleted, 2000)
	h.do(t, "GET", "/api/v1/bookings/"+booking.ID.String()+"/payments/"+pay.TransactionID.String()+"/status", nil, h.requester)

	w := h.do(t, "POST", "/api/v1/bookings/"+booking.ID.String()+"/cancel", nil, h.requester)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[models.CancelBookingResponse](t, w)
	assert.Equal(t, int64(2000), resp.RefundAmount)
	assert.Equal(t, int64(2000), h.gw.RefundedTotal(ref))
}

func TestRequestValidation(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, "GET", "/api/v1/bookings/not-a-uuid", nil, h.requester)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, "GET", "/api/v1/bookings/"+uuid.NewString(), nil, uuid.Nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, "GET", "/api/v1/bookings/"+uuid.NewString(), nil, h.requester)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, "POST", "/api/v1/bookings", gin.H{"provider_id": h.provider.String()}, h.requester)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	booking := h.createBooking(t, 48*time.Hour)
	w = h.do(t, "POST", "/api/v1/bookings/"+booking.ID.String()+"/payments", gin.H{"gateway": "paypal"}, h.requester)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook(t *testing.T) {
	h := newAPIHarness(t)
	booking := h.createBooking(t, 48*time.Hour)
	_, ref := h.createPayment(t, booking.ID)
	h.gw.Settle(ref, payment.StatusCompleted, 2000)

	w := h.webhook(t, "paypal", `{"ref":"x"}`, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.webhook(t, payment.GatewayStripe, `{"ref":"`+ref+`"}`, "bad")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.webhook(t, payment.GatewayStripe, `{"ref":"stripe_999"}`, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "acknowledged")

	w = h.webhook(t, payment.GatewayStripe, `{"ref":"`+ref+`"}`, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	first := decode[models.PaymentStatusResponse](t, w)
	assert.Equal(t, models.BookingStatusConfirmed, first.BookingStatus)
	assert.False(t, first.AlreadyProcessed)

	w = h.webhook(t, payment.GatewayStripe, `{"ref":"`+ref+`"}`, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.PaymentStatusResponse](t, w).AlreadyProcessed)

	assert.Len(t, h.events.Events(models.EventBookingStatusChanged), 1)
}

func TestWebhook_GatewayOutageIsRetryable(t *testing.T) {
	h := newAPIHarness(t)
	booking := h.createBooking(t, 48*time.Hour)
	_, ref := h.createPayment(t, booking.ID)
	h.gw.VerifyErr = errors.New("connection reset")

	w := h.webhook(t, payment.GatewayStripe, `{"ref":"`+ref+`"}`, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, string(models.KindGateway), decode[ErrorResponse](t, w).Error)
}

func TestAdminSweep(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, "POST", "/api/v1/admin/sweep/run", nil, h.requester)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = h.do(t, "POST", "/api/v1/admin/sweep/run", nil, h.admin, models.PlatformRoleUser, models.PlatformRoleAdmin)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[services.SweepReport](t, w)
	assert.Zero(t, report.Planned)

	w = h.do(t, "GET", "/api/v1/admin/sweep/status", nil, h.admin, models.PlatformRoleAdmin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "last_report")
}

func TestRespondError_InfrastructureFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/", nil)

	respondError(c, logger, errors.New("pq: connection refused"), "load booking")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "pq:")
}
