package handlers

import (
	"io"
	"net/http"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxWebhookBody = 1 << 20

// PaymentHandler handles booking payments and gateway callbacks
type PaymentHandler struct {
	payments *services.PaymentService
	logger   *logrus.Logger
}

// NewPaymentHandler creates a new PaymentHandler
func NewPaymentHandler(payments *services.PaymentService, logger *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, logger: logger}
}

// CreatePayment starts a payment for a PENDING booking
// @Summary Create a payment intent
// @Tags Payments
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param request body models.CreatePaymentRequest true "Gateway and payer"
// @Success 201 {object} models.CreatePaymentResponse
// @Failure 409 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/bookings/{id}/payments [post]
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	userCtx, ok := currentUser(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	resp, err := h.payments.CreateIntent(c.Request.Context(), bookingID, userCtx.UserID, &req, clientInfo(c))
	if err != nil {
		respondError(c, h.logger, err, "create payment")
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// GetPaymentStatus verifies a payment with its gateway and applies the result
// @Summary Check payment status
// @Tags Payments
// @Produce json
// @Param id path string true "Booking ID"
// @Param txnId path string true "Transaction ID"
// @Success 200 {object} models.PaymentStatusResponse
// @Security BearerAuth
// @Router /api/v1/bookings/{id}/payments/{txnId}/status [get]
func (h *PaymentHandler) GetPaymentStatus(c *gin.Context) {
	userCtx, ok := currentUser(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	txnID, ok := uuidParam(c, "txnId")
	if !ok {
		return
	}

	resp, err := h.payments.CheckStatus(c.Request.Context(), bookingID, txnID, userCtx.UserID)
	if err != nil && !(models.IsAlreadyProcessed(err) && resp != nil) {
		respondError(c, h.logger, err, "check payment status")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Webhook accepts a gateway callback. The payload only names the payment;
// its status is always fetched from the gateway before anything is applied.
// Callbacks the gateway should not retry are acknowledged with 200.
// @Summary Payment gateway webhook
// @Tags Payments
// @Accept json
// @Produce json
// @Param gateway path string true "Gateway name"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} ErrorResponse
// @Router /api/v1/payments/webhooks/{gateway} [post]
func (h *PaymentHandler) Webhook(c *gin.Context) {
	gateway := c.Param("gateway")
	if !h.knownGateway(gateway) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: string(models.KindNotFound), Message: "Unknown gateway"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, "Failed to read webhook body", nil)
		return
	}

	resp, err := h.payments.HandleWebhook(c.Request.Context(), gateway, body, c.Request.Header, clientInfo(c))
	switch {
	case err == nil && resp == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case models.IsAlreadyProcessed(err):
		c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
	case models.KindOf(err) == models.KindNotFound:
		// a reference we never issued; retrying will not help
		c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
	default:
		respondError(c, h.logger, err, "process webhook")
	}
}

func (h *PaymentHandler) knownGateway(name string) bool {
	for _, g := range h.payments.Gateways() {
		if g == name {
			return true
		}
	}
	return false
}
