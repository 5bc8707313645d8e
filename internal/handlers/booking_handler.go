package handlers

import (
	"net/http"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/models"
	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// BookingHandler exposes the booking lifecycle to requesters and providers
type BookingHandler struct {
	lifecycle *services.LifecycleService
	logger    *logrus.Logger
}

// NewBookingHandler creates a new BookingHandler
func NewBookingHandler(lifecycle *services.LifecycleService, logger *logrus.Logger) *BookingHandler {
	return &BookingHandler{lifecycle: lifecycle, logger: logger}
}

// CreateBooking creates a PENDING booking for the caller
// @Summary Create a booking
// @Tags Bookings
// @Accept json
// @Produce json
// @Param request body models.CreateBookingRequest true "Booking request"
// @Success 201 {object} models.Booking
// @Failure 400 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/bookings [post]
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	userCtx, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	booking, err := h.lifecycle.CreateBooking(c.Request.Context(), userCtx.UserID, &req)
	if err != nil {
		respondError(c, h.logger, err, "create booking")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"booking_id":  booking.ID,
		"provider_id": booking.ProviderID,
		"amount":      booking.Amount,
	}).Info("Booking created")
	c.JSON(http.StatusCreated, booking)
}

// GetBooking returns a booking the caller is a party to
// @Summary Get a booking
// @Tags Bookings
// @Produce json
// @Param id path string true "Booking ID"
// @Success 200 {object} models.Booking
// @Failure 403 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/bookings/{id} [get]
func (h *BookingHandler) GetBooking(c *gin.Context) {
	userCtx, ok := currentUser(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	booking, err := h.lifecycle.GetBooking(c.Request.Context(), bookingID, userCtx.UserID)
	if err != nil {
		respondError(c, h.logger, err, "get booking")
		return
	}
	c.JSON(http.StatusOK, booking)
}

// CancelBooking cancels a booking and refunds per the cancellation window
// @Summary Cancel a booking
// @Tags Bookings
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param request body models.CancelBookingRequest false "Cancellation reason"
// @Success 200 {object} models.CancelBookingResponse
// @Failure 409 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/bookings/{id}/cancel [post]
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	userCtx, ok := currentUser(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	// the body is optional
	var req models.CancelBookingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body", err)
			return
		}
	}

	resp, err := h.lifecycle.CancelRequested(c.Request.Context(), bookingID, userCtx.UserID, req.Reason)
	if err != nil {
		respondError(c, h.logger, err, "cancel booking")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// StartSession records that the consultation has begun
// @Summary Start the session
// @Tags Bookings
// @Produce json
// @Param id path string true "Booking ID"
// @Success 200 {object} models.Session
// @Failure 409 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/bookings/{id}/start [post]
func (h *BookingHandler) StartSession(c *gin.Context) {
	userCtx, ok := currentUser(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	session, err := h.lifecycle.SessionStarted(c.Request.Context(), bookingID, userCtx.UserID)
	if err != nil {
		respondError(c, h.logger, err, "start session")
		return
	}
	c.JSON(http.StatusOK, session)
}

// IssueCompletionOTP issues the code the provider hands to the requester
// @Summary Issue a completion code
// @Tags Bookings
// @Produce json
// @Param id path string true "Booking ID"
// @Success 200 {object} models.IssueOTPResponse
// @Failure 429 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/bookings/{id}/completion-otp [post]
func (h *BookingHandler) IssueCompletionOTP(c *gin.Context) {
	userCtx, ok := currentUser(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	resp, err := h.lifecycle.IssueCompletionOTP(c.Request.Context(), bookingID, userCtx.UserID)
	if err != nil {
		respondError(c, h.logger, err, "issue completion code")
		return
	}
	c.JSON(http.StatusOK, resp)
}

// CompleteBooking completes a confirmed booking with the completion code
// @Summary Complete a booking
// @Tags Bookings
// @Accept json
// @Produce json
// @Param id path string true "Booking ID"
// @Param request body models.CompleteBookingRequest true "Completion code"
// @Success 200 {object} models.Booking
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Security BearerAuth
// @Router /api/v1/bookings/{id}/complete [post]
func (h *BookingHandler) CompleteBooking(c *gin.Context) {
	userCtx, ok := currentUser(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var req models.CompleteBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	booking, err := h.lifecycle.CompletionRequested(c.Request.Context(), bookingID, userCtx.UserID, req.OTP)
	if err != nil {
		respondError(c, h.logger, err, "complete booking")
		return
	}
	c.JSON(http.StatusOK, booking)
}

// GetChatStatus reports whether the post-session chat is open
// @Summary Chat window status
// @Tags Bookings
// @Produce json
// @Param id path string true "Booking ID"
// @Success 200 {object} models.ChatStatusResponse
// @Security BearerAuth
// @Router /api/v1/bookings/{id}/chat [get]
func (h *BookingHandler) GetChatStatus(c *gin.Context) {
	userCtx, ok := currentUser(c)
	if !ok {
		return
	}
	bookingID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	status, err := h.lifecycle.ChatStatus(c.Request.Context(), bookingID, userCtx.UserID)
	if err != nil {
		respondError(c, h.logger, err, "get chat status")
		return
	}
	c.JSON(http.StatusOK, status)
}
