package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// BOOKING STATUS (matches DB ENUM: booking_status)
// ============================================================================

// BookingStatus represents the lifecycle status of a booking
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "PENDING"   // Created, waiting for payment
	BookingStatusConfirmed BookingStatus = "CONFIRMED" // Payment captured
	BookingStatusCompleted BookingStatus = "COMPLETED" // Session held (terminal)
	BookingStatusCancelled BookingStatus = "CANCELLED" // Cancelled by a party or the sweeper (terminal)
)

// validBookingTransitions is the complete edge set of the booking lifecycle.
var validBookingTransitions = map[BookingStatus][]BookingStatus{
	BookingStatusPending:   {BookingStatusConfirmed, BookingStatusCancelled},
	BookingStatusConfirmed: {BookingStatusCompleted, BookingStatusCancelled},
	BookingStatusCompleted: {},
	BookingStatusCancelled: {},
}

// IsValid reports whether s is a known booking status
func (s BookingStatus) IsValid() bool {
	_, ok := validBookingTransitions[s]
	return ok
}

// CanTransitionTo reports whether the lifecycle has an edge from s to target
func (s BookingStatus) CanTransitionTo(target BookingStatus) bool {
	for _, allowed := range validBookingTransitions[s] {
		if allowed == target {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s
func (s BookingStatus) IsTerminal() bool {
	return s == BookingStatusCompleted || s == BookingStatusCancelled
}

// Booking is a scheduled paid consultation between a requester and a provider.
// Amounts are stored in the currency's minor unit (cents).
type Booking struct {
	ID            uuid.UUID     `json:"id" db:"id"`
	RequesterID   uuid.UUID     `json:"requester_id" db:"requester_id"`
	ProviderID    uuid.UUID     `json:"provider_id" db:"provider_id"`
	StartTime     time.Time     `json:"start_time" db:"start_time"`
	EndTime       time.Time     `json:"end_time" db:"end_time"`
	Amount        int64         `json:"amount" db:"amount"`
	Currency      string        `json:"currency" db:"currency"`
	Status        BookingStatus `json:"status" db:"status"`
	MeetingLink   *string       `json:"meeting_link,omitempty" db:"meeting_link"`
	RecordingLink *string       `json:"recording_link,omitempty" db:"recording_link"`
	CancelledBy   *uuid.UUID    `json:"cancelled_by,omitempty" db:"cancelled_by"`
	CancelReason  *string       `json:"cancel_reason,omitempty" db:"cancel_reason"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// Validate checks the booking invariants that hold regardless of status
func (b *Booking) Validate() error {
	if b.RequesterID == uuid.Nil || b.ProviderID == uuid.Nil {
		return errors.New("requester and provider are required")
	}
	if b.RequesterID == b.ProviderID {
		return errors.New("requester and provider must differ")
	}
	if !b.StartTime.Before(b.EndTime) {
		return errors.New("start time must be before end time")
	}
	if b.Amount < 0 {
		return errors.New("amount must not be negative")
	}
	if !b.Status.IsValid() {
		return errors.New("invalid booking status")
	}
	return nil
}

// HoursUntilStart returns (start - now) in hours; negative once the session has begun
func (b *Booking) HoursUntilStart(now time.Time) float64 {
	return b.StartTime.Sub(now).Hours()
}

// IsParty reports whether userID is the requester or the provider
func (b *Booking) IsParty(userID uuid.UUID) bool {
	return userID == b.RequesterID || userID == b.ProviderID
}

// CreateBookingRequest is the payload for requesting a consultation
type CreateBookingRequest struct {
	ProviderID string    `json:"provider_id" binding:"required,uuid"`
	StartTime  time.Time `json:"start_time" binding:"required"`
	EndTime    time.Time `json:"end_time" binding:"required"`
	Amount     int64     `json:"amount" binding:"required,gt=0"`
	Currency   string    `json:"currency" binding:"required,len=3"`
}

// CancelBookingRequest is the optional payload for a cancellation
type CancelBookingRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// CompleteBookingRequest carries the completion code entered by the requester
type CompleteBookingRequest struct {
	OTP string `json:"otp" binding:"required"`
}

// CancelBookingResponse is returned after a successful cancellation
type CancelBookingResponse struct {
	BookingID    uuid.UUID     `json:"booking_id"`
	Status       BookingStatus `json:"status"`
	RefundAmount int64         `json:"refund_amount"`
	RefundStatus string        `json:"refund_status"`
	RefundTxnID  *uuid.UUID    `json:"refund_transaction_id,omitempty"`
	Currency     string        `json:"currency"`
	HoursToStart float64       `json:"hours_until_start"`
	CancelledAt  time.Time     `json:"cancelled_at"`
}
