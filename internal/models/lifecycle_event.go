package models

import (
	"time"

	"github.com/google/uuid"
)

// Outbound event names, also used as routing keys / topics
const (
	EventBookingStatusChanged = "booking.status_changed"
	EventChatWindowOpened     = "chat.window_opened"
	EventChatWindowClosed     = "chat.window_closed"
	EventRefundIssued         = "refund.issued"
	EventCompletionOTPIssued  = "otp.completion_issued"
)

// LifecycleEvent is the envelope published to collaborators
type LifecycleEvent struct {
	Event      string      `json:"event"`
	Version    int         `json:"version"`
	OccurredAt time.Time   `json:"occurred_at"`
	BookingID  uuid.UUID   `json:"booking_id"`
	Data       interface{} `json:"data"`
}

// NewLifecycleEvent builds a version-1 envelope
func NewLifecycleEvent(name string, bookingID uuid.UUID, at time.Time, data interface{}) LifecycleEvent {
	return LifecycleEvent{
		Event:      name,
		Version:    1,
		OccurredAt: at.UTC(),
		BookingID:  bookingID,
		Data:       data,
	}
}

// StatusChangedData is the payload of booking.status_changed
type StatusChangedData struct {
	From         BookingStatus `json:"from"`
	To           BookingStatus `json:"to"`
	ActorID      *uuid.UUID    `json:"actor_id,omitempty"`
	Trigger      string        `json:"trigger"` // payment, cancel, completion, sweep
	Reason       string        `json:"reason,omitempty"`
	RequesterID  uuid.UUID     `json:"requester_id"`
	ProviderID   uuid.UUID     `json:"provider_id"`
	RefundAmount *int64        `json:"refund_amount,omitempty"`
}

// ChatWindowData is the payload of chat.window_opened / chat.window_closed
type ChatWindowData struct {
	SessionID uuid.UUID  `json:"session_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// RefundIssuedData is the payload of refund.issued
type RefundIssuedData struct {
	RefundTransactionID  uuid.UUID         `json:"refund_transaction_id"`
	PaymentTransactionID uuid.UUID         `json:"payment_transaction_id"`
	Gateway              string            `json:"gateway"`
	Amount               int64             `json:"amount"`
	Currency             string            `json:"currency"`
	Status               TransactionStatus `json:"status"` // refunded or failed
	GatewayRef           string            `json:"gateway_ref,omitempty"`
	Error                string            `json:"error,omitempty"`
}

// CompletionOTPData is the payload of otp.completion_issued, consumed by the delivery collaborator
type CompletionOTPData struct {
	RecipientID uuid.UUID `json:"recipient_id"`
	Code        string    `json:"code"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Redacted returns a copy safe to write to logs
func (d CompletionOTPData) Redacted() interface{} {
	return struct {
		RecipientID uuid.UUID `json:"recipient_id"`
		ExpiresAt   time.Time `json:"expires_at"`
	}{d.RecipientID, d.ExpiresAt}
}
