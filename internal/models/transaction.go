package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionStatus matches PostgreSQL ENUM: transaction_status
type TransactionStatus string

const (
	TransactionStatusCreated   TransactionStatus = "created"
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
	TransactionStatusRefunded  TransactionStatus = "refunded"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// IsFinal reports whether the gateway can no longer move the transaction
func (s TransactionStatus) IsFinal() bool {
	switch s {
	case TransactionStatusCompleted, TransactionStatusCancelled,
		TransactionStatusRefunded, TransactionStatusFailed:
		return true
	}
	return false
}

// TransactionKind matches PostgreSQL ENUM: transaction_kind
type TransactionKind string

const (
	TransactionKindBookingPayment TransactionKind = "booking_payment"
	TransactionKindRefund         TransactionKind = "refund"
)

// Transaction is a gateway-tracked money movement tied to a booking.
// Gateway is recorded at creation so verification and refunds route to the same binding.
type Transaction struct {
	ID            uuid.UUID         `json:"id" db:"id"`
	BookingID     uuid.UUID         `json:"booking_id" db:"booking_id"`
	Kind          TransactionKind   `json:"kind" db:"kind"`
	Gateway       string            `json:"gateway" db:"gateway"`
	GatewayRef    *string           `json:"gateway_ref,omitempty" db:"gateway_ref"`
	ParentID      *uuid.UUID        `json:"parent_id,omitempty" db:"parent_id"` // refund -> originating payment
	Amount        int64             `json:"amount" db:"amount"`
	Currency      string            `json:"currency" db:"currency"`
	Status        TransactionStatus `json:"status" db:"status"`
	RedirectURL   *string           `json:"redirect_url,omitempty" db:"redirect_url"`
	FailureReason *string           `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at" db:"updated_at"`
}

// IdempotencyKey is the key handed to gateways that deduplicate requests
func (t *Transaction) IdempotencyKey() string {
	return string(t.Kind) + ":" + t.ID.String()
}

// CreatePaymentRequest starts a payment for a pending booking
type CreatePaymentRequest struct {
	Gateway string         `json:"gateway" binding:"required,oneof=payable stripe omise"`
	Payer   PayerInfoInput `json:"payer"`
}

// PayerInfoInput is the payer data forwarded to the selected gateway
type PayerInfoInput struct {
	Name        string `json:"name"`
	Email       string `json:"email" binding:"omitempty,email"`
	Phone       string `json:"phone"`
	SourceToken string `json:"source_token"` // tokenized card/source for gateways that need one
	ReturnURL   string `json:"return_url" binding:"omitempty,url"`
}

// CreatePaymentResponse returns where to send the payer
type CreatePaymentResponse struct {
	TransactionID uuid.UUID         `json:"transaction_id"`
	BookingID     uuid.UUID         `json:"booking_id"`
	Gateway       string            `json:"gateway"`
	Status        TransactionStatus `json:"status"`
	RedirectURL   string            `json:"redirect_url"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
}

// PaymentStatusResponse is returned by the status-check endpoint
type PaymentStatusResponse struct {
	TransactionID     uuid.UUID         `json:"transaction_id"`
	TransactionStatus TransactionStatus `json:"transaction_status"`
	BookingID         uuid.UUID         `json:"booking_id"`
	BookingStatus     BookingStatus     `json:"booking_status"`
	AlreadyProcessed  bool              `json:"already_processed"`
}
