package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PaymentEventType represents the type of payment event
type PaymentEventType string

const (
	PaymentEventIntentCreated          PaymentEventType = "intent_created"
	PaymentEventIntentFailed           PaymentEventType = "intent_failed"
	PaymentEventWebhookReceived        PaymentEventType = "webhook_received"
	PaymentEventWebhookRejected        PaymentEventType = "webhook_rejected"
	PaymentEventStatusChecked          PaymentEventType = "status_checked"
	PaymentEventStatusApplied          PaymentEventType = "status_applied"
	PaymentEventDuplicate              PaymentEventType = "duplicate_delivery"
	PaymentEventReconciliationMismatch PaymentEventType = "reconciliation_mismatch"
	PaymentEventRefundInitiated        PaymentEventType = "refund_initiated"
	PaymentEventRefundCompleted        PaymentEventType = "refund_completed"
	PaymentEventRefundFailed           PaymentEventType = "refund_failed"
	PaymentEventLatePayment            PaymentEventType = "late_payment"
	PaymentEventError                  PaymentEventType = "error"
)

// PaymentEventSource identifies where the event originated
type PaymentEventSource string

const (
	PaymentSourceUser    PaymentEventSource = "user"
	PaymentSourceWebhook PaymentEventSource = "webhook"
	PaymentSourceGateway PaymentEventSource = "gateway_api"
	PaymentSourceSweeper PaymentEventSource = "sweeper"
	PaymentSourceSystem  PaymentEventSource = "system"
)

// JSONB stores request/response payloads
type JSONB map[string]interface{}

// Value implements driver.Valuer
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	bytes, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Scan implements sql.Scanner
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported JSONB source %T", value)
	}
	return json.Unmarshal(bytes, j)
}

// PaymentAudit is an immutable audit log entry for gateway interactions
type PaymentAudit struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	BookingID     *uuid.UUID `json:"booking_id,omitempty" db:"booking_id"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty" db:"transaction_id"`
	Gateway       *string    `json:"gateway,omitempty" db:"gateway"`
	GatewayRef    *string    `json:"gateway_ref,omitempty" db:"gateway_ref"`

	EventType   PaymentEventType   `json:"event_type" db:"event_type"`
	EventSource PaymentEventSource `json:"event_source" db:"event_source"`

	// Minor units
	ExpectedAmount *int64  `json:"expected_amount,omitempty" db:"expected_amount"`
	ReceivedAmount *int64  `json:"received_amount,omitempty" db:"received_amount"`
	Currency       *string `json:"currency,omitempty" db:"currency"`
	AmountsMatch   *bool   `json:"amounts_match,omitempty" db:"amounts_match"`

	NormalizedStatus *string `json:"normalized_status,omitempty" db:"normalized_status"`
	Payload          JSONB   `json:"payload,omitempty" db:"payload"`

	ErrorMessage *string `json:"error_message,omitempty" db:"error_message"`

	ProcessingTimeMs *int    `json:"processing_time_ms,omitempty" db:"processing_time_ms"`
	IsDuplicate      bool    `json:"is_duplicate" db:"is_duplicate"`
	IdempotencyKey   *string `json:"idempotency_key,omitempty" db:"idempotency_key"`

	IPAddress *string `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent *string `json:"user_agent,omitempty" db:"user_agent"`
	Device    *string `json:"device,omitempty" db:"device"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// NewPaymentAudit creates a new payment audit entry with required fields
func NewPaymentAudit(eventType PaymentEventType, source PaymentEventSource) *PaymentAudit {
	return &PaymentAudit{
		ID:          uuid.New(),
		EventType:   eventType,
		EventSource: source,
		CreatedAt:   time.Now(),
	}
}

// SetTransaction links the audit to a transaction and its booking
func (pa *PaymentAudit) SetTransaction(txn *Transaction) *PaymentAudit {
	if txn == nil {
		return pa
	}
	pa.TransactionID = &txn.ID
	pa.BookingID = &txn.BookingID
	pa.Gateway = &txn.Gateway
	pa.GatewayRef = txn.GatewayRef
	pa.Currency = &txn.Currency
	return pa
}

// SetGateway sets the gateway name and reference when no transaction is known yet
func (pa *PaymentAudit) SetGateway(gateway, ref string) *PaymentAudit {
	pa.Gateway = &gateway
	if ref != "" {
		pa.GatewayRef = &ref
	}
	return pa
}

// SetAmounts records both amounts and returns whether they match
func (pa *PaymentAudit) SetAmounts(expected, received int64) bool {
	pa.ExpectedAmount = &expected
	pa.ReceivedAmount = &received
	match := expected == received
	pa.AmountsMatch = &match
	return match
}

// SetStatus sets the normalized gateway status
func (pa *PaymentAudit) SetStatus(status string) *PaymentAudit {
	pa.NormalizedStatus = &status
	return pa
}

// SetError sets error information
func (pa *PaymentAudit) SetError(err error) *PaymentAudit {
	if err != nil {
		msg := err.Error()
		pa.ErrorMessage = &msg
	}
	return pa
}

// SetPayload stores the raw gateway payload
func (pa *PaymentAudit) SetPayload(payload map[string]interface{}) *PaymentAudit {
	pa.Payload = JSONB(payload)
	return pa
}

// SetClient sets request metadata
func (pa *PaymentAudit) SetClient(ip, userAgent, device string) *PaymentAudit {
	if ip != "" {
		pa.IPAddress = &ip
	}
	if userAgent != "" {
		pa.UserAgent = &userAgent
	}
	if device != "" {
		pa.Device = &device
	}
	return pa
}

// SetProcessingTime calculates and sets processing time
func (pa *PaymentAudit) SetProcessingTime(startTime time.Time) *PaymentAudit {
	durationMs := int(time.Since(startTime).Milliseconds())
	pa.ProcessingTimeMs = &durationMs
	return pa
}

// MarkAsDuplicate marks this event as a duplicate delivery
func (pa *PaymentAudit) MarkAsDuplicate() *PaymentAudit {
	pa.IsDuplicate = true
	return pa
}

// SetIdempotencyKey sets the idempotency key
func (pa *PaymentAudit) SetIdempotencyKey(key string) *PaymentAudit {
	pa.IdempotencyKey = &key
	return pa
}
