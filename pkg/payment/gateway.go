// Package payment exposes a single capability interface over the supported
// payment providers. Every binding translates its own status vocabulary into
// Status so callers never branch on provider identity.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
)

// Status is the normalized payment status
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Gateway names, persisted on transactions
const (
	GatewayPayable = "payable"
	GatewayStripe  = "stripe"
	GatewayOmise   = "omise"
)

var (
	// ErrUnknownGateway is returned when no binding is registered under a name
	ErrUnknownGateway = errors.New("unknown payment gateway")

	// ErrUnrecognizedStatus is returned when a provider reports a status outside its mapping
	ErrUnrecognizedStatus = errors.New("unrecognized gateway status")

	// ErrInvalidWebhook is returned for payloads that fail authentication or parsing
	ErrInvalidWebhook = errors.New("invalid webhook payload")

	// ErrIgnoredWebhook is returned for authentic events that carry no payment outcome
	ErrIgnoredWebhook = errors.New("webhook event ignored")

	// ErrNotConfigured is returned by bindings without credentials
	ErrNotConfigured = errors.New("payment gateway not configured")
)

// PayerInfo is the payer data a binding may forward to its provider
type PayerInfo struct {
	Name        string
	Email       string
	Phone       string
	SourceToken string // tokenized card or source (Omise)
	ReturnURL   string
}

// IntentRequest describes a payment to collect for a booking
type IntentRequest struct {
	BookingID      string
	InvoiceID      string // our transaction id
	Amount         int64  // minor units
	Currency       string
	Description    string
	Payer          PayerInfo
	IdempotencyKey string
}

// Intent is the provider-side payment handle
type Intent struct {
	Ref         string
	RedirectURL string
	RawStatus   string
}

// Verification is the normalized result of a status lookup
type Verification struct {
	Status     Status
	PaidAmount int64 // minor units
	Currency   string
	RawStatus  string
	// RefundedAmount is nil when the provider does not report refunds on the payment
	RefundedAmount *int64
}

// Gateway is the capability set every provider binding implements
type Gateway interface {
	Name() string
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	VerifyStatus(ctx context.Context, intentRef string) (*Verification, error)
	Refund(ctx context.Context, intentRef string, amount int64, idempotencyKey string) (string, error)
	// Idempotent reports whether CreateIntent and Refund honour the idempotency key
	Idempotent() bool
}

// WebhookParser is implemented by bindings that accept provider callbacks.
// It authenticates the payload and returns the intent reference it concerns.
type WebhookParser interface {
	ParseWebhook(ctx context.Context, payload []byte, header http.Header) (string, error)
}

// TransientError marks a failure that did not produce a provider-side effect
// the caller can rely on, and may succeed when repeated
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// classifyHTTPStatus turns a provider HTTP status into an error class
func classifyHTTPStatus(code int, body string) error {
	err := fmt.Errorf("gateway returned status %d: %s", code, body)
	if code >= http.StatusInternalServerError || code == http.StatusTooManyRequests {
		return Transient(err)
	}
	return err
}

// Registry resolves gateways by the name recorded on a transaction
type Registry struct {
	gateways map[string]Gateway
}

// NewRegistry registers the given bindings under their names
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway, len(gateways))}
	for _, g := range gateways {
		r.gateways[g.Name()] = g
	}
	return r
}

// Get returns the binding registered under name
func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, name)
	}
	return g, nil
}

// Names lists registered gateways in stable order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
