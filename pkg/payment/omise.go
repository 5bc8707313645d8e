package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/config"
	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"github.com/sirupsen/logrus"
)

// Omise is the Omise charges binding
type Omise struct {
	client *omise.Client
	config *config.OmiseConfig
	logger *logrus.Logger
}

// NewOmise creates the Omise binding
func NewOmise(cfg *config.OmiseConfig, logger *logrus.Logger) (*Omise, error) {
	c, err := omise.NewClient(cfg.PublicKey, cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create omise client: %w", err)
	}
	c.SetDebug(false)
	return &Omise{client: c, config: cfg, logger: logger}, nil
}

// Name implements Gateway
func (o *Omise) Name() string { return GatewayOmise }

// Idempotent implements Gateway. Charges and refunds are not deduplicated.
func (o *Omise) Idempotent() bool { return false }

type omiseEnvelope struct {
	ID   string          `json:"id"`
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`
}

// do runs a blocking SDK call and gives up when ctx ends
func (o *Omise) do(ctx context.Context, result interface{}, op interface{}) error {
	errc := make(chan error, 1)
	go func() {
		switch v := op.(type) {
		case *operations.CreateCharge:
			errc <- o.client.Do(result, v)
		case *operations.RetrieveCharge:
			errc <- o.client.Do(result, v)
		case *operations.CreateRefund:
			errc <- o.client.Do(result, v)
		case *operations.RetrieveEvent:
			errc <- o.client.Do(result, v)
		default:
			errc <- fmt.Errorf("unsupported omise operation %T", op)
		}
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return Transient(ctx.Err())
	}
}

// CreateIntent implements Gateway. The payer must supply a card token or
// source id; offsite sources return an authorize URI to redirect to.
func (o *Omise) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if o.config.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	if req.Payer.SourceToken == "" {
		return nil, fmt.Errorf("omise requires a card token or source id")
	}

	returnURL := req.Payer.ReturnURL
	if returnURL == "" {
		returnURL = o.config.ReturnURL
	}

	op := &operations.CreateCharge{
		Amount:      req.Amount,
		Currency:    strings.ToLower(req.Currency),
		Description: req.Description,
		ReturnURI:   returnURL,
		Metadata: map[string]any{
			"booking_id":     req.BookingID,
			"transaction_id": req.InvoiceID,
		},
	}
	if strings.HasPrefix(req.Payer.SourceToken, "src_") {
		op.Source = req.Payer.SourceToken
	} else {
		op.Card = req.Payer.SourceToken
	}

	ch := &omise.Charge{}
	if err := o.do(ctx, ch, op); err != nil {
		return nil, err
	}

	o.logger.WithFields(logrus.Fields{
		"charge_id":  ch.ID,
		"booking_id": req.BookingID,
		"status":     string(ch.Status),
	}).Info("Omise charge created")

	return &Intent{Ref: ch.ID, RedirectURL: ch.AuthorizeURI, RawStatus: string(ch.Status)}, nil
}

// VerifyStatus implements Gateway
func (o *Omise) VerifyStatus(ctx context.Context, intentRef string) (*Verification, error) {
	ch := &omise.Charge{}
	if err := o.do(ctx, ch, &operations.RetrieveCharge{ChargeID: intentRef}); err != nil {
		return nil, err
	}

	status, err := MapOmiseStatus(string(ch.Status))
	if err != nil {
		return nil, err
	}

	v := &Verification{
		Status:    status,
		Currency:  strings.ToUpper(ch.Currency),
		RawStatus: string(ch.Status),
	}
	if status == StatusCompleted {
		v.PaidAmount = ch.Amount
	}
	// refunds leave the charge successful; only refunded_amount moves
	refunded := ch.RefundedAmount
	v.RefundedAmount = &refunded
	return v, nil
}

// Refund implements Gateway. The idempotency key is not forwarded.
func (o *Omise) Refund(ctx context.Context, intentRef string, amount int64, _ string) (string, error) {
	r := &omise.Refund{}
	if err := o.do(ctx, r, &operations.CreateRefund{ChargeID: intentRef, Amount: amount}); err != nil {
		return "", err
	}
	return r.ID, nil
}

// ParseWebhook implements WebhookParser. Omise callbacks are unsigned; the
// event is fetched back from the API and only a retrievable event is trusted.
func (o *Omise) ParseWebhook(ctx context.Context, payload []byte, _ http.Header) (string, error) {
	var inc omiseEnvelope
	if err := json.Unmarshal(payload, &inc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if inc.ID == "" {
		return "", fmt.Errorf("%w: missing event id", ErrInvalidWebhook)
	}

	ev := &omise.Event{}
	if err := o.do(ctx, ev, &operations.RetrieveEvent{EventID: inc.ID}); err != nil {
		if IsTransient(err) {
			return "", err
		}
		return "", fmt.Errorf("%w: event %s not retrievable: %v", ErrInvalidWebhook, inc.ID, err)
	}

	if !strings.HasPrefix(ev.Key, "charge.") {
		return "", fmt.Errorf("%w: %s", ErrIgnoredWebhook, ev.Key)
	}

	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	var ch omise.Charge
	if err := json.Unmarshal(raw, &ch); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if ch.ID == "" {
		return "", fmt.Errorf("%w: charge without id", ErrInvalidWebhook)
	}
	return ch.ID, nil
}

// MapOmiseStatus normalizes an Omise charge status
func MapOmiseStatus(raw string) (Status, error) {
	switch raw {
	case "successful":
		return StatusCompleted, nil
	case "pending", "awaiting_authorize":
		return StatusPending, nil
	case "failed":
		return StatusFailed, nil
	case "expired", "reversed":
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("%w: omise %q", ErrUnrecognizedStatus, raw)
	}
}
