package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Stripe is the Stripe PaymentIntents binding
type Stripe struct {
	sc     *stripe.Client
	config *config.StripeConfig
	logger *logrus.Logger
}

// NewStripe creates the Stripe binding. Extra client options are passed to
// stripe.NewClient (backends in tests).
func NewStripe(cfg *config.StripeConfig, logger *logrus.Logger, opts ...stripe.ClientOption) *Stripe {
	return &Stripe{
		sc:     stripe.NewClient(cfg.SecretKey, opts...),
		config: cfg,
		logger: logger,
	}
}

// Name implements Gateway
func (s *Stripe) Name() string { return GatewayStripe }

// Idempotent implements Gateway. Stripe deduplicates on Idempotency-Key.
func (s *Stripe) Idempotent() bool { return true }

// CreateIntent implements Gateway
func (s *Stripe) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if s.config.SecretKey == "" {
		return nil, ErrNotConfigured
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.Payer.Email != "" {
		params.ReceiptEmail = stripe.String(req.Payer.Email)
	}
	params.AddMetadata("booking_id", req.BookingID)
	params.AddMetadata("transaction_id", req.InvoiceID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	pi, err := s.sc.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}

	s.logger.WithFields(logrus.Fields{
		"payment_intent": pi.ID,
		"booking_id":     req.BookingID,
		"status":         pi.Status,
	}).Info("Stripe payment intent created")

	returnURL := req.Payer.ReturnURL
	if returnURL == "" {
		returnURL = s.config.ReturnURL
	}
	return &Intent{
		Ref:         pi.ID,
		RedirectURL: stripeRedirectURL(returnURL, pi.ID, pi.ClientSecret),
		RawStatus:   string(pi.Status),
	}, nil
}

// VerifyStatus implements Gateway
func (s *Stripe) VerifyStatus(ctx context.Context, intentRef string) (*Verification, error) {
	params := &stripe.PaymentIntentRetrieveParams{}
	params.AddExpand("latest_charge")

	pi, err := s.sc.V1PaymentIntents.Retrieve(ctx, intentRef, params)
	if err != nil {
		return nil, classifyStripeError(err)
	}
	return verificationFromIntent(pi)
}

// Refund implements Gateway
func (s *Stripe) Refund(ctx context.Context, intentRef string, amount int64, idempotencyKey string) (string, error) {
	params := &stripe.RefundCreateParams{
		PaymentIntent: stripe.String(intentRef),
		Amount:        stripe.Int64(amount),
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	r, err := s.sc.V1Refunds.Create(ctx, params)
	if err != nil {
		return "", classifyStripeError(err)
	}
	if r.Status == stripe.RefundStatusFailed || r.Status == stripe.RefundStatusCanceled {
		return "", fmt.Errorf("stripe refund %s ended %s", r.ID, r.Status)
	}
	return r.ID, nil
}

// ParseWebhook implements WebhookParser; the signature is checked against the endpoint secret
func (s *Stripe) ParseWebhook(_ context.Context, payload []byte, header http.Header) (string, error) {
	if s.config.WebhookSecret == "" {
		return "", ErrNotConfigured
	}

	event, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), s.config.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}

	if !strings.HasPrefix(string(event.Type), "payment_intent.") {
		return "", fmt.Errorf("%w: %s", ErrIgnoredWebhook, event.Type)
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidWebhook, err)
	}
	if pi.ID == "" {
		return "", fmt.Errorf("%w: payment intent without id", ErrInvalidWebhook)
	}
	return pi.ID, nil
}

// MapStripeStatus normalizes a PaymentIntent status. A payment method that was
// tried and declined reads as failed; one not yet supplied is still pending.
func MapStripeStatus(status stripe.PaymentIntentStatus, declined bool) (Status, error) {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusCompleted, nil
	case stripe.PaymentIntentStatusCanceled:
		return StatusCancelled, nil
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if declined {
			return StatusFailed, nil
		}
		return StatusPending, nil
	case stripe.PaymentIntentStatusProcessing,
		stripe.PaymentIntentStatusRequiresAction,
		stripe.PaymentIntentStatusRequiresCapture,
		stripe.PaymentIntentStatusRequiresConfirmation:
		return StatusPending, nil
	default:
		return "", fmt.Errorf("%w: stripe %q", ErrUnrecognizedStatus, status)
	}
}

func verificationFromIntent(pi *stripe.PaymentIntent) (*Verification, error) {
	status, err := MapStripeStatus(pi.Status, pi.LastPaymentError != nil)
	if err != nil {
		return nil, err
	}

	v := &Verification{
		Status:     status,
		PaidAmount: pi.AmountReceived,
		Currency:   strings.ToUpper(string(pi.Currency)),
		RawStatus:  string(pi.Status),
	}
	if status != StatusCompleted {
		v.PaidAmount = 0
	}
	if pi.LatestCharge != nil && pi.LatestCharge.Amount > 0 {
		refunded := pi.LatestCharge.AmountRefunded
		v.RefundedAmount = &refunded
	}
	return v, nil
}

func stripeRedirectURL(returnURL, intentID, clientSecret string) string {
	q := url.Values{}
	q.Set("payment_intent", intentID)
	q.Set("payment_intent_client_secret", clientSecret)
	sep := "?"
	if strings.Contains(returnURL, "?") {
		sep = "&"
	}
	return returnURL + sep + q.Encode()
}

// classifyStripeError marks throttling and server-side failures as transient
func classifyStripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode >= http.StatusInternalServerError || se.HTTPStatusCode == http.StatusTooManyRequests {
			return Transient(err)
		}
		return err
	}
	if IsTransient(err) {
		return Transient(err)
	}
	return err
}
