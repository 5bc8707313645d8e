package payment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestMapStripeStatus(t *testing.T) {
	tests := []struct {
		status   stripe.PaymentIntentStatus
		declined bool
		want     Status
	}{
		{stripe.PaymentIntentStatusSucceeded, false, StatusCompleted},
		{stripe.PaymentIntentStatusCanceled, false, StatusCancelled},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, false, StatusPending},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, true, StatusFailed},
		{stripe.PaymentIntentStatusProcessing, false, StatusPending},
		{stripe.PaymentIntentStatusRequiresAction, false, StatusPending},
	}
	for _, tt := range tests {
		got, err := MapStripeStatus(tt.status, tt.declined)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s declined=%v", tt.status, tt.declined)
	}

	_, err := MapStripeStatus("mystery", false)
	assert.ErrorIs(t, err, ErrUnrecognizedStatus)
}

func TestVerificationFromIntent_OnlyCompletedCountsAsPaid(t *testing.T) {
	v, err := verificationFromIntent(&stripe.PaymentIntent{
		ID:             "pi_1",
		Status:         stripe.PaymentIntentStatusProcessing,
		AmountReceived: 500,
		Currency:       "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, v.Status)
	assert.Zero(t, v.PaidAmount)
	assert.Equal(t, "USD", v.Currency)

	v, err = verificationFromIntent(&stripe.PaymentIntent{
		ID:             "pi_2",
		Status:         stripe.PaymentIntentStatusSucceeded,
		AmountReceived: 2000,
		Currency:       "usd",
		LatestCharge:   &stripe.Charge{ID: "ch_1", Amount: 2000, AmountRefunded: 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2000), v.PaidAmount)
	require.NotNil(t, v.RefundedAmount)
	assert.Equal(t, int64(1000), *v.RefundedAmount)
}

func TestMapOmiseStatus(t *testing.T) {
	for raw, want := range map[string]Status{
		"successful":         StatusCompleted,
		"pending":            StatusPending,
		"awaiting_authorize": StatusPending,
		"failed":             StatusFailed,
		"expired":            StatusCancelled,
		"reversed":           StatusCancelled,
	} {
		got, err := MapOmiseStatus(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}

	_, err := MapOmiseStatus("")
	assert.ErrorIs(t, err, ErrUnrecognizedStatus)
}

func TestStripe_ParseWebhook(t *testing.T) {
	s := NewStripe(&config.StripeConfig{SecretKey: "sk_test_x", WebhookSecret: "whsec_test"}, quietLogger())
	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","object":"payment_intent","status":"succeeded"}}}`)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})
	header := http.Header{}
	header.Set("Stripe-Signature", signed.Header)

	ref, err := s.ParseWebhook(context.Background(), payload, header)
	require.NoError(t, err)
	assert.Equal(t, "pi_123", ref)

	header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	_, err = s.ParseWebhook(context.Background(), payload, header)
	assert.ErrorIs(t, err, ErrInvalidWebhook)
}

func TestStripe_ParseWebhook_IgnoresOtherEvents(t *testing.T) {
	s := NewStripe(&config.StripeConfig{SecretKey: "sk_test_x", WebhookSecret: "whsec_test"}, quietLogger())
	payload := []byte(`{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})
	header := http.Header{}
	header.Set("Stripe-Signature", signed.Header)

	_, err := s.ParseWebhook(context.Background(), payload, header)
	assert.ErrorIs(t, err, ErrIgnoredWebhook)
}

func TestStripeRedirectURL(t *testing.T) {
	assert.Equal(t,
		"https://app.example/pay?payment_intent=pi_1&payment_intent_client_secret=sec",
		stripeRedirectURL("https://app.example/pay", "pi_1", "sec"))
	assert.Equal(t,
		"https://app.example/pay?b=1&payment_intent=pi_1&payment_intent_client_secret=sec",
		stripeRedirectURL("https://app.example/pay?b=1", "pi_1", "sec"))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(
		NewPayable(&config.PayableConfig{}, nil, quietLogger()),
		NewStripe(&config.StripeConfig{}, quietLogger()),
	)

	g, err := r.Get(GatewayStripe)
	require.NoError(t, err)
	assert.Equal(t, GatewayStripe, g.Name())

	_, err = r.Get("paypal")
	assert.ErrorIs(t, err, ErrUnknownGateway)
	assert.Equal(t, []string{GatewayPayable, GatewayStripe}, r.Names())
}

// scripted is a Gateway whose calls fail a fixed number of times
type scripted struct {
	idempotent bool
	failures   int
	err        error
	calls      int
}

func (s *scripted) Name() string     { return "scripted" }
func (s *scripted) Idempotent() bool { return s.idempotent }

func (s *scripted) step() error {
	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	return nil
}

func (s *scripted) CreateIntent(context.Context, IntentRequest) (*Intent, error) {
	if err := s.step(); err != nil {
		return nil, err
	}
	return &Intent{Ref: "ref"}, nil
}

func (s *scripted) VerifyStatus(context.Context, string) (*Verification, error) {
	if err := s.step(); err != nil {
		return nil, err
	}
	return &Verification{Status: StatusCompleted}, nil
}

func (s *scripted) Refund(context.Context, string, int64, string) (string, error) {
	if err := s.step(); err != nil {
		return "", err
	}
	return "re_1", nil
}

func newTestResilient(g Gateway) *Resilient {
	return NewResilient(g, RetryPolicy{Timeout: time.Second, MaxRetries: 2, BaseDelay: time.Millisecond}, quietLogger())
}

func TestResilient_VerifyRetriesTransient(t *testing.T) {
	g := &scripted{failures: 2, err: Transient(errors.New("502"))}
	v, err := newTestResilient(g).VerifyStatus(context.Background(), "ref")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, v.Status)
	assert.Equal(t, 3, g.calls)
}

func TestResilient_VerifyGivesUpAfterMaxRetries(t *testing.T) {
	g := &scripted{failures: 5, err: Transient(errors.New("502"))}
	_, err := newTestResilient(g).VerifyStatus(context.Background(), "ref")
	require.Error(t, err)
	assert.Equal(t, 3, g.calls)
}

func TestResilient_PermanentErrorNotRetried(t *testing.T) {
	g := &scripted{failures: 1, err: errors.New("card declined")}
	_, err := newTestResilient(g).VerifyStatus(context.Background(), "ref")
	require.Error(t, err)
	assert.Equal(t, 1, g.calls)
}

func TestResilient_RefundNeverRetriedWhenNotIdempotent(t *testing.T) {
	g := &scripted{idempotent: false, failures: 1, err: Transient(errors.New("timeout"))}
	_, err := newTestResilient(g).Refund(context.Background(), "ref", 100, "refund:1")
	require.Error(t, err)
	assert.Equal(t, 1, g.calls)
}

func TestResilient_RefundRetriedWhenIdempotent(t *testing.T) {
	g := &scripted{idempotent: true, failures: 1, err: Transient(errors.New("timeout"))}
	id, err := newTestResilient(g).Refund(context.Background(), "ref", 100, "refund:1")
	require.NoError(t, err)
	assert.Equal(t, "re_1", id)
	assert.Equal(t, 2, g.calls)
}

func TestResilient_Backoff(t *testing.T) {
	r := NewResilient(&scripted{}, RetryPolicy{BaseDelay: 100 * time.Millisecond}, quietLogger())
	b := r.newBackOff()
	for attempt := 1; attempt <= 8; attempt++ {
		d := b.NextBackOff()
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 2000*time.Millisecond) // 16x base plus jitter
	}
}

func TestResilient_CancelledCallerGetsGatewayError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := &cancelling{cancel: cancel, err: Transient(errors.New("503"))}
	r := NewResilient(g, RetryPolicy{Timeout: time.Second, MaxRetries: 3, BaseDelay: time.Second}, quietLogger())

	_, err := r.VerifyStatus(ctx, "ref")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 1, g.calls)
}

// cancelling fails and cancels its caller's context on the first call
type cancelling struct {
	scripted
	cancel context.CancelFunc
	err    error
}

func (c *cancelling) VerifyStatus(context.Context, string) (*Verification, error) {
	c.calls++
	c.cancel()
	return nil, c.err
}
