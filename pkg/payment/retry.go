package payment

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// RetryPolicy bounds every call made through Resilient
type RetryPolicy struct {
	Timeout    time.Duration // per attempt
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration
}

// Resilient wraps a Gateway with per-attempt timeouts and bounded retries.
// Status lookups retry on transient errors. Calls that move money or create
// provider objects retry only when the binding deduplicates them.
type Resilient struct {
	inner  Gateway
	policy RetryPolicy
	logger *logrus.Logger
}

// NewResilient wraps g with policy
func NewResilient(g Gateway, policy RetryPolicy, logger *logrus.Logger) *Resilient {
	if policy.Timeout <= 0 {
		policy.Timeout = 15 * time.Second
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 250 * time.Millisecond
	}
	return &Resilient{inner: g, policy: policy, logger: logger}
}

// Name implements Gateway
func (r *Resilient) Name() string { return r.inner.Name() }

// Idempotent implements Gateway
func (r *Resilient) Idempotent() bool { return r.inner.Idempotent() }

// Unwrap returns the wrapped binding
func (r *Resilient) Unwrap() Gateway { return r.inner }

// CreateIntent implements Gateway
func (r *Resilient) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	var out *Intent
	err := r.run(ctx, "create_intent", r.inner.Idempotent(), func(ctx context.Context) error {
		var err error
		out, err = r.inner.CreateIntent(ctx, req)
		return err
	})
	return out, err
}

// VerifyStatus implements Gateway
func (r *Resilient) VerifyStatus(ctx context.Context, intentRef string) (*Verification, error) {
	var out *Verification
	err := r.run(ctx, "verify_status", true, func(ctx context.Context) error {
		var err error
		out, err = r.inner.VerifyStatus(ctx, intentRef)
		return err
	})
	return out, err
}

// Refund implements Gateway. A failed attempt on a non-idempotent binding is
// returned as is; the caller decides from VerifyStatus whether money moved.
func (r *Resilient) Refund(ctx context.Context, intentRef string, amount int64, idempotencyKey string) (string, error) {
	var out string
	err := r.run(ctx, "refund", r.inner.Idempotent(), func(ctx context.Context) error {
		var err error
		out, err = r.inner.Refund(ctx, intentRef, amount, idempotencyKey)
		return err
	})
	return out, err
}

// ParseWebhook implements WebhookParser when the wrapped binding does
func (r *Resilient) ParseWebhook(ctx context.Context, payload []byte, header http.Header) (string, error) {
	parser, ok := r.inner.(WebhookParser)
	if !ok {
		return "", ErrIgnoredWebhook
	}
	var ref string
	err := r.run(ctx, "parse_webhook", true, func(ctx context.Context) error {
		var err error
		ref, err = parser.ParseWebhook(ctx, payload, header)
		return err
	})
	return ref, err
}

func (r *Resilient) run(ctx context.Context, op string, retryable bool, fn func(ctx context.Context) error) error {
	var retries uint64
	if retryable {
		retries = uint64(r.policy.MaxRetries)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), retries), ctx)

	attempt := 0
	var lastErr error
	err := backoff.RetryNotify(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if attemptCtx.Err() == context.DeadlineExceeded && !IsTransient(err) {
			err = Transient(err)
		}
		lastErr = err
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, delay time.Duration) {
		r.logger.WithFields(logrus.Fields{
			"gateway": r.inner.Name(),
			"op":      op,
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(err).Warn("Gateway call failed, retrying")
	})

	// a cancelled caller gets the provider's error, not context.Canceled
	if err != nil && lastErr != nil && ctx.Err() != nil {
		return lastErr
	}
	return err
}

// newBackOff is base * 2^n with ±25% jitter, capped at 16x base
func (r *Resilient) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.BaseDelay
	b.RandomizationFactor = 0.25
	b.Multiplier = 2
	b.MaxInterval = r.policy.BaseDelay * 16
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
