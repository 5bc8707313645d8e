// Package paymenttest provides an in-memory payment.Gateway for tests
package paymenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/SenTheOpsGuy/chillconnect-platform-sub002/pkg/payment"
)

// RefundCall records one Refund invocation
type RefundCall struct {
	Ref            string
	Amount         int64
	IdempotencyKey string
}

// Gateway is a scriptable payment.Gateway and payment.WebhookParser
type Gateway struct {
	mu sync.Mutex

	name       string
	idempotent bool
	seq        int

	payments map[string]*payment.Verification
	refunds  []RefundCall
	refunded map[string]int64

	// ReportRefunds makes VerifyStatus include the refunded amount
	ReportRefunds bool

	CreateErr error
	VerifyErr error
	RefundErr error
	// RefundErrAfterEffect makes Refund move the money and still return RefundErr
	RefundErrAfterEffect bool
}

// NewGateway creates a fake gateway registered under name
func NewGateway(name string, idempotent bool) *Gateway {
	return &Gateway{
		name:       name,
		idempotent: idempotent,
		payments:   make(map[string]*payment.Verification),
		refunded:   make(map[string]int64),
	}
}

func (g *Gateway) Name() string     { return g.name }
func (g *Gateway) Idempotent() bool { return g.idempotent }

func (g *Gateway) CreateIntent(_ context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateErr != nil {
		return nil, g.CreateErr
	}
	g.seq++
	ref := fmt.Sprintf("%s_%d", g.name, g.seq)
	g.payments[ref] = &payment.Verification{
		Status:    payment.StatusPending,
		Currency:  req.Currency,
		RawStatus: "pending",
	}
	return &payment.Intent{Ref: ref, RedirectURL: "https://pay.example/" + ref, RawStatus: "pending"}, nil
}

func (g *Gateway) VerifyStatus(_ context.Context, ref string) (*payment.Verification, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.VerifyErr != nil {
		return nil, g.VerifyErr
	}
	v, ok := g.payments[ref]
	if !ok {
		return nil, fmt.Errorf("no such payment %s", ref)
	}
	out := *v
	if g.ReportRefunds {
		refunded := g.refunded[ref]
		out.RefundedAmount = &refunded
	}
	return &out, nil
}

func (g *Gateway) Refund(_ context.Context, ref string, amount int64, key string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, RefundCall{Ref: ref, Amount: amount, IdempotencyKey: key})
	if g.RefundErr != nil && !g.RefundErrAfterEffect {
		return "", g.RefundErr
	}
	g.refunded[ref] += amount
	if g.RefundErr != nil {
		return "", g.RefundErr
	}
	return fmt.Sprintf("re_%s_%d", ref, len(g.refunds)), nil
}

// ParseWebhook accepts {"ref": "..."} bodies; a "bad" signature header is rejected
func (g *Gateway) ParseWebhook(_ context.Context, payload []byte, header http.Header) (string, error) {
	if header.Get("X-Signature") == "bad" {
		return "", payment.ErrInvalidWebhook
	}
	var body struct {
		Ref string `json:"ref"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.Ref == "" {
		return "", payment.ErrInvalidWebhook
	}
	return body.Ref, nil
}

// Settle sets the provider-side outcome of ref
func (g *Gateway) Settle(ref string, status payment.Status, paid int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.payments[ref]
	if !ok {
		v = &payment.Verification{}
		g.payments[ref] = v
	}
	v.Status = status
	v.RawStatus = string(status)
	v.PaidAmount = paid
}

// Refunds returns every Refund call made so far
func (g *Gateway) Refunds() []RefundCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]RefundCall(nil), g.refunds...)
}

// RefundedTotal returns the money actually moved back for ref
func (g *Gateway) RefundedTotal(ref string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.refunded[ref]
}
