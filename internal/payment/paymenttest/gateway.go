// Package paymenttest provides an in-memory payment.Gateway.
package paymenttest

import (
	"context"
	"fmt"
	"sync"

	"escrowflow/internal/payment"
)

// Gateway records every call. Errors set on it are returned by the matching
// method until cleared.
type Gateway struct {
	mu sync.Mutex

	InitiateErr error
	TransferErr error
	LookupErr   error
	// TransferOutcome is reported by Transfer; defaults to success.
	TransferOutcome payment.Outcome
	// BeforeTransfer, if set, runs at the start of every Transfer call.
	BeforeTransfer func()

	seq       int
	initiated []payment.InitiateRequest
	transfers []payment.TransferRequest
	refs      map[string]string
	outcomes  map[string]payment.Outcome
}

func New() *Gateway {
	return &Gateway{
		TransferOutcome: payment.OutcomeSuccess,
		refs:            map[string]string{},
		outcomes:        map[string]payment.Outcome{},
	}
}

func (g *Gateway) reference(key string) string {
	if ref, ok := g.refs[key]; ok {
		return ref
	}
	g.seq++
	ref := fmt.Sprintf("ref-%d", g.seq)
	g.refs[key] = ref
	return ref
}

func (g *Gateway) Initiate(_ context.Context, req payment.InitiateRequest) (*payment.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.initiated = append(g.initiated, req)
	if g.InitiateErr != nil {
		return nil, g.InitiateErr
	}
	ref := g.reference(req.IdempotencyKey)
	if _, ok := g.outcomes[req.IdempotencyKey]; !ok {
		g.outcomes[req.IdempotencyKey] = payment.OutcomePending
	}
	return &payment.Session{PaymentURL: "https://pay.test/checkout/" + ref, Reference: ref}, nil
}

func (g *Gateway) Transfer(_ context.Context, req payment.TransferRequest) (*payment.TransferResult, error) {
	if hook := g.BeforeTransfer; hook != nil {
		hook()
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	g.transfers = append(g.transfers, req)
	if g.TransferErr != nil {
		return nil, g.TransferErr
	}
	ref := g.reference(req.IdempotencyKey)
	g.outcomes[req.IdempotencyKey] = g.TransferOutcome
	return &payment.TransferResult{Reference: ref, Outcome: g.TransferOutcome}, nil
}

func (g *Gateway) Lookup(_ context.Context, idempotencyKey string) (*payment.LookupResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.LookupErr != nil {
		return nil, g.LookupErr
	}
	outcome, ok := g.outcomes[idempotencyKey]
	if !ok {
		return nil, payment.ErrUnknownOperation
	}
	return &payment.LookupResult{Reference: g.reference(idempotencyKey), Outcome: outcome}, nil
}

// SetOutcome makes Lookup report outcome for idempotencyKey.
func (g *Gateway) SetOutcome(idempotencyKey string, outcome payment.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes[idempotencyKey] = outcome
}

// Initiated returns the Initiate requests seen so far.
func (g *Gateway) Initiated() []payment.InitiateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payment.InitiateRequest(nil), g.initiated...)
}

// Transfers returns the Transfer requests seen so far.
func (g *Gateway) Transfers() []payment.TransferRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payment.TransferRequest(nil), g.transfers...)
}

var _ payment.Gateway = (*Gateway)(nil)
