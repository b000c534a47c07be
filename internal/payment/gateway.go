// Package payment is the adapter to the external payment gateway. The
// gateway hosts fund sessions, executes payouts and reports outcomes
// asynchronously.
package payment

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomePending Outcome = "pending"
)

func ParseOutcome(s string) (Outcome, bool) {
	switch Outcome(s) {
	case OutcomeSuccess, OutcomeFailed, OutcomePending:
		return Outcome(s), true
	}
	return "", false
}

var (
	// ErrUnavailable means the request did not reach the gateway. Nothing
	// was applied remotely.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrRejected means the gateway refused the request.
	ErrRejected = errors.New("payment gateway rejected request")
	// ErrOutcomeUnknown means the request may have been applied. Only a
	// lookup by idempotency key can tell.
	ErrOutcomeUnknown = errors.New("payment gateway outcome unknown")
	// ErrUnknownOperation is returned by Lookup when the gateway has no
	// record of the idempotency key.
	ErrUnknownOperation = errors.New("payment gateway has no such operation")
)

type InitiateRequest struct {
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	Metadata       map[string]string
}

// Session is a hosted payment page the payer is redirected to.
type Session struct {
	PaymentURL string
	Reference  string
}

type TransferRequest struct {
	Amount         decimal.Decimal
	Currency       string
	AccountID      string
	IdempotencyKey string
	Metadata       map[string]string
}

type TransferResult struct {
	Reference string
	Outcome   Outcome
}

type LookupResult struct {
	Reference string
	Outcome   Outcome
}

type Gateway interface {
	// Initiate opens a hosted payment session. The outcome arrives later
	// through a callback.
	Initiate(ctx context.Context, req InitiateRequest) (*Session, error)
	// Transfer pays out to an account. The outcome may be immediate or
	// pending.
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
	// Lookup reports the current outcome of the operation created with
	// idempotencyKey.
	Lookup(ctx context.Context, idempotencyKey string) (*LookupResult, error)
}
