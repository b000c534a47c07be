package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowflow/pkg/circuitbreaker"
	"escrowflow/pkg/config"
)

func newTestGateway(t *testing.T, h http.HandlerFunc) *HTTPGateway {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute, HalfOpenMaxRequests: 1,
	})
	return NewHTTPGateway(config.PaymentConfig{BaseURL: srv.URL, APIKey: "k", Timeout: time.Second, ReturnURL: "https://app/return"}, cb, zap.NewNop())
}

func TestInitiateSendsIdempotencyKey(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "100000", body["amount"])
		assert.Equal(t, "https://app/return", body["return_url"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payment_url":"https://pay/abc","reference":"abc"}`))
	})

	s, err := g.Initiate(context.Background(), InitiateRequest{
		Amount: decimal.NewFromInt(100000), Currency: "IDR", IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", s.Reference)
	assert.Equal(t, "https://pay/abc", s.PaymentURL)
}

func TestTransferRejected(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid_account","message":"unknown account"}`))
	})

	_, err := g.Transfer(context.Background(), TransferRequest{Amount: decimal.NewFromInt(1), IdempotencyKey: "k"})
	require.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "unknown account")
	assert.True(t, IsDefinitive(err))
}

func TestServerErrorIsUnknownOutcome(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := g.Transfer(context.Background(), TransferRequest{Amount: decimal.NewFromInt(1), IdempotencyKey: "k"})
	require.ErrorIs(t, err, ErrOutcomeUnknown)
	assert.False(t, IsDefinitive(err))
}

func TestBreakerOpenIsUnavailable(t *testing.T) {
	calls := 0
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 2; i++ {
		_, _ = g.Transfer(context.Background(), TransferRequest{IdempotencyKey: "k"})
	}
	_, err := g.Transfer(context.Background(), TransferRequest{IdempotencyKey: "k"})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, calls)
}

func TestLookupUnknownOperation(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/operations/key-9", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := g.Lookup(context.Background(), "key-9")
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestLookupOutcome(t *testing.T) {
	g := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reference":"r-1","status":"failed"}`))
	})

	res, err := g.Lookup(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.Equal(t, "r-1", res.Reference)
}
