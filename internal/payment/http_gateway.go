package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrowflow/pkg/circuitbreaker"
	"escrowflow/pkg/config"
	"escrowflow/pkg/metrics"
	"escrowflow/pkg/otel"
	"escrowflow/pkg/trace"
	"escrowflow/pkg/util"
)

// HTTPGateway talks to the gateway's REST API. Calls go through a circuit
// breaker that trips on transport errors and 5xx responses.
type HTTPGateway struct {
	client    *resty.Client
	breaker   *circuitbreaker.CircuitBreaker
	returnURL string
	logger    *zap.Logger
}

type initiateBody struct {
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	IdempotencyKey string            `json:"idempotency_key"`
	ReturnURL      string            `json:"return_url,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type initiateResponse struct {
	PaymentURL string `json:"payment_url"`
	Reference  string `json:"reference"`
}

type transferBody struct {
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	AccountID      string            `json:"account_id"`
	IdempotencyKey string            `json:"idempotency_key"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type operationResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHTTPGateway(cfg config.PaymentConfig, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Content-Type", "application/json")

	return &HTTPGateway{
		client:    client,
		breaker:   breaker,
		returnURL: cfg.ReturnURL,
		logger:    logger.With(zap.String("component", "payment_gateway")),
	}
}

func (g *HTTPGateway) Initiate(ctx context.Context, req InitiateRequest) (*Session, error) {
	var out initiateResponse
	var apiErr errorResponse
	_, err := g.call(ctx, "initiate", req.IdempotencyKey, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(initiateBody{
			Amount:         req.Amount,
			Currency:       req.Currency,
			IdempotencyKey: req.IdempotencyKey,
			ReturnURL:      g.returnURL,
			Metadata:       req.Metadata,
		}).SetResult(&out).SetError(&apiErr).Post("/v1/payments")
	}, &apiErr)
	if err != nil {
		return nil, err
	}
	if out.PaymentURL == "" || out.Reference == "" {
		return nil, fmt.Errorf("%w: initiate response missing payment_url or reference", ErrOutcomeUnknown)
	}
	return &Session{PaymentURL: out.PaymentURL, Reference: out.Reference}, nil
}

func (g *HTTPGateway) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	var out operationResponse
	var apiErr errorResponse
	_, err := g.call(ctx, "transfer", req.IdempotencyKey, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(transferBody{
			Amount:         req.Amount,
			Currency:       req.Currency,
			AccountID:      req.AccountID,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
		}).SetResult(&out).SetError(&apiErr).Post("/v1/transfers")
	}, &apiErr)
	if err != nil {
		return nil, err
	}
	outcome, ok := ParseOutcome(out.Status)
	if !ok {
		return nil, fmt.Errorf("%w: transfer status %q", ErrOutcomeUnknown, out.Status)
	}
	return &TransferResult{Reference: out.Reference, Outcome: outcome}, nil
}

func (g *HTTPGateway) Lookup(ctx context.Context, idempotencyKey string) (*LookupResult, error) {
	var out operationResponse
	var apiErr errorResponse
	resp, err := g.call(ctx, "lookup", idempotencyKey, func(r *resty.Request) (*resty.Response, error) {
		return r.SetResult(&out).SetError(&apiErr).
			SetPathParam("key", idempotencyKey).
			Get("/v1/operations/{key}")
	}, &apiErr)
	if resp != nil && resp.StatusCode() == http.StatusNotFound {
		return nil, ErrUnknownOperation
	}
	if err != nil {
		return nil, err
	}
	outcome, ok := ParseOutcome(out.Status)
	if !ok {
		return nil, fmt.Errorf("%w: lookup status %q", ErrOutcomeUnknown, out.Status)
	}
	return &LookupResult{Reference: out.Reference, Outcome: outcome}, nil
}

// call executes one request through the breaker and maps failures onto the
// package errors.
func (g *HTTPGateway) call(
	ctx context.Context,
	operation, idempotencyKey string,
	send func(r *resty.Request) (*resty.Response, error),
	apiErr *errorResponse,
) (*resty.Response, error) {
	ctx, span := otel.GatewaySpan(ctx, operation)
	start := time.Now()

	var resp *resty.Response
	err := g.breaker.Execute(func() error {
		req := g.client.R().
			SetContext(ctx).
			SetHeader("Idempotency-Key", idempotencyKey)
		if traceID := trace.FromContext(ctx); traceID != "" {
			req.SetHeader(trace.HeaderName(), traceID)
		}
		var err error
		resp, err = send(req)
		if err != nil {
			return err
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return fmt.Errorf("gateway %s returned %d", operation, resp.StatusCode())
		}
		return nil
	})

	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode())
	}
	metrics.RecordGatewayLatency(operation, status, time.Since(start))

	err = g.classify(operation, resp, err, apiErr)
	otel.End(span, err)
	if err != nil {
		g.logger.Warn("Payment gateway call failed",
			zap.String("operation", operation),
			zap.String("idempotency_key", idempotencyKey),
			zap.String("status", status),
			zap.Error(err),
		)
	}
	return resp, err
}

func (g *HTTPGateway) classify(operation string, resp *resty.Response, err error, apiErr *errorResponse) error {
	if err != nil {
		switch util.ClassifyCallError(err) {
		case util.NotDelivered:
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, operation, err)
		default:
			// Timeouts, resets and 5xx may have been applied remotely.
			return fmt.Errorf("%w: %s: %v", ErrOutcomeUnknown, operation, err)
		}
	}
	if resp.IsError() {
		msg := apiErr.Message
		if msg == "" {
			msg = http.StatusText(resp.StatusCode())
		}
		return fmt.Errorf("%w: %s: %d %s", ErrRejected, operation, resp.StatusCode(), msg)
	}
	return nil
}

// IsDefinitive reports whether err proves the gateway did not apply the
// request.
func IsDefinitive(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRejected)
}
