package util

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"escrowflow/pkg/circuitbreaker"
)

// Delivery describes what is known about a remote call that returned err.
type Delivery int

const (
	// Delivered means the remote side answered.
	Delivered Delivery = iota
	// NotDelivered means the request never reached the remote side.
	NotDelivered
	// Unknown means the request may or may not have been applied remotely.
	Unknown
)

// ClassifyCallError decides whether a failed outbound call may have reached
// the remote side.
func ClassifyCallError(err error) Delivery {
	if err == nil {
		return Delivered
	}
	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return NotDelivered
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Unknown
	}
	if errors.Is(err, context.Canceled) {
		return Unknown
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return NotDelivered
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Unknown
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return Unknown
		}
		if strings.Contains(urlErr.Error(), "connection refused") || strings.Contains(urlErr.Error(), "no such host") {
			return NotDelivered
		}
		return Unknown
	}

	return Delivered
}
