package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfUnwrapsChain(t *testing.T) {
	err := fmt.Errorf("approve: %w", InvalidTransition("milestone is pending"))
	assert.Equal(t, KindInvalidTransition, KindOf(err))
	assert.True(t, Is(err, KindInvalidTransition))
	assert.False(t, Is(err, KindConflict))

	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.False(t, Is(nil, KindInternal))
}

func TestFieldErrors(t *testing.T) {
	f := FieldErrors{}
	require.NoError(t, f.Err())

	f.Add("amount", "must be positive")
	f.Add("amount", "at most 2 decimals")
	err := f.Err()
	require.Error(t, err)

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, KindValidation, e.Kind)
	assert.Len(t, e.Fields["amount"], 2)
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(KindValidation))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(KindUnauthenticated))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(KindForbidden))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindAlreadyFinalized))
	assert.Equal(t, http.StatusConflict, HTTPStatus(KindDuplicatePending))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindGatewayUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(KindGatewayUnavailable, cause, "payment gateway unavailable")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "gateway_unavailable")
}
