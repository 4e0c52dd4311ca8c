package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCode(t *testing.T) {
	assert.Equal(t, 300201, Code(ServiceCart, 2, 1))
	assert.Equal(t, 700105, Code(ServiceFabric, 1, 5))
}

func TestHTTPStatusByKind(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{Validation(100001, "bad input"), http.StatusBadRequest},
		{Unauthorized(100002, "missing token"), http.StatusUnauthorized},
		{Forbidden(100003, "wrong tenant"), http.StatusForbidden},
		{NotFound(300001, "cart not found"), http.StatusNotFound},
		{Conflict(300002, "invalid state"), http.StatusConflict},
		{Unprocessable(300003, "tender exceeds balance"), http.StatusUnprocessableEntity},
		{Upstream(errors.New("dial"), 700001, "broker unavailable"), http.StatusServiceUnavailable},
		{Internal(errors.New("boom"), 109999, "unexpected"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, HTTPStatus(tc.err), tc.err.Error())
	}
}

func TestWrapPreservesChain(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(cause, KindUpstream, 700102, "publish failed")
	wrapped := fmt.Errorf("while finalizing: %w", err)

	require.ErrorIs(t, wrapped, cause)
	assert.Equal(t, KindUpstream, KindOf(wrapped))
	assert.Equal(t, 700102, CodeOf(wrapped))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(wrapped))
}

func TestUserMessage(t *testing.T) {
	err := Unprocessable(300305, "cashless tender exceeds balance").
		WithUser("amount exceeds the balance due")
	assert.Equal(t, "amount exceeds the balance due", UserMessageOf(err))

	plain := NotFound(300301, "item 4901 not found")
	assert.Equal(t, "item 4901 not found", UserMessageOf(plain))

	assert.Equal(t, "unexpected error", UserMessageOf(errors.New("x")))
}

func TestErrorString(t *testing.T) {
	err := Conflict(300204, "cart already completed")
	assert.Contains(t, err.Error(), "300204")
	assert.Contains(t, err.Error(), "conflict")

	inner := Internal(errors.New("timeout"), 109901, "store write failed")
	assert.Contains(t, inner.Error(), "timeout")
}
