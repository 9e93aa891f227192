package autherr

import (
	"context"
	"net/http"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkedErrorsSurviveWrapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		code     string
		status   int
	}{
		{"not found", NotFound("login %q", "a"), ErrNotFound, "not_found", http.StatusNotFound},
		{"invalid argument", InvalidArgument("bad"), ErrInvalidArgument, "invalid_argument", http.StatusBadRequest},
		{"invalid state", InvalidState("login not connected"), ErrInvalidState, "invalid_state", http.StatusConflict},
		{"no selection", NoLoginSelected("u1"), ErrNoLoginSelected, "no_login_selected", http.StatusConflict},
		{"unauthenticated", Unauthenticated("u1", "l1"), ErrUnauthenticated, "unauthenticated", http.StatusUnauthorized},
		{"reauth", ReauthenticationRequired("u1", "l1", errors.New("invalid_grant")), ErrReauthenticationRequired, "reauthentication_required", http.StatusUnauthorized},
		{"unavailable", UpstreamUnavailable(errors.New("dial tcp"), "refresh"), ErrUpstreamUnavailable, "upstream_unavailable", http.StatusServiceUnavailable},
		{"upstream request", UpstreamRequest("/accounts", 403, nil), ErrUpstreamRequest, "upstream_request", http.StatusBadGateway},
		{"storage", Storage(errors.New("disk full"), "set", "k"), ErrStorage, "storage", http.StatusServiceUnavailable},
		{"canceled", Canceled(context.Canceled, "waiting"), ErrCanceled, "canceled", http.StatusRequestTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := errors.Wrap(tt.err, "outer context")
			assert.True(t, errors.Is(wrapped, tt.sentinel))
			assert.Equal(t, tt.code, Code(wrapped))
			assert.Equal(t, tt.status, HTTPStatus(wrapped))
		})
	}
}

func TestUpstreamRequestErrorCarriesDiagnostics(t *testing.T) {
	err := errors.Wrap(UpstreamRequest("/orders", http.StatusForbidden, []byte(`{"message":"no"}`)), "call")

	var reqErr *UpstreamRequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, "/orders", reqErr.Endpoint)
	assert.Equal(t, http.StatusForbidden, reqErr.StatusCode)
	assert.JSONEq(t, `{"message":"no"}`, string(reqErr.Body))
	assert.False(t, IsRetryable(err))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Storage(errors.New("x"), "get", "k")))
	assert.True(t, IsRetryable(UpstreamUnavailable(nil, "timeout")))
	assert.False(t, IsRetryable(ReauthenticationRequired("u", "l", nil)))
	assert.False(t, IsRetryable(nil))
	assert.Equal(t, "internal", Code(errors.New("boom")))
}

func TestContextErrorsAreNotInternal(t *testing.T) {
	assert.Equal(t, "canceled", Code(errors.Wrap(context.Canceled, "read")))
	assert.Equal(t, "canceled", Code(context.DeadlineExceeded))
	assert.Equal(t, http.StatusRequestTimeout, HTTPStatus(context.Canceled))
	assert.Equal(t, "upstream_unavailable", Code(UpstreamUnavailable(context.DeadlineExceeded, "refresh")))
}
