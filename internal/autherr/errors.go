// Package autherr defines the error taxonomy shared by the login registry,
// the session orchestrator and the upstream call wrapper.
//
// Every error produced by those packages is marked with exactly one of the
// sentinels below, so callers classify with errors.Is regardless of how much
// context has been wrapped around the cause.
package autherr

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Sentinels. Compare with errors.Is.
var (
	ErrNotFound                 = errors.New("not found")
	ErrInvalidArgument          = errors.New("invalid argument")
	ErrInvalidState             = errors.New("invalid state")
	ErrNoLoginSelected          = errors.New("no login selected")
	ErrUnauthenticated          = errors.New("unauthenticated")
	ErrReauthenticationRequired = errors.New("re-authentication required")
	ErrUpstreamUnavailable      = errors.New("upstream unavailable")
	ErrUpstreamRequest          = errors.New("upstream request rejected")
	ErrStorage                  = errors.New("storage failure")
	ErrCanceled                 = errors.New("canceled")
)

// NotFound reports an unknown user or login.
func NotFound(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// InvalidArgument reports malformed caller input.
func InvalidArgument(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidArgument)
}

// InvalidState reports an operation that is not valid for the login's current state.
func InvalidState(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidState)
}

// NoLoginSelected reports that no login was given and none is selected.
func NoLoginSelected(userID string) error {
	return errors.Mark(errors.Newf("user %q has no selected login", userID), ErrNoLoginSelected)
}

// Unauthenticated reports that no token record is on file for the login.
func Unauthenticated(userID, loginID string) error {
	return errors.Mark(errors.Newf("no token on file for user %q login %q", userID, loginID), ErrUnauthenticated)
}

// ReauthenticationRequired reports that the login must go through the
// authorization flow again. cause may be nil.
func ReauthenticationRequired(userID, loginID string, cause error) error {
	msg := fmt.Sprintf("login %q of user %q must re-authenticate", loginID, userID)
	if cause == nil {
		return errors.Mark(errors.New(msg), ErrReauthenticationRequired)
	}
	return errors.Mark(errors.Wrap(cause, msg), ErrReauthenticationRequired)
}

// UpstreamUnavailable wraps a network failure, timeout or 5xx.
func UpstreamUnavailable(cause error, format string, args ...any) error {
	if cause == nil {
		return errors.Mark(errors.Newf(format, args...), ErrUpstreamUnavailable)
	}
	return errors.Mark(errors.Wrapf(cause, format, args...), ErrUpstreamUnavailable)
}

// Storage wraps a backing store failure.
func Storage(cause error, op, key string) error {
	return errors.Mark(errors.Wrapf(cause, "store %s %q", op, key), ErrStorage)
}

// Canceled wraps the caller's context error when it gave up waiting.
func Canceled(cause error, format string, args ...any) error {
	return errors.Mark(errors.Wrapf(cause, format, args...), ErrCanceled)
}

// UpstreamRequestError is a non-retryable 4xx (other than 401) returned by a
// provider resource endpoint.
type UpstreamRequestError struct {
	Endpoint   string
	StatusCode int
	Body       []byte
}

func (e *UpstreamRequestError) Error() string {
	return fmt.Sprintf("upstream %s returned %d", e.Endpoint, e.StatusCode)
}

// UpstreamRequest builds a marked *UpstreamRequestError.
func UpstreamRequest(endpoint string, status int, body []byte) error {
	return errors.Mark(&UpstreamRequestError{Endpoint: endpoint, StatusCode: status, Body: body}, ErrUpstreamRequest)
}

// IsRetryable reports whether the caller may retry later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage) || errors.Is(err, ErrUpstreamUnavailable)
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNoLoginSelected):
		return "no_login_selected"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrReauthenticationRequired):
		return "reauthentication_required"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrUpstreamRequest):
		return "upstream_request"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrCanceled), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}

// HTTPStatus maps err onto the status the HTTP surface responds with.
func HTTPStatus(err error) int {
	switch Code(err) {
	case "":
		return http.StatusOK
	case "not_found":
		return http.StatusNotFound
	case "invalid_argument":
		return http.StatusBadRequest
	case "invalid_state", "no_login_selected":
		return http.StatusConflict
	case "unauthenticated", "reauthentication_required":
		return http.StatusUnauthorized
	case "upstream_request":
		return http.StatusBadGateway
	case "upstream_unavailable", "storage":
		return http.StatusServiceUnavailable
	case "canceled":
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
