package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/pysugar/login-nexus/internal/autherr"
	"github.com/pysugar/login-nexus/internal/logging"
	"github.com/pysugar/login-nexus/internal/upstream"
)

const maxRequestBody = 1 << 20

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto its status code. Internal errors are logged and
// answered without detail.
func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	code := autherr.Code(err)
	status := autherr.HTTPStatus(err)
	message := err.Error()

	var unavailable *upstream.UnavailableError
	if errors.As(err, &unavailable) && unavailable.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(unavailable.RetryAfter.Seconds()))))
	}

	reqLogger := logging.FromContext(r.Context(), logger).With("method", r.Method, "path", r.URL.Path, "code", code)
	switch {
	case status == http.StatusBadGateway:
		reqLogger.Warn("request rejected upstream", "error", err)
	case status >= 500:
		reqLogger.Error("request failed", "error", err)
		if code == "internal" {
			message = "internal error"
		}
	default:
		reqLogger.Debug("request failed", "error", err)
	}

	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched when optional is set.
func decodeBody(r *http.Request, v any, optional bool) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(v)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return autherr.InvalidArgument("invalid request body: %v", err)
	}
	return nil
}
