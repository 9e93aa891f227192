package upstream

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/pysugar/login-nexus/internal/autherr"
	"github.com/pysugar/login-nexus/internal/logging"
	"github.com/pysugar/login-nexus/internal/util"
)

type loggingCaller struct {
	next   Caller
	logger *slog.Logger
}

// WithLogging wraps next so every call is logged with its outcome. Token
// material never reaches the log; error bodies are truncated.
func WithLogging(next Caller, logger *slog.Logger) Caller {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingCaller{next: next, logger: logger}
}

func (l *loggingCaller) Call(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	resp, err := l.next.Call(ctx, req)

	logger := logging.FromContext(ctx, l.logger).With(
		"method", req.method(),
		"path", req.Path,
		"user_id", req.UserID,
		"duration", time.Since(start),
	)
	if err != nil {
		attrs := []any{"code", autherr.Code(err), "error", err}
		var reqErr *autherr.UpstreamRequestError
		if errors.As(err, &reqErr) {
			attrs = append(attrs, "status", reqErr.StatusCode, "body", util.TruncateBytes(reqErr.Body))
		}
		if autherr.IsRetryable(err) {
			logger.Warn("upstream call failed", attrs...)
		} else {
			logger.Error("upstream call failed", attrs...)
		}
		return nil, err
	}
	logger.Info("upstream call", "login_id", resp.LoginID, "status", resp.StatusCode, "bytes", len(resp.Body))
	return resp, nil
}
