package upstream

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// retryBody covers the JSON shapes providers use to say when to come back.
type retryBody struct {
	RetryDelay string `json:"retryDelay"`
	Error      struct {
		Details []struct {
			RetryDelay string            `json:"retryDelay"`
			Metadata   map[string]string `json:"metadata"`
		} `json:"details"`
	} `json:"error"`
}

// parseRetryDelay extracts how long to wait before retrying from a 5xx
// response. The Retry-After header wins over the body. Returns 0 when the
// response carries no hint.
func parseRetryDelay(header http.Header, body []byte, now time.Time) time.Duration {
	if retryAfter := header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds >= 0 {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			if d := t.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}

	if len(body) == 0 {
		return 0
	}
	var info retryBody
	if err := json.Unmarshal(body, &info); err != nil {
		return 0
	}
	if d, err := time.ParseDuration(info.RetryDelay); err == nil && d > 0 {
		return d
	}
	for _, detail := range info.Error.Details {
		if d, err := time.ParseDuration(detail.RetryDelay); err == nil && d > 0 {
			return d
		}
		if d, err := time.ParseDuration(detail.Metadata["retryDelay"]); err == nil && d > 0 {
			return d
		}
	}
	return 0
}
