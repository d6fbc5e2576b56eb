package upstream

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// FatalError is a non-retryable upstream failure, carrying the status and a
// truncated response body for diagnostics. Bodies never contain credentials.
type FatalError struct {
	Status int
	Body   string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("upstream: status %d: %s", e.Status, e.Body)
}

// HTTPStatus maps upstream client errors through as-is and everything else
// to a bad-gateway.
func (e *FatalError) HTTPStatus() int {
	if e.Status >= 400 && e.Status < 500 {
		return e.Status
	}
	return 502
}

// RateLimitError reports model-level throttling that could not be absorbed
// by a fallback. Distinct from account quota, which rotates accounts instead.
type RateLimitError struct {
	Model      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("upstream: model %s is rate limited", e.Model)
}

func (e *RateLimitError) HTTPStatus() int { return 429 }

// isModelRateLimited classifies statuses that signal per-model throttling
// rather than account quota (429/403, which the caller handles first).
func isModelRateLimited(status int, body []byte) bool {
	if status == 503 {
		return true
	}
	if status < 500 {
		return false
	}
	if gjson.GetBytes(body, "error.status").String() == "RESOURCE_EXHAUSTED" {
		return true
	}
	msg := strings.ToLower(gjson.GetBytes(body, "error.message").String())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "overloaded")
}

// retryDelay extracts the RetryInfo hint from an error body, if present.
func retryDelay(body []byte) time.Duration {
	var delay string
	gjson.GetBytes(body, "error.details").ForEach(func(_, d gjson.Result) bool {
		if strings.HasSuffix(d.Get("@type").String(), "RetryInfo") {
			delay = d.Get("retryDelay").String()
			return false
		}
		return true
	})
	if delay == "" {
		return 0
	}
	d, err := time.ParseDuration(delay)
	if err != nil {
		return 0
	}
	return d
}
