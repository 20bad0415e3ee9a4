package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// outcome is what one request attempt means for the retry loop.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeReauth
	outcomeRateLimited
	outcomeRetryable
	outcomeFatal
)

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "ok"
	case outcomeReauth:
		return "reauth"
	case outcomeRateLimited:
		return "rate_limited"
	case outcomeRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// maxRetryAfter caps how long a server-provided Retry-After may stall a worker.
const maxRetryAfter = 30 * time.Second

var errDecode = errors.New("decode response")

// HTTPError is a non-2xx answer from the PMS API.
type HTTPError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// classify maps one attempt to an outcome. A 403 is only recoverable when
// the request belongs to an account whose token can be refreshed.
func classify(ctx context.Context, status int, err error, hasAccount bool) outcome {
	if err != nil {
		if ctx.Err() != nil {
			return outcomeFatal
		}
		if errors.Is(err, errDecode) {
			return outcomeFatal
		}
		var he *HTTPError
		if !errors.As(err, &he) {
			return outcomeRetryable
		}
	}
	switch {
	case status >= 200 && status < 300 && err == nil:
		return outcomeOK
	case status == http.StatusForbidden && hasAccount:
		return outcomeReauth
	case status == http.StatusTooManyRequests:
		return outcomeRateLimited
	case status >= 500:
		return outcomeRetryable
	}
	return outcomeFatal
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
// It returns 0 when absent or unparsable.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
