package orderapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for errors.Is checks at the tool boundary.
var (
	ErrTimeout     = errors.New("orderapi: upstream timed out")
	ErrAuth        = errors.New("orderapi: upstream rejected the credentials")
	ErrRateLimited = errors.New("orderapi: upstream rate limited the request")
	ErrServer      = errors.New("orderapi: upstream server error")
	ErrClient      = errors.New("orderapi: upstream rejected the request")
	ErrBadResponse = errors.New("orderapi: invalid upstream response")
)

// StatusError wraps a sentinel with the attempt's HTTP context.
type StatusError struct {
	Sentinel error
	Status   int
	Body     string
	// After is the back-off requested through Retry-After, if any.
	After time.Duration
	// Err is the lower-level cause, such as a net.Error.
	Err error
}

func (e *StatusError) Error() string {
	msg := e.Sentinel.Error()
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *StatusError) Unwrap() error { return e.Sentinel }

// RetryAfter reports the upstream's requested back-off.
func (e *StatusError) RetryAfter() time.Duration { return e.After }

// classifyStatus maps a non-success, non-404 status onto a sentinel.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusRequestTimeout:
		return ErrTimeout
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= http.StatusInternalServerError:
		return ErrServer
	case status >= http.StatusBadRequest:
		return ErrClient
	default:
		return ErrBadResponse
	}
}

// retryable reports whether an attempt error is worth another attempt.
func retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServer)
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
