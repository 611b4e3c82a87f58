// Package httpx holds the request plumbing shared by the provider clients.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxErrorBody bounds how much of a failed response ends up in an error.
const maxErrorBody = 512

// StatusError is a non-2xx answer from an upstream API.
type StatusError struct {
	Code int
	Body string
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// HTTPStatusCode returns the response status.
func (e *StatusError) HTTPStatusCode() int { return e.Code }

// RetryableStatus reports whether an upstream answering code may succeed
// on a later attempt.
func RetryableStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return true
	}
	return code >= 500 && code <= 599
}

// Transient reports whether err is a network failure, a timeout, or a
// retryable status.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return RetryableStatus(se.Code)
	}
	return false
}

// Do sends req and returns the body of a 2xx response. Any other status is
// returned as *StatusError.
func Do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, &StatusError{
			Code:       resp.StatusCode,
			Body:       msg,
			RetryAfter: retryAfter(resp),
		}
	}
	return body, nil
}

func retryAfter(resp *http.Response) time.Duration {
	ra := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// Classify wraps a transient failure in sentinel so callers can match it
// with errors.Is. Other failures are returned unchanged.
func Classify(err error, sentinel error) error {
	if err == nil || !Transient(err) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
