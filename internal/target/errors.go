// Package target provides an HTTP client for the target communications
// platform API with retry, backoff, and error classification. The sync
// engine depends on it through a narrow interface; the conflict sentinel
// is the contract the idempotency layer is built on.
package target

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, target.ErrConflict) to check.
var (
	ErrBadRequest   = errors.New("target: bad request")
	ErrUnauthorized = errors.New("target: unauthorized")
	ErrForbidden    = errors.New("target: forbidden")
	ErrNotFound     = errors.New("target: not found")
	ErrConflict     = errors.New("target: conflict")
	ErrThrottled    = errors.New("target: throttled")
	ErrServerError  = errors.New("target: server error")
)

// APIError wraps a sentinel error with HTTP status code, request ID, and
// the API error message body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("target: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("target: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isRetryable reports whether the given HTTP status code should be retried.
// Conflicts are deliberately not retryable — the idempotency layer resolves
// them by lookup, never by re-attempting the create.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	default:
		return code >= http.StatusInternalServerError
	}
}
