package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnavailable means the backend could not be reached or failed with
	// a 5xx. Writes that fail this way are retried.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrUnauthorized means the bearer token is missing, expired or invalid.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidRequest means the backend rejected the payload.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound means the addressed resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate means an idempotent write was already applied.
	ErrDuplicate = errors.New("duplicate")
)

// APIError is a failed backend call. It unwraps to one of the sentinel errors.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
	kind       error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v: %s", e.Op, e.kind, e.Message)
	}
	return fmt.Sprintf("%s: %v (status %d): %s", e.Op, e.kind, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.kind
}

// kindForStatus maps an HTTP status to its sentinel error.
func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrUnauthorized
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ErrInvalidRequest
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrDuplicate
	case status >= 500:
		return ErrUnavailable
	default:
		return ErrInvalidRequest
	}
}

// StatusFor maps an error to the status a gateway should answer with.
// Unreachable backends map to 503 so callers can tell them apart from 400.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// errorMessage pulls a readable message out of an error body.
func errorMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		for _, m := range []string{payload.Error, payload.Message, payload.Detail} {
			if m != "" {
				return m
			}
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
