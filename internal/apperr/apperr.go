// Package apperr defines the error taxonomy shared by the gateway core and
// its HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrProvider      = errors.New("provider error")
	ErrRateLimit     = errors.New("rate limited")
	ErrValidation    = errors.New("validation error")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
)

// ProviderError is a non-2xx answer (or a transport failure, Status 0) from
// an upstream provider.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("provider %s: %s", e.Provider, e.Body)
	}
	return fmt.Sprintf("provider %s returned %d: %s", e.Provider, e.Status, e.Body)
}

func (e *ProviderError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrProvider, e.Err}
	}
	return []error{ErrProvider}
}

// RateLimitError is an upstream 429. RetryAfter is zero when the provider
// did not send a usable Retry-After header.
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Body       string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider %s rate limited (retry after %s): %s", e.Provider, e.RetryAfter, e.Body)
	}
	return fmt.Sprintf("provider %s rate limited: %s", e.Provider, e.Body)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimit }

func NotFound(what string) error { return fmt.Errorf("%w: %s", ErrNotFound, what) }

func Configuration(msg string) error { return fmt.Errorf("%w: %s", ErrConfiguration, msg) }

func Validation(msg string) error { return fmt.Errorf("%w: %s", ErrValidation, msg) }

func Unauthorized(msg string) error { return fmt.Errorf("%w: %s", ErrUnauthorized, msg) }

func Forbidden(permission string) error {
	return fmt.Errorf("%w: missing permission %s", ErrForbidden, permission)
}

// ModelNotFound is returned for unknown and inactive models alike so callers
// cannot probe which inactive models exist.
func ModelNotFound() error { return NotFound("model not found") }

// IsRateLimit reports whether err signals upstream throttling, either typed
// or by the wording providers commonly use.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimit) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests")
}

// HTTPStatus maps an error to the status the API answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrProvider):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code is the short error type stored on usage records and returned in API
// error bodies.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimit):
		return "rate_limit"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	default:
		return "internal_error"
	}
}
