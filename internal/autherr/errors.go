// Package autherr defines the failure kinds shared by every security service.
// Callers classify with errors.Is against the sentinels; errors carrying extra
// data (reset time, lockout expiry) are recovered with errors.As.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrAccountLocked         = errors.New("account locked")
	ErrExpired               = errors.New("credential expired")
	ErrAttemptsExhausted     = errors.New("attempts exhausted")
	ErrInvalidToken          = errors.New("invalid token")
	ErrNotFound              = errors.New("not found")
	ErrDuplicateRegistration = errors.New("duplicate registration")
	ErrInternal              = errors.New("internal failure")
)

// Error attaches a message to one of the sentinel kinds.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func New(kind error, message string) error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind error, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(format string, args ...interface{}) error {
	return Newf(ErrValidation, format, args...)
}

func Internal(message string, err error) error {
	return &Error{Kind: ErrInternal, Message: message, Err: err}
}

// RateLimitError is returned when a sliding window is full.
type RateLimitError struct {
	Message    string
	Limit      int
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("rate limit of %d exceeded, retry after %s", e.Limit, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// LockedError is returned while a lockout record is live.
type LockedError struct {
	Until  time.Time
	Reason string
}

func (e *LockedError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *LockedError) Unwrap() error { return ErrAccountLocked }

// RetryAfter extracts the wait hint from rate-limit and lockout errors.
func RetryAfter(err error, now time.Time) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	var locked *LockedError
	if errors.As(err, &locked) {
		if d := locked.Until.Sub(now); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}

// Code is the stable machine-readable name of the error's kind.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrRateLimited):
		return "RATE_LIMIT_EXCEEDED"
	case errors.Is(err, ErrAccountLocked):
		return "ACCOUNT_LOCKED"
	case errors.Is(err, ErrExpired):
		return "EXPIRED_CREDENTIAL"
	case errors.Is(err, ErrAttemptsExhausted):
		return "ATTEMPTS_EXHAUSTED"
	case errors.Is(err, ErrInvalidToken):
		return "INVALID_TOKEN"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrDuplicateRegistration):
		return "DUPLICATE_REGISTRATION"
	default:
		return "INTERNAL_ERROR"
	}
}

func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrAccountLocked):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrExpired), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrAttemptsExhausted):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateRegistration):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
