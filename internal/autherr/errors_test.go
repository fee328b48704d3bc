package autherr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorKindsUnwrap(t *testing.T) {
	cause := errors.New("redis down")
	err := Wrap(ErrInternal, "failed to record window", cause)

	assert.True(t, errors.Is(err, ErrInternal))
	assert.True(t, errors.Is(err, cause))
	assert.False(t, errors.Is(err, ErrValidation))
	assert.Equal(t, "failed to record window: redis down", err.Error())
	assert.Nil(t, Wrap(ErrInternal, "noop", nil))
}

func TestTypedErrorsSurviveWrapping(t *testing.T) {
	reset := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	err := fmt.Errorf("failed to send otp: %w", &RateLimitError{Limit: 3, ResetAt: reset, RetryAfter: 90 * time.Second})

	assert.True(t, errors.Is(err, ErrRateLimited))
	var rl *RateLimitError
	assert.True(t, errors.As(err, &rl))
	assert.Equal(t, reset, rl.ResetAt)

	wait, ok := RetryAfter(err, reset.Add(-time.Minute))
	assert.True(t, ok)
	assert.Equal(t, 90*time.Second, wait)
}

func TestLockedErrorRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	err := &LockedError{Until: now.Add(5 * time.Minute), Reason: "locked"}

	assert.True(t, errors.Is(err, ErrAccountLocked))
	wait, ok := RetryAfter(err, now)
	assert.True(t, ok)
	assert.Equal(t, 5*time.Minute, wait)

	_, ok = RetryAfter(Validation("bad"), now)
	assert.False(t, ok)
}

func TestHTTPStatusAndCode(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{Validation("bad recipient"), http.StatusBadRequest, "VALIDATION_ERROR"},
		{&RateLimitError{Limit: 1}, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED"},
		{&LockedError{}, http.StatusTooManyRequests, "ACCOUNT_LOCKED"},
		{New(ErrExpired, "session expired"), http.StatusUnauthorized, "EXPIRED_CREDENTIAL"},
		{New(ErrInvalidToken, "refresh token not recognised"), http.StatusUnauthorized, "INVALID_TOKEN"},
		{New(ErrAttemptsExhausted, "too many"), http.StatusUnauthorized, "ATTEMPTS_EXHAUSTED"},
		{New(ErrNotFound, "no session"), http.StatusNotFound, "NOT_FOUND"},
		{New(ErrDuplicateRegistration, "dup"), http.StatusConflict, "DUPLICATE_REGISTRATION"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.status, HTTPStatus(tc.err), tc.err.Error())
		assert.Equal(t, tc.code, Code(tc.err), tc.err.Error())
	}
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
}
