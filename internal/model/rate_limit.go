package model

import (
	"fmt"
	"time"

	"auth-core/internal/autherr"
)

// Operation names with built-in limits.
const (
	OperationLogin         = "login"
	OperationOTPSend       = "otp_send"
	OperationOTPVerify     = "otp_verify"
	OperationPasswordReset = "password_reset"
	OperationAPIAccess     = "api_access"
	OperationRegistration  = "registration"
)

type RateLimitConfig struct {
	Operation          string        `json:"operation"`
	Limit              int           `json:"limit"`
	Window             time.Duration `json:"window"`
	Enabled            bool          `json:"enabled"`
	LockoutEnabled     bool          `json:"lockout_enabled"`
	LockoutThreshold   int           `json:"lockout_threshold"`
	BlockDuration      time.Duration `json:"block_duration"`
	ExponentialBackoff bool          `json:"exponential_backoff"`
	Description        string        `json:"description,omitempty"`
}

func (c RateLimitConfig) Validate() error {
	if c.Operation == "" {
		return autherr.Validation("operation name is required")
	}
	if c.Limit <= 0 {
		return autherr.Validation("operation %s: limit must be positive", c.Operation)
	}
	if c.Window <= 0 {
		return autherr.Validation("operation %s: window must be positive", c.Operation)
	}
	if c.BlockDuration < 0 {
		return autherr.Validation("operation %s: block duration cannot be negative", c.Operation)
	}
	if c.LockoutEnabled && c.LockoutThreshold <= 0 {
		return autherr.Validation("operation %s: lockout threshold must be positive", c.Operation)
	}
	return nil
}

// DefaultRateLimitConfigs is the startup operation table.
func DefaultRateLimitConfigs() map[string]RateLimitConfig {
	return map[string]RateLimitConfig{
		OperationLogin: {
			Operation: OperationLogin, Limit: 5, Window: 5 * time.Minute, Enabled: true,
			LockoutEnabled: true, LockoutThreshold: 5, BlockDuration: 15 * time.Minute, ExponentialBackoff: true,
			Description: "Login attempts",
		},
		OperationOTPSend: {
			Operation: OperationOTPSend, Limit: 3, Window: 5 * time.Minute, Enabled: true,
			BlockDuration: 10 * time.Minute, Description: "OTP send requests",
		},
		OperationOTPVerify: {
			Operation: OperationOTPVerify, Limit: 5, Window: 5 * time.Minute, Enabled: true,
			BlockDuration: 15 * time.Minute, Description: "OTP verification attempts",
		},
		OperationPasswordReset: {
			Operation: OperationPasswordReset, Limit: 3, Window: time.Hour, Enabled: true,
			BlockDuration: time.Hour, Description: "Password reset requests",
		},
		OperationAPIAccess: {
			Operation: OperationAPIAccess, Limit: 100, Window: time.Minute, Enabled: true,
			BlockDuration: 5 * time.Minute, Description: "General API access",
		},
		OperationRegistration: {
			Operation: OperationRegistration, Limit: 3, Window: time.Hour, Enabled: true,
			BlockDuration: time.Hour, Description: "Account registration",
		},
	}
}

type RateLimitResult struct {
	Key          string        `json:"key"`
	Allowed      bool          `json:"allowed"`
	Locked       bool          `json:"locked,omitempty"`
	Blocked      bool          `json:"blocked,omitempty"`
	Unlimited    bool          `json:"unlimited,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	CurrentCount int           `json:"current_count"`
	Limit        int           `json:"limit"`
	Remaining    int           `json:"remaining"`
	ResetAt      time.Time     `json:"reset_at"`
	RetryAfter   time.Duration `json:"retry_after"`
	Window       time.Duration `json:"window"`
	LockedUntil  time.Time     `json:"locked_until,omitempty"`
}

// Err turns a denial into the matching typed error; nil when allowed.
func (r *RateLimitResult) Err() error {
	if r == nil || r.Allowed {
		return nil
	}
	if r.Locked {
		return &autherr.LockedError{Until: r.LockedUntil, Reason: r.Reason}
	}
	return &autherr.RateLimitError{
		Message:    r.Reason,
		Limit:      r.Limit,
		ResetAt:    r.ResetAt,
		RetryAfter: r.RetryAfter,
	}
}

type LockoutRecord struct {
	Subject        string    `json:"subject"`
	LockedUntil    time.Time `json:"locked_until"`
	FailedAttempts int       `json:"failed_attempts"`
	Reason         string    `json:"reason"`
	LockedAt       time.Time `json:"locked_at"`
}

// IsActive is the lockout predicate: locked iff now < LockedUntil.
func (l *LockoutRecord) IsActive(now time.Time) bool {
	return l != nil && now.Before(l.LockedUntil)
}

type LockoutResult struct {
	UserID         string        `json:"user_id"`
	FailedAttempts int           `json:"failed_attempts"`
	Duration       time.Duration `json:"duration"`
	LockedUntil    time.Time     `json:"locked_until"`
	Reason         string        `json:"reason"`
}

// lockoutStep is one row of the escalation table.
type lockoutStep struct {
	minAttempts int
	duration    time.Duration
}

var lockoutEscalation = []lockoutStep{
	{10, 24 * time.Hour},
	{8, time.Hour},
	{6, 15 * time.Minute},
	{4, 5 * time.Minute},
	{1, time.Minute},
}

// LockoutDuration maps cumulative failed attempts onto the escalation table.
// The result never decreases as attempts grow.
func LockoutDuration(failedAttempts int) time.Duration {
	for _, step := range lockoutEscalation {
		if failedAttempts >= step.minAttempts {
			return step.duration
		}
	}
	return 0
}

func LockoutReason(failedAttempts int, until time.Time) string {
	return fmt.Sprintf("Account locked due to %d failed attempts. Try again after %s",
		failedAttempts, until.UTC().Format(time.RFC3339))
}
