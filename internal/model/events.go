package model

import "time"

type SecurityEventType string

const (
	EventOTPSent                SecurityEventType = "otp.sent"
	EventOTPVerified            SecurityEventType = "otp.verified"
	EventOTPFailed              SecurityEventType = "otp.failed"
	EventOTPInvalidated         SecurityEventType = "otp.invalidated"
	EventRateLimitDenied        SecurityEventType = "ratelimit.denied"
	EventLockoutApplied         SecurityEventType = "lockout.applied"
	EventSessionCreated         SecurityEventType = "session.created"
	EventSessionRotated         SecurityEventType = "session.rotated"
	EventSessionRevoked         SecurityEventType = "session.revoked"
	EventSessionReplay          SecurityEventType = "session.replay"
	EventDeviceRegistered       SecurityEventType = "device.registered"
	EventDeviceRevoked          SecurityEventType = "device.revoked"
	EventPasswordResetRequested SecurityEventType = "password.reset_requested"
)

type SecurityEvent struct {
	ID                string            `json:"event_id"`
	Type              SecurityEventType `json:"event_type"`
	UserID            string            `json:"user_id,omitempty"`
	Subject           string            `json:"subject,omitempty"`
	SessionID         string            `json:"session_id,omitempty"`
	DeviceFingerprint string            `json:"device_fingerprint,omitempty"`
	IPAddress         string            `json:"ip_address,omitempty"`
	Outcome           string            `json:"outcome,omitempty"`
	RiskScore         int               `json:"risk_score,omitempty"`
	Details           map[string]string `json:"details,omitempty"`
	OccurredAt        time.Time         `json:"occurred_at"`
}

// AuditQuery selects stored security events. Zero fields match everything;
// From is inclusive and To exclusive.
type AuditQuery struct {
	UserID  string              `json:"user_id,omitempty"`
	Subject string              `json:"subject,omitempty"`
	Types   []SecurityEventType `json:"types,omitempty"`
	From    time.Time           `json:"from"`
	To      time.Time           `json:"to"`
	Limit   int                 `json:"limit"`
}

// Matches reports whether ev passes every filter of q except Limit.
func (q AuditQuery) Matches(ev *SecurityEvent) bool {
	if q.UserID != "" && ev.UserID != q.UserID {
		return false
	}
	if q.Subject != "" && ev.Subject != q.Subject {
		return false
	}
	if !q.From.IsZero() && ev.OccurredAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !ev.OccurredAt.Before(q.To) {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if ev.Type == t {
			return true
		}
	}
	return false
}

type AuditPage struct {
	Events []*SecurityEvent `json:"events"`
	Query  AuditQuery       `json:"query"`
	Source string           `json:"source"`
}

type AuditStatistics struct {
	From   time.Time                   `json:"from"`
	To     time.Time                   `json:"to"`
	Total  int64                       `json:"total"`
	ByType map[SecurityEventType]int64 `json:"by_type"`
	Source string                      `json:"source"`
}
