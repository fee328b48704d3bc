package models

import (
	"encoding/json"
	"net"
	"time"

	"auth-core/internal/bucketing"
	"auth-core/internal/model"
)

// SecurityEvent is the analytics row for one model.SecurityEvent.
type SecurityEvent struct {
	EventBucket       int       `db:"event_bucket"`
	EventDate         string    `db:"event_date"`
	EventTime         time.Time `db:"event_time"`
	EventID           string    `db:"event_id"`
	EventType         string    `db:"event_type"`
	UserID            string    `db:"user_id"`
	Subject           string    `db:"subject"`
	SessionID         string    `db:"session_id"`
	DeviceFingerprint string    `db:"device_fingerprint"`
	IPAddress         net.IP    `db:"ip_address"`
	Outcome           string    `db:"outcome"`
	RiskScore         int       `db:"risk_score"`
	Details           string    `db:"details"`
}

// SecurityEventColumns matches the order of Values.
const SecurityEventColumns = "event_bucket, event_date, event_time, event_id, event_type, user_id, subject, " +
	"session_id, device_fingerprint, ip_address, outcome, risk_score, details"

func NewSecurityEvent(ev *model.SecurityEvent, buckets *bucketing.Manager) *SecurityEvent {
	partitionKey := ev.UserID
	if partitionKey == "" {
		partitionKey = ev.Subject
	}
	details := "{}"
	if len(ev.Details) > 0 {
		if raw, err := json.Marshal(ev.Details); err == nil {
			details = string(raw)
		}
	}
	ip := net.ParseIP(ev.IPAddress)
	if ip == nil {
		ip = net.IPv4zero
	}

	return &SecurityEvent{
		EventBucket:       buckets.UserBucket(partitionKey),
		EventDate:         buckets.DateBucket(ev.OccurredAt),
		EventTime:         ev.OccurredAt.UTC(),
		EventID:           ev.ID,
		EventType:         string(ev.Type),
		UserID:            ev.UserID,
		Subject:           ev.Subject,
		SessionID:         ev.SessionID,
		DeviceFingerprint: ev.DeviceFingerprint,
		IPAddress:         ip,
		Outcome:           ev.Outcome,
		RiskScore:         ev.RiskScore,
		Details:           details,
	}
}

func (e *SecurityEvent) Values() []interface{} {
	return []interface{}{
		int32(e.EventBucket),
		e.EventDate,
		e.EventTime,
		e.EventID,
		e.EventType,
		e.UserID,
		e.Subject,
		e.SessionID,
		e.DeviceFingerprint,
		e.IPAddress.String(),
		e.Outcome,
		int32(e.RiskScore),
		e.Details,
	}
}
