package models

import (
	"time"

	"auth-core/internal/model"
)

// ActiveSession is the sessions_by_id row.
type ActiveSession struct {
	SessionID         string            `db:"session_id"`
	UserBucket        int               `db:"user_bucket"`
	UserID            string            `db:"user_id"`
	RefreshTokenHash  string            `db:"refresh_token_hash"`
	AccessTokenJTI    string            `db:"access_token_jti"`
	DeviceFingerprint string            `db:"device_fingerprint"`
	DeviceType        string            `db:"device_type"`
	DeviceName        string            `db:"device_name"`
	IPAddress         string            `db:"ip_address"`
	UserAgent         string            `db:"user_agent"`
	Trusted           bool              `db:"trusted"`
	Active            bool              `db:"active"`
	CreatedAt         time.Time         `db:"created_at"`
	LastActivityAt    time.Time         `db:"last_activity_at"`
	ExpiresAt         time.Time         `db:"expires_at"`
	RevokedAt         time.Time         `db:"revoked_at"`
	RevokedReason     string            `db:"revoked_reason"`
	Metadata          map[string]string `db:"metadata"`
}

// ActiveSessionColumns matches the order of Values and ScanTargets.
const ActiveSessionColumns = "session_id, user_bucket, user_id, refresh_token_hash, access_token_jti, " +
	"device_fingerprint, device_type, device_name, ip_address, user_agent, trusted, active, " +
	"created_at, last_activity_at, expires_at, revoked_at, revoked_reason, metadata"

func NewActiveSession(s *model.Session, userBucket int) *ActiveSession {
	return &ActiveSession{
		SessionID:         s.ID,
		UserBucket:        userBucket,
		UserID:            s.UserID,
		RefreshTokenHash:  s.RefreshTokenHash,
		AccessTokenJTI:    s.AccessTokenJTI,
		DeviceFingerprint: s.DeviceFingerprint,
		DeviceType:        string(s.DeviceType),
		DeviceName:        s.DeviceName,
		IPAddress:         s.IPAddress,
		UserAgent:         s.UserAgent,
		Trusted:           s.Trusted,
		Active:            s.Active,
		CreatedAt:         s.CreatedAt.UTC(),
		LastActivityAt:    s.LastActivityAt.UTC(),
		ExpiresAt:         s.ExpiresAt.UTC(),
		RevokedAt:         s.RevokedAt.UTC(),
		RevokedReason:     s.RevokedReason,
		Metadata:          s.Metadata,
	}
}

func (r *ActiveSession) Values() []interface{} {
	return []interface{}{
		r.SessionID, r.UserBucket, r.UserID, r.RefreshTokenHash, r.AccessTokenJTI,
		r.DeviceFingerprint, r.DeviceType, r.DeviceName, r.IPAddress, r.UserAgent, r.Trusted, r.Active,
		r.CreatedAt, r.LastActivityAt, r.ExpiresAt, r.RevokedAt, r.RevokedReason, r.Metadata,
	}
}

func (r *ActiveSession) ScanTargets() []interface{} {
	return []interface{}{
		&r.SessionID, &r.UserBucket, &r.UserID, &r.RefreshTokenHash, &r.AccessTokenJTI,
		&r.DeviceFingerprint, &r.DeviceType, &r.DeviceName, &r.IPAddress, &r.UserAgent, &r.Trusted, &r.Active,
		&r.CreatedAt, &r.LastActivityAt, &r.ExpiresAt, &r.RevokedAt, &r.RevokedReason, &r.Metadata,
	}
}

func (r *ActiveSession) ToModel() *model.Session {
	s := &model.Session{
		ID:                r.SessionID,
		UserID:            r.UserID,
		RefreshTokenHash:  r.RefreshTokenHash,
		AccessTokenJTI:    r.AccessTokenJTI,
		DeviceFingerprint: r.DeviceFingerprint,
		DeviceType:        model.DeviceType(r.DeviceType),
		DeviceName:        r.DeviceName,
		IPAddress:         r.IPAddress,
		UserAgent:         r.UserAgent,
		Trusted:           r.Trusted,
		Active:            r.Active,
		CreatedAt:         r.CreatedAt,
		LastActivityAt:    r.LastActivityAt,
		ExpiresAt:         r.ExpiresAt,
		RevokedReason:     r.RevokedReason,
		Metadata:          r.Metadata,
	}
	// Cassandra returns the epoch for unset timestamps.
	if !r.RevokedAt.IsZero() && r.RevokedAt.Unix() != 0 {
		s.RevokedAt = r.RevokedAt
	}
	return s
}
