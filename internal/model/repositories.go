package model

import (
	"context"
	"errors"
	"time"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrDeviceExists     = errors.New("device already registered")
	ErrRotationConflict = errors.New("refresh token already rotated")
	ErrSessionInactive  = errors.New("session is not active")

	// ErrDeviceStateChanged means the record no longer holds the status a
	// conditional write expected.
	ErrDeviceStateChanged = errors.New("device state changed")
)

// SessionRepository is the system of record for sessions.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	FindByID(ctx context.Context, id string) (*Session, error)
	FindActiveByTokenHash(ctx context.Context, tokenHash string) (*Session, error)
	FindByAccessTokenJTI(ctx context.Context, jti string) (*Session, error)
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
	// SetTrust and ExtendExpiry apply only to active sessions and return
	// ErrSessionInactive otherwise. Neither touches the token columns.
	SetTrust(ctx context.Context, id string, trusted bool, expiresAt, at time.Time) error
	ExtendExpiry(ctx context.Context, id string, expiresAt time.Time) error
	// RotateToken swaps the refresh token hash only if the session is still
	// active and still holds oldHash. Losers get ErrRotationConflict.
	RotateToken(ctx context.Context, sessionID, oldHash, newHash, newJTI string, at time.Time) error
	// Deactivate reports false when the session was already inactive.
	Deactivate(ctx context.Context, id, reason string, at time.Time) (bool, error)
	ListAll(ctx context.Context) ([]*Session, error)
	Delete(ctx context.Context, id string) error
}

// DeviceRepository stores one record per (user, fingerprint).
type DeviceRepository interface {
	// Insert fails with ErrDeviceExists when the pair is already present.
	Insert(ctx context.Context, d *DeviceFingerprint) error
	Find(ctx context.Context, userID, fingerprint string) (*DeviceFingerprint, error)
	ListByUser(ctx context.Context, userID string) ([]*DeviceFingerprint, error)
	ListAll(ctx context.Context) ([]*DeviceFingerprint, error)
	// Touch records a visit by bumping LastUsedAt and UsageCount, and
	// returns the record as it stands after the write.
	Touch(ctx context.Context, userID, fingerprint string, at time.Time) (*DeviceFingerprint, error)
	// SetStatus moves the record from one status to another and fails with
	// ErrDeviceStateChanged when it no longer holds from.
	SetStatus(ctx context.Context, userID, fingerprint string, from, to TrustStatus) error
	// Replace overwrites a record still holding from with d.
	Replace(ctx context.Context, d *DeviceFingerprint, from TrustStatus) error
	Delete(ctx context.Context, userID, fingerprint string) error
}

// UserLookup resolves an email to a user id for password reset.
// ok is false for unknown addresses.
type UserLookup interface {
	FindUserIDByEmail(ctx context.Context, email string) (userID string, ok bool, err error)
}
