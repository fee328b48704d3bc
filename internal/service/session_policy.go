package service

import (
	"time"

	"auth-core/internal/config"
	"auth-core/internal/model"
)

// SessionPolicy decides session lifetime and the per-user session cap.
type SessionPolicy struct {
	MaxPerUser      int
	TrustedDuration time.Duration
	MobileDuration  time.Duration
	DefaultDuration time.Duration
	// Retention is how long expired sessions are kept before deletion.
	Retention time.Duration
}

func DefaultSessionPolicy() SessionPolicy {
	return SessionPolicy{
		MaxPerUser:      10,
		TrustedDuration: 365 * 24 * time.Hour,
		MobileDuration:  90 * 24 * time.Hour,
		DefaultDuration: 720 * time.Hour,
		Retention:       7 * 24 * time.Hour,
	}
}

func SessionPolicyFromConfig(cfg *config.Config) SessionPolicy {
	return SessionPolicy{
		MaxPerUser:      cfg.Session.MaxPerUser,
		TrustedDuration: cfg.Session.TrustedDuration,
		MobileDuration:  cfg.Session.MobileDuration,
		DefaultDuration: cfg.SessionDefaultDuration(),
		Retention:       cfg.Session.Retention,
	}
}

// ExpiryFor applies the lifetime table: trust overrides device type, and
// mobile devices outlive web and desktop.
func (p SessionPolicy) ExpiryFor(trusted bool, deviceType model.DeviceType, from time.Time) time.Time {
	switch {
	case trusted:
		return from.Add(p.TrustedDuration)
	case deviceType.IsMobile():
		return from.Add(p.MobileDuration)
	default:
		return from.Add(p.DefaultDuration)
	}
}
