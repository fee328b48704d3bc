package models

import (
	"time"

	"auth-core/internal/model"
)

// UserActiveDevice is the devices_by_user row.
type UserActiveDevice struct {
	UserBucket     int       `db:"user_bucket"`
	UserID         string    `db:"user_id"`
	Fingerprint    string    `db:"fingerprint"`
	DeviceID       string    `db:"device_id"`
	DeviceName     string    `db:"device_name"`
	DeviceType     string    `db:"device_type"`
	OSInfo         string    `db:"os_info"`
	BrowserInfo    string    `db:"browser_info"`
	RegistrationIP string    `db:"registration_ip"`
	TrustStatus    string    `db:"trust_status"`
	RegisteredAt   time.Time `db:"registered_at"`
	LastUsedAt     time.Time `db:"last_used_at"`
	ExpiresAt      time.Time `db:"expires_at"`
	UsageCount     int       `db:"usage_count"`
	RiskScore      int       `db:"risk_score"`
}

const UserActiveDeviceColumns = "user_bucket, user_id, fingerprint, device_id, device_name, device_type, " +
	"os_info, browser_info, registration_ip, trust_status, registered_at, last_used_at, expires_at, " +
	"usage_count, risk_score"

func NewUserActiveDevice(d *model.DeviceFingerprint, userBucket int) *UserActiveDevice {
	return &UserActiveDevice{
		UserBucket:     userBucket,
		UserID:         d.UserID,
		Fingerprint:    d.Fingerprint,
		DeviceID:       d.DeviceID,
		DeviceName:     d.DeviceName,
		DeviceType:     string(d.DeviceType),
		OSInfo:         d.OSInfo,
		BrowserInfo:    d.BrowserInfo,
		RegistrationIP: d.RegistrationIP,
		TrustStatus:    string(d.TrustStatus),
		RegisteredAt:   d.RegisteredAt.UTC(),
		LastUsedAt:     d.LastUsedAt.UTC(),
		ExpiresAt:      d.ExpiresAt.UTC(),
		UsageCount:     d.UsageCount,
		RiskScore:      d.RiskScore,
	}
}

func (r *UserActiveDevice) Values() []interface{} {
	return []interface{}{
		r.UserBucket, r.UserID, r.Fingerprint, r.DeviceID, r.DeviceName, r.DeviceType,
		r.OSInfo, r.BrowserInfo, r.RegistrationIP, r.TrustStatus, r.RegisteredAt, r.LastUsedAt, r.ExpiresAt,
		r.UsageCount, r.RiskScore,
	}
}

func (r *UserActiveDevice) ScanTargets() []interface{} {
	return []interface{}{
		&r.UserBucket, &r.UserID, &r.Fingerprint, &r.DeviceID, &r.DeviceName, &r.DeviceType,
		&r.OSInfo, &r.BrowserInfo, &r.RegistrationIP, &r.TrustStatus, &r.RegisteredAt, &r.LastUsedAt, &r.ExpiresAt,
		&r.UsageCount, &r.RiskScore,
	}
}

func (r *UserActiveDevice) ToModel() *model.DeviceFingerprint {
	return &model.DeviceFingerprint{
		DeviceID:       r.DeviceID,
		UserID:         r.UserID,
		Fingerprint:    r.Fingerprint,
		DeviceName:     r.DeviceName,
		DeviceType:     model.DeviceType(r.DeviceType),
		OSInfo:         r.OSInfo,
		BrowserInfo:    r.BrowserInfo,
		RegistrationIP: r.RegistrationIP,
		TrustStatus:    model.TrustStatus(r.TrustStatus),
		RegisteredAt:   r.RegisteredAt,
		LastUsedAt:     r.LastUsedAt,
		ExpiresAt:      r.ExpiresAt,
		UsageCount:     r.UsageCount,
		RiskScore:      r.RiskScore,
	}
}
