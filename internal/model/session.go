package model

import (
	"strings"
	"time"
)

type DeviceType string

const (
	DeviceWeb           DeviceType = "WEB"
	DeviceMobileIOS     DeviceType = "MOBILE_IOS"
	DeviceMobileAndroid DeviceType = "MOBILE_ANDROID"
	DeviceTablet        DeviceType = "TABLET"
	DeviceDesktop       DeviceType = "DESKTOP"
)

var deviceTypes = map[DeviceType]string{
	DeviceWeb:           "Web Browser",
	DeviceMobileIOS:     "iPhone/iPad",
	DeviceMobileAndroid: "Android Device",
	DeviceTablet:        "Tablet",
	DeviceDesktop:       "Desktop Application",
}

// ParseDeviceType accepts the canonical names case-insensitively.
// Anything else is reported as not ok.
func ParseDeviceType(s string) (DeviceType, bool) {
	t := DeviceType(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := deviceTypes[t]
	return t, ok
}

func (t DeviceType) DisplayName() string {
	if name, ok := deviceTypes[t]; ok {
		return name
	}
	return "Unknown Device"
}

func (t DeviceType) IsMobile() bool {
	return t == DeviceMobileIOS || t == DeviceMobileAndroid
}

// Session binds one refresh token (by hash) and one access token (by jti) to a device.
type Session struct {
	ID                string            `json:"session_id"`
	UserID            string            `json:"user_id"`
	RefreshTokenHash  string            `json:"-"`
	AccessTokenJTI    string            `json:"access_token_jti"`
	DeviceFingerprint string            `json:"device_fingerprint,omitempty"`
	DeviceType        DeviceType        `json:"device_type"`
	DeviceName        string            `json:"device_name,omitempty"`
	IPAddress         string            `json:"ip_address,omitempty"`
	UserAgent         string            `json:"user_agent,omitempty"`
	Trusted           bool              `json:"trusted"`
	Active            bool              `json:"active"`
	CreatedAt         time.Time         `json:"created_at"`
	LastActivityAt    time.Time         `json:"last_activity_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	RevokedAt         time.Time         `json:"revoked_at,omitempty"`
	RevokedReason     string            `json:"revoked_reason,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsValid is true for active sessions that have not yet expired.
func (s *Session) IsValid(now time.Time) bool {
	return s.Active && !s.IsExpired(now)
}

// Clone returns a deep copy so callers never alias repository state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// LessRecentlyActive orders eviction candidates: oldest activity first,
// then oldest creation, then id.
func (s *Session) LessRecentlyActive(other *Session) bool {
	if !s.LastActivityAt.Equal(other.LastActivityAt) {
		return s.LastActivityAt.Before(other.LastActivityAt)
	}
	if !s.CreatedAt.Equal(other.CreatedAt) {
		return s.CreatedAt.Before(other.CreatedAt)
	}
	return s.ID < other.ID
}

type CreateSessionRequest struct {
	UserID            string
	RefreshToken      string
	AccessTokenJTI    string
	DeviceFingerprint string
	DeviceType        DeviceType
	DeviceName        string
	Trusted           bool
	IPAddress         string
	UserAgent         string
	Metadata          map[string]string
}

// StartSessionRequest is the login-time entry point: tokens are issued by the service.
type StartSessionRequest struct {
	UserID      string            `json:"user_id"`
	DeviceInfo  string            `json:"device_info,omitempty"`
	DeviceType  DeviceType        `json:"device_type"`
	DeviceName  string            `json:"device_name,omitempty"`
	TrustDevice bool              `json:"trust_device"`
	IPAddress   string            `json:"-"`
	UserAgent   string            `json:"-"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type TokenPair struct {
	AccessToken          string    `json:"access_token"`
	RefreshToken         string    `json:"refresh_token"`
	AccessTokenJTI       string    `json:"-"`
	TokenType            string    `json:"token_type"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
	SessionExpiresAt     time.Time `json:"session_expires_at"`
}

type SessionStats struct {
	UserID          string    `json:"user_id"`
	TotalSessions   int       `json:"total_sessions"`
	ActiveSessions  int       `json:"active_sessions"`
	TrustedSessions int       `json:"trusted_sessions"`
	MobileSessions  int       `json:"mobile_sessions"`
	LastActivityAt  time.Time `json:"last_activity_at,omitempty"`
}

type CleanupReport struct {
	SessionsDeactivated int           `json:"sessions_deactivated"`
	SessionsDeleted     int           `json:"sessions_deleted"`
	DevicesUpdated      int           `json:"devices_updated"`
	StoreKeysSwept      int           `json:"store_keys_swept"`
	Duration            time.Duration `json:"duration"`
}
