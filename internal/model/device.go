package model

import "time"

type TrustStatus string

const (
	TrustPending   TrustStatus = "PENDING"
	TrustTrusted   TrustStatus = "TRUSTED"
	TrustRevoked   TrustStatus = "REVOKED"
	TrustExpired   TrustStatus = "EXPIRED"
	TrustSuspended TrustStatus = "SUSPENDED"
)

// trustTransitions is the complete device state machine. REVOKED is terminal.
var trustTransitions = map[TrustStatus][]TrustStatus{
	TrustPending:   {TrustTrusted, TrustRevoked},
	TrustTrusted:   {TrustRevoked, TrustExpired, TrustSuspended},
	TrustSuspended: {TrustTrusted, TrustRevoked},
	TrustExpired:   {TrustRevoked},
	TrustRevoked:   nil,
}

func (s TrustStatus) Valid() bool {
	_, ok := trustTransitions[s]
	return ok
}

func (s TrustStatus) CanTransition(to TrustStatus) bool {
	for _, next := range trustTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type DeviceFingerprint struct {
	DeviceID       string      `json:"device_id"`
	UserID         string      `json:"user_id"`
	Fingerprint    string      `json:"fingerprint"`
	DeviceName     string      `json:"device_name,omitempty"`
	DeviceType     DeviceType  `json:"device_type,omitempty"`
	OSInfo         string      `json:"os_info,omitempty"`
	BrowserInfo    string      `json:"browser_info,omitempty"`
	RegistrationIP string      `json:"registration_ip,omitempty"`
	TrustStatus    TrustStatus `json:"trust_status"`
	RegisteredAt   time.Time   `json:"registered_at"`
	LastUsedAt     time.Time   `json:"last_used_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
	UsageCount     int         `json:"usage_count"`
	RiskScore      int         `json:"risk_score"`
}

func (d *DeviceFingerprint) IsExpired(now time.Time) bool {
	return !d.ExpiresAt.IsZero() && !now.Before(d.ExpiresAt)
}

// IsTrusted holds only for TRUSTED records whose trust has not lapsed.
func (d *DeviceFingerprint) IsTrusted(now time.Time) bool {
	return d.TrustStatus == TrustTrusted && !d.IsExpired(now)
}

func (d *DeviceFingerprint) Clone() *DeviceFingerprint {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}

type DeviceRegistrationRequest struct {
	UserID     string     `json:"user_id"`
	DeviceInfo string     `json:"device_info"`
	DeviceName string     `json:"device_name,omitempty"`
	DeviceType DeviceType `json:"device_type,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	IPAddress  string     `json:"-"`
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

type RecommendedAction string

const (
	ActionAllow           RecommendedAction = "ALLOW"
	ActionAllowWithMFA    RecommendedAction = "ALLOW_WITH_MFA"
	ActionRequireFullAuth RecommendedAction = "REQUIRE_FULL_AUTH"
	ActionBlock           RecommendedAction = "BLOCK"
)

type RiskAssessment struct {
	Score            int       `json:"risk_score"`
	Level            RiskLevel `json:"risk_level"`
	Factors          []string  `json:"risk_factors,omitempty"`
	DaysSinceLastUse int       `json:"days_since_last_use"`
}

type DeviceVerification struct {
	Trusted                bool               `json:"trusted"`
	Status                 TrustStatus        `json:"status,omitempty"`
	Fingerprint            string             `json:"fingerprint"`
	Device                 *DeviceFingerprint `json:"device,omitempty"`
	Risk                   *RiskAssessment    `json:"risk,omitempty"`
	RecommendedAction      RecommendedAction  `json:"recommended_action"`
	RequiresAdditionalAuth bool               `json:"requires_additional_auth"`
	AllowExtendedSession   bool               `json:"allow_extended_session"`
	ReasonCode             string             `json:"reason_code"`
	ReasonMessage          string             `json:"reason_message"`
}
