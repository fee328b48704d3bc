package model

import (
	"encoding/json"
	"strings"
	"time"

	"auth-core/internal/encryption"
)

type OTPChannel string

const (
	ChannelSMS   OTPChannel = "SMS"
	ChannelEmail OTPChannel = "EMAIL"
)

func ParseOTPChannel(s string) (OTPChannel, bool) {
	switch OTPChannel(strings.ToUpper(strings.TrimSpace(s))) {
	case ChannelSMS:
		return ChannelSMS, true
	case ChannelEmail:
		return ChannelEmail, true
	default:
		return "", false
	}
}

// UnmarshalJSON accepts channel names in any case. Unknown names are kept
// verbatim so validation can report them.
func (c *OTPChannel) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if ch, ok := ParseOTPChannel(raw); ok {
		*c = ch
		return nil
	}
	*c = OTPChannel(raw)
	return nil
}

// OTPRecord is the stored state of one live passcode. The plain code never
// leaves the service: verification compares CodeHash, resends decrypt CodeCipher.
type OTPRecord struct {
	ID                   string                    `json:"id"`
	Recipient            string                    `json:"recipient"`
	Channel              OTPChannel                `json:"channel"`
	Purpose              string                    `json:"purpose"`
	CodeHash             string                    `json:"code_hash"`
	CodeCipher           *encryption.EncryptedData `json:"code_cipher"`
	CreatedAt            time.Time                 `json:"created_at"`
	ExpiresAt            time.Time                 `json:"expires_at"`
	VerificationAttempts int                       `json:"verification_attempts"`
	ResendCount          int                       `json:"resend_count"`
	Context              map[string]string         `json:"context,omitempty"`
}

func (r *OTPRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// NewerThan orders records by creation time, then id.
func (r *OTPRecord) NewerThan(other *OTPRecord) bool {
	if !r.CreatedAt.Equal(other.CreatedAt) {
		return r.CreatedAt.After(other.CreatedAt)
	}
	return r.ID > other.ID
}

type SendOTPRequest struct {
	Recipient string            `json:"recipient"`
	Channel   OTPChannel        `json:"channel"`
	Purpose   string            `json:"purpose"`
	Context   map[string]string `json:"context,omitempty"`
	IPAddress string            `json:"-"`
}

type VerifyOTPRequest struct {
	Recipient string `json:"recipient"`
	Code      string `json:"code"`
	Purpose   string `json:"purpose"`
}

type OTPResponse struct {
	Success           bool       `json:"success"`
	Message           string     `json:"message"`
	OTPID             string     `json:"otp_id,omitempty"`
	Channel           OTPChannel `json:"channel,omitempty"`
	MaskedRecipient   string     `json:"masked_recipient,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at,omitempty"`
	RemainingAttempts int        `json:"remaining_attempts"`
	RemainingResends  int        `json:"remaining_resends"`
	NextAttemptAt     time.Time  `json:"next_attempt_at,omitempty"`
}

type OTPStatus struct {
	OTPID             string     `json:"otp_id"`
	Channel           OTPChannel `json:"channel"`
	Purpose           string     `json:"purpose"`
	MaskedRecipient   string     `json:"masked_recipient"`
	ExpiresAt         time.Time  `json:"expires_at"`
	RemainingAttempts int        `json:"remaining_attempts"`
	RemainingResends  int        `json:"remaining_resends"`
}

// OTPStatistics is monitoring data only; verification never reads it.
type OTPStatistics struct {
	Recipient               string    `json:"recipient,omitempty"`
	TotalSent               int64     `json:"total_sent"`
	TotalResent             int64     `json:"total_resent"`
	TotalVerified           int64     `json:"total_verified"`
	SuccessfulVerifications int64     `json:"successful_verifications"`
	FailedVerifications     int64     `json:"failed_verifications"`
	FirstSentAt             time.Time `json:"first_sent_at,omitempty"`
	LastSentAt              time.Time `json:"last_sent_at,omitempty"`
	SuccessRate             float64   `json:"success_rate"`
}
