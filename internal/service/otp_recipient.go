package service

import (
	"regexp"

	"auth-core/internal/autherr"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

var (
	phonePattern   = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
	emailPattern   = regexp.MustCompile(`^[A-Za-z0-9+_.-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
	purposePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
)

// ValidateRecipient checks recipient against the address format of channel.
func ValidateRecipient(channel model.OTPChannel, recipient string) error {
	switch channel {
	case model.ChannelSMS:
		if !phonePattern.MatchString(recipient) {
			return autherr.Validation("invalid phone number format, expected E.164")
		}
	case model.ChannelEmail:
		if !emailPattern.MatchString(recipient) {
			return autherr.Validation("invalid email address format")
		}
	default:
		return autherr.Validation("unsupported OTP channel %q", channel)
	}
	return nil
}

func validatePurpose(purpose string) error {
	if !purposePattern.MatchString(purpose) {
		return autherr.Validation("purpose is required and may contain only letters, digits, '_', '.' and '-'")
	}
	return nil
}

// MaskRecipient hides all but enough of an address to recognise it:
// "jo***@example.com", "+***-***-1234".
func MaskRecipient(recipient string) string {
	return util.MaskRecipient(recipient)
}
