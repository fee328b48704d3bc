package util

import (
	"html"
	"strings"
	"unicode"
)

var suspiciousFragments = []string{"<", ">", "${", "{{", "script", "onerror", "onload", "\x00"}

// SanitizeInput trims surrounding whitespace and escapes HTML metacharacters.
func SanitizeInput(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// ContainsSuspicious reports markup or template fragments that have no place in identifiers.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, fragment := range suspiciousFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// NormalizeRecipient canonicalises an OTP recipient so that the same mailbox or
// phone number always maps to the same storage key.
func NormalizeRecipient(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "@") {
		return strings.ToLower(s)
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' || r == '(' || r == ')' {
			return -1
		}
		return r
	}, s)
}
