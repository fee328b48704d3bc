package service

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"auth-core/internal/autherr"
	"auth-core/internal/hashing"
	"auth-core/internal/model"
)

const (
	MinPasswordLength = 8
	MaxPasswordLength = 128

	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	digitChars   = "0123456789"
	specialChars = "!@#$%^&*()_+-=[]{}|;:,.<>?"
)

var (
	upperPattern   = regexp.MustCompile(`[A-Z]`)
	lowerPattern   = regexp.MustCompile(`[a-z]`)
	digitPattern   = regexp.MustCompile(`[0-9]`)
	specialPattern = regexp.MustCompile(`[!@#$%^&*()_+\-=\[\]{};':"\\|,.<>/?]`)

	commonPasswords = []string{
		"password", "123456", "12345678", "qwerty", "abc123", "password123",
		"admin", "letmein", "welcome", "monkey", "dragon", "master",
		"trustno1", "111111", "iloveyou", "sunshine", "princess",
	}

	sequences = []string{
		"123", "234", "345", "456", "567", "678", "789", "890",
		"abc", "bcd", "cde", "def", "efg", "fgh", "ghi", "hij",
	}

	breachedPasswords = map[string]struct{}{}
)

func init() {
	for _, p := range []string{
		"password", "123456", "12345678", "qwerty", "abc123", "password123",
		"admin", "letmein", "welcome", "monkey", "dragon", "master",
		"trustno1", "111111", "iloveyou", "sunshine", "princess",
		"password1", "123123", "654321", "superman", "qwerty123",
		"football", "baseball",
	} {
		breachedPasswords[p] = struct{}{}
	}
}

// ValidateComplexity returns every rule the password breaks; an empty
// slice means the password is acceptable.
func ValidateComplexity(password string) []model.PasswordViolation {
	var violations []model.PasswordViolation
	add := func(rule, format string, args ...interface{}) {
		violations = append(violations, model.PasswordViolation{Rule: rule, Message: fmt.Sprintf(format, args...)})
	}

	length := len([]rune(password))
	if length < MinPasswordLength {
		add("min_length", "Password must be at least %d characters long", MinPasswordLength)
	}
	if length > MaxPasswordLength {
		add("max_length", "Password cannot exceed %d characters", MaxPasswordLength)
	}
	if !upperPattern.MatchString(password) {
		add("uppercase", "Password must contain at least %d uppercase letter(s)", 1)
	}
	if !lowerPattern.MatchString(password) {
		add("lowercase", "Password must contain at least %d lowercase letter(s)", 1)
	}
	if !digitPattern.MatchString(password) {
		add("digit", "Password must contain at least %d digit(s)", 1)
	}
	if !specialPattern.MatchString(password) {
		add("special", "Password must contain at least %d special character(s)", 1)
	}
	if isCommon(password) {
		add("common", "Password is too common and easily guessable")
	}
	if hasSequence(password) {
		add("sequential", "Password contains sequential characters (e.g., 123, abc)")
	}
	if hasRepeats(password) {
		add("repetitive", "Password contains too many repetitive characters")
	}
	return violations
}

func isCommon(password string) bool {
	lower := strings.ToLower(password)
	for _, common := range commonPasswords {
		if strings.Contains(lower, common) {
			return true
		}
	}
	return false
}

func hasSequence(password string) bool {
	lower := strings.ToLower(password)
	for _, seq := range sequences {
		if strings.Contains(lower, seq) {
			return true
		}
	}
	return false
}

func hasRepeats(password string) bool {
	runes := []rune(password)
	for i := 2; i < len(runes); i++ {
		if runes[i] == runes[i-1] && runes[i] == runes[i-2] {
			return true
		}
	}
	return false
}

// EvaluateStrength scores a password from 0 to 100.
func EvaluateStrength(password string) model.PasswordStrength {
	score := 0
	length := len([]rune(password))
	if length >= 8 {
		score += 10
	}
	if length >= 12 {
		score += 10
	}
	if length >= 16 {
		score += 5
	}

	for _, p := range []*regexp.Regexp{upperPattern, lowerPattern, digitPattern, specialPattern} {
		if p.MatchString(password) {
			score += 10
		}
	}

	unique := make(map[rune]struct{})
	for _, r := range password {
		unique[unicode.ToLower(r)] = struct{}{}
	}
	score += min(15, len(unique)*2)

	if !isCommon(password) {
		score += 10
	}
	if !hasSequence(password) {
		score += 5
	}
	if !hasRepeats(password) {
		score += 5
	}
	score = min(score, 100)

	return model.PasswordStrength{Score: score, Label: strengthLabel(score)}
}

func strengthLabel(score int) string {
	switch {
	case score < 30:
		return "Very Weak"
	case score < 50:
		return "Weak"
	case score < 70:
		return "Medium"
	case score < 90:
		return "Strong"
	default:
		return "Very Strong"
	}
}

// IsPasswordBreached checks a small static denylist.
// TODO: query the k-anonymity range API once outbound egress is approved.
func IsPasswordBreached(password string) bool {
	_, found := breachedPasswords[strings.ToLower(password)]
	return found
}

// GenerateStrongPassword returns a random password of the given length with
// at least one character from every class. Candidates that trip the
// sequence or repeat rules are discarded.
func GenerateStrongPassword(length int) (string, error) {
	if length < MinPasswordLength {
		return "", autherr.Validation("Password length must be at least %d", MinPasswordLength)
	}
	if length > MaxPasswordLength {
		return "", autherr.Validation("Password length cannot exceed %d", MaxPasswordLength)
	}

	for {
		candidate, err := generateCandidate(length)
		if err != nil {
			return "", autherr.Internal("failed to generate password", err)
		}
		if len(ValidateComplexity(candidate)) == 0 {
			return candidate, nil
		}
	}
}

func generateCandidate(length int) (string, error) {
	all := upperChars + lowerChars + digitChars + specialChars
	buf := make([]byte, 0, length)
	for _, class := range []string{upperChars, lowerChars, digitChars, specialChars} {
		c, err := hashing.RandomChar(class)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}
	for len(buf) < length {
		c, err := hashing.RandomChar(all)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}

	for i := len(buf) - 1; i > 0; i-- {
		j, err := hashing.RandomInt(i + 1)
		if err != nil {
			return "", err
		}
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf), nil
}
