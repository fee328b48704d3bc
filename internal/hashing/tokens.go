package hashing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	digits            = "0123456789"
	ResetTokenBytes   = 32
	RefreshTokenBytes = 32
)

// HashToken is the one-way digest stored in place of refresh tokens, reset
// tokens and OTP codes.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashFingerprint digests already normalised device characteristics.
func HashFingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// GenerateNumericCode draws each digit uniformly from crypto/rand.
func GenerateNumericCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("code length must be positive, got %d", length)
	}

	code := make([]byte, length)
	for i := range code {
		c, err := RandomChar(digits)
		if err != nil {
			return "", err
		}
		code[i] = c
	}
	return string(code), nil
}

// GenerateToken returns n random bytes hex-encoded.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("token size must be positive, got %d", n)
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func GenerateOTPID() (string, error) {
	id, err := GenerateToken(16)
	if err != nil {
		return "", err
	}
	return "otp-" + id, nil
}

// RandomChar picks one byte of alphabet uniformly.
func RandomChar(alphabet string) (byte, error) {
	n, err := RandomInt(len(alphabet))
	if err != nil {
		return 0, err
	}
	return alphabet[n], nil
}

// RandomInt returns a uniform value in [0, max).
func RandomInt(max int) (int, error) {
	if max <= 0 {
		return 0, fmt.Errorf("random bound must be positive, got %d", max)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random number: %w", err)
	}
	return int(n.Int64()), nil
}
