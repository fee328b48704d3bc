package hashing

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestHashTokenIsDeterministicHex(t *testing.T) {
	a := HashToken("refresh-token-a")
	assert.Regexp(t, hex64, a)
	assert.Equal(t, a, HashToken("refresh-token-a"))
	assert.NotEqual(t, a, HashToken("refresh-token-b"))
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashFingerprint(""))
}

func TestGenerateNumericCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := GenerateNumericCode(6)
		require.NoError(t, err)
		assert.Regexp(t, `^\d{6}$`, code)
		seen[code] = struct{}{}
	}
	assert.Greater(t, len(seen), 150)

	_, err := GenerateNumericCode(0)
	assert.Error(t, err)
}

func TestGenerateToken(t *testing.T) {
	token, err := GenerateToken(ResetTokenBytes)
	require.NoError(t, err)
	assert.Regexp(t, hex64, token)

	other, err := GenerateToken(ResetTokenBytes)
	require.NoError(t, err)
	assert.NotEqual(t, token, other)

	_, err = GenerateToken(-1)
	assert.Error(t, err)
}

func TestGenerateOTPID(t *testing.T) {
	id, err := GenerateOTPID()
	require.NoError(t, err)
	assert.Regexp(t, `^otp-[0-9a-f]{32}$`, id)
}

func TestConstantTimeEqual(t *testing.T) {
	assert.True(t, ConstantTimeEqual("abc", "abc"))
	assert.False(t, ConstantTimeEqual("abc", "abd"))
	assert.False(t, ConstantTimeEqual("abc", "abcd"))
}

func TestRandomIntBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		n, err := RandomInt(4)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 0)
		assert.Less(t, n, 4)
	}
	_, err := RandomInt(0)
	assert.Error(t, err)
}
