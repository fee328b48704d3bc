package service

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-core/internal/autherr"
	"auth-core/internal/config"
)

func newIssuer(t *testing.T, clock *fakeClock, issuer string) *TokenIssuer {
	t.Helper()
	ti, err := NewTokenIssuer(config.JWTConfig{Secret: "test-secret", Issuer: issuer, AccessTTL: 15 * time.Minute})
	require.NoError(t, err)
	return ti.WithClock(clock.Now)
}

func TestIssueAndParseAccessToken(t *testing.T) {
	clock := newFakeClock()
	ti := newIssuer(t, clock, "auth-core")

	pair, err := ti.Issue("user-1", "session-1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", pair.TokenType)
	assert.Len(t, pair.RefreshToken, 64)
	assert.Equal(t, clock.Now().Add(15*time.Minute), pair.AccessTokenExpiresAt)

	claims, err := ti.ParseAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "session-1", claims.SessionID)
	assert.Equal(t, pair.AccessTokenJTI, claims.ID)

	other, err := ti.Issue("user-1", "session-1")
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessTokenJTI, other.AccessTokenJTI)
	assert.NotEqual(t, pair.RefreshToken, other.RefreshToken)
}

func TestParseAccessTokenRejects(t *testing.T) {
	clock := newFakeClock()
	ti := newIssuer(t, clock, "auth-core")
	pair, err := ti.Issue("user-1", "session-1")
	require.NoError(t, err)

	_, err = newIssuer(t, clock, "someone-else").ParseAccessToken(pair.AccessToken)
	assert.ErrorIs(t, err, autherr.ErrInvalidToken)

	parts := strings.Split(pair.AccessToken, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	_, err = ti.ParseAccessToken(tampered)
	assert.ErrorIs(t, err, autherr.ErrInvalidToken)

	_, err = ti.ParseAccessToken("not-a-jwt")
	assert.ErrorIs(t, err, autherr.ErrInvalidToken)

	clock.Advance(16 * time.Minute)
	_, err = ti.ParseAccessToken(pair.AccessToken)
	assert.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestEphemeralSigningKey(t *testing.T) {
	a, err := NewTokenIssuer(config.JWTConfig{Issuer: "auth-core"})
	require.NoError(t, err)
	b, err := NewTokenIssuer(config.JWTConfig{Issuer: "auth-core"})
	require.NoError(t, err)

	pair, err := a.Issue("user-1", "session-1")
	require.NoError(t, err)
	_, err = a.ParseAccessToken(pair.AccessToken)
	require.NoError(t, err)
	_, err = b.ParseAccessToken(pair.AccessToken)
	assert.ErrorIs(t, err, autherr.ErrInvalidToken)
}
