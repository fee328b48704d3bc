package service

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"auth-core/internal/autherr"
	"auth-core/internal/config"
	"auth-core/internal/hashing"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

// AccessClaims are the claims of an access token; SessionID binds it to the
// session that issued it.
type AccessClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// TokenIssuer is the single place access and refresh tokens are minted.
type TokenIssuer struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	clock     func() time.Time
}

func NewTokenIssuer(cfg config.JWTConfig) (*TokenIssuer, error) {
	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		util.Warn("JWT_SECRET not set, using an ephemeral signing key")
	}
	ttl := cfg.AccessTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &TokenIssuer{secret: secret, issuer: cfg.Issuer, accessTTL: ttl, clock: time.Now}, nil
}

func (t *TokenIssuer) WithClock(clock func() time.Time) *TokenIssuer {
	t.clock = clock
	return t
}

// Issue returns a signed access token and an opaque refresh token.
func (t *TokenIssuer) Issue(userID, sessionID string) (*model.TokenPair, error) {
	now := t.clock()
	jti := uuid.New().String()
	expires := now.Add(t.accessTTL)

	claims := AccessClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return nil, autherr.Internal("failed to sign access token", err)
	}

	refresh, err := hashing.GenerateToken(hashing.RefreshTokenBytes)
	if err != nil {
		return nil, autherr.Internal("failed to generate refresh token", err)
	}

	return &model.TokenPair{
		AccessToken:          access,
		RefreshToken:         refresh,
		AccessTokenJTI:       jti,
		TokenType:            "Bearer",
		AccessTokenExpiresAt: expires,
	}, nil
}

// ParseAccessToken verifies signature, issuer and time claims.
func (t *TokenIssuer) ParseAccessToken(token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
		jwt.WithTimeFunc(t.clock),
	)
	if err != nil {
		util.Debug("Access token rejected", zap.Error(err))
		return nil, autherr.Wrap(autherr.ErrInvalidToken, "invalid access token", err)
	}
	return claims, nil
}
