package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	assert.Equal(t, 6, cfg.OTP.CodeLength)
	assert.Equal(t, 5*time.Minute, cfg.OTP.Expiry)
	assert.Equal(t, 3, cfg.OTP.MaxAttempts)
	assert.Equal(t, 2, cfg.OTP.MaxResends)
	assert.Equal(t, 10, cfg.Session.MaxPerUser)
	assert.Equal(t, 720*time.Hour, cfg.SessionDefaultDuration())
	assert.Equal(t, 7*24*time.Hour, cfg.Session.Retention)
	assert.Equal(t, 30*time.Minute, cfg.Password.ResetTokenTTL)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("ENVIRONMENT", "staging")
	t.Setenv("OTP_MAX_ATTEMPTS", "5")
	t.Setenv("SESSION_DEFAULT_DURATION_HOURS", "48")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("HASHING_PEPPERS", "1:first,bogus,2:second,x:y")

	cfg := LoadConfig()

	assert.Equal(t, "staging", cfg.Environment)
	assert.False(t, cfg.IsProduction())
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, 5, cfg.OTP.MaxAttempts)
	assert.Equal(t, 48*time.Hour, cfg.SessionDefaultDuration())
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, map[int]string{1: "first", 2: "second"}, cfg.Hashing.Peppers)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := LoadConfig()
	cfg.OTP.CodeLength = 2
	cfg.Session.MaxPerUser = 0
	cfg.Environment = "production"
	cfg.JWT.Secret = "short"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OTP_CODE_LENGTH")
	assert.Contains(t, err.Error(), "SESSION_MAX_PER_USER")
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestParseRateLimitRules(t *testing.T) {
	data := []byte(`
operations:
  login:
    limit: 10
    window: 2m
    block: 30m
    lockout: true
    lockout_threshold: 4
    exponential_backoff: true
  api_access:
    limit: 500
    window: 1m
    enabled: false
`)

	rules, err := ParseRateLimitRules(data)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	login := rules["login"]
	assert.Equal(t, 10, login.Limit)
	assert.Equal(t, 2*time.Minute, login.Window)
	assert.Equal(t, 30*time.Minute, login.Block)
	assert.True(t, login.Lockout)
	assert.True(t, login.IsEnabled())
	assert.False(t, rules["api_access"].IsEnabled())
}

func TestParseRateLimitRulesRejectsInvalid(t *testing.T) {
	_, err := ParseRateLimitRules([]byte("operations:\n  login:\n    limit: 0\n    window: 1m\n"))
	assert.Error(t, err)

	_, err = ParseRateLimitRules([]byte("operations:\n  login:\n    limit: 3\n"))
	assert.Error(t, err)
}

func TestLoadRateLimitRulesFile(t *testing.T) {
	rules, err := LoadRateLimitRules("")
	require.NoError(t, err)
	assert.Nil(t, rules)

	path := filepath.Join(t.TempDir(), "limits.yaml")
	require.NoError(t, os.WriteFile(path, []byte("operations:\n  otp_send:\n    limit: 2\n    window: 10m\n"), 0o600))

	rules, err = LoadRateLimitRules(path)
	require.NoError(t, err)
	assert.Equal(t, 2, rules["otp_send"].Limit)

	_, err = LoadRateLimitRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
