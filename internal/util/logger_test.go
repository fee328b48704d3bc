package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBuildConfig(t *testing.T) {
	prod := buildConfig("production", "warn", "json")
	assert.Equal(t, "json", prod.Encoding)
	assert.Equal(t, "timestamp", prod.EncoderConfig.TimeKey)
	assert.True(t, prod.DisableStacktrace)
	assert.Equal(t, zapcore.WarnLevel, prod.Level.Level())

	dev := buildConfig("development", "DEBUG", "console")
	assert.Equal(t, "console", dev.Encoding)
	assert.Equal(t, zapcore.DebugLevel, dev.Level.Level())
}

func TestParseLogLevelDefaultsToInfo(t *testing.T) {
	assert.Equal(t, zapcore.InfoLevel, parseLogLevel("verbose"))
	assert.Equal(t, zapcore.WarnLevel, parseLogLevel("warning"))
}

func TestMaskRecipient(t *testing.T) {
	assert.Equal(t, "jo***@example.com", MaskRecipient("john@example.com"))
	assert.Equal(t, "a***@example.com", MaskRecipient("a@example.com"))
	assert.Equal(t, "+***-***-1234", MaskRecipient("+15550001234"))
	assert.Equal(t, "****", MaskRecipient("+123"))
}

func TestRecipientFieldIsMasked(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	previous := globalLogger
	UseLogger(zap.New(core))
	t.Cleanup(func() { globalLogger = previous })

	Info("OTP sent", Recipient("+15550001234"))

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "+***-***-1234", entries[0].ContextMap()["recipient"])
	}
}
