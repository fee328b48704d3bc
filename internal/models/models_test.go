package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-core/internal/bucketing"
	"auth-core/internal/model"
)

func TestActiveSessionRoundTrip(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	s := &model.Session{
		ID:             "s-1",
		UserID:         "u-1",
		DeviceType:     model.DeviceMobileAndroid,
		Trusted:        true,
		Active:         true,
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(time.Hour),
		Metadata:       map[string]string{"app": "1.2"},
	}

	row := NewActiveSession(s, 7)
	assert.Len(t, row.Values(), len(row.ScanTargets()))
	assert.Equal(t, 7, row.UserBucket)

	back := row.ToModel()
	assert.Equal(t, s.ID, back.ID)
	assert.Equal(t, s.DeviceType, back.DeviceType)
	assert.True(t, back.RevokedAt.IsZero())
	assert.Equal(t, "1.2", back.Metadata["app"])

	row.RevokedAt = time.Unix(0, 0).UTC()
	assert.True(t, row.ToModel().RevokedAt.IsZero())
}

func TestUserActiveDeviceRoundTrip(t *testing.T) {
	d := &model.DeviceFingerprint{
		DeviceID:    "d-1",
		UserID:      "u-1",
		Fingerprint: "abc",
		TrustStatus: model.TrustTrusted,
		UsageCount:  3,
	}
	row := NewUserActiveDevice(d, 2)
	assert.Len(t, row.Values(), len(row.ScanTargets()))

	back := row.ToModel()
	assert.Equal(t, model.TrustTrusted, back.TrustStatus)
	assert.Equal(t, 3, back.UsageCount)
}

func TestSecurityEventRow(t *testing.T) {
	buckets := bucketing.NewManagerWithBuckets(8)
	at := time.Date(2026, 4, 1, 23, 0, 0, 0, time.UTC)
	ev := &model.SecurityEvent{
		ID:         "e-1",
		Type:       model.EventOTPSent,
		Subject:    "+15550001111",
		IPAddress:  "not-an-ip",
		Details:    map[string]string{"channel": "SMS"},
		OccurredAt: at,
	}

	row := NewSecurityEvent(ev, buckets)
	require.NotNil(t, row)
	assert.Equal(t, buckets.UserBucket("+15550001111"), row.EventBucket)
	assert.Equal(t, "2026-04-01", row.EventDate)
	assert.Equal(t, "0.0.0.0", row.IPAddress.String())
	assert.JSONEq(t, `{"channel":"SMS"}`, row.Details)
	assert.Len(t, row.Values(), 13)
}

func TestUserEmailCanReset(t *testing.T) {
	row := &UserEmail{UserID: "u-1"}
	assert.Len(t, row.ScanTargets(), 5)
	assert.True(t, row.CanReset())

	row.IsBlocked = true
	assert.False(t, row.CanReset())

	assert.False(t, (&UserEmail{}).CanReset())
}
