package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"auth-core/internal/bucketing"
	"auth-core/internal/model"
	"auth-core/internal/models"
	"auth-core/internal/util"
)

const touchAttempts = 5

// DeviceRepository keeps one devices_by_user row per (user, fingerprint).
// Registration uses IF NOT EXISTS so concurrent inserts of the same pair
// resolve to exactly one winner.
type DeviceRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewDeviceRepository(client *ScyllaClient, buckets *bucketing.Manager) *DeviceRepository {
	return &DeviceRepository{client: client, buckets: buckets}
}

func (r *DeviceRepository) Insert(ctx context.Context, d *model.DeviceFingerprint) error {
	row := models.NewUserActiveDevice(d, r.buckets.UserBucket(d.UserID))

	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Prepared.InsertDevice, row.Values()...).MapScanCAS(existing)
	if err != nil {
		util.Error("Failed to register device",
			zap.String("user_id", d.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to insert device: %w", err)
	}
	if !applied {
		return model.ErrDeviceExists
	}

	util.Info("Device registered",
		zap.String("user_id", d.UserID),
		zap.String("device_id", d.DeviceID))
	return nil
}

func (r *DeviceRepository) Find(ctx context.Context, userID, fingerprint string) (*model.DeviceFingerprint, error) {
	row := &models.UserActiveDevice{}
	err := r.client.Query(ctx, r.client.Prepared.GetDevice,
		r.buckets.UserBucket(userID), userID, fingerprint).Scan(row.ScanTargets()...)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, model.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return row.ToModel(), nil
}

func (r *DeviceRepository) scan(iter *gocql.Iter) ([]*model.DeviceFingerprint, error) {
	var devices []*model.DeviceFingerprint
	for {
		row := &models.UserActiveDevice{}
		if !iter.Scan(row.ScanTargets()...) {
			break
		}
		devices = append(devices, row.ToModel())
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to scan devices: %w", err)
	}
	return devices, nil
}

func (r *DeviceRepository) ListByUser(ctx context.Context, userID string) ([]*model.DeviceFingerprint, error) {
	iter := r.client.Query(ctx,
		`SELECT `+models.UserActiveDeviceColumns+` FROM devices_by_user WHERE user_bucket = ? AND user_id = ?`,
		r.buckets.UserBucket(userID), userID).Iter()
	return r.scan(iter)
}

// ListAll pages through every partition. Used by cleanup only.
func (r *DeviceRepository) ListAll(ctx context.Context) ([]*model.DeviceFingerprint, error) {
	iter := r.client.Query(ctx, `SELECT `+models.UserActiveDeviceColumns+` FROM devices_by_user`).Iter()
	return r.scan(iter)
}

// Touch retries its conditional write while concurrent visits race on
// usage_count. The condition also pins trust_status, so the returned record
// carries the status the write was applied against.
func (r *DeviceRepository) Touch(ctx context.Context, userID, fingerprint string, at time.Time) (*model.DeviceFingerprint, error) {
	bucket := r.buckets.UserBucket(userID)
	for attempt := 0; attempt < touchAttempts; attempt++ {
		d, err := r.Find(ctx, userID, fingerprint)
		if err != nil {
			return nil, err
		}

		existing := map[string]interface{}{}
		applied, err := r.client.Query(ctx, r.client.Prepared.TouchDevice,
			at.UTC(), d.UsageCount+1,
			bucket, userID, fingerprint,
			d.UsageCount, string(d.TrustStatus)).MapScanCAS(existing)
		if err != nil {
			return nil, fmt.Errorf("failed to touch device: %w", err)
		}
		if applied {
			d.LastUsedAt = at
			d.UsageCount++
			return d, nil
		}
	}
	util.Warn("Device visit kept conflicting",
		zap.String("user_id", userID),
		zap.Int("attempts", touchAttempts))
	return nil, model.ErrDeviceStateChanged
}

// casMiss tells a missing row from one whose status moved on.
func (r *DeviceRepository) casMiss(ctx context.Context, userID, fingerprint string) error {
	if _, err := r.Find(ctx, userID, fingerprint); err != nil {
		return err
	}
	return model.ErrDeviceStateChanged
}

func (r *DeviceRepository) SetStatus(ctx context.Context, userID, fingerprint string, from, to model.TrustStatus) error {
	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Prepared.SetDeviceStatus,
		string(to), r.buckets.UserBucket(userID), userID, fingerprint, string(from)).MapScanCAS(existing)
	if err != nil {
		return fmt.Errorf("failed to set device status: %w", err)
	}
	if !applied {
		return r.casMiss(ctx, userID, fingerprint)
	}
	return nil
}

func (r *DeviceRepository) Replace(ctx context.Context, d *model.DeviceFingerprint, from model.TrustStatus) error {
	row := models.NewUserActiveDevice(d, r.buckets.UserBucket(d.UserID))

	existing := map[string]interface{}{}
	applied, err := r.client.Query(ctx, r.client.Prepared.ReplaceDevice,
		row.DeviceID, row.DeviceName, row.DeviceType, row.OSInfo, row.BrowserInfo,
		row.RegistrationIP, row.TrustStatus, row.RegisteredAt, row.LastUsedAt,
		row.ExpiresAt, row.UsageCount, row.RiskScore,
		row.UserBucket, row.UserID, row.Fingerprint,
		string(from)).MapScanCAS(existing)
	if err != nil {
		return fmt.Errorf("failed to replace device: %w", err)
	}
	if !applied {
		return r.casMiss(ctx, d.UserID, d.Fingerprint)
	}
	return nil
}

func (r *DeviceRepository) Delete(ctx context.Context, userID, fingerprint string) error {
	err := r.client.Query(ctx,
		`DELETE FROM devices_by_user WHERE user_bucket = ? AND user_id = ? AND fingerprint = ?`,
		r.buckets.UserBucket(userID), userID, fingerprint).Exec()
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}
