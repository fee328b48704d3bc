package memory

import (
	"context"
	"sync"
	"time"

	"auth-core/internal/model"
)

type DeviceRepository struct {
	mu      sync.RWMutex
	devices map[string]map[string]*model.DeviceFingerprint // user -> fingerprint -> record
}

func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{devices: make(map[string]map[string]*model.DeviceFingerprint)}
}

func (r *DeviceRepository) Insert(_ context.Context, d *model.DeviceFingerprint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byFP, ok := r.devices[d.UserID]
	if !ok {
		byFP = make(map[string]*model.DeviceFingerprint)
		r.devices[d.UserID] = byFP
	}
	if _, exists := byFP[d.Fingerprint]; exists {
		return model.ErrDeviceExists
	}
	byFP[d.Fingerprint] = d.Clone()
	return nil
}

func (r *DeviceRepository) Find(_ context.Context, userID, fingerprint string) (*model.DeviceFingerprint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[userID][fingerprint]
	if !ok {
		return nil, model.ErrDeviceNotFound
	}
	return d.Clone(), nil
}

func (r *DeviceRepository) ListByUser(_ context.Context, userID string) ([]*model.DeviceFingerprint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*model.DeviceFingerprint, 0, len(r.devices[userID]))
	for _, d := range r.devices[userID] {
		out = append(out, d.Clone())
	}
	return out, nil
}

func (r *DeviceRepository) ListAll(context.Context) ([]*model.DeviceFingerprint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.DeviceFingerprint
	for _, byFP := range r.devices {
		for _, d := range byFP {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func (r *DeviceRepository) Touch(_ context.Context, userID, fingerprint string, at time.Time) (*model.DeviceFingerprint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[userID][fingerprint]
	if !ok {
		return nil, model.ErrDeviceNotFound
	}
	d.LastUsedAt = at
	d.UsageCount++
	return d.Clone(), nil
}

func (r *DeviceRepository) SetStatus(_ context.Context, userID, fingerprint string, from, to model.TrustStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[userID][fingerprint]
	if !ok {
		return model.ErrDeviceNotFound
	}
	if d.TrustStatus != from {
		return model.ErrDeviceStateChanged
	}
	d.TrustStatus = to
	return nil
}

func (r *DeviceRepository) Replace(_ context.Context, d *model.DeviceFingerprint, from model.TrustStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.devices[d.UserID][d.Fingerprint]
	if !ok {
		return model.ErrDeviceNotFound
	}
	if current.TrustStatus != from {
		return model.ErrDeviceStateChanged
	}
	r.devices[d.UserID][d.Fingerprint] = d.Clone()
	return nil
}

func (r *DeviceRepository) Delete(_ context.Context, userID, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byFP, ok := r.devices[userID]
	if !ok {
		return model.ErrDeviceNotFound
	}
	if _, ok := byFP[fingerprint]; !ok {
		return model.ErrDeviceNotFound
	}
	delete(byFP, fingerprint)
	if len(byFP) == 0 {
		delete(r.devices, userID)
	}
	return nil
}
