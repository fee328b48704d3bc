package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"auth-core/internal/bucketing"
	"auth-core/internal/config"
	"auth-core/internal/encryption"
	"auth-core/internal/events"
	"auth-core/internal/metrics"
	"auth-core/internal/model"
	"auth-core/internal/repository/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type delivery struct {
	Channel   model.OTPChannel
	Recipient string
	Code      string
}

type fakeDelivery struct {
	mu   sync.Mutex
	sent []delivery
	err  error
}

func (d *fakeDelivery) Deliver(_ context.Context, channel model.OTPChannel, recipient, code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.sent = append(d.sent, delivery{Channel: channel, Recipient: recipient, Code: code})
	return nil
}

func (d *fakeDelivery) last() delivery {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sent) == 0 {
		return delivery{}
	}
	return d.sent[len(d.sent)-1]
}

func (d *fakeDelivery) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []*model.SecurityEvent
}

func (p *capturePublisher) Publish(_ context.Context, ev *model.SecurityEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) ofType(t model.SecurityEventType) []*model.SecurityEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*model.SecurityEvent
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

var _ events.Publisher = (*capturePublisher)(nil)

type fakeUsers map[string]string

func (u fakeUsers) FindUserIDByEmail(_ context.Context, email string) (string, bool, error) {
	if email == "broken@example.com" {
		return "", false, errors.New("directory unavailable")
	}
	id, ok := u[email]
	return id, ok, nil
}

type fixture struct {
	clock     *fakeClock
	store     *memory.Store
	buckets   *bucketing.Manager
	locker    *bucketing.Locker
	metrics   *metrics.Metrics
	publisher *capturePublisher
	delivery  *fakeDelivery
}

func newFixture() *fixture {
	clock := newFakeClock()
	buckets := bucketing.NewManagerWithBuckets(16)
	return &fixture{
		clock:     clock,
		store:     memory.NewStore(buckets, 8).WithClock(clock.Now),
		buckets:   buckets,
		locker:    bucketing.NewLocker(buckets, 32),
		metrics:   metrics.New(),
		publisher: &capturePublisher{},
		delivery:  &fakeDelivery{},
	}
}

func (f *fixture) rateLimiter() *RateLimitService {
	return NewRateLimitService(f.store, f.metrics, f.publisher).WithClock(f.clock.Now)
}

func (f *fixture) otpService() *OTPService {
	return NewOTPService(f.store, f.rateLimiter(), encryption.NewLocalManager(), f.delivery, f.locker,
		f.publisher, f.metrics, DefaultOTPPolicy()).WithClock(f.clock.Now)
}

func (f *fixture) deviceService() (*DeviceTrustService, *memory.DeviceRepository) {
	repo := memory.NewDeviceRepository()
	return f.deviceServiceOn(repo), repo
}

func (f *fixture) deviceServiceOn(repo model.DeviceRepository) *DeviceTrustService {
	return NewDeviceTrustService(repo, DefaultDevicePolicy(), f.publisher, f.metrics).WithClock(f.clock.Now)
}

func (f *fixture) sessionService(devices *DeviceTrustService) (*SessionService, *memory.SessionRepository) {
	repo := memory.NewSessionRepository()
	return f.sessionServiceOn(repo, devices), repo
}

func (f *fixture) sessionServiceOn(repo model.SessionRepository, devices *DeviceTrustService) *SessionService {
	issuer, err := NewTokenIssuer(config.JWTConfig{Secret: "test-secret", Issuer: "auth-core", AccessTTL: 15 * time.Minute})
	if err != nil {
		panic(err)
	}
	issuer.WithClock(f.clock.Now)
	return NewSessionService(repo, DefaultSessionPolicy(), f.locker, issuer, devices, f.publisher, f.metrics).
		WithClock(f.clock.Now)
}

// interleavingSessions runs between once right after the next FindByID, so
// a test can land a concurrent write inside a read-then-write path.
type interleavingSessions struct {
	model.SessionRepository
	mu      sync.Mutex
	between func()
}

func (r *interleavingSessions) FindByID(ctx context.Context, id string) (*model.Session, error) {
	s, err := r.SessionRepository.FindByID(ctx, id)
	r.runBetween()
	return s, err
}

func (r *interleavingSessions) runBetween() {
	r.mu.Lock()
	fn := r.between
	r.between = nil
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// interleavingDevices does the same for DeviceRepository.Find.
type interleavingDevices struct {
	model.DeviceRepository
	mu      sync.Mutex
	between func()
}

func (r *interleavingDevices) Find(ctx context.Context, userID, fingerprint string) (*model.DeviceFingerprint, error) {
	d, err := r.DeviceRepository.Find(ctx, userID, fingerprint)
	r.mu.Lock()
	fn := r.between
	r.between = nil
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
	return d, err
}
