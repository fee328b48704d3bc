package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"auth-core/internal/metrics"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

// FallbackStore serves from primary and switches to secondary when primary
// fails. After a failure primary is skipped until the cooldown passes.
// Callers never see a primary error.
type FallbackStore struct {
	primary   model.Store
	secondary model.Store
	cooldown  time.Duration
	metrics   *metrics.Metrics
	clock     func() time.Time

	mu        sync.RWMutex
	downUntil time.Time
}

func NewFallbackStore(primary, secondary model.Store, cooldown time.Duration, m *metrics.Metrics) *FallbackStore {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &FallbackStore{
		primary:   primary,
		secondary: secondary,
		cooldown:  cooldown,
		metrics:   m,
		clock:     time.Now,
	}
}

func (f *FallbackStore) WithClock(clock func() time.Time) *FallbackStore {
	f.clock = clock
	return f
}

func (f *FallbackStore) Name() string {
	return f.primary.Name() + "+" + f.secondary.Name()
}

// Degraded reports whether primary is currently being bypassed.
func (f *FallbackStore) Degraded() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.clock().Before(f.downUntil)
}

func (f *FallbackStore) markDown(op string, err error) {
	f.mu.Lock()
	f.downUntil = f.clock().Add(f.cooldown)
	f.mu.Unlock()

	f.metrics.StoreFallback(op)
	util.Warn("Primary store failed, using fallback",
		zap.String("operation", op),
		zap.String("primary", f.primary.Name()),
		zap.Duration("cooldown", f.cooldown),
		zap.Error(err))
}

// run tries primary unless it is cooling down. ErrKeyNotFound is a normal
// answer and never triggers fallback.
func run[T any](f *FallbackStore, op string, fn func(model.Store) (T, error)) (T, error) {
	if !f.Degraded() {
		v, err := fn(f.primary)
		if err == nil || errors.Is(err, model.ErrKeyNotFound) {
			return v, err
		}
		f.markDown(op, err)
	} else {
		f.metrics.StoreFallback(op)
	}
	return fn(f.secondary)
}

func (f *FallbackStore) Get(ctx context.Context, key string) ([]byte, error) {
	return run(f, "get", func(s model.Store) ([]byte, error) { return s.Get(ctx, key) })
}

func (f *FallbackStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := run(f, "set", func(s model.Store) (struct{}, error) {
		return struct{}{}, s.Set(ctx, key, value, ttl)
	})
	return err
}

func (f *FallbackStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return run(f, "setnx", func(s model.Store) (bool, error) { return s.SetNX(ctx, key, value, ttl) })
}

func (f *FallbackStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	return run(f, "delete", func(s model.Store) (int64, error) { return s.Delete(ctx, keys...) })
}

func (f *FallbackStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return run(f, "incr", func(s model.Store) (int64, error) { return s.Incr(ctx, key, ttl) })
}

func (f *FallbackStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	return run(f, "keys", func(s model.Store) ([]string, error) { return s.Keys(ctx, prefix) })
}

func (f *FallbackStore) SetAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	_, err := run(f, "set_add", func(s model.Store) (struct{}, error) {
		return struct{}{}, s.SetAdd(ctx, key, ttl, members...)
	})
	return err
}

func (f *FallbackStore) SetRemove(ctx context.Context, key string, members ...string) error {
	_, err := run(f, "set_remove", func(s model.Store) (struct{}, error) {
		return struct{}{}, s.SetRemove(ctx, key, members...)
	})
	return err
}

func (f *FallbackStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	return run(f, "set_members", func(s model.Store) ([]string, error) { return s.SetMembers(ctx, key) })
}

func (f *FallbackStore) SlidingWindow(ctx context.Context, req model.WindowRequest) (*model.WindowState, error) {
	return run(f, "sliding_window", func(s model.Store) (*model.WindowState, error) {
		return s.SlidingWindow(ctx, req)
	})
}

// Ping succeeds while either side is reachable.
func (f *FallbackStore) Ping(ctx context.Context) error {
	if err := f.primary.Ping(ctx); err == nil {
		return nil
	}
	return f.secondary.Ping(ctx)
}
