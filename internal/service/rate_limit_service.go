package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"auth-core/internal/autherr"
	"auth-core/internal/config"
	"auth-core/internal/events"
	"auth-core/internal/metrics"
	"auth-core/internal/model"
	"auth-core/internal/util"
)

const (
	windowKeyPrefix  = "rl:"
	blockKeyPrefix   = "rl_block:"
	lockoutKeyPrefix = "lockout:"
	failureKeyPrefix = "failures:"
	opConfigPrefix   = "rlc:"

	// failureCounterTTL bounds how long failed attempts accumulate
	// towards the escalation table.
	failureCounterTTL = 24 * time.Hour
)

// RateLimitService owns sliding windows, operation blocks and account
// lockouts. All shared state lives in the store, so any number of processes
// can share one limiter.
type RateLimitService struct {
	store     model.Store
	metrics   *metrics.Metrics
	publisher events.Publisher
	clock     func() time.Time

	mu      sync.RWMutex
	configs map[string]model.RateLimitConfig
}

func NewRateLimitService(store model.Store, m *metrics.Metrics, publisher events.Publisher) *RateLimitService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &RateLimitService{
		store:     store,
		metrics:   m,
		publisher: publisher,
		clock:     time.Now,
		configs:   model.DefaultRateLimitConfigs(),
	}
}

func (s *RateLimitService) WithClock(clock func() time.Time) *RateLimitService {
	s.clock = clock
	return s
}

// ApplyRules overlays operation entries read from the rate-limit file.
func (s *RateLimitService) ApplyRules(rules map[string]config.RateLimitRule) error {
	for name, rule := range rules {
		cfg := model.RateLimitConfig{
			Operation:          name,
			Limit:              rule.Limit,
			Window:             rule.Window,
			Enabled:            rule.IsEnabled(),
			LockoutEnabled:     rule.Lockout,
			LockoutThreshold:   rule.LockoutThreshold,
			BlockDuration:      rule.Block,
			ExponentialBackoff: rule.ExponentialBackoff,
			Description:        rule.Description,
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		s.mu.Lock()
		s.configs[name] = cfg
		s.mu.Unlock()
	}
	if len(rules) > 0 {
		util.Info("Rate limit rules applied", zap.Int("operations", len(rules)))
	}
	return nil
}

func windowKey(key string) string {
	return windowKeyPrefix + key
}

func operationKey(operation, subject string) string {
	return operation + ":" + subject
}

// CheckAndRecord admits one request into key's window when there is room.
func (s *RateLimitService) CheckAndRecord(ctx context.Context, key string, limit int, window time.Duration) (*model.RateLimitResult, error) {
	return s.evaluate(ctx, key, limit, window, true)
}

// GetStatus reports key's window without recording anything.
func (s *RateLimitService) GetStatus(ctx context.Context, key string, limit int, window time.Duration) (*model.RateLimitResult, error) {
	return s.evaluate(ctx, key, limit, window, false)
}

func (s *RateLimitService) evaluate(ctx context.Context, key string, limit int, window time.Duration, record bool) (*model.RateLimitResult, error) {
	if key == "" {
		return nil, autherr.Validation("rate limit key is required")
	}
	if limit <= 0 || window <= 0 {
		return nil, autherr.Validation("limit and window must be positive")
	}

	now := s.clock()
	lock, err := s.getLockout(ctx, key, record)
	if err != nil {
		return nil, err
	}
	if lock.IsActive(now) {
		return lockedResult(key, limit, window, lock, now), nil
	}

	state, err := s.store.SlidingWindow(ctx, model.WindowRequest{
		Key:    windowKey(key),
		Limit:  limit,
		Window: window,
		Now:    now,
		Record: record,
	})
	if err != nil {
		util.Error("Rate limit window failed", zap.String("key", key), zap.Error(err))
		return nil, autherr.Internal("failed to evaluate rate limit", err)
	}

	return windowResult(key, limit, window, state, now), nil
}

func windowResult(key string, limit int, window time.Duration, state *model.WindowState, now time.Time) *model.RateLimitResult {
	resetAt := now.Add(window)
	if !state.Oldest.IsZero() {
		resetAt = state.Oldest.Add(window)
	}

	res := &model.RateLimitResult{
		Key:          key,
		Allowed:      state.Allowed,
		CurrentCount: state.Count,
		Limit:        limit,
		Remaining:    max(0, limit-state.Count),
		ResetAt:      resetAt,
		Window:       window,
	}
	if !state.Allowed {
		res.RetryAfter = max(0, resetAt.Sub(now))
		res.Reason = fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", ceilSeconds(res.RetryAfter))
	}
	return res
}

func lockedResult(key string, limit int, window time.Duration, lock *model.LockoutRecord, now time.Time) *model.RateLimitResult {
	return &model.RateLimitResult{
		Key:         key,
		Allowed:     false,
		Locked:      true,
		Reason:      lock.Reason,
		Limit:       limit,
		ResetAt:     lock.LockedUntil,
		RetryAfter:  lock.LockedUntil.Sub(now),
		Window:      window,
		LockedUntil: lock.LockedUntil,
	}
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

// CheckOperation applies the configured limits of operation to subject.
// Unknown and disabled operations are unlimited.
func (s *RateLimitService) CheckOperation(ctx context.Context, operation, subject string) (*model.RateLimitResult, error) {
	return s.checkOperation(ctx, operation, subject, true)
}

// OperationStatus is the read-only counterpart of CheckOperation.
func (s *RateLimitService) OperationStatus(ctx context.Context, operation, subject string) (*model.RateLimitResult, error) {
	return s.checkOperation(ctx, operation, subject, false)
}

func (s *RateLimitService) checkOperation(ctx context.Context, operation, subject string, record bool) (*model.RateLimitResult, error) {
	if subject == "" {
		return nil, autherr.Validation("rate limit subject is required")
	}
	key := operationKey(operation, subject)

	cfg, ok := s.OperationConfig(operation)
	if !ok || !cfg.Enabled {
		return &model.RateLimitResult{Key: key, Allowed: true, Unlimited: true}, nil
	}

	now := s.clock()
	lock, err := s.getLockout(ctx, subject, record)
	if err != nil {
		return nil, err
	}
	if lock.IsActive(now) {
		res := lockedResult(key, cfg.Limit, cfg.Window, lock, now)
		s.recordDecision(ctx, operation, subject, res, record)
		return res, nil
	}

	until, err := s.blockedUntil(ctx, key)
	if err != nil {
		return nil, err
	}
	if now.Before(until) {
		res := blockedResult(key, cfg, until, now)
		s.recordDecision(ctx, operation, subject, res, record)
		return res, nil
	}

	state, err := s.store.SlidingWindow(ctx, model.WindowRequest{
		Key:    windowKey(key),
		Limit:  cfg.Limit,
		Window: cfg.Window,
		Now:    now,
		Record: record,
	})
	if err != nil {
		util.Error("Rate limit window failed",
			zap.String("operation", operation),
			zap.Error(err))
		return nil, autherr.Internal("failed to evaluate rate limit", err)
	}

	res := windowResult(key, cfg.Limit, cfg.Window, state, now)
	if record && !res.Allowed && cfg.BlockDuration > 0 {
		until, err := s.applyBlock(ctx, key, now.Add(cfg.BlockDuration), cfg.BlockDuration)
		if err != nil {
			return nil, err
		}
		res = blockedResult(key, cfg, until, now)
		res.CurrentCount = state.Count
	}
	s.recordDecision(ctx, operation, subject, res, record)
	return res, nil
}

func blockedResult(key string, cfg model.RateLimitConfig, until, now time.Time) *model.RateLimitResult {
	retry := until.Sub(now)
	return &model.RateLimitResult{
		Key:          key,
		Allowed:      false,
		Blocked:      true,
		Reason:       fmt.Sprintf("Rate limit exceeded. Try again in %d seconds.", ceilSeconds(retry)),
		CurrentCount: cfg.Limit,
		Limit:        cfg.Limit,
		ResetAt:      until,
		RetryAfter:   retry,
		Window:       cfg.Window,
	}
}

func (s *RateLimitService) blockedUntil(ctx context.Context, key string) (time.Time, error) {
	raw, err := s.store.Get(ctx, blockKeyPrefix+key)
	if errors.Is(err, model.ErrKeyNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, autherr.Internal("failed to read rate limit block", err)
	}
	var until time.Time
	if err := until.UnmarshalText(raw); err != nil {
		return time.Time{}, autherr.Internal("corrupt rate limit block", err)
	}
	return until, nil
}

// applyBlock stores the block once; a concurrent winner's expiry is kept.
func (s *RateLimitService) applyBlock(ctx context.Context, key string, until time.Time, ttl time.Duration) (time.Time, error) {
	raw, _ := until.UTC().MarshalText()
	created, err := s.store.SetNX(ctx, blockKeyPrefix+key, raw, ttl)
	if err != nil {
		return time.Time{}, autherr.Internal("failed to store rate limit block", err)
	}
	if created {
		return until, nil
	}
	existing, err := s.blockedUntil(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	if existing.IsZero() {
		return until, nil
	}
	return existing, nil
}

func (s *RateLimitService) recordDecision(ctx context.Context, operation, subject string, res *model.RateLimitResult, record bool) {
	if !record {
		return
	}
	outcome := "allowed"
	switch {
	case res.Locked:
		outcome = "locked"
	case res.Blocked:
		outcome = "blocked"
	case !res.Allowed:
		outcome = "denied"
	}
	s.metrics.RateLimitDecision(operation, outcome)

	if res.Allowed {
		return
	}
	util.Warn("Rate limit denied",
		zap.String("operation", operation),
		zap.String("outcome", outcome),
		zap.Duration("retry_after", res.RetryAfter))
	s.publisher.Publish(ctx, &model.SecurityEvent{
		Type:    model.EventRateLimitDenied,
		Subject: subject,
		Outcome: outcome,
		Details: map[string]string{
			"operation":   operation,
			"retry_after": res.RetryAfter.Round(time.Second).String(),
		},
	})
}

// RecordFailure counts a failed attempt for subject and applies a lockout
// once the operation's threshold is reached. The result is nil when no
// lockout was applied.
func (s *RateLimitService) RecordFailure(ctx context.Context, operation, subject string) (*model.LockoutResult, error) {
	if subject == "" {
		return nil, autherr.Validation("subject is required")
	}
	n, err := s.store.Incr(ctx, failureKeyPrefix+subject, failureCounterTTL)
	if err != nil {
		return nil, autherr.Internal("failed to record failed attempt", err)
	}

	cfg, ok := s.OperationConfig(operation)
	if !ok || !cfg.Enabled || !cfg.LockoutEnabled || int(n) < cfg.LockoutThreshold {
		return nil, nil
	}

	duration := cfg.BlockDuration
	if cfg.ExponentialBackoff || duration <= 0 {
		duration = model.LockoutDuration(int(n))
	}
	return s.applyLockout(ctx, subject, int(n), duration)
}

// RecordSuccess clears subject's failed-attempt counter.
func (s *RateLimitService) RecordSuccess(ctx context.Context, subject string) error {
	if _, err := s.store.Delete(ctx, failureKeyPrefix+subject); err != nil {
		return autherr.Internal("failed to clear failed attempts", err)
	}
	return nil
}

// LockoutUser locks userID for the escalation-table duration of failedAttempts.
func (s *RateLimitService) LockoutUser(ctx context.Context, userID string, failedAttempts int) (*model.LockoutResult, error) {
	if userID == "" {
		return nil, autherr.Validation("user id is required")
	}
	if failedAttempts <= 0 {
		return nil, autherr.Validation("failed attempts must be positive, got %d", failedAttempts)
	}
	return s.applyLockout(ctx, userID, failedAttempts, model.LockoutDuration(failedAttempts))
}

func (s *RateLimitService) applyLockout(ctx context.Context, subject string, attempts int, duration time.Duration) (*model.LockoutResult, error) {
	now := s.clock()
	until := now.Add(duration)
	record := &model.LockoutRecord{
		Subject:        subject,
		LockedUntil:    until,
		FailedAttempts: attempts,
		Reason:         model.LockoutReason(attempts, until),
		LockedAt:       now,
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return nil, autherr.Internal("failed to encode lockout", err)
	}
	if err := s.store.Set(ctx, lockoutKeyPrefix+subject, raw, duration); err != nil {
		return nil, autherr.Internal("failed to store lockout", err)
	}

	s.metrics.LockoutApplied()
	util.Warn("Account locked",
		zap.Int("failed_attempts", attempts),
		zap.Duration("duration", duration),
		zap.Time("locked_until", until))
	s.publisher.Publish(ctx, &model.SecurityEvent{
		Type:    model.EventLockoutApplied,
		UserID:  subject,
		Outcome: "locked",
		Details: map[string]string{
			"failed_attempts": fmt.Sprint(attempts),
			"duration":        duration.String(),
		},
	})

	return &model.LockoutResult{
		UserID:         subject,
		FailedAttempts: attempts,
		Duration:       duration,
		LockedUntil:    until,
		Reason:         record.Reason,
	}, nil
}

// IsLockedOut holds iff a lockout record exists and now < LockedUntil.
func (s *RateLimitService) IsLockedOut(ctx context.Context, userID string) (bool, error) {
	lock, err := s.GetLockout(ctx, userID)
	if err != nil {
		return false, err
	}
	return lock != nil, nil
}

// GetLockout returns the live lockout for userID, or nil. Lapsed records
// are purged.
func (s *RateLimitService) GetLockout(ctx context.Context, userID string) (*model.LockoutRecord, error) {
	lock, err := s.getLockout(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	if !lock.IsActive(s.clock()) {
		return nil, nil
	}
	return lock, nil
}

func (s *RateLimitService) getLockout(ctx context.Context, subject string, purge bool) (*model.LockoutRecord, error) {
	raw, err := s.store.Get(ctx, lockoutKeyPrefix+subject)
	if errors.Is(err, model.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, autherr.Internal("failed to read lockout", err)
	}

	var lock model.LockoutRecord
	if err := json.Unmarshal(raw, &lock); err != nil {
		return nil, autherr.Internal("corrupt lockout record", err)
	}
	if purge && !lock.IsActive(s.clock()) {
		if _, err := s.store.Delete(ctx, lockoutKeyPrefix+subject); err != nil {
			util.Warn("Failed to purge lapsed lockout", zap.Error(err))
		}
	}
	return &lock, nil
}

func (s *RateLimitService) ClearRateLimit(ctx context.Context, key string) error {
	if _, err := s.store.Delete(ctx, windowKey(key)); err != nil {
		return autherr.Internal("failed to clear rate limit", err)
	}
	return nil
}

func (s *RateLimitService) ClearOperation(ctx context.Context, operation, subject string) error {
	key := operationKey(operation, subject)
	if _, err := s.store.Delete(ctx, windowKey(key), blockKeyPrefix+key); err != nil {
		return autherr.Internal("failed to clear rate limit", err)
	}
	return nil
}

// ClearLockout lifts the lockout and resets the failure counter.
func (s *RateLimitService) ClearLockout(ctx context.Context, userID string) error {
	if _, err := s.store.Delete(ctx, lockoutKeyPrefix+userID, failureKeyPrefix+userID); err != nil {
		return autherr.Internal("failed to clear lockout", err)
	}
	util.Info("Lockout cleared")
	return nil
}

// ConfigureOperation replaces an operation's limits here and persists them
// so other nodes can pick them up with LoadPersistedConfigs.
func (s *RateLimitService) ConfigureOperation(ctx context.Context, cfg model.RateLimitConfig) error {
	cfg.Operation = strings.TrimSpace(cfg.Operation)
	if err := cfg.Validate(); err != nil {
		return err
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return autherr.Internal("failed to encode operation config", err)
	}
	if err := s.store.Set(ctx, opConfigPrefix+cfg.Operation, raw, 0); err != nil {
		return autherr.Internal("failed to persist operation config", err)
	}

	s.mu.Lock()
	s.configs[cfg.Operation] = cfg
	s.mu.Unlock()

	util.Info("Rate limit operation configured",
		zap.String("operation", cfg.Operation),
		zap.Int("limit", cfg.Limit),
		zap.Duration("window", cfg.Window))
	return nil
}

// LoadPersistedConfigs pulls operation configs written by any node.
func (s *RateLimitService) LoadPersistedConfigs(ctx context.Context) (int, error) {
	keys, err := s.store.Keys(ctx, opConfigPrefix)
	if err != nil {
		return 0, autherr.Internal("failed to list operation configs", err)
	}

	loaded := 0
	for _, key := range keys {
		raw, err := s.store.Get(ctx, key)
		if errors.Is(err, model.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return loaded, autherr.Internal("failed to read operation config", err)
		}
		var cfg model.RateLimitConfig
		if err := json.Unmarshal(raw, &cfg); err != nil || cfg.Validate() != nil {
			util.Warn("Skipping invalid operation config", zap.String("key", key))
			continue
		}
		s.mu.Lock()
		s.configs[cfg.Operation] = cfg
		s.mu.Unlock()
		loaded++
	}
	return loaded, nil
}

func (s *RateLimitService) OperationConfig(operation string) (model.RateLimitConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[operation]
	return cfg, ok
}

// Operations lists every configured operation sorted by name.
func (s *RateLimitService) Operations() []model.RateLimitConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RateLimitConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}
