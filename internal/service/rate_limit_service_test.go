package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auth-core/internal/autherr"
	"auth-core/internal/config"
	"auth-core/internal/model"
)

func TestCheckAndRecordNeverExceedsLimitConcurrently(t *testing.T) {
	f := newFixture()
	svc := f.rateLimiter()
	ctx := context.Background()

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.CheckAndRecord(ctx, "ip:10.0.0.1", 10, time.Minute)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), allowed.Load())
}

func TestCheckAndRecordSlidingWindow(t *testing.T) {
	f := newFixture()
	svc := f.rateLimiter()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		res, err := svc.CheckAndRecord(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, i, res.CurrentCount)
		assert.Equal(t, 3-i, res.Remaining)
		f.clock.Advance(10 * time.Second)
	}

	res, err := svc.CheckAndRecord(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 30*time.Second, res.RetryAfter)
	assert.Equal(t, "Rate limit exceeded. Try again in 30 seconds.", res.Reason)
	assert.ErrorIs(t, res.Err(), autherr.ErrRateLimited)

	// the first entry leaves the window, freeing one slot
	f.clock.Advance(31 * time.Second)
	res, err = svc.CheckAndRecord(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestGetStatusDoesNotRecord(t *testing.T) {
	f := newFixture()
	svc := f.rateLimiter()
	ctx := context.Background()

	_, err := svc.CheckAndRecord(ctx, "k", 2, time.Minute)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		res, err := svc.GetStatus(ctx, "k", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 1, res.CurrentCount)
	}
}

func TestClearRateLimitResetsWindow(t *testing.T) {
	f := newFixture()
	svc := f.rateLimiter()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := svc.CheckAndRecord(ctx, "k", 2, time.Minute)
		require.NoError(t, err)
	}
	res, err := svc.CheckAndRecord(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	require.NoError(t, svc.ClearRateLimit(ctx, "k"))

	res, err = svc.CheckAndRecord(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.CurrentCount)
}

func TestCheckAndRecordRejectsBadInput(t *testing.T) {
	svc := newFixture().rateLimiter()
	ctx := context.Background()

	_, err := svc.CheckAndRecord(ctx, "", 1, time.Minute)
	assert.ErrorIs(t, err, autherr.ErrValidation)
	_, err = svc.CheckAndRecord(ctx, "k", 0, time.Minute)
	assert.ErrorIs(t, err, autherr.ErrValidation)
	_, err = svc.CheckAndRecord(ctx, "k", 1, 0)
	assert.ErrorIs(t, err, autherr.ErrValidation)
}

func TestLockoutUserEscalation(t *testing.T) {
	f := newFixture()
	svc := f.rateLimiter()
	ctx := context.Background()

	cases := map[int]time.Duration{
		1:  time.Minute,
		3:  time.Minute,
		4:  5 * time.Minute,
		5:  5 * time.Minute,
		6:  15 * time.Minute,
		8:  time.Hour,
		10: 24 * time.Hour,
		25: 24 * time.Hour,
	}
	for attempts, want := range cases {
		res, err := svc.LockoutUser(ctx, "user-1", attempts)
		require.NoError(t, err)
		assert.Equal(t, want, res.Duration, "attempts=%d", attempts)
		assert.Equal(t, f.clock.Now().Add(want), res.LockedUntil)
	}

	prev := time.Duration(0)
	for attempts := 1; attempts <= 30; attempts++ {
		d := model.LockoutDuration(attempts)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}

	_, err := svc.LockoutUser(ctx, "user-1", 0)
	assert.ErrorIs(t, err, autherr.ErrValidation)
}

func TestLockoutShortCircuitsAndExpires(t *testing.T) {
	f := newFixture()
	svc := f.rateLimiter()
	ctx := context.Background()

	_, err := svc.LockoutUser(ctx, "user-1", 5)
	require.NoError(t, err)

	locked, err := svc.IsLockedOut(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, locked)

	res, err := svc.CheckAndRecord(ctx, "user-1", 100, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.Locked)
	assert.ErrorIs(t, res.Err(), autherr.ErrAccountLocked)

	f.clock.Advance(5 * time.Minute)
	locked, err = svc.IsLockedOut(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, locked)

	res, err = svc.CheckAndRecord(ctx, "user-1", 100, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Len(t, f.publisher.ofType(model.EventLockoutApplied), 1)
}

func TestClearLockout(t *testing.T) {
	f := newFixture()
	svc := f.rateLimiter()
	ctx := context.Background()

	_, err := svc.LockoutUser(ctx, "user-1", 10)
	require.NoError(t, err)
	require.NoError(t, svc.ClearLockout(ctx, "user-1"))

	lock, err := svc.GetLockout(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestCheckOperationBlocksAfterLimit(t *testing.T) {
	f := newFixture()
	svc := f.rateLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := svc.CheckOperation(ctx, model.OperationOTPSend, "+15550001111")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	res, err := svc.CheckOperation(ctx, model.OperationOTPSend, "+15550001111")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.Blocked)
	assert.Equal(t, 10*time.Minute, res.RetryAfter)

	// the block outlives the window
	f.clock.Advance(6 * time.Minute)
	res, err = svc.CheckOperation(ctx, model.OperationOTPSend, "+15550001111")
	require.NoError(t, err)
	assert.True(t, res.Blocked)

	require.NoError(t, svc.ClearOperation(ctx, model.OperationOTPSend, "+15550001111"))
	res, err = svc.CheckOperation(ctx, model.OperationOTPSend, "+15550001111")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.RateLimitDecisions.WithLabelValues(model.OperationOTPSend, "blocked")))
	assert.NotEmpty(t, f.publisher.ofType(model.EventRateLimitDenied))
}

func TestCheckOperationUnknownIsUnlimited(t *testing.T) {
	svc := newFixture().rateLimiter()

	for i := 0; i < 500; i++ {
		res, err := svc.CheckOperation(context.Background(), "unknown_op", "subject")
		require.NoError(t, err)
		require.True(t, res.Allowed)
		require.True(t, res.Unlimited)
	}
}

func TestOperationStatusIsReadOnly(t *testing.T) {
	svc := newFixture().rateLimiter()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		res, err := svc.OperationStatus(ctx, model.OperationLogin, "user-1")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := svc.CheckOperation(ctx, model.OperationLogin, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.CurrentCount)
}

func TestRecordFailureAppliesLockoutAtThreshold(t *testing.T) {
	f := newFixture()
	svc := f.rateLimiter()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		res, err := svc.RecordFailure(ctx, model.OperationLogin, "user-1")
		require.NoError(t, err)
		assert.Nil(t, res)
	}

	res, err := svc.RecordFailure(ctx, model.OperationLogin, "user-1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 5, res.FailedAttempts)
	assert.Equal(t, 5*time.Minute, res.Duration)

	check, err := svc.CheckOperation(ctx, model.OperationLogin, "user-1")
	require.NoError(t, err)
	assert.True(t, check.Locked)

	require.NoError(t, svc.ClearLockout(ctx, "user-1"))
	res, err = svc.RecordFailure(ctx, model.OperationLogin, "user-1")
	require.NoError(t, err)
	assert.Nil(t, res, "counter restarts after clear")
}

func TestRecordSuccessResetsFailures(t *testing.T) {
	svc := newFixture().rateLimiter()
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := svc.RecordFailure(ctx, model.OperationLogin, "user-1")
		require.NoError(t, err)
	}
	require.NoError(t, svc.RecordSuccess(ctx, "user-1"))

	res, err := svc.RecordFailure(ctx, model.OperationLogin, "user-1")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestConfigureOperationPersists(t *testing.T) {
	f := newFixture()
	svc := f.rateLimiter()
	ctx := context.Background()

	err := svc.ConfigureOperation(ctx, model.RateLimitConfig{Operation: "export", Limit: 0, Window: time.Minute})
	assert.ErrorIs(t, err, autherr.ErrValidation)

	cfg := model.RateLimitConfig{Operation: "export", Limit: 2, Window: time.Hour, Enabled: true}
	require.NoError(t, svc.ConfigureOperation(ctx, cfg))

	got, ok := svc.OperationConfig("export")
	require.True(t, ok)
	assert.Equal(t, cfg, got)

	other := f.rateLimiter()
	_, ok = other.OperationConfig("export")
	require.False(t, ok)
	n, err := other.LoadPersistedConfigs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, ok = other.OperationConfig("export")
	require.True(t, ok)
	assert.Equal(t, 2, got.Limit)
}

func TestApplyRulesOverridesDefaults(t *testing.T) {
	svc := newFixture().rateLimiter()
	disabled := false

	err := svc.ApplyRules(map[string]config.RateLimitRule{
		model.OperationLogin:     {Limit: 7, Window: 10 * time.Minute, Lockout: true, LockoutThreshold: 7},
		model.OperationAPIAccess: {Limit: 1, Window: time.Second, Enabled: &disabled},
	})
	require.NoError(t, err)

	login, ok := svc.OperationConfig(model.OperationLogin)
	require.True(t, ok)
	assert.Equal(t, 7, login.Limit)
	assert.Equal(t, 10*time.Minute, login.Window)

	res, err := svc.CheckOperation(context.Background(), model.OperationAPIAccess, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, res.Unlimited)
}
