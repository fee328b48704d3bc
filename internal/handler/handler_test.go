package handler

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"auth-core/internal/bucketing"
	"auth-core/internal/config"
	"auth-core/internal/encryption"
	"auth-core/internal/events"
	"auth-core/internal/hashing"
	"auth-core/internal/metrics"
	"auth-core/internal/model"
	"auth-core/internal/repository/memory"
	"auth-core/internal/service"
)

type recordingDelivery struct {
	mu    sync.Mutex
	codes map[string]string
}

func (d *recordingDelivery) Deliver(_ context.Context, _ model.OTPChannel, recipient, code string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codes[recipient] = code
	return nil
}

func (d *recordingDelivery) code(recipient string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.codes[recipient]
}

// syncPublisher writes straight into the audit ring so reads see events at once.
type syncPublisher struct{ recent *events.RecentEvents }

func (p syncPublisher) Publish(ctx context.Context, ev *model.SecurityEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_ = p.recent.Write(ctx, []*model.SecurityEvent{ev})
}

type noUsers struct{}

func (noUsers) FindUserIDByEmail(context.Context, string) (string, bool, error) {
	return "", false, nil
}

type testEnv struct {
	router   chi.Router
	services *service.ServiceFactory
	delivery *recordingDelivery
}

func newTestEnv(t *testing.T, opts RouterOptions, health HealthFunc) *testEnv {
	t.Helper()
	cfg := config.LoadConfig()
	cfg.JWT.Secret = "handler-test-secret"
	cfg.JWT.Issuer = "auth-core"

	hasher, err := hashing.NewHasherWithParams(hashing.Argon2Params{
		Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32,
	}, nil)
	require.NoError(t, err)

	buckets := bucketing.NewManagerWithBuckets(16)
	store := memory.NewStore(buckets, 8)
	delivery := &recordingDelivery{codes: map[string]string{}}
	recent := events.NewRecentEvents(256)
	m := metrics.New()

	services, err := service.NewServiceFactory(service.Dependencies{
		Config:      cfg,
		Store:       store,
		Sweeper:     store,
		Sessions:    memory.NewSessionRepository(),
		Devices:     memory.NewDeviceRepository(),
		Users:       noUsers{},
		Delivery:    delivery,
		Encryption:  encryption.NewLocalManager(),
		Hasher:      hasher,
		Buckets:     buckets,
		Publisher:   syncPublisher{recent: recent},
		Metrics:     m,
		AuditRecent: recent,
	})
	require.NoError(t, err)

	return &testEnv{
		router:   NewRouter(opts, services, health, m, zap.NewNop()),
		services: services,
		delivery: delivery,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Meta    *Meta           `json:"meta"`
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/120.0")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	var env envelope
	_ = json.Unmarshal(rec.Body.Bytes(), &env)
	return rec, env
}

func TestHealth(t *testing.T) {
	status := map[string]string{"store": "healthy"}
	env := newTestEnv(t, RouterOptions{}, func(context.Context) map[string]string { return status })

	rec, _ := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	status["store"] = "degraded"
	rec, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)

	status["scylla"] = "unhealthy"
	rec, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsAndNotFound(t *testing.T) {
	env := newTestEnv(t, RouterOptions{}, nil)

	rec, _ := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := env.do(t, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", body.Error)
}

func TestRequireHTTPS(t *testing.T) {
	env := newTestEnv(t, RouterOptions{RequireHTTPS: true}, nil)

	rec, _ := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOTPSendAndVerify(t *testing.T) {
	env := newTestEnv(t, RouterOptions{}, nil)
	recipient := "+14155550123"

	rec, body := env.do(t, http.MethodPost, "/api/v1/otp/send", map[string]string{
		"recipient": recipient, "channel": "SMS", "purpose": "login",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, body.Success)
	assert.NotContains(t, rec.Body.String(), `"code"`)

	code := env.delivery.code(recipient)
	last := code[len(code)-1]
	wrong := code[:len(code)-1] + string(rune('0'+(last-'0'+1)%10))
	rec, body = env.do(t, http.MethodPost, "/api/v1/otp/verify", map[string]string{
		"recipient": recipient, "code": wrong, "purpose": "login",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", body.Error)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/otp/verify", map[string]string{
		"recipient": recipient, "code": code, "purpose": "login",
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestOTPStatusNotFoundAndSanitized(t *testing.T) {
	env := newTestEnv(t, RouterOptions{}, nil)

	rec, body := env.do(t, http.MethodGet, "/api/v1/otp/status?recipient=a@example.com&purpose=login", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", body.Error)

	rec, body = env.do(t, http.MethodGet, "/api/v1/otp/status?recipient=%3Cscript%3E", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", body.Error)
}

func TestUnknownFieldsRejected(t *testing.T) {
	env := newTestEnv(t, RouterOptions{}, nil)

	rec, body := env.do(t, http.MethodPost, "/api/v1/otp/resend", map[string]string{"recipient": "a@example.com", "extra": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", body.Error)
}

func TestRateLimitCheckSetsRetryAfter(t *testing.T) {
	env := newTestEnv(t, RouterOptions{}, nil)

	rec, _ := env.do(t, http.MethodPut, "/api/v1/rate-limits/operations/export", map[string]interface{}{
		"limit": 1, "window_seconds": 60,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	check := map[string]string{"operation": "export", "subject": "user-1"}
	rec, _ = env.do(t, http.MethodPost, "/api/v1/rate-limits/check", check)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := env.do(t, http.MethodPost, "/api/v1/rate-limits/check", check)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Error)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.NotNil(t, body.Meta)
	assert.Positive(t, body.Meta.RetryAfterSeconds)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/rate-limits/clear", check)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = env.do(t, http.MethodPost, "/api/v1/rate-limits/check", check)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRawKeyRateLimit(t *testing.T) {
	env := newTestEnv(t, RouterOptions{}, nil)
	check := map[string]interface{}{"key": "export:tenant-1", "limit": 1, "window_seconds": 60}

	rec, _ := env.do(t, http.MethodPost, "/api/v1/rate-limits/keys/check", check)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body := env.do(t, http.MethodPost, "/api/v1/rate-limits/keys/check", check)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Error)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/rate-limits/keys/status?key=export:tenant-1&limit=1&window_seconds=60", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"allowed":false`)

	rec, _ = env.do(t, http.MethodDelete, "/api/v1/rate-limits/keys/export:tenant-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/rate-limits/keys/check", check)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = env.do(t, http.MethodPost, "/api/v1/rate-limits/keys/check", map[string]interface{}{"key": "k"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", body.Error)
}

func TestLockoutEndpoints(t *testing.T) {
	env := newTestEnv(t, RouterOptions{}, nil)

	rec, _ := env.do(t, http.MethodGet, "/api/v1/lockouts/user-9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/lockouts", map[string]interface{}{"user_id": "user-9", "failed_attempts": 4})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, _ = env.do(t, http.MethodGet, "/api/v1/lockouts/user-9", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodDelete, "/api/v1/lockouts/user-9", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = env.do(t, http.MethodGet, "/api/v1/lockouts/user-9", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPIAccessLimit(t *testing.T) {
	env := newTestEnv(t, RouterOptions{}, nil)
	require.NoError(t, env.services.RateLimitService().ConfigureOperation(context.Background(), model.RateLimitConfig{
		Operation: model.OperationAPIAccess, Limit: 1, Window: time.Minute, Enabled: true,
	}))

	rec, _ := env.do(t, http.MethodGet, "/api/v1/rate-limits/operations", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec, _ = env.do(t, http.MethodGet, "/api/v1/rate-limits/operations", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBurstGuardMiddleware(t *testing.T) {
	env := newTestEnv(t, RouterOptions{BurstRate: 0.001, BurstSize: 1}, nil)

	rec, _ := env.do(t, http.MethodGet, "/api/v1/rate-limits/operations", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, body := env.do(t, http.MethodGet, "/api/v1/rate-limits/operations", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Error)
}

func TestBurstGuardPerKey(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	g := NewBurstGuard(1, 2).WithClock(func() time.Time { return now })

	assert.True(t, g.Allow("a"))
	assert.True(t, g.Allow("a"))
	assert.False(t, g.Allow("a"))
	assert.True(t, g.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, g.Allow("a"))

	disabled := NewBurstGuard(0, 10)
	assert.Nil(t, disabled)
	assert.True(t, disabled.Allow("a"))
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, RouterOptions{}, nil)

	rec, body := env.do(t, http.MethodPost, "/api/v1/sessions", map[string]interface{}{"user_id": "user-1", "device_type": "WEB"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var started service.StartSessionResult
	require.NoError(t, json.Unmarshal(body.Data, &started))
	require.NotNil(t, started.Tokens)
	assert.NotEmpty(t, started.Tokens.AccessToken)

	refresh := map[string]string{"refresh_token": started.Tokens.RefreshToken}
	rec, body = env.do(t, http.MethodPost, "/api/v1/sessions/refresh", refresh)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rotated service.StartSessionResult
	require.NoError(t, json.Unmarshal(body.Data, &rotated))
	assert.NotEqual(t, started.Tokens.RefreshToken, rotated.Tokens.RefreshToken)

	rec, body = env.do(t, http.MethodGet, "/api/v1/sessions/access-tokens/"+rotated.Session.AccessTokenJTI, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, string(body.Data), started.Session.ID)
	rec, _ = env.do(t, http.MethodGet, "/api/v1/sessions/access-tokens/unknown-jti", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = env.do(t, http.MethodPost, "/api/v1/sessions/refresh", refresh)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_TOKEN", body.Error)

	rec, body = env.do(t, http.MethodGet, "/api/v1/users/user-1/sessions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, body.Meta)
	assert.Equal(t, 1, body.Meta.Total)

	rec, _ = env.do(t, http.MethodDelete, "/api/v1/sessions/"+started.Session.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = env.do(t, http.MethodDelete, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeviceRegistration(t *testing.T) {
	env := newTestEnv(t, RouterOptions{}, nil)
	reg := map[string]string{"user_id": "user-1", "device_info": "Chrome on Windows"}

	rec, _ := env.do(t, http.MethodPost, "/api/v1/devices", reg)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, body := env.do(t, http.MethodPost, "/api/v1/devices", reg)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "DUPLICATE_REGISTRATION", body.Error)

	rec, body = env.do(t, http.MethodPost, "/api/v1/devices/verify", reg)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body.Data), `"trusted":true`)

	fp := service.GenerateFingerprint("Chrome on Windows")
	rec, _ = env.do(t, http.MethodDelete, "/api/v1/users/user-1/devices/"+fp, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = env.do(t, http.MethodDelete, "/api/v1/users/user-1/devices/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPasswordEndpoints(t *testing.T) {
	env := newTestEnv(t, RouterOptions{}, nil)

	rec, body := env.do(t, http.MethodPost, "/api/v1/passwords/validate", map[string]string{"password": "short"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body.Data), `"valid":false`)

	rec, _ = env.do(t, http.MethodGet, "/api/v1/passwords/generate?length=20", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	rec, _ = env.do(t, http.MethodGet, "/api/v1/passwords/generate?length=3", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = env.do(t, http.MethodPost, "/api/v1/passwords/breach-check", map[string]string{"password": "qwerty"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body.Data), `"breached":true`)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/passwords/reset/initiate", map[string]string{"email": "nobody@example.com"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/passwords/reset/validate", map[string]string{"token": "x", "user_id": "u"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminCleanup(t *testing.T) {
	env := newTestEnv(t, RouterOptions{}, nil)

	rec, body := env.do(t, http.MethodPost, "/api/v1/admin/cleanup", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, string(body.Data), `"sessions_deactivated":0`)
}

func TestAdminAuditReads(t *testing.T) {
	env := newTestEnv(t, RouterOptions{}, nil)
	recipient := "audit@example.com"

	rec, _ := env.do(t, http.MethodPost, "/api/v1/otp/send", map[string]string{
		"recipient": recipient, "channel": "EMAIL", "purpose": "login",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body := env.do(t, http.MethodGet, "/api/v1/admin/audit?subject="+recipient+"&type=otp.sent,otp.failed", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var page model.AuditPage
	require.NoError(t, json.Unmarshal(body.Data, &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, model.EventOTPSent, page.Events[0].Type)
	assert.Equal(t, "memory", page.Source)
	require.NotNil(t, body.Meta)
	assert.Equal(t, 1, body.Meta.Total)

	rec, body = env.do(t, http.MethodGet, "/api/v1/admin/audit/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var stats model.AuditStatistics
	require.NoError(t, json.Unmarshal(body.Data, &stats))
	assert.Equal(t, int64(1), stats.ByType[model.EventOTPSent])

	rec, body = env.do(t, http.MethodGet, "/api/v1/admin/audit/security", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(body.Data, &page))
	assert.Empty(t, page.Events)

	rec, body = env.do(t, http.MethodGet, "/api/v1/admin/audit?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_ERROR", body.Error)
}
