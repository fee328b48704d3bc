package handler

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"auth-core/internal/autherr"
	"auth-core/internal/model"
	"auth-core/internal/service"
	"auth-core/internal/util"
)

// requireHTTPS rejects any request that wasn't made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			respondWithJSON(w, http.StatusUpgradeRequired, Response{Error: "HTTPS_REQUIRED", Message: "https required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// sanitizeQuery rejects requests whose path or query carries markup or
// template fragments.
func sanitizeQuery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		values := []string{r.URL.Path}
		for _, vs := range r.URL.Query() {
			values = append(values, vs...)
		}
		if err := checkIdentifiers(values...); err != nil {
			respondWithError(w, err, "Invalid request")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// BurstGuard is a process-local token bucket per client IP. It absorbs
// bursts before they reach the shared api_access window.
type BurstGuard struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration
	lastGC   time.Time
	clock    func() time.Time
}

// NewBurstGuard returns nil when perSecond is not positive; a nil guard
// lets everything through.
func NewBurstGuard(perSecond float64, burst int) *BurstGuard {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &BurstGuard{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idleTTL:  10 * time.Minute,
		clock:    time.Now,
	}
}

func (g *BurstGuard) WithClock(clock func() time.Time) *BurstGuard {
	if g != nil {
		g.clock = clock
	}
	return g
}

func (g *BurstGuard) Allow(key string) bool {
	if g == nil {
		return true
	}
	now := g.clock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastGC) > g.idleTTL {
		for k, v := range g.visitors {
			if now.Sub(v.lastSeen) > g.idleTTL {
				delete(g.visitors, k)
			}
		}
		g.lastGC = now
	}

	v, ok := g.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (g *BurstGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allow(clientIP(r)) {
			respondWithError(w, &autherr.RateLimitError{
				Message:    "Too many requests from this client",
				RetryAfter: time.Second,
			}, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// APIAccess charges every request against the api_access operation window
// for the client IP.
func APIAccess(limiter *service.RateLimitService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, err := limiter.CheckOperation(r.Context(), model.OperationAPIAccess, clientIP(r))
			if err != nil {
				respondWithError(w, err, "Rate limit check failed")
				return
			}
			if !res.Unlimited {
				w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
				w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			}
			if err := res.Err(); err != nil {
				respondWithError(w, err, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
