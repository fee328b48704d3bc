package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"auth-core/internal/config"
	"auth-core/internal/metrics"
	"auth-core/internal/service"
)

// HealthFunc reports per-dependency status: "healthy", "degraded" or
// "unhealthy". Any unhealthy component answers 503.
type HealthFunc func(ctx context.Context) map[string]string

type RouterOptions struct {
	RequireHTTPS   bool
	AllowedOrigins []string
	BurstRate      float64
	BurstSize      int
	Timeout        time.Duration
}

func RouterOptionsFromConfig(cfg *config.Config) RouterOptions {
	return RouterOptions{
		RequireHTTPS:   cfg.Server.RequireHTTPS,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		BurstRate:      cfg.RateLimit.BurstRate,
		BurstSize:      cfg.RateLimit.BurstSize,
		Timeout:        60 * time.Second,
	}
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(opts RouterOptions, services *service.ServiceFactory, health HealthFunc, m *metrics.Metrics, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if opts.RequireHTTPS {
		router.Use(requireHTTPS)
	}

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(LoggerMiddleware(logger))
	router.Use(middleware.Recoverer)
	if opts.Timeout > 0 {
		router.Use(middleware.Timeout(opts.Timeout))
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*"}
	}
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Limit", "X-RateLimit-Remaining"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	router.Get("/health", healthHandler(health))
	if m != nil {
		router.Handle("/metrics", m.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(NewBurstGuard(opts.BurstRate, opts.BurstSize).Middleware)
		r.Use(APIAccess(services.RateLimitService()))
		r.Use(sanitizeQuery)

		NewOTPHandler(services.OTPService(), logger).RegisterRoutes(r)
		NewSessionHandler(services.SessionService(), logger).RegisterRoutes(r)
		NewDeviceHandler(services.DeviceTrustService(), services.SessionService(), logger).RegisterRoutes(r)
		NewRateLimitHandler(services.RateLimitService(), logger).RegisterRoutes(r)
		NewPasswordHandler(services.PasswordService(), logger).RegisterRoutes(r)
		NewAdminHandler(services.MaintenanceService(), services.AuditService(), logger).RegisterRoutes(r)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusNotFound, Response{Error: "NOT_FOUND", Message: "endpoint not found"})
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusMethodNotAllowed, Response{Error: "METHOD_NOT_ALLOWED", Message: "method not allowed"})
	})

	return router
}

func healthHandler(health HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		components := map[string]string{}
		if health != nil {
			components = health(r.Context())
		}
		status := "healthy"
		code := http.StatusOK
		for _, s := range components {
			switch s {
			case "healthy":
			case "unhealthy":
				status = "unhealthy"
				code = http.StatusServiceUnavailable
			default:
				if code == http.StatusOK {
					status = "degraded"
				}
			}
		}
		respondWithJSON(w, code, map[string]interface{}{
			"status":     status,
			"service":    "auth-core",
			"components": components,
		})
	}
}
