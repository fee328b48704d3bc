package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"auth-core/internal/autherr"
	"auth-core/internal/model"
	"auth-core/internal/service"
	"auth-core/internal/util"
)

// RateLimitHandler handles HTTP requests for rate limits and lockouts
type RateLimitHandler struct {
	rateLimitService *service.RateLimitService
	logger           *zap.Logger
}

func NewRateLimitHandler(rateLimitService *service.RateLimitService, logger *zap.Logger) *RateLimitHandler {
	return &RateLimitHandler{rateLimitService: rateLimitService, logger: logger}
}

func (h *RateLimitHandler) RegisterRoutes(router chi.Router) {
	router.Route("/rate-limits", func(r chi.Router) {
		r.Post("/check", h.CheckOperation)
		r.Get("/status", h.GetOperationStatus)
		r.Post("/clear", h.ClearOperation)
		r.Post("/keys/check", h.CheckKey)
		r.Get("/keys/status", h.GetKeyStatus)
		r.Delete("/keys/{key}", h.ClearKey)
		r.Post("/failures", h.RecordFailure)
		r.Post("/successes", h.RecordSuccess)
		r.Get("/operations", h.ListOperations)
		r.Put("/operations/{operation}", h.ConfigureOperation)
	})
	router.Route("/lockouts", func(r chi.Router) {
		r.Post("/", h.LockoutUser)
		r.Get("/{userID}", h.GetLockout)
		r.Delete("/{userID}", h.ClearLockout)
	})
}

type operationRequest struct {
	Operation string `json:"operation"`
	Subject   string `json:"subject"`
}

// keyRequest addresses a raw sliding window outside the operation table.
type keyRequest struct {
	Key           string `json:"key"`
	Limit         int    `json:"limit"`
	WindowSeconds int    `json:"window_seconds"`
}

func (req *keyRequest) validate() error {
	if req.Key == "" || req.Limit <= 0 || req.WindowSeconds <= 0 {
		return autherr.Validation("key, positive limit and positive window_seconds are required")
	}
	return checkIdentifiers(req.Key)
}

func (req *keyRequest) window() time.Duration {
	return time.Duration(req.WindowSeconds) * time.Second
}

type lockoutRequest struct {
	UserID         string `json:"user_id"`
	FailedAttempts int    `json:"failed_attempts"`
}

// operationConfigRequest takes durations in seconds.
type operationConfigRequest struct {
	Limit                int    `json:"limit"`
	WindowSeconds        int    `json:"window_seconds"`
	Enabled              *bool  `json:"enabled,omitempty"`
	LockoutEnabled       bool   `json:"lockout_enabled"`
	LockoutThreshold     int    `json:"lockout_threshold"`
	BlockDurationSeconds int    `json:"block_duration_seconds"`
	ExponentialBackoff   bool   `json:"exponential_backoff"`
	Description          string `json:"description,omitempty"`
}

func (req *operationRequest) validate() error {
	if req.Operation == "" || req.Subject == "" {
		return autherr.Validation("operation and subject are required")
	}
	return checkIdentifiers(req.Operation, req.Subject)
}

// CheckOperation records one attempt; a denied attempt answers 429 with
// Retry-After.
func (h *RateLimitHandler) CheckOperation(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	result, err := h.rateLimitService.CheckOperation(r.Context(), req.Operation, req.Subject)
	if err != nil {
		respondWithError(w, err, "Failed to check rate limit")
		return
	}
	if err := result.Err(); err != nil {
		respondWithError(w, err, "Rate limit exceeded")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(result, "Request allowed"))
}

func (h *RateLimitHandler) GetOperationStatus(w http.ResponseWriter, r *http.Request) {
	req := operationRequest{
		Operation: r.URL.Query().Get("operation"),
		Subject:   r.URL.Query().Get("subject"),
	}
	if err := req.validate(); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	result, err := h.rateLimitService.OperationStatus(r.Context(), req.Operation, req.Subject)
	if err != nil {
		respondWithError(w, err, "Failed to get rate limit status")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(result, ""))
}

func (h *RateLimitHandler) ClearOperation(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	if err := h.rateLimitService.ClearOperation(r.Context(), req.Operation, req.Subject); err != nil {
		respondWithError(w, err, "Failed to clear rate limit")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Rate limit cleared"))
	h.logger.Info("Rate limit cleared via HTTP", util.String("operation", req.Operation))
}

func (h *RateLimitHandler) CheckKey(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	result, err := h.rateLimitService.CheckAndRecord(r.Context(), req.Key, req.Limit, req.window())
	if err != nil {
		respondWithError(w, err, "Failed to check rate limit")
		return
	}
	if err := result.Err(); err != nil {
		respondWithError(w, err, "Rate limit exceeded")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(result, "Request allowed"))
}

func (h *RateLimitHandler) GetKeyStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := keyRequest{Key: q.Get("key")}
	req.Limit, _ = strconv.Atoi(q.Get("limit"))
	req.WindowSeconds, _ = strconv.Atoi(q.Get("window_seconds"))
	if err := req.validate(); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	result, err := h.rateLimitService.GetStatus(r.Context(), req.Key, req.Limit, req.window())
	if err != nil {
		respondWithError(w, err, "Failed to get rate limit status")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(result, ""))
}

func (h *RateLimitHandler) ClearKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := checkIdentifiers(key); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}
	if err := h.rateLimitService.ClearRateLimit(r.Context(), key); err != nil {
		respondWithError(w, err, "Failed to clear rate limit")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Rate limit cleared"))
}

func (h *RateLimitHandler) RecordFailure(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	lockout, err := h.rateLimitService.RecordFailure(r.Context(), req.Operation, req.Subject)
	if err != nil {
		respondWithError(w, err, "Failed to record failure")
		return
	}
	if lockout == nil {
		respondWithJSON(w, http.StatusOK, successResponse(nil, "Failure recorded"))
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(lockout, "Failure recorded, lockout applied"))
}

func (h *RateLimitHandler) RecordSuccess(w http.ResponseWriter, r *http.Request) {
	var req operationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if req.Subject == "" {
		respondWithError(w, autherr.Validation("subject is required"), "Invalid request")
		return
	}

	if err := h.rateLimitService.RecordSuccess(r.Context(), req.Subject); err != nil {
		respondWithError(w, err, "Failed to record success")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Failed attempts reset"))
}

func (h *RateLimitHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	ops := h.rateLimitService.Operations()
	respondWithJSON(w, http.StatusOK, listResponse(ops, len(ops), ""))
}

func (h *RateLimitHandler) ConfigureOperation(w http.ResponseWriter, r *http.Request) {
	operation := chi.URLParam(r, "operation")

	var req operationConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	cfg := model.RateLimitConfig{
		Operation:          operation,
		Limit:              req.Limit,
		Window:             time.Duration(req.WindowSeconds) * time.Second,
		Enabled:            enabled,
		LockoutEnabled:     req.LockoutEnabled,
		LockoutThreshold:   req.LockoutThreshold,
		BlockDuration:      time.Duration(req.BlockDurationSeconds) * time.Second,
		ExponentialBackoff: req.ExponentialBackoff,
		Description:        req.Description,
	}

	if err := h.rateLimitService.ConfigureOperation(r.Context(), cfg); err != nil {
		respondWithError(w, err, "Failed to configure operation")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(cfg, "Operation configured"))
	h.logger.Info("Rate limit operation configured via HTTP",
		util.String("operation", operation),
		util.Int("limit", cfg.Limit),
	)
}

func (h *RateLimitHandler) LockoutUser(w http.ResponseWriter, r *http.Request) {
	var req lockoutRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if err := checkIdentifiers(req.UserID); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	result, err := h.rateLimitService.LockoutUser(r.Context(), req.UserID, req.FailedAttempts)
	if err != nil {
		respondWithError(w, err, "Failed to apply lockout")
		return
	}
	respondWithJSON(w, http.StatusCreated, successResponse(result, "Lockout applied"))
}

func (h *RateLimitHandler) GetLockout(w http.ResponseWriter, r *http.Request) {
	lock, err := h.rateLimitService.GetLockout(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, err, "Failed to get lockout")
		return
	}
	if lock == nil {
		respondWithError(w, autherr.New(autherr.ErrNotFound, "No active lockout"), "")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(lock, ""))
}

func (h *RateLimitHandler) ClearLockout(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.rateLimitService.ClearLockout(r.Context(), userID); err != nil {
		respondWithError(w, err, "Failed to clear lockout")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Lockout cleared"))
	h.logger.Info("Lockout cleared via HTTP", util.String("user_id", userID))
}
