package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"auth-core/internal/autherr"
	"auth-core/internal/model"
	"auth-core/internal/service"
	"auth-core/internal/util"
)

// SessionHandler handles HTTP requests for sessions and refresh tokens
type SessionHandler struct {
	sessionService *service.SessionService
	logger         *zap.Logger
}

func NewSessionHandler(sessionService *service.SessionService, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{sessionService: sessionService, logger: logger}
}

func (h *SessionHandler) RegisterRoutes(router chi.Router) {
	router.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.StartSession)
		r.Post("/refresh", h.Refresh)
		r.Post("/validate", h.ValidateRefreshToken)
		r.Delete("/{sessionID}", h.RevokeSession)
		r.Get("/access-tokens/{jti}", h.GetByAccessToken)
		r.Delete("/access-tokens/{jti}", h.RevokeByAccessToken)
		r.Post("/{sessionID}/trust", h.TrustDevice)
		r.Post("/{sessionID}/untrust", h.UntrustDevice)
		r.Post("/{sessionID}/extend", h.ExtendSession)
	})
	router.Route("/users/{userID}/sessions", func(r chi.Router) {
		r.Get("/", h.ListActiveSessions)
		r.Delete("/", h.RevokeAllForUser)
		r.Get("/stats", h.GetUserSessionStats)
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type extendRequest struct {
	ExtendBy string `json:"extend_by"`
}

// StartSession handles login completion
// @Summary Start a session
// @Description Verify device trust, issue tokens and store the session
// @Tags sessions
// @Accept json
// @Produce json
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 500 {object} Response
// @Router /sessions [post]
func (h *SessionHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req model.StartSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if err := checkIdentifiers(req.UserID, req.DeviceName); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}
	req.IPAddress = clientIP(r)
	req.UserAgent = r.UserAgent()
	if req.DeviceInfo == "" {
		req.DeviceInfo = req.UserAgent
	}

	result, err := h.sessionService.StartSession(r.Context(), req)
	if err != nil {
		respondWithError(w, err, "Failed to start session")
		return
	}

	respondWithJSON(w, http.StatusCreated, successResponse(result, "Session started successfully"))
	h.logger.Info("Session started via HTTP",
		util.String("session_id", result.Session.ID),
		util.Bool("trusted", result.Session.Trusted),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "StartSession"),
	)
}

func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}

	result, err := h.sessionService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondWithError(w, err, "Failed to refresh session")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(result, "Tokens refreshed successfully"))
}

func (h *SessionHandler) ValidateRefreshToken(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}

	session, err := h.sessionService.ValidateRefreshToken(r.Context(), req.RefreshToken)
	if err != nil {
		respondWithError(w, err, "Failed to validate refresh token")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(session, "Refresh token is valid"))
}

func (h *SessionHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.sessionService.RevokeSession(r.Context(), sessionID, service.ReasonUserRevoked); err != nil {
		respondWithError(w, err, "Failed to revoke session")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Session revoked successfully"))
}

// GetByAccessToken resolves the session an access token was issued for.
func (h *SessionHandler) GetByAccessToken(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionService.GetByAccessTokenJTI(r.Context(), chi.URLParam(r, "jti"))
	if err != nil {
		respondWithError(w, err, "Failed to find session")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(session, ""))
}

func (h *SessionHandler) RevokeByAccessToken(w http.ResponseWriter, r *http.Request) {
	revoked, err := h.sessionService.RevokeByAccessToken(r.Context(), chi.URLParam(r, "jti"))
	if err != nil {
		respondWithError(w, err, "Failed to revoke session")
		return
	}
	if !revoked {
		respondWithError(w, autherr.New(autherr.ErrNotFound, "No active session for access token"), "")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Session revoked successfully"))
}

func (h *SessionHandler) TrustDevice(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionService.TrustDevice(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondWithError(w, err, "Failed to trust session device")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(session, "Session device trusted"))
}

func (h *SessionHandler) UntrustDevice(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessionService.UntrustDevice(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondWithError(w, err, "Failed to untrust session device")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(session, "Session device untrusted"))
}

func (h *SessionHandler) ExtendSession(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	by, err := time.ParseDuration(req.ExtendBy)
	if err != nil {
		respondWithError(w, autherr.Validation("invalid extend_by duration %q", req.ExtendBy), "Invalid request")
		return
	}

	session, err := h.sessionService.ExtendSession(r.Context(), chi.URLParam(r, "sessionID"), by)
	if err != nil {
		respondWithError(w, err, "Failed to extend session")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(session, "Session extended"))
}

func (h *SessionHandler) ListActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessionService.ListActiveSessions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, err, "Failed to list sessions")
		return
	}
	respondWithJSON(w, http.StatusOK, listResponse(sessions, len(sessions), ""))
}

func (h *SessionHandler) RevokeAllForUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	n, err := h.sessionService.RevokeAllForUser(r.Context(), userID, service.ReasonUserRevoked)
	if err != nil {
		respondWithError(w, err, "Failed to revoke sessions")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"revoked": n}, "Sessions revoked"))
	h.logger.Info("All sessions revoked via HTTP",
		util.String("user_id", userID),
		util.Int("revoked", n),
	)
}

func (h *SessionHandler) GetUserSessionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sessionService.UserSessionStats(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, err, "Failed to get session statistics")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(stats, ""))
}
