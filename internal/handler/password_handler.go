package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"auth-core/internal/autherr"
	"auth-core/internal/model"
	"auth-core/internal/service"
)

const defaultGeneratedLength = 16

// PasswordHandler handles HTTP requests for password policy and resets
type PasswordHandler struct {
	passwordService *service.PasswordService
	logger          *zap.Logger
}

func NewPasswordHandler(passwordService *service.PasswordService, logger *zap.Logger) *PasswordHandler {
	return &PasswordHandler{passwordService: passwordService, logger: logger}
}

func (h *PasswordHandler) RegisterRoutes(router chi.Router) {
	router.Route("/passwords", func(r chi.Router) {
		r.Post("/validate", h.ValidatePassword)
		r.Post("/strength", h.EvaluateStrength)
		r.Post("/breach-check", h.BreachCheck)
		r.Get("/generate", h.GeneratePassword)
		r.Post("/reset/initiate", h.InitiateReset)
		r.Post("/reset/validate", h.ValidateResetToken)
		r.Post("/reset/complete", h.CompleteReset)
	})
}

type passwordRequest struct {
	Password string `json:"password"`
}

type validationResponse struct {
	Valid      bool                      `json:"valid"`
	Violations []model.PasswordViolation `json:"violations,omitempty"`
}

type resetInitiateRequest struct {
	Email string `json:"email"`
}

type resetRequest struct {
	Token       string `json:"token"`
	UserID      string `json:"user_id"`
	NewPassword string `json:"new_password,omitempty"`
}

func (h *PasswordHandler) ValidatePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	violations := service.ValidateComplexity(req.Password)
	respondWithJSON(w, http.StatusOK, successResponse(validationResponse{
		Valid:      len(violations) == 0,
		Violations: violations,
	}, ""))
}

func (h *PasswordHandler) EvaluateStrength(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(service.EvaluateStrength(req.Password), ""))
}

func (h *PasswordHandler) BreachCheck(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{
		"breached": service.IsPasswordBreached(req.Password),
	}, ""))
}

func (h *PasswordHandler) GeneratePassword(w http.ResponseWriter, r *http.Request) {
	length := defaultGeneratedLength
	if raw := r.URL.Query().Get("length"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondWithError(w, autherr.Validation("invalid length %q", raw), "Invalid request")
			return
		}
		length = n
	}

	password, err := service.GenerateStrongPassword(length)
	if err != nil {
		respondWithError(w, err, "Failed to generate password")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"password": password}, ""))
}

// InitiateReset answers 202 whether or not the address belongs to an
// account.
func (h *PasswordHandler) InitiateReset(w http.ResponseWriter, r *http.Request) {
	var req resetInitiateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if err := checkIdentifiers(req.Email); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	if err := h.passwordService.InitiatePasswordReset(r.Context(), req.Email); err != nil {
		respondWithError(w, err, "Failed to initiate password reset")
		return
	}
	respondWithJSON(w, http.StatusAccepted, successResponse(nil,
		"If the address belongs to an account, a reset link has been sent"))
}

func (h *PasswordHandler) ValidateResetToken(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}

	ok, err := h.passwordService.ValidateResetToken(r.Context(), req.Token, req.UserID)
	if err != nil {
		respondWithError(w, err, "Failed to validate reset token")
		return
	}
	if !ok {
		respondWithError(w, autherr.New(autherr.ErrInvalidToken, "Invalid or expired reset token"), "")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"valid": true}, ""))
}

// CompleteReset returns the new password hash for the caller to store.
func (h *PasswordHandler) CompleteReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}

	hash, err := h.passwordService.ResetPassword(r.Context(), req.Token, req.UserID, req.NewPassword)
	if err != nil {
		respondWithError(w, err, "Failed to reset password")
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"password_hash": hash}, "Password reset successfully"))
}
