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

// OTPHandler handles HTTP requests for one-time passwords
type OTPHandler struct {
	otpService *service.OTPService
	logger     *zap.Logger
}

func NewOTPHandler(otpService *service.OTPService, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{otpService: otpService, logger: logger}
}

func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/send", h.SendOTP)
		r.Post("/verify", h.VerifyOTP)
		r.Post("/resend", h.ResendOTP)
		r.Post("/invalidate", h.InvalidateOTPs)
		r.Get("/status", h.GetOTPStatus)
		r.Get("/statistics", h.GetStatistics)
	})
}

type recipientRequest struct {
	Recipient string `json:"recipient"`
}

// SendOTP handles OTP generation and delivery
// @Summary Send OTP
// @Tags otp
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 400 {object} Response
// @Failure 429 {object} Response
// @Router /otp/send [post]
func (h *OTPHandler) SendOTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req model.SendOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if err := checkIdentifiers(req.Recipient, req.Purpose); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}
	req.IPAddress = clientIP(r)

	resp, err := h.otpService.SendOTP(r.Context(), req)
	if err != nil {
		respondWithError(w, err, "Failed to send OTP")
		return
	}

	respondWithJSON(w, http.StatusOK, successResponse(resp, resp.Message))
	h.logger.Info("OTP sent via HTTP",
		util.String("otp_id", resp.OTPID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "SendOTP"),
	)
}

// VerifyOTP answers 401 for any code that does not verify; the response
// does not say whether the code was wrong, expired or exhausted.
func (h *OTPHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req model.VerifyOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if err := checkIdentifiers(req.Recipient, req.Purpose); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	ok, err := h.otpService.VerifyOTP(r.Context(), req)
	if err != nil {
		respondWithError(w, err, "Failed to verify OTP")
		return
	}
	if !ok {
		respondWithError(w, autherr.New(autherr.ErrInvalidToken, "Invalid or expired verification code"), "")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(map[string]bool{"verified": true}, "OTP verified successfully"))
}

func (h *OTPHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req recipientRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if err := checkIdentifiers(req.Recipient); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	resp, err := h.otpService.ResendOTP(r.Context(), req.Recipient)
	if err != nil {
		respondWithError(w, err, "Failed to resend OTP")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(resp, resp.Message))
}

func (h *OTPHandler) InvalidateOTPs(w http.ResponseWriter, r *http.Request) {
	var req recipientRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if err := checkIdentifiers(req.Recipient); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	n, err := h.otpService.InvalidateOTPs(r.Context(), req.Recipient)
	if err != nil {
		respondWithError(w, err, "Failed to invalidate OTPs")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"invalidated": n}, "OTPs invalidated"))
}

func (h *OTPHandler) GetOTPStatus(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient")
	purpose := r.URL.Query().Get("purpose")

	status, err := h.otpService.OTPStatus(r.Context(), recipient, purpose)
	if err != nil {
		respondWithError(w, err, "Failed to get OTP status")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(status, ""))
}

// GetStatistics returns per-recipient statistics when recipient is given,
// otherwise the global aggregate.
func (h *OTPHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	recipient := r.URL.Query().Get("recipient")
	if recipient == "" {
		respondWithJSON(w, http.StatusOK, successResponse(h.otpService.GlobalStatistics(), ""))
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(h.otpService.Statistics(recipient), ""))
}
