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

// DeviceHandler handles HTTP requests for trusted devices
type DeviceHandler struct {
	deviceService  *service.DeviceTrustService
	sessionService *service.SessionService
	logger         *zap.Logger
}

// NewDeviceHandler accepts a nil sessionService; the per-device session
// listing is then not served.
func NewDeviceHandler(deviceService *service.DeviceTrustService, sessionService *service.SessionService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{deviceService: deviceService, sessionService: sessionService, logger: logger}
}

func (h *DeviceHandler) RegisterRoutes(router chi.Router) {
	router.Route("/devices", func(r chi.Router) {
		r.Post("/", h.RegisterDevice)
		r.Post("/verify", h.VerifyDevice)
		r.Post("/fingerprint", h.Fingerprint)
	})
	router.Route("/users/{userID}/devices", func(r chi.Router) {
		r.Get("/", h.ListTrustedDevices)
		r.Delete("/{fingerprint}", h.RevokeDevice)
		r.Post("/{fingerprint}/suspend", h.SuspendDevice)
		r.Post("/{fingerprint}/reinstate", h.ReinstateDevice)
		if h.sessionService != nil {
			r.Get("/{fingerprint}/sessions", h.ListDeviceSessions)
		}
	})
}

type deviceInfoRequest struct {
	UserID     string `json:"user_id,omitempty"`
	DeviceInfo string `json:"device_info"`
}

type fingerprintResponse struct {
	Fingerprint string           `json:"fingerprint"`
	DeviceType  model.DeviceType `json:"device_type"`
	DisplayName string           `json:"display_name"`
}

// RegisterDevice handles trusted device registration
// @Summary Register a trusted device
// @Tags devices
// @Accept json
// @Produce json
// @Success 201 {object} Response
// @Failure 400 {object} Response
// @Failure 409 {object} Response
// @Router /devices [post]
func (h *DeviceHandler) RegisterDevice(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	var req model.DeviceRegistrationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if err := checkIdentifiers(req.UserID, req.DeviceName); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}
	req.IPAddress = clientIP(r)
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}

	device, err := h.deviceService.RegisterTrustedDevice(r.Context(), req)
	if err != nil {
		respondWithError(w, err, "Failed to register device")
		return
	}

	respondWithJSON(w, http.StatusCreated, successResponse(device, "Device registered successfully"))
	h.logger.Info("Device registered via HTTP",
		util.String("device_id", device.DeviceID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "RegisterDevice"),
	)
}

func (h *DeviceHandler) VerifyDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceInfoRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if err := checkIdentifiers(req.UserID); err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	verification, err := h.deviceService.VerifyDeviceTrust(r.Context(), req.UserID, req.DeviceInfo)
	if err != nil {
		respondWithError(w, err, "Failed to verify device")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(verification, verification.ReasonMessage))
}

// Fingerprint computes the fingerprint and detected type without touching
// any record.
func (h *DeviceHandler) Fingerprint(w http.ResponseWriter, r *http.Request) {
	var req deviceInfoRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, err, "Invalid request body")
		return
	}
	if req.DeviceInfo == "" {
		respondWithError(w, autherr.Validation("device_info is required"), "Invalid request")
		return
	}

	deviceType := service.DetectDeviceType(req.DeviceInfo)
	respondWithJSON(w, http.StatusOK, successResponse(fingerprintResponse{
		Fingerprint: service.GenerateFingerprint(req.DeviceInfo),
		DeviceType:  deviceType,
		DisplayName: deviceType.DisplayName(),
	}, ""))
}

func (h *DeviceHandler) ListTrustedDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.deviceService.GetTrustedDevices(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondWithError(w, err, "Failed to list devices")
		return
	}
	respondWithJSON(w, http.StatusOK, listResponse(devices, len(devices), ""))
}

func (h *DeviceHandler) RevokeDevice(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	fingerprint := chi.URLParam(r, "fingerprint")

	revoked, err := h.deviceService.RevokeTrustedDevice(r.Context(), userID, fingerprint)
	if err != nil {
		respondWithError(w, err, "Failed to revoke device")
		return
	}
	if !revoked {
		respondWithError(w, autherr.New(autherr.ErrNotFound, "Device not found"), "")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(nil, "Device revoked successfully"))
}

func (h *DeviceHandler) SuspendDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.deviceService.SuspendDevice(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "fingerprint"))
	if err != nil {
		respondWithError(w, err, "Failed to suspend device")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(device, "Device suspended"))
}

func (h *DeviceHandler) ReinstateDevice(w http.ResponseWriter, r *http.Request) {
	device, err := h.deviceService.ReinstateDevice(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "fingerprint"))
	if err != nil {
		respondWithError(w, err, "Failed to reinstate device")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(device, "Device reinstated"))
}

func (h *DeviceHandler) ListDeviceSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessionService.SessionsByDevice(r.Context(), chi.URLParam(r, "userID"), chi.URLParam(r, "fingerprint"))
	if err != nil {
		respondWithError(w, err, "Failed to list device sessions")
		return
	}
	respondWithJSON(w, http.StatusOK, listResponse(sessions, len(sessions), ""))
}
