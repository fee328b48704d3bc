package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"auth-core/internal/autherr"
	"auth-core/internal/model"
	"auth-core/internal/service"
	"auth-core/internal/util"
)

// AdminHandler exposes maintenance operations and audit reads
type AdminHandler struct {
	maintenance *service.MaintenanceService
	audit       *service.AuditService
	logger      *zap.Logger
}

func NewAdminHandler(maintenance *service.MaintenanceService, audit *service.AuditService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{maintenance: maintenance, audit: audit, logger: logger}
}

func (h *AdminHandler) RegisterRoutes(router chi.Router) {
	router.Route("/admin", func(r chi.Router) {
		r.Post("/cleanup", h.RunCleanup)
		r.Get("/audit", h.SearchAudit)
		r.Get("/audit/security", h.SecurityEvents)
		r.Get("/audit/stats", h.AuditStatistics)
	})
}

func (h *AdminHandler) RunCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := h.maintenance.RunCleanup(r.Context())
	if err != nil {
		respondWithError(w, err, "Cleanup failed")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(report, "Cleanup completed"))
	h.logger.Info("Cleanup triggered via HTTP",
		util.Int("sessions_deactivated", report.SessionsDeactivated),
		util.Int("devices_updated", report.DevicesUpdated),
	)
}

// SearchAudit filters by user_id, subject, type (repeatable or comma
// separated), from and to (RFC 3339) and limit.
func (h *AdminHandler) SearchAudit(w http.ResponseWriter, r *http.Request) {
	q, err := parseAuditQuery(r.URL.Query())
	if err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	page, err := h.audit.SearchEvents(r.Context(), q)
	if err != nil {
		respondWithError(w, err, "Failed to search audit events")
		return
	}
	respondWithJSON(w, http.StatusOK, listResponse(page, len(page.Events), ""))
}

func (h *AdminHandler) SecurityEvents(w http.ResponseWriter, r *http.Request) {
	q, err := parseAuditQuery(r.URL.Query())
	if err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	page, err := h.audit.SecurityEvents(r.Context(), q.From, q.To, q.Limit)
	if err != nil {
		respondWithError(w, err, "Failed to list security events")
		return
	}
	respondWithJSON(w, http.StatusOK, listResponse(page, len(page.Events), ""))
}

func (h *AdminHandler) AuditStatistics(w http.ResponseWriter, r *http.Request) {
	q, err := parseAuditQuery(r.URL.Query())
	if err != nil {
		respondWithError(w, err, "Invalid request")
		return
	}

	stats, err := h.audit.Statistics(r.Context(), q.From, q.To)
	if err != nil {
		respondWithError(w, err, "Failed to compute audit statistics")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse(stats, ""))
}

func parseAuditQuery(values url.Values) (model.AuditQuery, error) {
	q := model.AuditQuery{
		UserID:  values.Get("user_id"),
		Subject: util.NormalizeRecipient(values.Get("subject")),
	}
	for _, raw := range values["type"] {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.Types = append(q.Types, model.SecurityEventType(t))
			}
		}
	}

	var err error
	if q.From, err = parseTime(values.Get("from"), "from"); err != nil {
		return q, err
	}
	if q.To, err = parseTime(values.Get("to"), "to"); err != nil {
		return q, err
	}
	if raw := values.Get("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil || q.Limit < 0 {
			return q, autherr.Validation("limit must be a non-negative integer")
		}
	}
	return q, nil
}

func parseTime(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, autherr.Validation("%s must be an RFC 3339 timestamp", field)
	}
	return t, nil
}
