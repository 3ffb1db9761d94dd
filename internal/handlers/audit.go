package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/middleware"
	"github.com/AnshRaj112/patient-portal-backend/internal/models"
	"github.com/AnshRaj112/patient-portal-backend/internal/services"
	"github.com/AnshRaj112/patient-portal-backend/internal/store"
)

const (
	defaultAlertLimit = 50
	maxAlertLimit     = 500
)

// AuditHandler serves the compliance console: reports, integrity checks,
// report archiving and the security alert list.
type AuditHandler struct {
	audit    *services.HIPAAAuditLogger
	alerts   store.AlertStore
	archiver services.ReportArchiver
	logger   *zap.Logger
}

// NewAuditHandler builds the handler. archiver may be nil when no archive
// storage is configured.
func NewAuditHandler(audit *services.HIPAAAuditLogger, alerts store.AlertStore, archiver services.ReportArchiver, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, alerts: alerts, archiver: archiver, logger: logger}
}

type ReportResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Report  *models.AuditReport `json:"report"`
}

type IntegrityResponse struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Result  models.IntegrityResult `json:"result"`
}

type ArchiveRequest struct {
	From    time.Time            `json:"from"`
	To      time.Time            `json:"to"`
	Filters models.ReportFilters `json:"filters"`
}

type ArchiveResponse struct {
	Success bool                     `json:"success"`
	Message string                   `json:"message"`
	Archive *services.ArchivedReport `json:"archive"`
	Summary models.ReportSummary     `json:"summary"`
}

type AlertsResponse struct {
	Success bool                   `json:"success"`
	Message string                 `json:"message"`
	Alerts  []models.SecurityAlert `json:"alerts"`
}

// ParseReportQuery reads from, to and the optional filters user_id,
// event_type (comma separated), min_risk and phi.
func ParseReportQuery(q url.Values) (time.Time, time.Time, models.ReportFilters, error) {
	var filters models.ReportFilters
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		return time.Time{}, time.Time{}, filters, errors.New("from must be an RFC 3339 timestamp")
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		return time.Time{}, time.Time{}, filters, errors.New("to must be an RFC 3339 timestamp")
	}

	filters.UserID = strings.TrimSpace(q.Get("user_id"))
	if raw := q.Get("event_type"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t := models.EventType(strings.TrimSpace(part))
			if !t.Valid() {
				return time.Time{}, time.Time{}, filters, fmt.Errorf("unknown event_type %q", t)
			}
			filters.EventTypes = append(filters.EventTypes, t)
		}
	}
	if raw := q.Get("min_risk"); raw != "" {
		level, err := models.ParseRiskLevel(raw)
		if err != nil {
			return time.Time{}, time.Time{}, filters, err
		}
		filters.MinRiskLevel = level
	}
	if raw := q.Get("phi"); raw != "" {
		phi, err := strconv.ParseBool(raw)
		if err != nil {
			return time.Time{}, time.Time{}, filters, errors.New("phi must be true or false")
		}
		filters.PHIAccessed = &phi
	}
	return from, to, filters, nil
}

// Report handles GET /api/admin/audit/report.
func (h *AuditHandler) Report(w http.ResponseWriter, r *http.Request) {
	from, to, filters, err := ParseReportQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	report, ok := h.generate(w, r, from, to, filters)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ReportResponse{Success: true, Message: "Audit report generated", Report: report})
}

// VerifyLog handles GET /api/admin/audit/logs/{id}/verify. A failed check
// is reported with 200 and raises a critical security event.
func (h *AuditHandler) VerifyLog(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	adminID, _ := middleware.AdminIDFromContext(ctx)
	id := chi.URLParam(r, "id")

	res, err := h.audit.VerifyLogIntegrity(ctx, id)
	if err != nil {
		h.logger.Error("Integrity check failed to run", zap.String("audit_event_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to verify audit log")
		return
	}

	outcome := models.OutcomeSuccess
	if !res.Valid {
		outcome = models.OutcomeWarning
	}
	h.audit.LogAdministrativeEvent(ctx, adminID, "audit_log", id, "audit_log_verified", outcome,
		map[string]any{"valid": res.Valid})

	message := "Audit log integrity verified"
	switch {
	case res.Valid:
	case res.Error == "Audit log not found":
		writeJSON(w, http.StatusNotFound, IntegrityResponse{Success: false, Message: res.Error, Result: res})
		return
	default:
		message = res.Error
		h.audit.LogSecurityEvent(ctx, adminID, "audit_log_tampering_detected", models.OutcomeFailure, models.RiskCritical,
			map[string]any{"audit_event_id": id})
	}
	writeJSON(w, http.StatusOK, IntegrityResponse{Success: res.Valid, Message: message, Result: res})
}

// ArchiveReport handles POST /api/admin/audit/report/archive.
func (h *AuditHandler) ArchiveReport(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		writeError(w, http.StatusServiceUnavailable, services.ErrArchiveDisabled.Error())
		return
	}
	var req ArchiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.From.IsZero() || req.To.IsZero() {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}
	report, ok := h.generate(w, r, req.From, req.To, req.Filters)
	if !ok {
		return
	}

	adminID, _ := middleware.AdminIDFromContext(r.Context())
	archived, err := h.archiver.ArchiveReport(r.Context(), report)
	if err != nil {
		h.logger.Error("Failed to archive audit report", zap.String("admin_id", adminID), zap.Error(err))
		h.audit.LogAdministrativeEvent(r.Context(), adminID, "audit_report", "", "audit_report_archive_failed", models.OutcomeFailure, nil)
		writeError(w, http.StatusBadGateway, "Failed to archive report")
		return
	}
	h.audit.LogAdministrativeEvent(r.Context(), adminID, "audit_report", archived.PublicID, "audit_report_archived", models.OutcomeSuccess,
		map[string]any{"sha256": archived.SHA256, "bytes": archived.Bytes, "events": report.Summary.TotalEvents})
	writeJSON(w, http.StatusCreated, ArchiveResponse{
		Success: true,
		Message: "Audit report archived",
		Archive: archived,
		Summary: report.Summary,
	})
}

// Alerts handles GET /api/admin/alerts?limit=N.
func (h *AuditHandler) Alerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxAlertLimit)
	}
	alerts, err := h.alerts.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to load security alerts", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to load security alerts")
		return
	}
	if alerts == nil {
		alerts = []models.SecurityAlert{}
	}
	writeJSON(w, http.StatusOK, AlertsResponse{Success: true, Message: "Security alerts", Alerts: alerts})
}

// generate runs the report and records who asked for it.
func (h *AuditHandler) generate(w http.ResponseWriter, r *http.Request, from, to time.Time, filters models.ReportFilters) (*models.AuditReport, bool) {
	ctx := r.Context()
	adminID, _ := middleware.AdminIDFromContext(ctx)
	report, err := h.audit.GenerateAuditReport(ctx, from, to, filters)
	if errors.Is(err, services.ErrInvalidReportRange) {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	if err != nil {
		h.logger.Error("Failed to generate audit report", zap.String("admin_id", adminID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to generate audit report")
		return nil, false
	}
	h.audit.LogAdministrativeEvent(ctx, adminID, "audit_report", "", "audit_report_generated", models.OutcomeSuccess,
		map[string]any{
			"from":   from.UTC().Format(time.RFC3339),
			"to":     to.UTC().Format(time.RFC3339),
			"events": report.Summary.TotalEvents,
		})
	return report, true
}
