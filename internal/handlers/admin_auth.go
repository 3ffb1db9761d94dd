package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/middleware"
	"github.com/AnshRaj112/patient-portal-backend/internal/models"
	"github.com/AnshRaj112/patient-portal-backend/internal/requestctx"
	"github.com/AnshRaj112/patient-portal-backend/internal/services"
	"github.com/AnshRaj112/patient-portal-backend/internal/store"
	"github.com/AnshRaj112/patient-portal-backend/pkg/utils"
)

// AdminSessionStore issues and revokes admin console sessions.
type AdminSessionStore interface {
	SessionIssuer
	Invalidate(ctx context.Context, token string) error
}

type AdminAuthHandler struct {
	admins   store.AdminStore
	sessions AdminSessionStore
	audit    *services.HIPAAAuditLogger
	logger   *zap.Logger
	now      func() time.Time
}

func NewAdminAuthHandler(admins store.AdminStore, sessions AdminSessionStore, audit *services.HIPAAAuditLogger, logger *zap.Logger) *AdminAuthHandler {
	return &AdminAuthHandler{admins: admins, sessions: sessions, audit: audit, logger: logger, now: time.Now}
}

// AdminSigninRequest represents the request to sign in as admin
type AdminSigninRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AdminSigninResponse represents the response after admin signin
type AdminSigninResponse struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	Admin     map[string]any `json:"admin,omitempty"`
	Token     string         `json:"token,omitempty"`
	ExpiresIn int            `json:"expires_in,omitempty"`
}

// Signin handles admin login. Every outcome is audited; failures do not
// reveal whether the username exists.
func (h *AdminAuthHandler) Signin(w http.ResponseWriter, r *http.Request) {
	var req AdminSigninRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	ctx := r.Context()
	username := utils.NormalizeUsername(req.Username)
	if err := utils.ValidateUsername(username); err != nil {
		h.signinFailed(ctx, "", username, "malformed_username")
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	admin, err := h.admins.GetAdminByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		h.signinFailed(ctx, "", username, "unknown_username")
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	if err != nil {
		h.logger.Error("Failed to load admin", zap.String("username", username), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Database error")
		return
	}

	valid, err := utils.VerifyPassword(req.Password, admin.PasswordHash)
	if err != nil || !valid {
		if err != nil {
			h.logger.Warn("Admin password hash unreadable", zap.String("admin_id", admin.ID), zap.Error(err))
		}
		h.signinFailed(ctx, admin.ID, username, "bad_password")
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	if !admin.IsActive {
		h.signinFailed(ctx, admin.ID, username, "inactive")
		writeError(w, http.StatusForbidden, "Admin account is inactive")
		return
	}

	token, err := h.sessions.Create(ctx, admin.ID)
	if err != nil {
		h.logger.Error("Failed to create admin session", zap.String("admin_id", admin.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	if err := h.admins.TouchLastLogin(ctx, admin.ID, h.now().UTC()); err != nil {
		h.logger.Warn("Failed to update admin last login", zap.String("admin_id", admin.ID), zap.Error(err))
	}

	ctx = requestctx.WithSessionID(ctx, middleware.SessionID(token))
	h.audit.LogEvent(ctx, &models.AuditEvent{
		EventType:    models.EventAuthentication,
		UserID:       admin.ID,
		ResourceType: "admin_session",
		ActionTaken:  "admin_signin",
		Outcome:      models.OutcomeSuccess,
		RiskLevel:    models.RiskLow,
	})

	writeJSON(w, http.StatusOK, AdminSigninResponse{
		Success: true,
		Message: "Admin signed in successfully",
		Admin: map[string]any{
			"id":         admin.ID,
			"username":   admin.Username,
			"email":      admin.Email,
			"created_at": admin.CreatedAt,
		},
		Token:     token,
		ExpiresIn: int(h.sessions.TTL() / time.Second),
	})
}

// Signout handles POST /api/admin/signout.
func (h *AdminAuthHandler) Signout(w http.ResponseWriter, r *http.Request) {
	adminID, _ := middleware.AdminIDFromContext(r.Context())
	if err := h.sessions.Invalidate(r.Context(), middleware.BearerToken(r)); err != nil {
		h.logger.Error("Failed to invalidate admin session", zap.String("admin_id", adminID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to sign out")
		return
	}
	h.audit.LogEvent(r.Context(), &models.AuditEvent{
		EventType:    models.EventAuthentication,
		UserID:       adminID,
		ResourceType: "admin_session",
		ActionTaken:  "admin_signout",
		Outcome:      models.OutcomeSuccess,
		RiskLevel:    models.RiskLow,
	})
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Signed out"})
}

func (h *AdminAuthHandler) signinFailed(ctx context.Context, adminID, username, reason string) {
	h.audit.LogEvent(ctx, &models.AuditEvent{
		EventType:    models.EventAuthentication,
		UserID:       adminID,
		ResourceType: "admin_session",
		ActionTaken:  "admin_signin_failed",
		Outcome:      models.OutcomeFailure,
		RiskLevel:    models.RiskMedium,
		Metadata:     map[string]any{"username": username, "reason": reason},
	})
}
