package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/middleware"
	"github.com/AnshRaj112/patient-portal-backend/internal/models"
	"github.com/AnshRaj112/patient-portal-backend/internal/requestctx"
	"github.com/AnshRaj112/patient-portal-backend/internal/services"
	"github.com/AnshRaj112/patient-portal-backend/pkg/utils"
)

// ChallengeStore holds the tokens issued after a successful password step.
type ChallengeStore interface {
	Validate(ctx context.Context, token string) (string, bool, error)
	Consume(ctx context.Context, token string) (string, bool, error)
}

// SessionIssuer creates bearer sessions.
type SessionIssuer interface {
	Create(ctx context.Context, ownerID string) (string, error)
	TTL() time.Duration
}

type TwoFactorHandler struct {
	svc        *services.TwoFactorAuthService
	challenges ChallengeStore
	sessions   SessionIssuer
	logger     *zap.Logger
}

func NewTwoFactorHandler(svc *services.TwoFactorAuthService, challenges ChallengeStore, sessions SessionIssuer, logger *zap.Logger) *TwoFactorHandler {
	return &TwoFactorHandler{svc: svc, challenges: challenges, sessions: sessions, logger: logger}
}

// CodeRequest carries a TOTP or backup code.
type CodeRequest struct {
	Code string `json:"code"`
}

// LoginVerifyRequest completes sign-in with the second factor.
type LoginVerifyRequest struct {
	ChallengeToken string `json:"challenge_token"`
	Code           string `json:"code"`
}

type SetupResponse struct {
	Success         bool     `json:"success"`
	Message         string   `json:"message"`
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	BackupCodes     []string `json:"backup_codes"`
}

type StatusResponse struct {
	Success bool                    `json:"success"`
	Message string                  `json:"message"`
	Status  *models.TwoFactorStatus `json:"status"`
}

type BackupCodesResponse struct {
	Success     bool     `json:"success"`
	Message     string   `json:"message"`
	BackupCodes []string `json:"backup_codes"`
}

// VerificationResponse renders a models.VerificationResult.
type VerificationResponse struct {
	Success              bool       `json:"success"`
	Message              string     `json:"message"`
	Method               string     `json:"method,omitempty"`
	RemainingBackupCodes *int       `json:"remaining_backup_codes,omitempty"`
	RemainingAttempts    *int       `json:"remaining_attempts,omitempty"`
	LockedUntil          *time.Time `json:"locked_until,omitempty"`
	RetryAfter           *int       `json:"retry_after,omitempty"`
	Token                string     `json:"token,omitempty"`
	ExpiresIn            int        `json:"expires_in,omitempty"`
}

// Status handles GET /api/2fa/status.
func (h *TwoFactorHandler) Status(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	status, err := h.svc.Status(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "status", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Success: true, Message: "Two-factor status", Status: status})
}

// Setup handles POST /api/2fa/setup. The secret and codes are shown once.
func (h *TwoFactorHandler) Setup(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	setup, err := h.svc.Setup(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "setup", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, SetupResponse{
		Success:         true,
		Message:         "Scan the QR code with your authenticator app, then confirm with a code",
		Secret:          setup.Secret,
		ProvisioningURI: setup.ProvisioningURI,
		BackupCodes:     setup.BackupCodes,
	})
}

// Enable handles POST /api/2fa/verify.
func (h *TwoFactorHandler) Enable(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	var req CodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := utils.ValidateVerificationCode(req.Code); err != nil {
		writeValidationError(w, err)
		return
	}
	res, err := h.svc.VerifyAndEnable(r.Context(), userID, req.Code)
	if err != nil {
		h.writeServiceError(w, "enable", userID, err)
		return
	}
	status, body := verificationResponse(res)
	if _, ok := res.(models.Verified); ok {
		body.Message = "Two-factor authentication enabled"
	}
	writeVerification(w, status, body)
}

// Disable handles POST /api/2fa/disable.
func (h *TwoFactorHandler) Disable(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	if err := h.svc.Disable(r.Context(), userID); err != nil {
		h.writeServiceError(w, "disable", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Two-factor authentication disabled"})
}

// RegenerateBackupCodes handles POST /api/2fa/backup-codes/regenerate.
func (h *TwoFactorHandler) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	userID, _ := middleware.UserIDFromContext(r.Context())
	codes, err := h.svc.RegenerateBackupCodes(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "regenerate", userID, err)
		return
	}
	writeJSON(w, http.StatusOK, BackupCodesResponse{
		Success:     true,
		Message:     "New backup codes generated. Previous codes no longer work.",
		BackupCodes: codes,
	})
}

// LoginVerify handles POST /api/auth/2fa/verify with a TOTP or backup code.
func (h *TwoFactorHandler) LoginVerify(w http.ResponseWriter, r *http.Request) {
	h.completeLogin(w, r, h.svc.VerifyForLogin, utils.IsBackupCodeFormat)
}

// LoginBackupCode handles POST /api/auth/2fa/backup.
func (h *TwoFactorHandler) LoginBackupCode(w http.ResponseWriter, r *http.Request) {
	h.completeLogin(w, r, h.svc.VerifyBackupCode, func(string) bool { return true })
}

type verifyFunc func(ctx context.Context, userID, code string) (models.VerificationResult, error)

// completeLogin checks the code against the challenge owner and, on success,
// trades the challenge for a session. A challenge is single use. Backup codes
// are burned on use, so for them the challenge is claimed before the code is
// checked and a failed backup code ends the challenge.
func (h *TwoFactorHandler) completeLogin(w http.ResponseWriter, r *http.Request, verify verifyFunc, claimFirst func(code string) bool) {
	var req LoginVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.ChallengeToken == "" {
		writeError(w, http.StatusBadRequest, "Challenge token is required")
		return
	}
	if err := utils.ValidateVerificationCode(req.Code); err != nil {
		writeValidationError(w, err)
		return
	}

	ctx := requestctx.WithSessionID(r.Context(), middleware.SessionID(req.ChallengeToken))
	userID, ok, err := h.challenges.Validate(ctx, req.ChallengeToken)
	if err != nil {
		h.logger.Error("Failed to load login challenge", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to verify code")
		return
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "Sign-in challenge is invalid or expired. Please sign in again.")
		return
	}

	claimed := claimFirst(req.Code)
	if claimed && !h.consumeChallenge(ctx, w, req.ChallengeToken, userID) {
		return
	}

	res, err := verify(ctx, userID, req.Code)
	if err != nil {
		h.writeServiceError(w, "login", userID, err)
		return
	}
	status, body := verificationResponse(res)
	if _, verified := res.(models.Verified); !verified {
		writeVerification(w, status, body)
		return
	}

	if !claimed && !h.consumeChallenge(ctx, w, req.ChallengeToken, userID) {
		return
	}
	token, err := h.sessions.Create(ctx, userID)
	if err != nil {
		h.logger.Error("Failed to create session", zap.String("user_id", userID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	body.Message = "Signed in successfully"
	body.Token = token
	body.ExpiresIn = int(h.sessions.TTL() / time.Second)
	writeVerification(w, status, body)
}

// consumeChallenge claims the challenge for this request. It writes the error
// response and returns false when another request got there first.
func (h *TwoFactorHandler) consumeChallenge(ctx context.Context, w http.ResponseWriter, token, userID string) bool {
	_, ok, err := h.challenges.Consume(ctx, token)
	if err != nil {
		h.logger.Error("Failed to consume login challenge", zap.String("user_id", userID), zap.Error(err))
	}
	if err != nil || !ok {
		writeError(w, http.StatusUnauthorized, "Sign-in challenge is invalid or expired. Please sign in again.")
		return false
	}
	return true
}

// verificationResponse maps a result to its status code and body.
func verificationResponse(res models.VerificationResult) (int, VerificationResponse) {
	switch v := res.(type) {
	case models.Verified:
		return http.StatusOK, VerificationResponse{
			Success:              true,
			Message:              "Code verified",
			Method:               string(v.Method),
			RemainingBackupCodes: v.RemainingBackupCodes,
		}
	case models.InvalidCode:
		remaining := v.RemainingAttempts
		return http.StatusUnauthorized, VerificationResponse{
			Message:           "Invalid verification code",
			RemainingAttempts: &remaining,
		}
	case models.AccountLocked:
		until := v.LockedUntil.UTC()
		return http.StatusLocked, VerificationResponse{
			Message:     "Too many failed attempts. Account temporarily locked.",
			LockedUntil: &until,
		}
	case models.RateLimited:
		secs := int((v.RetryAfter + time.Second - 1) / time.Second)
		return http.StatusTooManyRequests, VerificationResponse{
			Message:    "Too many verification attempts. Please try again later.",
			RetryAfter: &secs,
		}
	default:
		return http.StatusInternalServerError, VerificationResponse{Message: "Failed to verify code"}
	}
}

func writeVerification(w http.ResponseWriter, status int, body VerificationResponse) {
	if body.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*body.RetryAfter))
	}
	writeJSON(w, status, body)
}

func (h *TwoFactorHandler) writeServiceError(w http.ResponseWriter, op, userID string, err error) {
	switch {
	case errors.Is(err, services.ErrProfileNotFound):
		writeError(w, http.StatusNotFound, "User profile not found")
	case errors.Is(err, services.ErrSetupNotFound):
		writeError(w, http.StatusBadRequest, "Two-factor setup not found. Start setup first.")
	case errors.Is(err, services.ErrTwoFactorNotEnabled):
		writeError(w, http.StatusBadRequest, "Two-factor authentication is not enabled")
	case errors.Is(err, services.ErrAlreadyEnabled):
		writeError(w, http.StatusConflict, "Two-factor authentication is already enabled")
	default:
		h.logger.Error("Two-factor operation failed",
			zap.String("operation", op),
			zap.String("user_id", userID),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}
