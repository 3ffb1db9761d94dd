package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/requestctx"
)

// SessionValidator resolves a bearer token to its owner.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (string, bool, error)
}

type ctxKey int

const (
	userIDKey ctxKey = iota
	adminIDKey
)

const sessionIDLength = 16

// BearerToken extracts the token from "Authorization: Bearer <token>".
func BearerToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(auth[7:])
}

// SessionID derives the value recorded in audit logs for a token. The token
// itself is never logged.
func SessionID(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:sessionIDLength]
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

func AdminIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(adminIDKey).(string)
	return id, ok && id != ""
}

// WithUserID is used by handlers that authenticate outside RequireSession.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func WithAdminID(ctx context.Context, adminID string) context.Context {
	return context.WithValue(ctx, adminIDKey, adminID)
}

// RequireSession rejects requests without a valid patient session.
func RequireSession(sessions SessionValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return requireToken(sessions, logger, WithUserID)
}

// RequireAdmin rejects requests without a valid admin session.
func RequireAdmin(sessions SessionValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return requireToken(sessions, logger, WithAdminID)
}

func requireToken(sessions SessionValidator, logger *zap.Logger, attach func(context.Context, string) context.Context) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				writeJSONError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			ownerID, ok, err := sessions.Validate(r.Context(), token)
			if err != nil {
				logger.Error("Session lookup failed", zap.Error(err))
				writeJSONError(w, http.StatusInternalServerError, "Failed to validate session")
				return
			}
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "Invalid or expired session")
				return
			}
			ctx := attach(r.Context(), ownerID)
			ctx = requestctx.WithSessionID(ctx, SessionID(token))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"success":false,"message":"` + message + `"}`))
}
