package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/handlers"
	"github.com/AnshRaj112/patient-portal-backend/internal/middleware"
)

// Deps is everything the router needs from main.
type Deps struct {
	TwoFactor     *handlers.TwoFactorHandler
	AdminAuth     *handlers.AdminAuthHandler
	Audit         *handlers.AuditHandler
	BlockedIPs    *handlers.BlockedIPsHandler
	AlertsSocket  http.Handler
	UserSessions  middleware.SessionValidator
	AdminSessions middleware.SessionValidator
	Logger        *zap.Logger
}

func SetupRoutes(r chi.Router, d Deps) {
	// Login second factor (challenge token in body)
	r.Post("/api/auth/2fa/verify", d.TwoFactor.LoginVerify)
	r.Post("/api/auth/2fa/backup", d.TwoFactor.LoginBackupCode)

	// Admin auth routes (admin accounts are created directly in the database)
	r.Post("/api/admin/signin", d.AdminAuth.Signin)

	// 2FA management for a signed-in user
	r.Route("/api/2fa", func(r chi.Router) {
		r.Use(middleware.RequireSession(d.UserSessions, d.Logger))
		r.Get("/status", d.TwoFactor.Status)
		r.Post("/setup", d.TwoFactor.Setup)
		r.Post("/verify", d.TwoFactor.Enable)
		r.Post("/disable", d.TwoFactor.Disable)
		r.Post("/backup-codes/regenerate", d.TwoFactor.RegenerateBackupCodes)
	})

	// Compliance console
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAdmin(d.AdminSessions, d.Logger))
		r.Post("/api/admin/signout", d.AdminAuth.Signout)
		r.Get("/api/admin/audit/report", d.Audit.Report)
		r.Get("/api/admin/audit/logs/{id}/verify", d.Audit.VerifyLog)
		r.Post("/api/admin/audit/report/archive", d.Audit.ArchiveReport)
		r.Get("/api/admin/alerts", d.Audit.Alerts)
		if d.BlockedIPs != nil {
			r.Get("/api/admin/blocked-ips", d.BlockedIPs.GetBlockedIPs)
			r.Put("/api/admin/unblock-ip", d.BlockedIPs.UnblockIP)
		}
	})

	// Live alert feed; authenticates itself because browsers cannot send
	// headers on the WebSocket handshake.
	if d.AlertsSocket != nil {
		r.Method(http.MethodGet, "/ws/admin/alerts", d.AlertsSocket)
	}
}

// Registered lists the routes for the startup log.
func Registered(r chi.Routes) []string {
	var out []string
	_ = chi.Walk(r, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		out = append(out, method+" "+route)
		return nil
	})
	return out
}
