package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/AnshRaj112/patient-portal-backend/internal/requestctx"
	"github.com/AnshRaj112/patient-portal-backend/pkg/clientip"
)

// RequestInfo attaches the client IP, user agent and request id to the
// request context for audit records. Mount after chi's RequestID.
// Proxy headers are trusted here because the value is only recorded, never
// used for access decisions.
func RequestInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientip.FromHeaders(r.Header)
		if ip == "" {
			ip = clientip.RealClientIP(r)
		}
		ctx := requestctx.WithInfo(r.Context(), requestctx.Info{
			IP:        ip,
			UserAgent: r.UserAgent(),
			RequestID: chimw.GetReqID(r.Context()),
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
