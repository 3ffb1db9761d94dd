package clientip

import (
	"net"
	"net/http"
	"strings"
)

// Trusted proxy headers, most specific first.
const (
	HeaderCFConnectingIP = "CF-Connecting-IP"
	HeaderXRealIP        = "X-Real-IP"
	HeaderXForwardedFor  = "X-Forwarded-For"
)

// FromHeaders returns the client IP from the proxy header chain:
// CF-Connecting-IP, then X-Real-IP, then the first X-Forwarded-For entry.
// Returns "" when none carries a parseable IP.
func FromHeaders(h http.Header) string {
	if ip := parseIP(h.Get(HeaderCFConnectingIP)); ip != "" {
		return ip
	}
	if ip := parseIP(h.Get(HeaderXRealIP)); ip != "" {
		return ip
	}
	if xff := h.Get(HeaderXForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := parseIP(first); ip != "" {
			return ip
		}
	}
	return ""
}

// RealClientIP returns the client IP from the request.
// Uses r.RemoteAddr only (no proxy headers). Use for rate limiting where
// headers could be forged by the client.
func RealClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return strings.TrimSpace(host)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip.String()
		}
	}
	return ""
}
