package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuditEventsTotal counts audit events by type and outcome once persisted.
	AuditEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patient_portal_audit_events_total",
			Help: "Audit events written to the primary store",
		},
		[]string{"event_type", "outcome"},
	)

	// AuditFallbackTotal rising means the primary audit store is unhealthy.
	AuditFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patient_portal_audit_fallback_writes_total",
			Help: "Audit events diverted to the fallback sink (BACKUP REQUIRED)",
		},
		[]string{"event_type"},
	)

	SecurityAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patient_portal_security_alerts_total",
			Help: "Security alerts by result",
		},
		[]string{"risk_level", "status"},
	)

	TwoFactorVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patient_portal_2fa_verifications_total",
			Help: "Two-factor verifications by operation and result",
		},
		[]string{"operation", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patient_portal_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "patient_portal_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"method", "route"},
	)
)
