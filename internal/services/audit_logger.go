package services

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/metrics"
	"github.com/AnshRaj112/patient-portal-backend/internal/models"
	"github.com/AnshRaj112/patient-portal-backend/internal/requestctx"
	"github.com/AnshRaj112/patient-portal-backend/internal/store"
)

var ErrInvalidReportRange = errors.New("report start date must not be after end date")

const (
	integrityNotFound = "Audit log not found"
	integrityMismatch = "Hash mismatch - potential tampering detected"
)

// AlertPublisher fans security alerts out to live subscribers.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *models.SecurityAlert) error
}

type AuditLoggerDeps struct {
	Store  store.AuditStore
	Alerts store.AlertStore
	// Publisher is optional.
	Publisher AlertPublisher
	// Fallback receives events the primary store rejected.
	Fallback    *zap.Logger
	Logger      *zap.Logger
	HMACKey     []byte
	Geo         GeoLocator
	Version     string
	Environment string
	Now         func() time.Time
}

// HIPAAAuditLogger writes tamper-evident audit events and raises a security
// alert for every high or critical event.
type HIPAAAuditLogger struct {
	store       store.AuditStore
	alerts      store.AlertStore
	publisher   AlertPublisher
	fallback    *zap.Logger
	logger      *zap.Logger
	key         []byte
	geo         GeoLocator
	version     string
	environment string
	now         func() time.Time
}

func NewHIPAAAuditLogger(d AuditLoggerDeps) (*HIPAAAuditLogger, error) {
	if d.Store == nil || d.Alerts == nil {
		return nil, errors.New("audit logger requires audit and alert stores")
	}
	if len(d.HMACKey) == 0 {
		return nil, errors.New("audit logger requires an HMAC key")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Fallback == nil {
		d.Fallback = d.Logger
	}
	if d.Geo == nil {
		d.Geo = LocalGeoLocator{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &HIPAAAuditLogger{
		store:       d.Store,
		alerts:      d.Alerts,
		publisher:   d.Publisher,
		fallback:    d.Fallback,
		logger:      d.Logger,
		key:         d.HMACKey,
		geo:         d.Geo,
		version:     d.Version,
		environment: d.Environment,
		now:         d.Now,
	}, nil
}

// LogEvent enriches, hashes and stores e. It returns false when the primary
// store rejected the event; the event then only exists in the fallback sink.
func (l *HIPAAAuditLogger) LogEvent(ctx context.Context, e *models.AuditEvent) bool {
	if e == nil {
		return false
	}
	now := l.now().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Millisecond)
	if e.RiskLevel == 0 {
		e.RiskLevel = models.RiskLow
	}
	if e.Outcome == "" {
		e.Outcome = models.OutcomeSuccess
	}

	info, _ := requestctx.FromContext(ctx)
	if e.IPAddress == "" {
		e.IPAddress = info.IP
	}
	if e.UserAgent == "" {
		e.UserAgent = info.UserAgent
	}
	if e.SessionID == "" {
		e.SessionID = info.SessionID
	}
	if e.Geolocation == nil && e.IPAddress != "" {
		e.Geolocation = l.geo.Lookup(e.IPAddress)
	}

	md := make(map[string]any, len(e.Metadata)+4)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md["system_version"] = l.version
	md["environment"] = l.environment
	md["server_timestamp"] = now.Format(time.RFC3339Nano)
	if info.RequestID != "" {
		md["request_id"] = info.RequestID
	}

	normalized, err := normalizeMetadata(md)
	if err != nil {
		l.writeFallback(e, fmt.Errorf("normalize metadata: %w", err))
		return false
	}
	e.Metadata = normalized

	hash, err := ComputeEventHash(l.key, e)
	if err != nil {
		l.writeFallback(e, err)
		return false
	}
	e.EventHash = hash

	if err := l.store.Insert(ctx, e); err != nil {
		l.writeFallback(e, err)
		return false
	}
	metrics.AuditEventsTotal.WithLabelValues(string(e.EventType), string(e.Outcome)).Inc()

	if e.RiskLevel.IsElevated() {
		l.raiseAlert(ctx, e)
	}
	return true
}

func (l *HIPAAAuditLogger) writeFallback(e *models.AuditEvent, cause error) {
	metrics.AuditFallbackTotal.WithLabelValues(string(e.EventType)).Inc()
	l.fallback.Error("BACKUP REQUIRED",
		zap.String("audit_event_id", e.ID),
		zap.String("event_type", string(e.EventType)),
		zap.String("user_id", e.UserID),
		zap.String("patient_id", e.PatientID),
		zap.String("resource_type", e.ResourceType),
		zap.String("resource_id", e.ResourceID),
		zap.String("action_taken", e.ActionTaken),
		zap.String("outcome", string(e.Outcome)),
		zap.String("risk_level", e.RiskLevel.String()),
		zap.Bool("phi_accessed", e.PHIAccessed),
		zap.Any("metadata", e.Metadata),
		zap.String("event_hash", e.EventHash),
		zap.String("ip_address", e.IPAddress),
		zap.String("session_id", e.SessionID),
		zap.Time("timestamp", e.Timestamp),
		zap.Error(cause))
	if l.fallback != l.logger {
		l.logger.Error("Audit store write failed; event written to fallback sink",
			zap.String("audit_event_id", e.ID),
			zap.String("action_taken", e.ActionTaken),
			zap.Error(cause))
	}
}

// raiseAlert runs after the event is stored so the alert never references a
// missing event. Failures are logged and counted, never returned.
func (l *HIPAAAuditLogger) raiseAlert(ctx context.Context, e *models.AuditEvent) {
	alert := &models.SecurityAlert{
		ID:          uuid.NewString(),
		EventID:     e.ID,
		UserID:      e.UserID,
		AlertType:   e.ActionTaken,
		RiskLevel:   e.RiskLevel,
		Description: fmt.Sprintf("%s risk %s event: %s (%s)", e.RiskLevel, e.EventType, e.ActionTaken, e.Outcome),
		Metadata: map[string]any{
			"event_id":      e.ID,
			"event_type":    string(e.EventType),
			"resource_type": e.ResourceType,
			"ip_address":    e.IPAddress,
		},
		CreatedAt: l.now().UTC(),
	}

	if err := l.alerts.Insert(ctx, alert); err != nil {
		metrics.SecurityAlertsTotal.WithLabelValues(alert.RiskLevel.String(), "failed").Inc()
		l.logger.Error("SECURITY ALERT NOT PERSISTED",
			zap.String("alert_id", alert.ID),
			zap.String("audit_event_id", e.ID),
			zap.String("user_id", e.UserID),
			zap.String("action_taken", e.ActionTaken),
			zap.String("risk_level", e.RiskLevel.String()),
			zap.Error(err))
	} else {
		metrics.SecurityAlertsTotal.WithLabelValues(alert.RiskLevel.String(), "created").Inc()
		l.logger.Warn("Security alert raised",
			zap.String("alert_id", alert.ID),
			zap.String("audit_event_id", e.ID),
			zap.String("user_id", e.UserID),
			zap.String("action_taken", e.ActionTaken),
			zap.String("risk_level", e.RiskLevel.String()))
	}

	if l.publisher != nil {
		if err := l.publisher.PublishAlert(ctx, alert); err != nil {
			l.logger.Warn("Failed to publish security alert", zap.String("alert_id", alert.ID), zap.Error(err))
		}
	}
}

// VerifyLogIntegrity recomputes the hash of a stored event. Tampering is a
// finding, not an error; err is only set when the store cannot be read.
func (l *HIPAAAuditLogger) VerifyLogIntegrity(ctx context.Context, id string) (models.IntegrityResult, error) {
	res := models.IntegrityResult{LogID: id}
	e, err := l.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		res.Error = integrityNotFound
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("load audit event: %w", err)
	}

	want, err := ComputeEventHash(l.key, e)
	if err != nil {
		res.Error = err.Error()
		return res, nil
	}
	if !hmac.Equal([]byte(want), []byte(e.EventHash)) {
		l.logger.Warn("Audit log integrity check failed",
			zap.String("audit_event_id", id),
			zap.String("action_taken", e.ActionTaken))
		res.Error = integrityMismatch
		return res, nil
	}
	res.Valid = true
	return res, nil
}

// GenerateAuditReport lists events with start <= timestamp <= end that match
// filters, oldest first, with compliance counters.
func (l *HIPAAAuditLogger) GenerateAuditReport(ctx context.Context, start, end time.Time, filters models.ReportFilters) (*models.AuditReport, error) {
	if start.After(end) {
		return nil, ErrInvalidReportRange
	}
	found, err := l.store.Query(ctx, store.AuditQuery{From: start, To: end, Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}

	events := make([]models.AuditEvent, 0, len(found))
	for i := range found {
		e := &found[i]
		if e.Timestamp.Before(start) || e.Timestamp.After(end) || !filters.Matches(e) {
			continue
		}
		events = append(events, *e)
	}

	return &models.AuditReport{
		StartDate:   start,
		EndDate:     end,
		Filters:     filters,
		Events:      events,
		Summary:     models.Summarize(events),
		GeneratedAt: l.now().UTC(),
	}, nil
}

// LogPatientDataAccess records a read of patient health information.
func (l *HIPAAAuditLogger) LogPatientDataAccess(ctx context.Context, userID, patientID, resourceType, resourceID, action string, md map[string]any) bool {
	return l.LogEvent(ctx, &models.AuditEvent{
		EventType:    models.EventPHIAccess,
		UserID:       userID,
		PatientID:    patientID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ActionTaken:  action,
		Outcome:      models.OutcomeSuccess,
		RiskLevel:    models.RiskMedium,
		PHIAccessed:  true,
		Metadata:     md,
	})
}

func (l *HIPAAAuditLogger) LogSecurityEvent(ctx context.Context, userID, action string, outcome models.Outcome, risk models.RiskLevel, md map[string]any) bool {
	return l.LogEvent(ctx, &models.AuditEvent{
		EventType:    models.EventSecurity,
		UserID:       userID,
		ResourceType: "security",
		ActionTaken:  action,
		Outcome:      outcome,
		RiskLevel:    risk,
		Metadata:     md,
	})
}

func (l *HIPAAAuditLogger) LogSystemEvent(ctx context.Context, action string, outcome models.Outcome, md map[string]any) bool {
	return l.LogEvent(ctx, &models.AuditEvent{
		EventType:    models.EventSystem,
		ResourceType: "system",
		ActionTaken:  action,
		Outcome:      outcome,
		RiskLevel:    models.RiskLow,
		Metadata:     md,
	})
}

// LogAdministrativeEvent records an action taken in the audit console.
func (l *HIPAAAuditLogger) LogAdministrativeEvent(ctx context.Context, adminID, resourceType, resourceID, action string, outcome models.Outcome, md map[string]any) bool {
	return l.LogEvent(ctx, &models.AuditEvent{
		EventType:    models.EventAdministrative,
		UserID:       adminID,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ActionTaken:  action,
		Outcome:      outcome,
		RiskLevel:    models.RiskMedium,
		Metadata:     md,
	})
}
