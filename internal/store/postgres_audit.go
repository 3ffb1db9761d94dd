package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/AnshRaj112/patient-portal-backend/internal/models"
)

// PostgresAuditStore persists audit events and security alerts. The table is
// append-only; a trigger rejects UPDATE and DELETE.
type PostgresAuditStore struct {
	db *sqlx.DB
}

func NewPostgresAuditStore(db *sqlx.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db}
}

type auditRow struct {
	ID           string         `db:"id"`
	EventType    string         `db:"event_type"`
	UserID       sql.NullString `db:"user_id"`
	PatientID    sql.NullString `db:"patient_id"`
	ResourceType string         `db:"resource_type"`
	ResourceID   sql.NullString `db:"resource_id"`
	ActionTaken  string         `db:"action_taken"`
	Outcome      string         `db:"outcome"`
	RiskLevel    int            `db:"risk_level"`
	PHIAccessed  bool           `db:"phi_accessed"`
	Metadata     string         `db:"metadata"`
	EventHash    string         `db:"event_hash"`
	IPAddress    sql.NullString `db:"ip_address"`
	UserAgent    sql.NullString `db:"user_agent"`
	SessionID    sql.NullString `db:"session_id"`
	Geolocation  sql.NullString `db:"geolocation"`
	Timestamp    time.Time      `db:"timestamp"`
}

const auditColumns = `id, event_type, user_id, patient_id, resource_type, resource_id, action_taken,
	outcome, risk_level, phi_accessed, metadata, event_hash, ip_address, user_agent, session_id,
	geolocation, timestamp`

func newAuditRow(e *models.AuditEvent) (*auditRow, error) {
	md := e.Metadata
	if md == nil {
		md = map[string]any{}
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	var geo sql.NullString
	if e.Geolocation != nil {
		raw, err := json.Marshal(e.Geolocation)
		if err != nil {
			return nil, fmt.Errorf("encode geolocation: %w", err)
		}
		geo = sql.NullString{String: string(raw), Valid: true}
	}
	return &auditRow{
		ID:           e.ID,
		EventType:    string(e.EventType),
		UserID:       nullString(e.UserID),
		PatientID:    nullString(e.PatientID),
		ResourceType: e.ResourceType,
		ResourceID:   nullString(e.ResourceID),
		ActionTaken:  e.ActionTaken,
		Outcome:      string(e.Outcome),
		RiskLevel:    int(e.RiskLevel),
		PHIAccessed:  e.PHIAccessed,
		Metadata:     string(mdJSON),
		EventHash:    e.EventHash,
		IPAddress:    nullString(e.IPAddress),
		UserAgent:    nullString(e.UserAgent),
		SessionID:    nullString(e.SessionID),
		Geolocation:  geo,
		Timestamp:    e.Timestamp.UTC(),
	}, nil
}

func (r *auditRow) toModel() (models.AuditEvent, error) {
	e := models.AuditEvent{
		ID:           r.ID,
		EventType:    models.EventType(r.EventType),
		UserID:       r.UserID.String,
		PatientID:    r.PatientID.String,
		ResourceType: r.ResourceType,
		ResourceID:   r.ResourceID.String,
		ActionTaken:  r.ActionTaken,
		Outcome:      models.Outcome(r.Outcome),
		RiskLevel:    models.RiskLevel(r.RiskLevel),
		PHIAccessed:  r.PHIAccessed,
		EventHash:    r.EventHash,
		IPAddress:    r.IPAddress.String,
		UserAgent:    r.UserAgent.String,
		SessionID:    r.SessionID.String,
		Timestamp:    r.Timestamp.UTC(),
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &e.Metadata); err != nil {
			return e, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
		}
	}
	if r.Geolocation.Valid {
		var g models.Geolocation
		if err := json.Unmarshal([]byte(r.Geolocation.String), &g); err != nil {
			return e, fmt.Errorf("decode geolocation for %s: %w", r.ID, err)
		}
		e.Geolocation = &g
	}
	return e, nil
}

func (s *PostgresAuditStore) Insert(ctx context.Context, event *models.AuditEvent) error {
	row, err := newAuditRow(event)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO hipaa_audit_logs (`+auditColumns+`) VALUES (
			:id, :event_type, :user_id, :patient_id, :resource_type, :resource_id, :action_taken,
			:outcome, :risk_level, :phi_accessed, :metadata, :event_hash, :ip_address, :user_agent,
			:session_id, :geolocation, :timestamp)`, row)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresAuditStore) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	var row auditRow
	err := s.db.GetContext(ctx, &row, `SELECT `+auditColumns+` FROM hipaa_audit_logs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	e, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// buildAuditQuery renders q as SQL with positional arguments.
func buildAuditQuery(q AuditQuery) (string, []any) {
	where := []string{"timestamp >= $1", "timestamp <= $2"}
	args := []any{q.From.UTC(), q.To.UTC()}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	f := q.Filters
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", pq.Array(types))
	}
	if f.MinRiskLevel > 0 {
		add("risk_level >= $%d", int(f.MinRiskLevel))
	}
	if f.PHIAccessed != nil {
		add("phi_accessed = $%d", *f.PHIAccessed)
	}

	query := `SELECT ` + auditColumns + ` FROM hipaa_audit_logs WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY timestamp ASC, id ASC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return query, args
}

func (s *PostgresAuditStore) Query(ctx context.Context, q AuditQuery) ([]models.AuditEvent, error) {
	query, args := buildAuditQuery(q)
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	events := make([]models.AuditEvent, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

// PostgresAlertStore persists security alerts.
type PostgresAlertStore struct {
	db *sqlx.DB
}

func NewPostgresAlertStore(db *sqlx.DB) *PostgresAlertStore {
	return &PostgresAlertStore{db: db}
}

type alertRow struct {
	ID          string         `db:"id"`
	EventID     string         `db:"event_id"`
	UserID      sql.NullString `db:"user_id"`
	AlertType   string         `db:"alert_type"`
	RiskLevel   int            `db:"risk_level"`
	Description string         `db:"description"`
	Metadata    string         `db:"metadata"`
	CreatedAt   time.Time      `db:"created_at"`
}

func (s *PostgresAlertStore) Insert(ctx context.Context, a *models.SecurityAlert) error {
	md := a.Metadata
	if md == nil {
		md = map[string]any{}
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode alert metadata: %w", err)
	}
	_, err = s.db.NamedExecContext(ctx,
		`INSERT INTO security_alerts (id, event_id, user_id, alert_type, risk_level, description, metadata, created_at)
		 VALUES (:id, :event_id, :user_id, :alert_type, :risk_level, :description, :metadata, :created_at)`,
		alertRow{
			ID:          a.ID,
			EventID:     a.EventID,
			UserID:      nullString(a.UserID),
			AlertType:   a.AlertType,
			RiskLevel:   int(a.RiskLevel),
			Description: a.Description,
			Metadata:    string(mdJSON),
			CreatedAt:   a.CreatedAt.UTC(),
		})
	if err != nil {
		return fmt.Errorf("insert security alert: %w", err)
	}
	return nil
}

func (s *PostgresAlertStore) Recent(ctx context.Context, limit int) ([]models.SecurityAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []alertRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, event_id, user_id, alert_type, risk_level, description, metadata, created_at
		 FROM security_alerts ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list security alerts: %w", err)
	}
	alerts := make([]models.SecurityAlert, 0, len(rows))
	for _, r := range rows {
		a := models.SecurityAlert{
			ID:          r.ID,
			EventID:     r.EventID,
			UserID:      r.UserID.String,
			AlertType:   r.AlertType,
			RiskLevel:   models.RiskLevel(r.RiskLevel),
			Description: r.Description,
			CreatedAt:   r.CreatedAt.UTC(),
		}
		if r.Metadata != "" {
			if err := json.Unmarshal([]byte(r.Metadata), &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode alert metadata for %s: %w", r.ID, err)
			}
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}
