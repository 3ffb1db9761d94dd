package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/AnshRaj112/patient-portal-backend/internal/models"
)

const (
	auditCollection = "hipaa_audit_logs"
	alertCollection = "security_alerts"
)

// MongoAuditStore keeps the audit trail in MongoDB. Metadata is stored as the
// exact JSON text that was hashed so verification never depends on BSON
// type mapping.
type MongoAuditStore struct {
	events *mongo.Collection
	alerts *mongo.Collection
}

func NewMongoAuditStore(db *mongo.Database) *MongoAuditStore {
	return &MongoAuditStore{
		events: db.Collection(auditCollection),
		alerts: db.Collection(alertCollection),
	}
}

// Alerts returns the alert side of the store.
func (s *MongoAuditStore) Alerts() *MongoAlertStore {
	return &MongoAlertStore{col: s.alerts}
}

type auditDocument struct {
	ID           string              `bson:"_id"`
	EventType    string              `bson:"event_type"`
	UserID       string              `bson:"user_id,omitempty"`
	PatientID    string              `bson:"patient_id,omitempty"`
	ResourceType string              `bson:"resource_type"`
	ResourceID   string              `bson:"resource_id,omitempty"`
	ActionTaken  string              `bson:"action_taken"`
	Outcome      string              `bson:"outcome"`
	RiskLevel    int                 `bson:"risk_level"`
	PHIAccessed  bool                `bson:"phi_accessed"`
	MetadataJSON string              `bson:"metadata_json"`
	EventHash    string              `bson:"event_hash"`
	IPAddress    string              `bson:"ip_address,omitempty"`
	UserAgent    string              `bson:"user_agent,omitempty"`
	SessionID    string              `bson:"session_id,omitempty"`
	Geolocation  *models.Geolocation `bson:"geolocation,omitempty"`
	Timestamp    time.Time           `bson:"timestamp"`
}

// EnsureIndexes configures indexes for report queries.
func (s *MongoAuditStore) EnsureIndexes(ctx context.Context) error {
	idx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: 1}}, Options: options.Index().SetName("idx_timestamp")},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: 1}}, Options: options.Index().SetName("idx_user_timestamp")},
		{Keys: bson.D{{Key: "event_type", Value: 1}}, Options: options.Index().SetName("idx_event_type")},
	}
	if _, err := s.events.Indexes().CreateMany(ctx, idx); err != nil {
		return fmt.Errorf("ensure audit indexes: %w", err)
	}
	_, err := s.alerts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: -1}},
		Options: options.Index().SetName("idx_created_at"),
	})
	if err != nil {
		return fmt.Errorf("ensure alert indexes: %w", err)
	}
	return nil
}

func (s *MongoAuditStore) Insert(ctx context.Context, e *models.AuditEvent) error {
	md := e.Metadata
	if md == nil {
		md = map[string]any{}
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	doc := auditDocument{
		ID:           e.ID,
		EventType:    string(e.EventType),
		UserID:       e.UserID,
		PatientID:    e.PatientID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		ActionTaken:  e.ActionTaken,
		Outcome:      string(e.Outcome),
		RiskLevel:    int(e.RiskLevel),
		PHIAccessed:  e.PHIAccessed,
		MetadataJSON: string(mdJSON),
		EventHash:    e.EventHash,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		SessionID:    e.SessionID,
		Geolocation:  e.Geolocation,
		Timestamp:    e.Timestamp.UTC(),
	}
	if _, err := s.events.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (d *auditDocument) toModel() (models.AuditEvent, error) {
	e := models.AuditEvent{
		ID:           d.ID,
		EventType:    models.EventType(d.EventType),
		UserID:       d.UserID,
		PatientID:    d.PatientID,
		ResourceType: d.ResourceType,
		ResourceID:   d.ResourceID,
		ActionTaken:  d.ActionTaken,
		Outcome:      models.Outcome(d.Outcome),
		RiskLevel:    models.RiskLevel(d.RiskLevel),
		PHIAccessed:  d.PHIAccessed,
		EventHash:    d.EventHash,
		IPAddress:    d.IPAddress,
		UserAgent:    d.UserAgent,
		SessionID:    d.SessionID,
		Geolocation:  d.Geolocation,
		Timestamp:    d.Timestamp.UTC(),
	}
	if d.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(d.MetadataJSON), &e.Metadata); err != nil {
			return e, fmt.Errorf("decode metadata for %s: %w", d.ID, err)
		}
	}
	return e, nil
}

func (s *MongoAuditStore) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	var doc auditDocument
	if err := s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	e, err := doc.toModel()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// auditFilter translates q into a MongoDB filter document.
func auditFilter(q AuditQuery) bson.M {
	filter := bson.M{
		"timestamp": bson.M{"$gte": q.From.UTC(), "$lte": q.To.UTC()},
	}
	f := q.Filters
	if f.UserID != "" {
		filter["user_id"] = f.UserID
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		filter["event_type"] = bson.M{"$in": types}
	}
	if f.MinRiskLevel > 0 {
		filter["risk_level"] = bson.M{"$gte": int(f.MinRiskLevel)}
	}
	if f.PHIAccessed != nil {
		filter["phi_accessed"] = *f.PHIAccessed
	}
	return filter
}

func (s *MongoAuditStore) Query(ctx context.Context, q AuditQuery) ([]models.AuditEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.events.Find(ctx, auditFilter(q), opts)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer cur.Close(ctx)

	var events []models.AuditEvent
	for cur.Next(ctx) {
		var doc auditDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		e, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// MongoAlertStore persists security alerts next to the audit trail.
type MongoAlertStore struct {
	col *mongo.Collection
}

type alertDocument struct {
	ID          string         `bson:"_id"`
	EventID     string         `bson:"event_id"`
	UserID      string         `bson:"user_id,omitempty"`
	AlertType   string         `bson:"alert_type"`
	RiskLevel   int            `bson:"risk_level"`
	Description string         `bson:"description"`
	Metadata    map[string]any `bson:"metadata,omitempty"`
	CreatedAt   time.Time      `bson:"created_at"`
}

func (s *MongoAlertStore) Insert(ctx context.Context, a *models.SecurityAlert) error {
	_, err := s.col.InsertOne(ctx, alertDocument{
		ID:          a.ID,
		EventID:     a.EventID,
		UserID:      a.UserID,
		AlertType:   a.AlertType,
		RiskLevel:   int(a.RiskLevel),
		Description: a.Description,
		Metadata:    a.Metadata,
		CreatedAt:   a.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("insert security alert: %w", err)
	}
	return nil
}

func (s *MongoAlertStore) Recent(ctx context.Context, limit int) ([]models.SecurityAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	cur, err := s.col.Find(ctx, bson.M{}, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("list security alerts: %w", err)
	}
	defer cur.Close(ctx)

	var docs []alertDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	alerts := make([]models.SecurityAlert, 0, len(docs))
	for _, d := range docs {
		alerts = append(alerts, models.SecurityAlert{
			ID:          d.ID,
			EventID:     d.EventID,
			UserID:      d.UserID,
			AlertType:   d.AlertType,
			RiskLevel:   models.RiskLevel(d.RiskLevel),
			Description: d.Description,
			Metadata:    d.Metadata,
			CreatedAt:   d.CreatedAt.UTC(),
		})
	}
	return alerts, nil
}
