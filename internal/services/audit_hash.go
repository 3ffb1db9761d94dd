package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AnshRaj112/patient-portal-backend/internal/models"
)

// EventTimestampLayout is the timestamp format inside the hashed payload.
const EventTimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// canonicalEvent fixes the hashed field set and its order. Changing it
// invalidates every stored hash.
type canonicalEvent struct {
	EventType    string         `json:"event_type"`
	UserID       string         `json:"user_id"`
	PatientID    string         `json:"patient_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	ActionTaken  string         `json:"action_taken"`
	Outcome      string         `json:"outcome"`
	Timestamp    string         `json:"timestamp"`
	Metadata     map[string]any `json:"metadata"`
}

// CanonicalEventJSON returns the exact bytes covered by the event hash.
func CanonicalEventJSON(e *models.AuditEvent) ([]byte, error) {
	md := e.Metadata
	if md == nil {
		md = map[string]any{}
	}
	return json.Marshal(canonicalEvent{
		EventType:    string(e.EventType),
		UserID:       e.UserID,
		PatientID:    e.PatientID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		ActionTaken:  e.ActionTaken,
		Outcome:      string(e.Outcome),
		Timestamp:    FormatEventTimestamp(e.Timestamp),
		Metadata:     md,
	})
}

// ComputeEventHash returns hex(HMAC-SHA256(key, canonical(e))).
func ComputeEventHash(key []byte, e *models.AuditEvent) (string, error) {
	payload, err := CanonicalEventJSON(e)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit event: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func FormatEventTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(EventTimestampLayout)
}

// normalizeMetadata round-trips md through JSON so the in-memory value
// matches what any store will hand back later.
func normalizeMetadata(md map[string]any) (map[string]any, error) {
	if len(md) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(md))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
