package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stellr/sentinel/internal/model"
)

// AuditStore is the durable event/alert/profile store backed by SQLite. The
// pipeline treats it as best-effort: callers log write failures and continue.
type AuditStore struct {
	db *sql.DB
}

// EventFilter narrows audit store reads. Zero values mean "any".
type EventFilter struct {
	SubjectID string
	Category  model.EventCategory
	Type      string
	Severity  model.Severity
	Since     time.Time
	Until     time.Time
}

// OpenAuditStore opens (and if needed creates) the SQLite database at path.
func OpenAuditStore(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		type TEXT NOT NULL,
		severity TEXT NOT NULL,
		subject_id TEXT,
		session_id TEXT,
		device_id TEXT,
		resource_type TEXT,
		resource_id TEXT,
		context TEXT,
		threat_indicators TEXT,
		risk_score REAL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_subject_time ON events(subject_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_events_category_time ON events(category, created_at);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		rule_name TEXT,
		severity TEXT NOT NULL,
		status TEXT NOT NULL,
		escalation_level INTEGER NOT NULL DEFAULT 0,
		subject_id TEXT,
		event TEXT,
		metadata TEXT,
		triggered_at DATETIME NOT NULL,
		acknowledged_at DATETIME,
		acknowledged_by TEXT,
		resolved_at DATETIME,
		resolved_by TEXT,
		resolution TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, triggered_at);

	CREATE TABLE IF NOT EXISTS profiles (
		subject_id TEXT PRIMARY KEY,
		profile TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &AuditStore{db: db}, nil
}

// SaveEvent inserts one security event.
func (s *AuditStore) SaveEvent(ctx context.Context, ev *model.SecurityEvent) error {
	contextJSON, _ := json.Marshal(ev.Context)
	indicatorsJSON, _ := json.Marshal(ev.ThreatIndicators)

	var risk sql.NullFloat64
	if ev.RiskScore != nil {
		risk = sql.NullFloat64{Float64: *ev.RiskScore, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO events
		(id, category, type, severity, subject_id, session_id, device_id,
		 resource_type, resource_id, context, threat_indicators, risk_score, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Category, ev.Type, ev.Severity, ev.SubjectID, ev.SessionID,
		ev.DeviceID, ev.ResourceType, ev.ResourceID, string(contextJSON),
		string(indicatorsJSON), risk, ev.Timestamp,
	)
	return err
}

// CountEvents counts events matching the filter; backs the frequency and
// anomaly rule conditions.
func (s *AuditStore) CountEvents(ctx context.Context, f EventFilter) (int, error) {
	query := "SELECT COUNT(*) FROM events WHERE 1=1"
	args := []interface{}{}
	query, args = applyFilter(query, args, f)

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// QueryEvents returns events matching the filter, newest first.
func (s *AuditStore) QueryEvents(ctx context.Context, f EventFilter, limit int) ([]*model.SecurityEvent, error) {
	query := `SELECT id, category, type, severity, subject_id, session_id, device_id,
		resource_type, resource_id, context, threat_indicators, risk_score, created_at
		FROM events WHERE 1=1`
	args := []interface{}{}
	query, args = applyFilter(query, args, f)
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*model.SecurityEvent
	for rows.Next() {
		var ev model.SecurityEvent
		var contextJSON, indicatorsJSON string
		var risk sql.NullFloat64
		if err := rows.Scan(&ev.ID, &ev.Category, &ev.Type, &ev.Severity,
			&ev.SubjectID, &ev.SessionID, &ev.DeviceID, &ev.ResourceType,
			&ev.ResourceID, &contextJSON, &indicatorsJSON, &risk, &ev.Timestamp); err != nil {
			continue
		}
		json.Unmarshal([]byte(contextJSON), &ev.Context)
		json.Unmarshal([]byte(indicatorsJSON), &ev.ThreatIndicators)
		if risk.Valid {
			v := risk.Float64
			ev.RiskScore = &v
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func applyFilter(query string, args []interface{}, f EventFilter) (string, []interface{}) {
	if f.SubjectID != "" {
		query += " AND subject_id = ?"
		args = append(args, f.SubjectID)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, f.Category)
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	if f.Severity != "" {
		query += " AND severity = ?"
		args = append(args, f.Severity)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, f.Until)
	}
	return query, args
}

// SaveAlert inserts or updates an alert row.
func (s *AuditStore) SaveAlert(ctx context.Context, a *model.ActiveAlert) error {
	eventJSON, _ := json.Marshal(a.Event)
	metadataJSON, _ := json.Marshal(a.Metadata)

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO alerts
		(id, rule_id, rule_name, severity, status, escalation_level, subject_id,
		 event, metadata, triggered_at, acknowledged_at, acknowledged_by,
		 resolved_at, resolved_by, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.RuleID, a.RuleName, a.Severity, a.Status, a.EscalationLevel,
		a.SubjectID, string(eventJSON), string(metadataJSON), a.TriggeredAt,
		a.AcknowledgedAt, a.AcknowledgedBy, a.ResolvedAt, a.ResolvedBy, a.Resolution,
	)
	return err
}

// ListAlerts returns persisted alerts, optionally filtered by status,
// newest first.
func (s *AuditStore) ListAlerts(ctx context.Context, status model.AlertStatus, limit int) ([]*model.ActiveAlert, error) {
	query := `SELECT id, rule_id, rule_name, severity, status, escalation_level,
		subject_id, event, metadata, triggered_at, acknowledged_at, acknowledged_by,
		resolved_at, resolved_by, resolution FROM alerts`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY triggered_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*model.ActiveAlert
	for rows.Next() {
		var a model.ActiveAlert
		var eventJSON, metadataJSON string
		var ackAt, resolvedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.RuleID, &a.RuleName, &a.Severity, &a.Status,
			&a.EscalationLevel, &a.SubjectID, &eventJSON, &metadataJSON,
			&a.TriggeredAt, &ackAt, &a.AcknowledgedBy,
			&resolvedAt, &a.ResolvedBy, &a.Resolution); err != nil {
			continue
		}
		if ackAt.Valid {
			t := ackAt.Time
			a.AcknowledgedAt = &t
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			a.ResolvedAt = &t
		}
		json.Unmarshal([]byte(eventJSON), &a.Event)
		json.Unmarshal([]byte(metadataJSON), &a.Metadata)
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// SaveProfile upserts a behavior profile as a JSON blob.
func (s *AuditStore) SaveProfile(ctx context.Context, p *model.BehaviorProfile) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO profiles (subject_id, profile, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		p.SubjectID, string(blob), p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// LoadProfiles returns all persisted behavior profiles.
func (s *AuditStore) LoadProfiles(ctx context.Context) ([]*model.BehaviorProfile, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT profile FROM profiles")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*model.BehaviorProfile
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			continue
		}
		var p model.BehaviorProfile
		if err := json.Unmarshal([]byte(blob), &p); err != nil {
			continue
		}
		profiles = append(profiles, &p)
	}
	return profiles, rows.Err()
}

// CountEventsSince is a convenience wrapper for reporting queries.
func (s *AuditStore) CountEventsSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE created_at >= ?", since).Scan(&count)
	return count, err
}

// Close closes the underlying database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
