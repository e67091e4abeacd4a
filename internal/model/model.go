package model

import (
	"time"
)

// EventCategory classifies the origin of a security event.
type EventCategory string

const (
	CategoryAuthentication    EventCategory = "authentication"
	CategoryAuthorization     EventCategory = "authorization"
	CategoryDataAccess        EventCategory = "data_access"
	CategoryDataModification  EventCategory = "data_modification"
	CategorySecurityViolation EventCategory = "security_violation"
	CategoryThreatDetected    EventCategory = "threat_detected"
)

// Severity levels for events, detections and alerts.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal position of a severity, with unknown values
// ranking below info.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at or above min.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// Valid reports whether s is one of the known severity levels.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// SecurityEvent is the canonical event produced by the collector. Events are
// immutable once created; downstream components only read them.
type SecurityEvent struct {
	ID               string                 `json:"id"`
	Category         EventCategory          `json:"category"`
	Type             string                 `json:"type"`
	Severity         Severity               `json:"severity"`
	SubjectID        string                 `json:"subject_id,omitempty"`
	SessionID        string                 `json:"session_id,omitempty"`
	DeviceID         string                 `json:"device_id,omitempty"`
	ResourceType     string                 `json:"resource_type,omitempty"`
	ResourceID       string                 `json:"resource_id,omitempty"`
	Context          map[string]interface{} `json:"context,omitempty"`
	ThreatIndicators []string               `json:"threat_indicators,omitempty"`
	RiskScore        *float64               `json:"risk_score,omitempty"`
	Timestamp        time.Time              `json:"timestamp"`
}

// RawSignal is what external collaborators hand to the collector before
// enrichment.
type RawSignal struct {
	Category         EventCategory          `json:"category"`
	Type             string                 `json:"type"`
	Severity         Severity               `json:"severity"`
	SubjectID        string                 `json:"subject_id,omitempty"`
	SessionID        string                 `json:"session_id,omitempty"`
	DeviceID         string                 `json:"device_id,omitempty"`
	ResourceType     string                 `json:"resource_type,omitempty"`
	ResourceID       string                 `json:"resource_id,omitempty"`
	Context          map[string]interface{} `json:"context,omitempty"`
	ThreatIndicators []string               `json:"threat_indicators,omitempty"`
	RiskScore        *float64               `json:"risk_score,omitempty"`
}

// Validate checks the fields a signal must carry before it can become an event.
func (r *RawSignal) Validate() error {
	if r.Category == "" {
		return &ValidationError{Field: "category", Message: "category is required"}
	}
	if r.Type == "" {
		return &ValidationError{Field: "type", Message: "type is required"}
	}
	if r.Severity != "" && !r.Severity.Valid() {
		return &ValidationError{Field: "severity", Message: "invalid severity, must be info/low/medium/high/critical"}
	}
	if r.RiskScore != nil && (*r.RiskScore < 0 || *r.RiskScore > 100) {
		return &ValidationError{Field: "risk_score", Message: "risk score must be between 0 and 100"}
	}
	return nil
}

// Behavior captures the observable shape of the current session, used by the
// profiler both for scoring and for baseline updates.
type Behavior struct {
	SubjectID          string             `json:"subject_id"`
	SessionDuration    time.Duration      `json:"session_duration"`
	LoginFrequency     float64            `json:"login_frequency"`
	InteractionCounts  map[string]float64 `json:"interaction_counts,omitempty"`
	LocationChange     float64            `json:"location_change"`
	HasLocation        bool               `json:"has_location"`
	DeviceMatchRatio   float64            `json:"device_match_ratio"`
	NetworkChanges     int                `json:"network_changes"`
	ConcurrentSessions int                `json:"concurrent_sessions"`
	ActionRate         float64            `json:"action_rate"`
	TimingUniformity   float64            `json:"timing_uniformity"`
	ObservedAt         time.Time          `json:"observed_at"`
}

// NormalPatterns is the rolling baseline maintained per subject.
type NormalPatterns struct {
	LoginFrequency    float64            `json:"login_frequency"`
	SessionDuration   time.Duration      `json:"session_duration"`
	InteractionFreqs  map[string]float64 `json:"interaction_freqs"`
	LocationStability float64            `json:"location_stability"`
	DeviceConsistency float64            `json:"device_consistency"`
}

// BehaviorProfile holds the per-subject behavioral baseline.
type BehaviorProfile struct {
	SubjectID      string             `json:"subject_id"`
	NormalPatterns NormalPatterns     `json:"normal_patterns"`
	RiskFactors    map[string]float64 `json:"risk_factors,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// LearningPhaseDuration is how long a fresh profile adapts quickly and
// scores with reduced confidence.
const LearningPhaseDuration = 7 * 24 * time.Hour

// InLearningPhase reports whether the profile is still within its initial
// adaptation window as of now.
func (p *BehaviorProfile) InLearningPhase(now time.Time) bool {
	return now.Sub(p.CreatedAt) < LearningPhaseDuration
}

// AnomalyScore is the multi-component deviation result from the profiler.
type AnomalyScore struct {
	Overall      float64            `json:"overall"`
	Components   map[string]float64 `json:"components"`
	Confidence   float64            `json:"confidence"`
	Deviations   []string           `json:"deviations,omitempty"`
	LearningMode bool               `json:"learning_mode"`
}

// Component names used in AnomalyScore.Components.
const (
	ComponentTemporal     = "temporal"
	ComponentBehavioral   = "behavioral"
	ComponentGeographical = "geographical"
	ComponentDevice       = "device"
	ComponentNetwork      = "network"
)

// ThreatDetectionResult is produced when a threat pattern matches with
// sufficient confidence.
type ThreatDetectionResult struct {
	PatternID             string                 `json:"pattern_id"`
	PatternName           string                 `json:"pattern_name"`
	SubjectID             string                 `json:"subject_id"`
	DeviceID              string                 `json:"device_id,omitempty"`
	Confidence            float64                `json:"confidence"`
	RiskScore             float64                `json:"risk_score"`
	Severity              Severity               `json:"severity"`
	MatchedIndicators     []string               `json:"matched_indicators"`
	Evidence              map[string]interface{} `json:"evidence,omitempty"`
	RecommendedActions    []MitigationAction     `json:"recommended_actions"`
	AutoMitigate          bool                   `json:"auto_mitigate"`
	RequiresInvestigation bool                   `json:"requires_investigation"`
	CorrelationID         string                 `json:"correlation_id"`
	DetectedAt            time.Time              `json:"detected_at"`
}

// MitigationAction is the closed vocabulary of automated responses.
type MitigationAction string

const (
	ActionAccountLock        MitigationAction = "account_lock"
	ActionRateLimit          MitigationAction = "rate_limit"
	ActionSessionTerminate   MitigationAction = "session_terminate"
	ActionEnhancedMonitoring MitigationAction = "enhanced_monitoring"
	ActionIPBlock            MitigationAction = "ip_block"
)

// KnownActions lists every mitigation action the executor can dispatch.
var KnownActions = []MitigationAction{
	ActionAccountLock,
	ActionRateLimit,
	ActionSessionTerminate,
	ActionEnhancedMonitoring,
	ActionIPBlock,
}

// Valid reports whether a is part of the closed action vocabulary.
func (a MitigationAction) Valid() bool {
	for _, known := range KnownActions {
		if a == known {
			return true
		}
	}
	return false
}

// AlertStatus is the lifecycle state of an active alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
	AlertSuppressed   AlertStatus = "suppressed"
)

// allowedTransitions encodes the restricted alert state machine.
var allowedTransitions = map[AlertStatus][]AlertStatus{
	AlertActive:       {AlertAcknowledged, AlertResolved, AlertSuppressed},
	AlertAcknowledged: {AlertResolved},
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	for _, allowed := range allowedTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ActiveAlert is an alert instance created by the rule engine.
type ActiveAlert struct {
	ID              string                 `json:"id"`
	RuleID          string                 `json:"rule_id"`
	RuleName        string                 `json:"rule_name"`
	Severity        Severity               `json:"severity"`
	Status          AlertStatus            `json:"status"`
	EscalationLevel int                    `json:"escalation_level"`
	SubjectID       string                 `json:"subject_id,omitempty"`
	Event           *SecurityEvent         `json:"event,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	TriggeredAt     time.Time              `json:"triggered_at"`
	AcknowledgedAt  *time.Time             `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string                 `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time             `json:"resolved_at,omitempty"`
	ResolvedBy      string                 `json:"resolved_by,omitempty"`
	Resolution      string                 `json:"resolution,omitempty"`
}

// Clone returns an independent copy of the alert so callers can read or
// serialize it without holding the engine lock. The event reference is
// shared; events are immutable once created.
func (a *ActiveAlert) Clone() *ActiveAlert {
	out := *a
	if a.Metadata != nil {
		out.Metadata = make(map[string]interface{}, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// SecurityMetrics is the reporting snapshot consumed by the dashboard.
type SecurityMetrics struct {
	TotalEvents     int64     `json:"total_events"`
	CriticalThreats int64     `json:"critical_threats"`
	ActiveAlerts    int       `json:"active_alerts"`
	ResolvedAlerts  int64     `json:"resolved_alerts"`
	MitigationsRun  int64     `json:"mitigations_run"`
	RiskScore       float64   `json:"risk_score"`
	ComplianceScore float64   `json:"compliance_score"`
	ActiveBlocks    int       `json:"active_blocks"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// ValidationError reports a field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
