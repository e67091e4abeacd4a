package alert

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stellr/sentinel/internal/model"
)

// Condition types understood by the rule engine.
const (
	ConditionThreshold = "threshold"
	ConditionPattern   = "pattern"
	ConditionFrequency = "frequency"
	ConditionAnomaly   = "anomaly"
)

// Comparison operators for threshold conditions.
const (
	OpGT  = "gt"
	OpGTE = "gte"
	OpLT  = "lt"
	OpLTE = "lte"
	OpEQ  = "eq"
)

// Match modes for pattern conditions.
const (
	MatchContains = "contains"
	MatchRegex    = "regex"
	MatchEquals   = "equals"
)

// Condition is a single predicate inside a rule. All conditions of a rule
// must hold for the rule to fire.
type Condition struct {
	Type  string `yaml:"type" json:"type"`
	Field string `yaml:"field,omitempty" json:"field,omitempty"`

	// Threshold conditions.
	Op    string  `yaml:"op,omitempty" json:"op,omitempty"`
	Value float64 `yaml:"value,omitempty" json:"value,omitempty"`

	// Pattern conditions.
	Match   string `yaml:"match,omitempty" json:"match,omitempty"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	// Frequency and anomaly conditions.
	Category  model.EventCategory `yaml:"category,omitempty" json:"category,omitempty"`
	EventType string              `yaml:"event_type,omitempty" json:"event_type,omitempty"`
	Window    time.Duration       `yaml:"window,omitempty" json:"window,omitempty"`
	Count     int                 `yaml:"count,omitempty" json:"count,omitempty"`

	// Anomaly conditions; zero means the 0.5 default relative deviation.
	Deviation float64       `yaml:"deviation,omitempty" json:"deviation,omitempty"`
	Lookback  time.Duration `yaml:"lookback,omitempty" json:"lookback,omitempty"`
}

// UnmarshalYAML accepts human-readable durations ("10m", "2h") for the window
// and lookback fields.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		Type      string              `yaml:"type"`
		Field     string              `yaml:"field"`
		Op        string              `yaml:"op"`
		Value     float64             `yaml:"value"`
		Match     string              `yaml:"match"`
		Pattern   string              `yaml:"pattern"`
		Category  model.EventCategory `yaml:"category"`
		EventType string              `yaml:"event_type"`
		Window    string              `yaml:"window"`
		Count     int                 `yaml:"count"`
		Deviation float64             `yaml:"deviation"`
		Lookback  string              `yaml:"lookback"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}

	window, err := parseOptionalDuration(aux.Window)
	if err != nil {
		return fmt.Errorf("invalid window: %w", err)
	}
	lookback, err := parseOptionalDuration(aux.Lookback)
	if err != nil {
		return fmt.Errorf("invalid lookback: %w", err)
	}

	c.Type = aux.Type
	c.Field = aux.Field
	c.Op = aux.Op
	c.Value = aux.Value
	c.Match = aux.Match
	c.Pattern = aux.Pattern
	c.Category = aux.Category
	c.EventType = aux.EventType
	c.Window = window
	c.Count = aux.Count
	c.Deviation = aux.Deviation
	c.Lookback = lookback
	return nil
}

// ThrottleConfig bounds how often a rule may fire. Disabled turns throttling
// off entirely, which the critical threat rule relies on.
type ThrottleConfig struct {
	Disabled   bool          `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	MaxPerHour int           `yaml:"max_per_hour,omitempty" json:"max_per_hour,omitempty"`
	MaxPerDay  int           `yaml:"max_per_day,omitempty" json:"max_per_day,omitempty"`
	Cooldown   time.Duration `yaml:"cooldown,omitempty" json:"cooldown,omitempty"`
}

func (t *ThrottleConfig) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		Disabled   bool   `yaml:"disabled"`
		MaxPerHour int    `yaml:"max_per_hour"`
		MaxPerDay  int    `yaml:"max_per_day"`
		Cooldown   string `yaml:"cooldown"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	cooldown, err := parseOptionalDuration(aux.Cooldown)
	if err != nil {
		return fmt.Errorf("invalid cooldown: %w", err)
	}
	t.Disabled = aux.Disabled
	t.MaxPerHour = aux.MaxPerHour
	t.MaxPerDay = aux.MaxPerDay
	t.Cooldown = cooldown
	return nil
}

// EscalationLevel names the channels notified at one step of an escalation
// chain and how long to wait for an acknowledgement before stepping up.
type EscalationLevel struct {
	Channels   []string      `yaml:"channels" json:"channels"`
	AckTimeout time.Duration `yaml:"ack_timeout,omitempty" json:"ack_timeout,omitempty"`
}

func (l *EscalationLevel) UnmarshalYAML(node *yaml.Node) error {
	var aux struct {
		Channels   []string `yaml:"channels"`
		AckTimeout string   `yaml:"ack_timeout"`
	}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	timeout, err := parseOptionalDuration(aux.AckTimeout)
	if err != nil {
		return fmt.Errorf("invalid ack_timeout: %w", err)
	}
	l.Channels = aux.Channels
	l.AckTimeout = timeout
	return nil
}

// parseOptionalDuration parses a duration string, treating empty as zero.
func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// EscalationPolicy drives the escalation manager for alerts of a rule.
type EscalationPolicy struct {
	Levels         []EscalationLevel `yaml:"levels" json:"levels"`
	MaxEscalations int               `yaml:"max_escalations,omitempty" json:"max_escalations,omitempty"`
}

// Rule is a declarative alert rule.
type Rule struct {
	ID         string            `yaml:"id" json:"id"`
	Name       string            `yaml:"name" json:"name"`
	Enabled    bool              `yaml:"enabled" json:"enabled"`
	Severity   model.Severity    `yaml:"severity" json:"severity"`
	Conditions []Condition       `yaml:"conditions" json:"conditions"`
	Channels   []string          `yaml:"channels,omitempty" json:"channels,omitempty"`
	Throttle   ThrottleConfig    `yaml:"throttle,omitempty" json:"throttle,omitempty"`
	Escalation *EscalationPolicy `yaml:"escalation,omitempty" json:"escalation,omitempty"`
}

// Validate checks rule fields and condition shapes.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule %s: name is required", r.ID)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("rule %s: invalid severity %q", r.ID, r.Severity)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("rule %s: at least one condition is required", r.ID)
	}
	for i, c := range r.Conditions {
		if err := c.validate(); err != nil {
			return fmt.Errorf("rule %s: condition %d: %w", r.ID, i, err)
		}
	}
	return nil
}

func (c *Condition) validate() error {
	switch c.Type {
	case ConditionThreshold:
		if c.Field == "" {
			return fmt.Errorf("threshold condition requires field")
		}
		switch c.Op {
		case OpGT, OpGTE, OpLT, OpLTE, OpEQ:
		default:
			return fmt.Errorf("unknown operator %q", c.Op)
		}
	case ConditionPattern:
		if c.Field == "" || c.Pattern == "" {
			return fmt.Errorf("pattern condition requires field and pattern")
		}
		switch c.Match {
		case MatchContains, MatchRegex, MatchEquals, "":
		default:
			return fmt.Errorf("unknown match mode %q", c.Match)
		}
	case ConditionFrequency:
		if c.Window <= 0 {
			return fmt.Errorf("frequency condition requires window")
		}
		if c.Count <= 0 {
			return fmt.Errorf("frequency condition requires count")
		}
	case ConditionAnomaly:
		if c.Window <= 0 {
			return fmt.Errorf("anomaly condition requires window")
		}
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	return nil
}

// LoadRules reads alert rules from every .yaml/.yml file under dir, sorted by
// rule ID. When dir is empty the built-in default rules are returned.
func LoadRules(dir string) ([]Rule, error) {
	if dir == "" {
		return DefaultRules(), nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules directory: %w", err)
	}

	var rules []Rule
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		loaded, err := loadRulesFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		for _, r := range loaded {
			if prev, dup := seen[r.ID]; dup {
				return nil, fmt.Errorf("duplicate rule ID %q in %s (first seen in %s)", r.ID, path, prev)
			}
			seen[r.ID] = path
			rules = append(rules, r)
		}
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

func loadRulesFromFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var list []Rule
	if err := yaml.Unmarshal(data, &list); err != nil {
		var single Rule
		if err2 := yaml.Unmarshal(data, &single); err2 != nil {
			return nil, err
		}
		list = []Rule{single}
	}

	for i := range list {
		if err := list[i].Validate(); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// DefaultRules returns the built-in alert rule set used when no rules
// directory is configured.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "critical_threat_detected",
			Name:     "Critical Threat Detected",
			Enabled:  true,
			Severity: model.SeverityCritical,
			Conditions: []Condition{
				{Type: ConditionPattern, Field: "category", Match: MatchEquals, Pattern: string(model.CategoryThreatDetected)},
				{Type: ConditionPattern, Field: "severity", Match: MatchEquals, Pattern: string(model.SeverityCritical)},
				{Type: ConditionThreshold, Field: "context.confidence", Op: OpGTE, Value: 0.8},
			},
			Channels: []string{"push", "audit_log", "webhook"},
			Throttle: ThrottleConfig{Disabled: true},
			Escalation: &EscalationPolicy{
				Levels: []EscalationLevel{
					{Channels: []string{"push", "audit_log"}, AckTimeout: 5 * time.Minute},
					{Channels: []string{"push", "webhook"}, AckTimeout: 15 * time.Minute},
					{Channels: []string{"push", "webhook", "audit_log"}},
				},
				MaxEscalations: 2,
			},
		},
		{
			ID:       "elevated_threat_detected",
			Name:     "Elevated Threat Detected",
			Enabled:  true,
			Severity: model.SeverityHigh,
			Conditions: []Condition{
				{Type: ConditionPattern, Field: "category", Match: MatchEquals, Pattern: string(model.CategoryThreatDetected)},
				{Type: ConditionThreshold, Field: "risk_score", Op: OpGTE, Value: 70},
			},
			Channels: []string{"audit_log", "webhook"},
			Throttle: ThrottleConfig{MaxPerHour: 10, MaxPerDay: 40, Cooldown: 2 * time.Minute},
		},
		{
			ID:       "repeated_auth_failures",
			Name:     "Repeated Authentication Failures",
			Enabled:  true,
			Severity: model.SeverityHigh,
			Conditions: []Condition{
				{Type: ConditionFrequency, Category: model.CategoryAuthentication, EventType: "login_failed", Window: 10 * time.Minute, Count: 5},
			},
			Channels: []string{"audit_log", "webhook"},
			Throttle: ThrottleConfig{MaxPerHour: 6, MaxPerDay: 24, Cooldown: 5 * time.Minute},
		},
		{
			ID:       "access_rate_anomaly",
			Name:     "Access Rate Anomaly",
			Enabled:  true,
			Severity: model.SeverityMedium,
			Conditions: []Condition{
				{Type: ConditionAnomaly, Category: model.CategoryDataAccess, Window: time.Hour, Lookback: 24 * time.Hour},
			},
			Channels: []string{"audit_log"},
			Throttle: ThrottleConfig{MaxPerHour: 2, MaxPerDay: 8, Cooldown: 30 * time.Minute},
		},
		{
			ID:       "security_violation_burst",
			Name:     "Security Violation Burst",
			Enabled:  true,
			Severity: model.SeverityHigh,
			Conditions: []Condition{
				{Type: ConditionFrequency, Category: model.CategorySecurityViolation, Window: 15 * time.Minute, Count: 3},
			},
			Channels: []string{"push", "audit_log"},
			Throttle: ThrottleConfig{MaxPerHour: 4, MaxPerDay: 16, Cooldown: 5 * time.Minute},
		},
	}
}
