package alert

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/stellr/sentinel/internal/model"
	"github.com/stellr/sentinel/internal/store"
)

// EventCounter supplies windowed event counts for frequency and anomaly
// conditions, typically the audit store.
type EventCounter interface {
	CountEvents(ctx context.Context, f store.EventFilter) (int, error)
}

// defaultDeviation is the relative deviation from the historical baseline at
// which an anomaly condition fires when the rule does not set its own.
const defaultDeviation = 0.5

const defaultLookback = 24 * time.Hour

// evalCondition evaluates a single condition against the event. Frequency and
// anomaly conditions consult the counter; a nil counter fails them closed.
func evalCondition(ctx context.Context, c *Condition, ev *model.SecurityEvent, counter EventCounter, now time.Time) (bool, error) {
	switch c.Type {
	case ConditionThreshold:
		return evalThreshold(c, ev)
	case ConditionPattern:
		return evalPattern(c, ev)
	case ConditionFrequency:
		return evalFrequency(ctx, c, ev, counter, now)
	case ConditionAnomaly:
		return evalAnomaly(ctx, c, ev, counter, now)
	default:
		return false, fmt.Errorf("unknown condition type %q", c.Type)
	}
}

func evalThreshold(c *Condition, ev *model.SecurityEvent) (bool, error) {
	value, ok := numericField(ev, c.Field)
	if !ok {
		return false, nil
	}
	switch c.Op {
	case OpGT:
		return value > c.Value, nil
	case OpGTE:
		return value >= c.Value, nil
	case OpLT:
		return value < c.Value, nil
	case OpLTE:
		return value <= c.Value, nil
	case OpEQ:
		return value == c.Value, nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Op)
}

func evalPattern(c *Condition, ev *model.SecurityEvent) (bool, error) {
	value, ok := stringField(ev, c.Field)
	if !ok {
		return false, nil
	}
	switch c.Match {
	case MatchEquals:
		return value == c.Pattern, nil
	case MatchRegex:
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", c.Pattern, err)
		}
		return re.MatchString(value), nil
	case MatchContains, "":
		return strings.Contains(value, c.Pattern), nil
	}
	return false, fmt.Errorf("unknown match mode %q", c.Match)
}

func evalFrequency(ctx context.Context, c *Condition, ev *model.SecurityEvent, counter EventCounter, now time.Time) (bool, error) {
	if counter == nil {
		return false, nil
	}
	n, err := counter.CountEvents(ctx, store.EventFilter{
		SubjectID: ev.SubjectID,
		Category:  c.Category,
		Type:      c.EventType,
		Since:     now.Add(-c.Window),
	})
	if err != nil {
		return false, err
	}
	return n >= c.Count, nil
}

// evalAnomaly compares the event count in the current window against the
// average count over the same-sized windows of the lookback period.
func evalAnomaly(ctx context.Context, c *Condition, ev *model.SecurityEvent, counter EventCounter, now time.Time) (bool, error) {
	if counter == nil {
		return false, nil
	}

	lookback := c.Lookback
	if lookback <= 0 {
		lookback = defaultLookback
	}
	deviation := c.Deviation
	if deviation <= 0 {
		deviation = defaultDeviation
	}

	current, err := counter.CountEvents(ctx, store.EventFilter{
		SubjectID: ev.SubjectID,
		Category:  c.Category,
		Type:      c.EventType,
		Since:     now.Add(-c.Window),
	})
	if err != nil {
		return false, err
	}

	total, err := counter.CountEvents(ctx, store.EventFilter{
		SubjectID: ev.SubjectID,
		Category:  c.Category,
		Type:      c.EventType,
		Since:     now.Add(-lookback),
		Until:     now.Add(-c.Window),
	})
	if err != nil {
		return false, err
	}

	buckets := float64(lookback-c.Window) / float64(c.Window)
	if buckets < 1 {
		return false, nil
	}
	baseline := float64(total) / buckets
	if baseline == 0 {
		// No history yet; a burst out of nowhere only counts once it
		// clears the absolute count, if the rule sets one.
		return c.Count > 0 && current >= c.Count, nil
	}

	return float64(current) >= baseline*(1+deviation), nil
}

// numericField extracts a numeric value from the event by field path.
// Supported paths: risk_score, the context.* keys, and severity (by rank).
func numericField(ev *model.SecurityEvent, field string) (float64, bool) {
	switch {
	case field == "risk_score":
		if ev.RiskScore == nil {
			return 0, false
		}
		return *ev.RiskScore, true
	case field == "severity":
		return float64(ev.Severity.Rank()), true
	case strings.HasPrefix(field, "context."):
		raw, ok := ev.Context[strings.TrimPrefix(field, "context.")]
		if !ok {
			return 0, false
		}
		switch v := raw.(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		}
		return 0, false
	}
	return 0, false
}

// stringField extracts a string value from the event by field path.
func stringField(ev *model.SecurityEvent, field string) (string, bool) {
	switch {
	case field == "category":
		return string(ev.Category), true
	case field == "type":
		return ev.Type, true
	case field == "severity":
		return string(ev.Severity), true
	case field == "subject_id":
		return ev.SubjectID, true
	case field == "device_id":
		return ev.DeviceID, true
	case field == "resource_type":
		return ev.ResourceType, true
	case field == "resource_id":
		return ev.ResourceID, true
	case strings.HasPrefix(field, "context."):
		raw, ok := ev.Context[strings.TrimPrefix(field, "context.")]
		if !ok {
			return "", false
		}
		s, ok := raw.(string)
		return s, ok
	}
	return "", false
}
