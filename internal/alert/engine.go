package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stellr/sentinel/internal/metrics"
	"github.com/stellr/sentinel/internal/model"
	"github.com/stellr/sentinel/internal/notify"
	"github.com/stellr/sentinel/internal/store"
)

// StaleResolution marks alerts auto-resolved by the maintenance sweep.
const StaleResolution = "auto_resolved_stale"

const persistTimeout = 2 * time.Second

// AlertSink persists alert records. Writes are best-effort.
type AlertSink interface {
	SaveAlert(ctx context.Context, a *model.ActiveAlert) error
}

// throttleState tracks per-rule firing counts inside rolling hour and day
// windows plus the last firing time for cooldown.
type throttleState struct {
	hourStart time.Time
	hourCount int
	dayStart  time.Time
	dayCount  int
	lastFired time.Time
}

// Engine evaluates alert rules against security events and owns the alert
// lifecycle from trigger through resolution.
type Engine struct {
	mu       sync.RWMutex
	rules    []Rule
	active   map[string]*model.ActiveAlert
	byKey    map[string]string
	throttle map[string]*throttleState

	history    *store.AlertHistory
	counter    EventCounter
	sink       AlertSink
	dispatcher *notify.Dispatcher
	escalator  *Escalator
	logger     *slog.Logger
	metrics    *metrics.Metrics

	triggered int64
	resolved  int64

	now func() time.Time
}

// NewEngine creates an alert engine. counter and sink may be nil; frequency
// and anomaly conditions then never match and persistence is skipped.
func NewEngine(rules []Rule, history *store.AlertHistory, counter EventCounter, sink AlertSink, dispatcher *notify.Dispatcher, logger *slog.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		rules:      rules,
		active:     make(map[string]*model.ActiveAlert),
		byKey:      make(map[string]string),
		throttle:   make(map[string]*throttleState),
		history:    history,
		counter:    counter,
		sink:       sink,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
	e.escalator = newEscalator(e, logger)
	return e
}

// ReplaceRules swaps the rule set, used on configuration reload. Throttle
// state for rules that survive the reload is preserved.
func (e *Engine) ReplaceRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := make(map[string]bool, len(rules))
	for _, r := range rules {
		kept[r.ID] = true
	}
	for id := range e.throttle {
		if !kept[id] {
			delete(e.throttle, id)
		}
	}
	e.rules = rules
	e.logger.Info("Alert rules replaced", "count", len(rules))
}

// Rules returns a copy of the current rule set.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// EvaluateEvent runs every enabled rule against the event and returns the
// alerts triggered. A failing rule is logged and skipped; it never blocks
// the other rules.
func (e *Engine) EvaluateEvent(ctx context.Context, ev *model.SecurityEvent) []*model.ActiveAlert {
	e.mu.RLock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	var triggered []*model.ActiveAlert
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		alert := e.evaluateRuleSafe(ctx, rule, ev)
		if alert != nil {
			triggered = append(triggered, alert)
		}
	}
	return triggered
}

func (e *Engine) evaluateRuleSafe(ctx context.Context, rule *Rule, ev *model.SecurityEvent) (alert *model.ActiveAlert) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Alert rule panicked", "rule", rule.ID, "panic", r)
			alert = nil
		}
	}()

	for i := range rule.Conditions {
		ok, err := evalCondition(ctx, &rule.Conditions[i], ev, e.counter, e.now())
		if err != nil {
			e.logger.Warn("Alert condition failed", "rule", rule.ID, "condition", rule.Conditions[i].Type, "error", err)
			return nil
		}
		if !ok {
			return nil
		}
	}
	return e.trigger(ctx, rule, ev)
}

// trigger creates an alert for a matched rule, applying duplicate
// suppression and throttling first.
func (e *Engine) trigger(ctx context.Context, rule *Rule, ev *model.SecurityEvent) *model.ActiveAlert {
	now := e.now().UTC()
	key := rule.ID + ":" + ev.SubjectID

	e.mu.Lock()

	// A duplicate of an already-active alert is recorded as suppressed and
	// never notified.
	if existingID, dup := e.byKey[key]; dup {
		if _, stillActive := e.active[existingID]; stillActive {
			suppressed := e.newAlert(rule, ev, now)
			suppressed.Status = model.AlertSuppressed
			suppressed.Metadata["suppressed_by"] = existingID
			e.history.Add(suppressed)
			e.mu.Unlock()

			e.metrics.AlertsThrottledTotal.Inc()
			e.persist(suppressed)
			e.logger.Debug("Duplicate alert suppressed", "rule", rule.ID, "subject_id", ev.SubjectID, "active_alert", existingID)
			return nil
		}
		delete(e.byKey, key)
	}

	if !rule.Throttle.Disabled && e.throttled(rule, now) {
		e.mu.Unlock()
		e.metrics.AlertsThrottledTotal.Inc()
		e.logger.Debug("Alert throttled", "rule", rule.ID, "subject_id", ev.SubjectID)
		return nil
	}

	alert := e.newAlert(rule, ev, now)
	e.active[alert.ID] = alert
	e.byKey[key] = alert.ID
	e.triggered++
	activeCount := len(e.active)
	// Everything past the lock works on a snapshot; the live struct is only
	// touched under e.mu.
	snap := alert.Clone()
	e.mu.Unlock()

	e.metrics.AlertsTriggeredTotal.WithLabelValues(rule.ID, string(snap.Severity)).Inc()
	e.metrics.ActiveAlerts.Set(float64(activeCount))
	e.persist(snap)

	e.logger.Info("Alert triggered",
		"alert_id", snap.ID,
		"rule", rule.ID,
		"severity", snap.Severity,
		"subject_id", ev.SubjectID)

	channels := rule.Channels
	if rule.Escalation != nil && len(rule.Escalation.Levels) > 0 {
		channels = rule.Escalation.Levels[0].Channels
	}
	if e.dispatcher != nil && len(channels) > 0 {
		e.dispatcher.Dispatch(ctx, &notify.Notification{
			Alert:   snap,
			Message: fmt.Sprintf("%s: %s", rule.Name, ev.Type),
		}, channels)
	}

	if rule.Escalation != nil && len(rule.Escalation.Levels) > 1 {
		e.escalator.Schedule(snap.ID, rule.Escalation, 0)
	}

	return snap
}

func (e *Engine) newAlert(rule *Rule, ev *model.SecurityEvent, now time.Time) *model.ActiveAlert {
	return &model.ActiveAlert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Severity:  rule.Severity,
		Status:    model.AlertActive,
		SubjectID: ev.SubjectID,
		Event:     ev,
		Metadata: map[string]interface{}{
			"event_id":   ev.ID,
			"event_type": ev.Type,
		},
		TriggeredAt: now,
	}
}

// throttled checks and updates the rolling rule counters. Caller holds the
// write lock.
func (e *Engine) throttled(rule *Rule, now time.Time) bool {
	st, ok := e.throttle[rule.ID]
	if !ok {
		st = &throttleState{hourStart: now, dayStart: now}
		e.throttle[rule.ID] = st
	}

	if now.Sub(st.hourStart) >= time.Hour {
		st.hourStart = now
		st.hourCount = 0
	}
	if now.Sub(st.dayStart) >= 24*time.Hour {
		st.dayStart = now
		st.dayCount = 0
	}

	if rule.Throttle.Cooldown > 0 && !st.lastFired.IsZero() && now.Sub(st.lastFired) < rule.Throttle.Cooldown {
		return true
	}
	if rule.Throttle.MaxPerHour > 0 && st.hourCount >= rule.Throttle.MaxPerHour {
		return true
	}
	if rule.Throttle.MaxPerDay > 0 && st.dayCount >= rule.Throttle.MaxPerDay {
		return true
	}

	st.hourCount++
	st.dayCount++
	st.lastFired = now
	return false
}

// Acknowledge moves an active alert to acknowledged and cancels any pending
// escalation.
func (e *Engine) Acknowledge(id, by string) error {
	e.mu.Lock()
	alert, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("alert %s not found or already closed", id)
	}
	if !alert.Status.CanTransition(model.AlertAcknowledged) {
		status := alert.Status
		e.mu.Unlock()
		return fmt.Errorf("alert %s cannot transition from %s to %s", id, status, model.AlertAcknowledged)
	}

	now := e.now().UTC()
	alert.Status = model.AlertAcknowledged
	alert.AcknowledgedAt = &now
	alert.AcknowledgedBy = by
	snap := alert.Clone()
	e.mu.Unlock()

	e.escalator.Cancel(id)
	e.persist(snap)
	e.logger.Info("Alert acknowledged", "alert_id", id, "by", by)
	return nil
}

// Resolve closes an alert. Resolving an already-resolved alert is a no-op
// and returns false.
func (e *Engine) Resolve(id, by, resolution string) (bool, error) {
	e.mu.Lock()
	alert, ok := e.active[id]
	if !ok {
		// Already closed resolutions are idempotent.
		if prior := e.findInHistory(id); prior != nil && prior.Status == model.AlertResolved {
			e.mu.Unlock()
			return false, nil
		}
		e.mu.Unlock()
		return false, fmt.Errorf("alert %s not found", id)
	}
	if !alert.Status.CanTransition(model.AlertResolved) {
		status := alert.Status
		e.mu.Unlock()
		return false, fmt.Errorf("alert %s cannot transition from %s to %s", id, status, model.AlertResolved)
	}

	now := e.now().UTC()
	alert.Status = model.AlertResolved
	alert.ResolvedAt = &now
	alert.ResolvedBy = by
	alert.Resolution = resolution

	delete(e.active, id)
	delete(e.byKey, alert.RuleID+":"+alert.SubjectID)
	e.history.Add(alert)
	e.resolved++
	activeCount := len(e.active)
	snap := alert.Clone()
	e.mu.Unlock()

	e.escalator.Cancel(id)
	e.metrics.ActiveAlerts.Set(float64(activeCount))
	e.persist(snap)
	e.logger.Info("Alert resolved", "alert_id", id, "by", by, "resolution", resolution)
	return true, nil
}

// findInHistory scans the in-memory history ring for an alert ID. Caller
// holds at least the read lock.
func (e *Engine) findInHistory(id string) *model.ActiveAlert {
	for _, a := range e.history.All() {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// ActiveAlerts returns snapshots of the open alerts (active and
// acknowledged), newest first. The copies are safe to read and serialize
// while the engine keeps mutating its own records.
func (e *Engine) ActiveAlerts() []*model.ActiveAlert {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*model.ActiveAlert, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	return out
}

// History returns the in-memory record of closed alerts.
func (e *Engine) History() *store.AlertHistory {
	return e.history
}

// Counts returns lifetime triggered and resolved alert counts.
func (e *Engine) Counts() (triggered, resolved int64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.triggered, e.resolved
}

// SweepStale auto-resolves alerts still in the active status older than
// staleAfter. Acknowledged alerts are someone's responsibility already and
// are left alone. Returns the number of alerts closed.
func (e *Engine) SweepStale(staleAfter time.Duration) int {
	cutoff := e.now().UTC().Add(-staleAfter)

	e.mu.RLock()
	var stale []string
	for id, a := range e.active {
		if a.Status != model.AlertActive {
			continue
		}
		if a.TriggeredAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	e.mu.RUnlock()

	closed := 0
	for _, id := range stale {
		if ok, err := e.Resolve(id, "system", StaleResolution); err == nil && ok {
			closed++
		}
	}
	if closed > 0 {
		e.logger.Info("Stale alerts auto-resolved", "count", closed)
	}
	return closed
}

// Close stops pending escalation timers.
func (e *Engine) Close() {
	e.escalator.Close()
}

// persist writes an alert snapshot in the background. Callers pass a clone
// taken under the engine lock, never the live record.
func (e *Engine) persist(alert *model.ActiveAlert) {
	if e.sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := e.sink.SaveAlert(ctx, alert); err != nil {
			e.metrics.PersistErrorsTotal.Inc()
			e.logger.Warn("Failed to persist alert", "alert_id", alert.ID, "error", err)
		}
	}()
}
