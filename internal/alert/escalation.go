package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stellr/sentinel/internal/model"
	"github.com/stellr/sentinel/internal/notify"
)

const defaultAckTimeout = 15 * time.Minute

// Escalator advances unacknowledged alerts through their escalation policy
// levels. One pending timer exists per alert; Cancel and the timer firing
// race on the engine lock, and a fired timer re-checks the alert status so
// an acknowledged or resolved alert is never escalated.
type Escalator struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	engine *Engine
	logger *slog.Logger
	closed bool
}

func newEscalator(engine *Engine, logger *slog.Logger) *Escalator {
	return &Escalator{
		timers: make(map[string]*time.Timer),
		engine: engine,
		logger: logger,
	}
}

// Schedule arms a timer that escalates the alert past the given level unless
// it is acknowledged or resolved first.
func (esc *Escalator) Schedule(alertID string, policy *EscalationPolicy, level int) {
	if policy == nil || level >= len(policy.Levels)-1 {
		return
	}

	delay := policy.Levels[level].AckTimeout
	if delay <= 0 {
		delay = defaultAckTimeout
	}

	esc.mu.Lock()
	defer esc.mu.Unlock()
	if esc.closed {
		return
	}
	if t, ok := esc.timers[alertID]; ok {
		t.Stop()
	}
	esc.timers[alertID] = time.AfterFunc(delay, func() {
		esc.fire(alertID, policy, level)
	})
}

// Cancel stops the pending timer for an alert, if any.
func (esc *Escalator) Cancel(alertID string) {
	esc.mu.Lock()
	defer esc.mu.Unlock()
	if t, ok := esc.timers[alertID]; ok {
		t.Stop()
		delete(esc.timers, alertID)
	}
}

// Close stops all pending timers.
func (esc *Escalator) Close() {
	esc.mu.Lock()
	defer esc.mu.Unlock()
	esc.closed = true
	for id, t := range esc.timers {
		t.Stop()
		delete(esc.timers, id)
	}
}

func (esc *Escalator) fire(alertID string, policy *EscalationPolicy, level int) {
	esc.mu.Lock()
	delete(esc.timers, alertID)
	esc.mu.Unlock()

	next := level + 1

	e := esc.engine
	e.mu.Lock()
	alert, ok := e.active[alertID]
	if !ok || alert.Status != model.AlertActive {
		e.mu.Unlock()
		return
	}
	if policy.MaxEscalations > 0 && alert.EscalationLevel >= policy.MaxEscalations {
		e.mu.Unlock()
		return
	}
	alert.EscalationLevel = next
	snap := alert.Clone()
	e.mu.Unlock()

	e.metrics.EscalationsTotal.Inc()
	e.persist(snap)
	esc.logger.Warn("Alert escalated",
		"alert_id", alertID,
		"rule", snap.RuleID,
		"level", next)

	channels := policy.Levels[next].Channels
	if e.dispatcher != nil && len(channels) > 0 {
		e.dispatcher.Dispatch(context.Background(), &notify.Notification{
			Alert:           snap,
			EscalationLevel: next,
			Message:         fmt.Sprintf("%s (escalation level %d)", snap.RuleName, next),
		}, channels)
	}

	esc.Schedule(alertID, policy, next)
}
