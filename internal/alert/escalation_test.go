package alert

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellr/sentinel/internal/model"
)

func escalatingRule(ackTimeout time.Duration, maxEscalations int) Rule {
	return Rule{
		ID:       "escalating_rule",
		Name:     "Escalating Rule",
		Enabled:  true,
		Severity: model.SeverityCritical,
		Conditions: []Condition{
			{Type: ConditionThreshold, Field: "risk_score", Op: OpGTE, Value: 70},
		},
		Throttle: ThrottleConfig{Disabled: true},
		Escalation: &EscalationPolicy{
			Levels: []EscalationLevel{
				{Channels: []string{"test"}, AckTimeout: ackTimeout},
				{Channels: []string{"test"}, AckTimeout: ackTimeout},
				{Channels: []string{"test"}},
			},
			MaxEscalations: maxEscalations,
		},
	}
}

func escalationLevel(e *Engine, id string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if a, ok := e.active[id]; ok {
		return a.EscalationLevel
	}
	return -1
}

func TestEscalator_UnacknowledgedAlertEscalates(t *testing.T) {
	e, ch := newTestEngine(t, []Rule{escalatingRule(30*time.Millisecond, 2)}, nil)

	alerts := e.EvaluateEvent(context.Background(), riskEvent(90))
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	assert.Equal(t, 0, escalationLevel(e, id))
	require.Equal(t, 1, ch.count())

	assert.Eventually(t, func() bool {
		return escalationLevel(e, id) >= 1
	}, 2*time.Second, 5*time.Millisecond)

	// The escalation step notified its level's channels.
	assert.Eventually(t, func() bool {
		return ch.count() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEscalator_StopsAtMaxEscalations(t *testing.T) {
	e, _ := newTestEngine(t, []Rule{escalatingRule(20*time.Millisecond, 1)}, nil)

	alerts := e.EvaluateEvent(context.Background(), riskEvent(90))
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	assert.Eventually(t, func() bool {
		return escalationLevel(e, id) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Wait out another timeout; the cap keeps the level at 1.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, escalationLevel(e, id))
}

func TestEscalator_AcknowledgeCancelsEscalation(t *testing.T) {
	e, ch := newTestEngine(t, []Rule{escalatingRule(80*time.Millisecond, 2)}, nil)

	alerts := e.EvaluateEvent(context.Background(), riskEvent(90))
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	require.NoError(t, e.Acknowledge(id, "oncall"))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, escalationLevel(e, id))
	assert.Equal(t, 1, ch.count())
}

func TestEscalator_ResolvedAlertNeverEscalates(t *testing.T) {
	e, ch := newTestEngine(t, []Rule{escalatingRule(80*time.Millisecond, 2)}, nil)

	alerts := e.EvaluateEvent(context.Background(), riskEvent(90))
	require.Len(t, alerts, 1)

	ok, err := e.Resolve(alerts[0].ID, "ops", "handled")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, ch.count())
}

func TestEscalator_CloseStopsTimers(t *testing.T) {
	e, ch := newTestEngine(t, []Rule{escalatingRule(50*time.Millisecond, 2)}, nil)

	alerts := e.EvaluateEvent(context.Background(), riskEvent(90))
	require.Len(t, alerts, 1)

	e.Close()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, ch.count())
}
