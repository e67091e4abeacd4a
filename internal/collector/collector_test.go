package collector

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellr/sentinel/internal/metrics"
	"github.com/stellr/sentinel/internal/model"
)

type capturingWriter struct {
	mu     sync.Mutex
	events []*model.SecurityEvent
}

func (w *capturingWriter) SaveEvent(ctx context.Context, ev *model.SecurityEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
	return nil
}

func (w *capturingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.events)
}

func newTestCollector(t *testing.T) (*Collector, *capturingWriter) {
	t.Helper()
	writer := &capturingWriter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	return New(NewWindow(time.Hour, 100), writer, nil, m, logger), writer
}

func TestCollector_Submit(t *testing.T) {
	c, writer := newTestCollector(t)

	ev, err := c.Submit(context.Background(), model.RawSignal{
		Category:  model.CategoryAuthentication,
		Type:      "login_success",
		Severity:  model.SeverityLow,
		SubjectID: "user-001",
		DeviceID:  "device-abc",
	})
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.NotEmpty(t, ev.ID)
	assert.NotEmpty(t, ev.SessionID)
	assert.Equal(t, model.SeverityLow, ev.Severity)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Contains(t, ev.Context, "session_elapsed_seconds")

	assert.Len(t, c.Window().Recent("user-001", time.Minute), 1)

	assert.Eventually(t, func() bool { return writer.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestCollector_Submit_DefaultsSeverity(t *testing.T) {
	c, _ := newTestCollector(t)

	ev, err := c.Submit(context.Background(), model.RawSignal{
		Category: model.CategoryDataAccess,
		Type:     "record_read",
	})
	require.NoError(t, err)
	assert.Equal(t, model.SeverityInfo, ev.Severity)
}

func TestCollector_Submit_Invalid(t *testing.T) {
	c, _ := newTestCollector(t)

	tests := []struct {
		name   string
		signal model.RawSignal
		field  string
	}{
		{
			name:   "missing category",
			signal: model.RawSignal{Type: "login_success"},
			field:  "category",
		},
		{
			name:   "missing type",
			signal: model.RawSignal{Category: model.CategoryAuthentication},
			field:  "type",
		},
		{
			name: "bad severity",
			signal: model.RawSignal{
				Category: model.CategoryAuthentication,
				Type:     "login_success",
				Severity: "catastrophic",
			},
			field: "severity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := c.Submit(context.Background(), tt.signal)
			require.Error(t, err)
			assert.Nil(t, ev)

			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCollector_SessionTracking(t *testing.T) {
	c, _ := newTestCollector(t)

	first, err := c.Submit(context.Background(), model.RawSignal{
		Category:  model.CategoryAuthentication,
		Type:      "login_success",
		SubjectID: "user-001",
		SessionID: "session-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "session-1", first.SessionID)
	assert.Equal(t, 0.0, first.Context["session_elapsed_seconds"])

	second, err := c.Submit(context.Background(), model.RawSignal{
		Category:  model.CategoryDataAccess,
		Type:      "record_read",
		SubjectID: "user-001",
		SessionID: "session-1",
	})
	require.NoError(t, err)

	elapsed, ok := second.Context["session_elapsed_seconds"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, elapsed, 0.0)
}

func TestCollector_EndSession(t *testing.T) {
	c, _ := newTestCollector(t)

	_, err := c.Submit(context.Background(), model.RawSignal{
		Category:  model.CategoryAuthentication,
		Type:      "login_success",
		SessionID: "session-1",
	})
	require.NoError(t, err)

	c.EndSession("session-1")

	c.mu.Lock()
	_, tracked := c.sessions["session-1"]
	c.mu.Unlock()
	assert.False(t, tracked)
}

func TestCollector_ContextIsolation(t *testing.T) {
	c, _ := newTestCollector(t)

	original := map[string]interface{}{"client_ip": "203.0.113.7"}
	ev, err := c.Submit(context.Background(), model.RawSignal{
		Category: model.CategoryAuthentication,
		Type:     "login_success",
		Context:  original,
	})
	require.NoError(t, err)

	// Enrichment writes to the event copy, never the caller's map.
	assert.NotContains(t, original, "session_elapsed_seconds")
	assert.Contains(t, ev.Context, "session_elapsed_seconds")
}
