package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellr/sentinel/internal/metrics"
	"github.com/stellr/sentinel/internal/model"
)

type recordingChannel struct {
	mu        sync.Mutex
	name      string
	delivered []*Notification
	err       error
	order     *[]string
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Deliver(ctx context.Context, n *Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.order != nil {
		*c.order = append(*c.order, c.name)
	}
	if c.err != nil {
		return c.err
	}
	c.delivered = append(c.delivered, n)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delivered)
}

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewDispatcher(m, logger)
}

func testNotification() *Notification {
	return &Notification{
		Alert: &model.ActiveAlert{
			ID:       "alert-1",
			RuleID:   "high_risk",
			Severity: model.SeverityHigh,
			Status:   model.AlertActive,
		},
		Message: "High Risk Event: login_failed",
	}
}

func TestDispatcher_DeliversInPriorityOrder(t *testing.T) {
	d := newTestDispatcher(t)

	var order []string
	d.Register(&recordingChannel{name: "webhook", order: &order}, 3, 0)
	d.Register(&recordingChannel{name: "push", order: &order}, 1, 0)
	d.Register(&recordingChannel{name: "audit_log", order: &order}, 2, 0)

	d.Dispatch(context.Background(), testNotification(), []string{"webhook", "audit_log", "push"})

	assert.Equal(t, []string{"push", "audit_log", "webhook"}, order)
}

func TestDispatcher_SetsSentAt(t *testing.T) {
	d := newTestDispatcher(t)
	ch := &recordingChannel{name: "push"}
	d.Register(ch, 1, 0)

	n := testNotification()
	d.Dispatch(context.Background(), n, []string{"push"})

	require.Equal(t, 1, ch.count())
	assert.WithinDuration(t, time.Now(), n.SentAt, time.Second)
}

func TestDispatcher_FailingChannelDoesNotStopOthers(t *testing.T) {
	d := newTestDispatcher(t)
	failing := &recordingChannel{name: "push", err: errors.New("push service down")}
	healthy := &recordingChannel{name: "audit_log"}
	d.Register(failing, 1, 0)
	d.Register(healthy, 2, 0)

	d.Dispatch(context.Background(), testNotification(), []string{"push", "audit_log"})

	assert.Equal(t, 1, healthy.count())
}

func TestDispatcher_UnknownChannelSkipped(t *testing.T) {
	d := newTestDispatcher(t)
	ch := &recordingChannel{name: "push"}
	d.Register(ch, 1, 0)

	d.Dispatch(context.Background(), testNotification(), []string{"pager", "push"})
	assert.Equal(t, 1, ch.count())
}

func TestDispatcher_DisabledChannelSkipped(t *testing.T) {
	d := newTestDispatcher(t)
	ch := &recordingChannel{name: "push"}
	d.Register(ch, 1, 0)
	d.SetEnabled("push", false)

	d.Dispatch(context.Background(), testNotification(), []string{"push"})
	assert.Equal(t, 0, ch.count())

	d.SetEnabled("push", true)
	d.Dispatch(context.Background(), testNotification(), []string{"push"})
	assert.Equal(t, 1, ch.count())
}

func TestDispatcher_RateLimit(t *testing.T) {
	d := newTestDispatcher(t)
	ch := &recordingChannel{name: "push"}
	d.Register(ch, 1, 2)

	for i := 0; i < 5; i++ {
		d.Dispatch(context.Background(), testNotification(), []string{"push"})
	}
	assert.Equal(t, 2, ch.count())
}

func TestDispatcher_NilAlertNotification(t *testing.T) {
	d := newTestDispatcher(t)
	ch := &recordingChannel{name: "push"}
	d.Register(ch, 1, 0)

	// Critical mitigation reports carry no alert record.
	d.Dispatch(context.Background(), &Notification{Message: "critical detection"}, []string{"push"})
	assert.Equal(t, 1, ch.count())
}

func TestSlidingLimiter(t *testing.T) {
	l := newSlidingLimiter(2, time.Minute)
	base := time.Now()

	assert.True(t, l.allow(base))
	assert.True(t, l.allow(base.Add(time.Second)))
	assert.False(t, l.allow(base.Add(2*time.Second)))

	// Old entries age out of the window.
	assert.True(t, l.allow(base.Add(61*time.Second)))
}

func TestSlidingLimiter_Unlimited(t *testing.T) {
	l := newSlidingLimiter(0, time.Minute)
	now := time.Now()
	for i := 0; i < 100; i++ {
		assert.True(t, l.allow(now))
	}
}

func TestPushChannel_NilCallback(t *testing.T) {
	ch := NewPushChannel(nil)
	assert.Equal(t, ChannelPush, ch.Name())
	assert.NoError(t, ch.Deliver(context.Background(), testNotification()))
}

func TestPushChannel_CallbackInvoked(t *testing.T) {
	var got *Notification
	ch := NewPushChannel(func(ctx context.Context, n *Notification) error {
		got = n
		return nil
	})

	n := testNotification()
	require.NoError(t, ch.Deliver(context.Background(), n))
	assert.Same(t, n, got)
}

func TestWebhookChannel_Deliver(t *testing.T) {
	var received Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "alert-1")
		received.Message = "ok"
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	assert.Equal(t, ChannelWebhook, ch.Name())
	require.NoError(t, ch.Deliver(context.Background(), testNotification()))
	assert.Equal(t, "ok", received.Message)
}

func TestWebhookChannel_ServerErrorReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	err := ch.Deliver(context.Background(), testNotification())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebhookChannel_MissingURL(t *testing.T) {
	ch := NewWebhookChannel("")
	assert.Error(t, ch.Deliver(context.Background(), testNotification()))
}

func TestAuditLogChannel_WritesJSONLines(t *testing.T) {
	path := t.TempDir() + "/audit.log"
	ch := NewAuditLogChannel(path)
	defer ch.Close()

	require.NoError(t, ch.Deliver(context.Background(), testNotification()))
	require.NoError(t, ch.Deliver(context.Background(), testNotification()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), `"alert-1"`)
}
