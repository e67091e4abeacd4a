package notify

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stellr/sentinel/internal/metrics"
	"github.com/stellr/sentinel/internal/model"
)

const deliverTimeout = 5 * time.Second

// Notification is the payload delivered to channels when an alert fires or
// escalates.
type Notification struct {
	Alert           *model.ActiveAlert `json:"alert"`
	EscalationLevel int                `json:"escalation_level"`
	Message         string             `json:"message,omitempty"`
	SentAt          time.Time          `json:"sent_at"`
}

// Channel is one notification delivery mechanism.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, n *Notification) error
}

type registration struct {
	channel  Channel
	priority int
	enabled  bool
	limiter  *slidingLimiter
}

// Dispatcher fans a notification out to its channel set, ordered by
// ascending priority (1 is highest). A channel over its rate limit is
// skipped for that dispatch; a failing channel is logged and the rest still
// run.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]*registration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher creates an empty dispatcher; channels are registered at
// wiring time.
func NewDispatcher(m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		channels: make(map[string]*registration),
		logger:   logger,
		metrics:  m,
	}
}

// Register adds a channel with a priority and a per-minute rate cap.
// ratePerMin <= 0 means unlimited.
func (d *Dispatcher) Register(ch Channel, priority int, ratePerMin int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.channels[ch.Name()] = &registration{
		channel:  ch,
		priority: priority,
		enabled:  true,
		limiter:  newSlidingLimiter(ratePerMin, time.Minute),
	}
}

// SetEnabled flips a channel's enable flag.
func (d *Dispatcher) SetEnabled(name string, enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reg, ok := d.channels[name]; ok {
		reg.enabled = enabled
	}
}

// Dispatch delivers the notification to the named channels. Unknown names
// are skipped with a warning so a policy can reference channels not wired in
// this build.
func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification, channelNames []string) {
	n.SentAt = time.Now().UTC()

	alertID := ""
	if n.Alert != nil {
		alertID = n.Alert.ID
	}

	d.mu.RLock()
	var targets []*registration
	for _, name := range channelNames {
		reg, ok := d.channels[name]
		if !ok {
			d.logger.Warn("Unknown notification channel", "channel", name)
			continue
		}
		targets = append(targets, reg)
	}
	d.mu.RUnlock()

	sort.SliceStable(targets, func(i, j int) bool {
		return targets[i].priority < targets[j].priority
	})

	for _, reg := range targets {
		name := reg.channel.Name()
		if !reg.enabled {
			continue
		}
		if !reg.limiter.allow(time.Now()) {
			d.logger.Warn("Notification channel rate limited, skipping",
				"channel", name,
				"alert_id", alertID)
			continue
		}

		deliverCtx, cancel := context.WithTimeout(ctx, deliverTimeout)
		err := reg.channel.Deliver(deliverCtx, n)
		cancel()

		if err != nil {
			d.metrics.NotificationErrors.WithLabelValues(name).Inc()
			d.logger.Error("Notification delivery failed",
				"channel", name,
				"alert_id", alertID,
				"error", err)
			continue
		}
		d.metrics.NotificationsTotal.WithLabelValues(name).Inc()
	}
}

// slidingLimiter is a sliding-window rate limiter over delivery timestamps.
type slidingLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	sent   []time.Time
}

func newSlidingLimiter(max int, window time.Duration) *slidingLimiter {
	return &slidingLimiter{max: max, window: window}
}

func (l *slidingLimiter) allow(now time.Time) bool {
	if l.max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	kept := l.sent[:0]
	for _, ts := range l.sent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.sent = kept

	if len(l.sent) >= l.max {
		return false
	}
	l.sent = append(l.sent, now)
	return true
}
