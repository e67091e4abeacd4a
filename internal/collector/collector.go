package collector

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oschwald/geoip2-golang"

	"github.com/stellr/sentinel/internal/metrics"
	"github.com/stellr/sentinel/internal/model"
)

// persistTimeout bounds the async audit store write so a stalled disk or
// database never backs up into ingestion.
const persistTimeout = 2 * time.Second

// EventWriter is the durable side of the collector; persistence failures are
// logged, never raised.
type EventWriter interface {
	SaveEvent(ctx context.Context, ev *model.SecurityEvent) error
}

// Collector normalizes raw signals into canonical SecurityEvents, enriching
// them with session and device context before fanning them out.
type Collector struct {
	window  *Window
	store   EventWriter
	geoip   *geoip2.Reader
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]time.Time
}

// New creates a collector. geoDB may be nil when no GeoIP database is
// configured; geographical enrichment is then skipped.
func New(window *Window, store EventWriter, geoDB *geoip2.Reader, m *metrics.Metrics, logger *slog.Logger) *Collector {
	return &Collector{
		window:   window,
		store:    store,
		geoip:    geoDB,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]time.Time),
	}
}

// Submit validates and enriches a raw signal into an immutable SecurityEvent,
// appends it to the in-memory window and persists it asynchronously. The only
// errors returned are validation errors; enrichment and persistence failures
// degrade to logging so callers are never blocked or broken by them.
func (c *Collector) Submit(ctx context.Context, sig model.RawSignal) (*model.SecurityEvent, error) {
	if err := sig.Validate(); err != nil {
		c.metrics.EventsInvalidTotal.Inc()
		return nil, err
	}

	severity := sig.Severity
	if severity == "" {
		severity = model.SeverityInfo
	}

	ev := &model.SecurityEvent{
		ID:               uuid.New().String(),
		Category:         sig.Category,
		Type:             sig.Type,
		Severity:         severity,
		SubjectID:        sig.SubjectID,
		SessionID:        sig.SessionID,
		DeviceID:         sig.DeviceID,
		ResourceType:     sig.ResourceType,
		ResourceID:       sig.ResourceID,
		Context:          cloneContext(sig.Context),
		ThreatIndicators: sig.ThreatIndicators,
		RiskScore:        sig.RiskScore,
		Timestamp:        time.Now().UTC(),
	}

	c.enrichSession(ev)
	c.enrichLocation(ev)

	c.window.Add(ev)
	c.metrics.EventsTotal.WithLabelValues(string(ev.Category), string(ev.Severity)).Inc()

	go c.persist(ev)

	return ev, nil
}

// enrichSession assigns a session id when the caller did not provide one and
// records elapsed session duration into the event context.
func (c *Collector) enrichSession(ev *model.SecurityEvent) {
	if ev.SessionID == "" {
		ev.SessionID = uuid.New().String()
	}

	c.mu.Lock()
	start, ok := c.sessions[ev.SessionID]
	if !ok {
		start = ev.Timestamp
		c.sessions[ev.SessionID] = start
	}
	c.mu.Unlock()

	ev.Context["session_elapsed_seconds"] = ev.Timestamp.Sub(start).Seconds()
}

// enrichLocation resolves a client_ip from the signal context into a city and
// country when a GeoIP database is available. Lookup failures leave the event
// unenriched.
func (c *Collector) enrichLocation(ev *model.SecurityEvent) {
	if c.geoip == nil {
		return
	}
	raw, ok := ev.Context["client_ip"].(string)
	if !ok || raw == "" {
		return
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return
	}
	city, err := c.geoip.City(ip)
	if err != nil {
		c.logger.Debug("GeoIP lookup failed", "ip", raw, "error", err)
		return
	}
	if name, ok := city.City.Names["en"]; ok && name != "" {
		ev.Context["geo_city"] = name
	}
	ev.Context["geo_country"] = city.Country.IsoCode
	ev.Context["geo_lat"] = city.Location.Latitude
	ev.Context["geo_lon"] = city.Location.Longitude
}

func (c *Collector) persist(ev *model.SecurityEvent) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := c.store.SaveEvent(ctx, ev); err != nil {
		c.metrics.PersistErrorsTotal.Inc()
		c.logger.Warn("Failed to persist event",
			"event_id", ev.ID,
			"category", ev.Category,
			"error", err)
	}
}

// EndSession drops session start bookkeeping for a terminated session.
func (c *Collector) EndSession(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// SweepSessions drops session entries idle past the window age; called from
// the maintenance loop so the map stays bounded.
func (c *Collector) SweepSessions(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, start := range c.sessions {
		if start.Before(cutoff) {
			delete(c.sessions, id)
		}
	}
}

// Window exposes the shared event window to downstream consumers.
func (c *Collector) Window() *Window {
	return c.window
}

func cloneContext(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+4)
	for k, v := range in {
		out[k] = v
	}
	return out
}
