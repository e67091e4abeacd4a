package mitigate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stellr/sentinel/internal/metrics"
	"github.com/stellr/sentinel/internal/model"
)

// Severity-scaled durations for account locks and rate limits.
var lockDurations = map[model.Severity]time.Duration{
	model.SeverityLow:      5 * time.Minute,
	model.SeverityMedium:   30 * time.Minute,
	model.SeverityHigh:     2 * time.Hour,
	model.SeverityCritical: 24 * time.Hour,
}

var rateLimitDurations = map[model.Severity]time.Duration{
	model.SeverityLow:      time.Minute,
	model.SeverityMedium:   5 * time.Minute,
	model.SeverityHigh:     30 * time.Minute,
	model.SeverityCritical: 2 * time.Hour,
}

// monitoringTTL is how long the enhanced-monitoring flag stays set.
const monitoringTTL = 24 * time.Hour

const actionTimeout = 5 * time.Second

// SessionTerminator is the external collaborator that performs the global
// sign-out and local credential wipe.
type SessionTerminator interface {
	TerminateSessions(ctx context.Context, subjectID string) error
}

// CriticalSink receives critical detections and emergency mitigations. This
// is the one path where surfacing to an operator is mandatory, not
// best-effort.
type CriticalSink interface {
	ReportCritical(ctx context.Context, result *model.ThreatDetectionResult)
}

type blockEntry struct {
	Reason    string
	ExpiresAt time.Time
}

// Executor maps refined detections to concrete mitigation actions. Actions
// fan out concurrently and independently; one failing never stops the rest.
type Executor struct {
	terminator SessionTerminator
	sink       CriticalSink
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu           sync.RWMutex
	locks        map[string]blockEntry
	rateLimits   map[string]blockEntry
	deviceBlocks map[string]blockEntry
	monitoring   map[string]time.Time

	handlers map[model.MitigationAction]func(ctx context.Context, res *model.ThreatDetectionResult) error
}

// NewExecutor creates a mitigation executor. terminator and sink may be nil;
// the corresponding actions then degrade to logging.
func NewExecutor(terminator SessionTerminator, sink CriticalSink, m *metrics.Metrics, logger *slog.Logger) *Executor {
	e := &Executor{
		terminator: terminator,
		sink:       sink,
		logger:     logger,
		metrics:    m,
		locks:        make(map[string]blockEntry),
		rateLimits:   make(map[string]blockEntry),
		deviceBlocks: make(map[string]blockEntry),
		monitoring:   make(map[string]time.Time),
	}

	// Closed action vocabulary dispatched through a lookup table; adding an
	// action without a handler fails Execute loudly instead of silently.
	e.handlers = map[model.MitigationAction]func(ctx context.Context, res *model.ThreatDetectionResult) error{
		model.ActionAccountLock:        e.lockAccount,
		model.ActionRateLimit:          e.applyRateLimit,
		model.ActionSessionTerminate:   e.terminateSessions,
		model.ActionEnhancedMonitoring: e.enableMonitoring,
		model.ActionIPBlock:            e.requestIPBlock,
	}
	return e
}

// Execute runs the detection's recommended actions as a best-effort
// concurrent fan-out. Called for detections with auto_mitigate set, and for
// requires_investigation detections restricted to passive actions.
func (e *Executor) Execute(ctx context.Context, res *model.ThreatDetectionResult) {
	actions := res.RecommendedActions
	if !res.AutoMitigate {
		actions = passiveOnly(actions)
	}
	if len(actions) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, action := range actions {
		handler, ok := e.handlers[action]
		if !ok {
			e.logger.Error("No handler for mitigation action", "action", action, "pattern_id", res.PatternID)
			continue
		}

		wg.Add(1)
		go func(action model.MitigationAction, handler func(context.Context, *model.ThreatDetectionResult) error) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.metrics.MitigationErrors.Inc()
					e.logger.Error("Mitigation action panicked", "action", action, "panic", r)
				}
			}()

			actionCtx, cancel := context.WithTimeout(ctx, actionTimeout)
			defer cancel()

			if err := handler(actionCtx, res); err != nil {
				e.metrics.MitigationErrors.Inc()
				e.logger.Error("Mitigation action failed",
					"action", action,
					"subject_id", res.SubjectID,
					"pattern_id", res.PatternID,
					"error", err)
				return
			}
			e.metrics.MitigationsTotal.WithLabelValues(string(action)).Inc()
		}(action, handler)
	}
	wg.Wait()

	if res.Severity == model.SeverityCritical && e.sink != nil {
		e.sink.ReportCritical(ctx, res)
	}
	e.updateBlockGauge()
}

// passiveOnly filters the action list down to actions safe to run without
// the auto-mitigation confidence bar: monitoring and out-of-band requests.
func passiveOnly(actions []model.MitigationAction) []model.MitigationAction {
	var out []model.MitigationAction
	for _, a := range actions {
		if a == model.ActionEnhancedMonitoring || a == model.ActionIPBlock {
			out = append(out, a)
		}
	}
	return out
}

func (e *Executor) lockAccount(ctx context.Context, res *model.ThreatDetectionResult) error {
	if res.SubjectID == "" {
		return nil
	}
	duration := lockDurations[res.Severity]
	e.mu.Lock()
	e.locks[res.SubjectID] = blockEntry{
		Reason:    "account locked: " + res.PatternID,
		ExpiresAt: time.Now().Add(duration),
	}
	// The offending device is blocked alongside the account so a stolen
	// credential on a second subject still hits the gate.
	if res.DeviceID != "" {
		e.deviceBlocks[res.DeviceID] = blockEntry{
			Reason:    "device blocked: " + res.PatternID,
			ExpiresAt: time.Now().Add(duration),
		}
	}
	e.mu.Unlock()

	e.logger.Warn("Account locked",
		"subject_id", res.SubjectID,
		"device_id", res.DeviceID,
		"pattern_id", res.PatternID,
		"duration", duration)
	return nil
}

func (e *Executor) applyRateLimit(ctx context.Context, res *model.ThreatDetectionResult) error {
	if res.SubjectID == "" {
		return nil
	}
	duration := rateLimitDurations[res.Severity]
	e.mu.Lock()
	e.rateLimits[res.SubjectID] = blockEntry{
		Reason:    "rate limited: " + res.PatternID,
		ExpiresAt: time.Now().Add(duration),
	}
	e.mu.Unlock()

	e.logger.Warn("Rate limit applied",
		"subject_id", res.SubjectID,
		"pattern_id", res.PatternID,
		"duration", duration)
	return nil
}

func (e *Executor) terminateSessions(ctx context.Context, res *model.ThreatDetectionResult) error {
	if e.terminator == nil || res.SubjectID == "" {
		e.logger.Warn("Session termination requested without terminator",
			"subject_id", res.SubjectID, "pattern_id", res.PatternID)
		return nil
	}
	return e.terminator.TerminateSessions(ctx, res.SubjectID)
}

func (e *Executor) enableMonitoring(ctx context.Context, res *model.ThreatDetectionResult) error {
	if res.SubjectID == "" {
		return nil
	}
	e.mu.Lock()
	e.monitoring[res.SubjectID] = time.Now().Add(monitoringTTL)
	e.mu.Unlock()

	e.logger.Info("Enhanced monitoring enabled",
		"subject_id", res.SubjectID,
		"pattern_id", res.PatternID,
		"ttl", monitoringTTL)
	return nil
}

// requestIPBlock records a network-level block request for out-of-band
// enforcement; the client cannot enforce these itself.
func (e *Executor) requestIPBlock(ctx context.Context, res *model.ThreatDetectionResult) error {
	e.logger.Warn("IP block requested for out-of-band enforcement",
		"subject_id", res.SubjectID,
		"pattern_id", res.PatternID,
		"risk_score", res.RiskScore)
	return nil
}

// CheckAccess consults active locks and rate limits for a subject and active
// blocks for a device. Either identity being blocked denies the request. It is
// the backing for the synchronous request-security gate.
func (e *Executor) CheckAccess(subjectID, deviceID string) (bool, string) {
	now := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	if subjectID != "" {
		if entry, ok := e.locks[subjectID]; ok && entry.ExpiresAt.After(now) {
			return false, entry.Reason
		}
		if entry, ok := e.rateLimits[subjectID]; ok && entry.ExpiresAt.After(now) {
			return false, entry.Reason
		}
	}
	if deviceID != "" {
		if entry, ok := e.deviceBlocks[deviceID]; ok && entry.ExpiresAt.After(now) {
			return false, entry.Reason
		}
	}
	return true, ""
}

// Monitored reports whether a subject is under enhanced monitoring.
func (e *Executor) Monitored(subjectID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	until, ok := e.monitoring[subjectID]
	return ok && until.After(time.Now())
}

// ActiveBlockCount returns the number of unexpired locks and rate limits.
func (e *Executor) ActiveBlockCount() int {
	now := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	count := 0
	for _, entry := range e.locks {
		if entry.ExpiresAt.After(now) {
			count++
		}
	}
	for _, entry := range e.rateLimits {
		if entry.ExpiresAt.After(now) {
			count++
		}
	}
	for _, entry := range e.deviceBlocks {
		if entry.ExpiresAt.After(now) {
			count++
		}
	}
	return count
}

// Sweep drops expired locks, rate limits and monitoring flags; called from
// the maintenance loop.
func (e *Executor) Sweep() {
	now := time.Now()

	e.mu.Lock()
	for id, entry := range e.locks {
		if entry.ExpiresAt.Before(now) {
			delete(e.locks, id)
		}
	}
	for id, entry := range e.rateLimits {
		if entry.ExpiresAt.Before(now) {
			delete(e.rateLimits, id)
		}
	}
	for id, entry := range e.deviceBlocks {
		if entry.ExpiresAt.Before(now) {
			delete(e.deviceBlocks, id)
		}
	}
	for id, until := range e.monitoring {
		if until.Before(now) {
			delete(e.monitoring, id)
		}
	}
	e.mu.Unlock()

	e.updateBlockGauge()
}

func (e *Executor) updateBlockGauge() {
	e.metrics.ActiveBlocks.Set(float64(e.ActiveBlockCount()))
}
