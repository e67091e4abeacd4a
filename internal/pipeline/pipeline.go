package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/stellr/sentinel/internal/alert"
	"github.com/stellr/sentinel/internal/collector"
	"github.com/stellr/sentinel/internal/metrics"
	"github.com/stellr/sentinel/internal/mitigate"
	"github.com/stellr/sentinel/internal/model"
	"github.com/stellr/sentinel/internal/profile"
	"github.com/stellr/sentinel/internal/store"
	"github.com/stellr/sentinel/internal/threat"
	"github.com/stellr/sentinel/internal/transport"
)

const defaultBatchChunk = 32

const metricsLookback = 24 * time.Hour

// Service wires the collector, profiler, threat evaluation, mitigation and
// alerting stages into one pipeline.
type Service struct {
	collector *collector.Collector
	profiler  *profile.Profiler
	evaluator *threat.Evaluator
	refiner   *threat.Refiner
	executor  *mitigate.Executor
	engine    *alert.Engine
	audit     *store.AuditStore
	publisher *transport.Publisher

	logger  *slog.Logger
	metrics *metrics.Metrics

	mitigationsRun int64

	stopMaintenance chan struct{}
	maintenanceOnce sync.Once
}

// New assembles the pipeline. audit and publisher may be nil; persistence and
// bus publishing are then skipped.
func New(c *collector.Collector, p *profile.Profiler, ev *threat.Evaluator, r *threat.Refiner, ex *mitigate.Executor, eng *alert.Engine, audit *store.AuditStore, pub *transport.Publisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		collector:       c,
		profiler:        p,
		evaluator:       ev,
		refiner:         r,
		executor:        ex,
		engine:          eng,
		audit:           audit,
		publisher:       pub,
		logger:          logger,
		metrics:         m,
		stopMaintenance: make(chan struct{}),
	}
}

// Submit runs one raw signal through the full pipeline: collection and
// enrichment, behavioral scoring, threat evaluation, refinement, mitigation
// and alerting. The returned event is the enriched form of the signal.
func (s *Service) Submit(ctx context.Context, raw *model.RawSignal) (*model.SecurityEvent, error) {
	ev, err := s.collector.Submit(ctx, *raw)
	if err != nil {
		return nil, err
	}

	// Synthesized detection events only feed the alert engine; running
	// them back through profiling would double-count the behavior.
	if ev.Category != model.CategoryThreatDetected && ev.SubjectID != "" {
		s.analyze(ctx, ev)
	}

	s.engine.EvaluateEvent(ctx, ev)
	return ev, nil
}

func (s *Service) analyze(ctx context.Context, ev *model.SecurityEvent) {
	behavior := buildBehavior(ev, s.collector.Window())

	// Score against the baseline as it stood before this observation,
	// then fold the observation in.
	anomaly := s.profiler.AnalyzeAnomaly(ev.SubjectID, behavior)
	s.profiler.UpdateProfile(ev.SubjectID, behavior)

	results := s.evaluator.EvaluateAll(ev, behavior, anomaly)
	refined := s.refiner.Refine(results)

	for _, res := range refined {
		s.handleDetection(ctx, ev, res, anomaly)
	}
}

func (s *Service) handleDetection(ctx context.Context, ev *model.SecurityEvent, res *model.ThreatDetectionResult, anomaly model.AnomalyScore) {
	s.logger.Warn("Threat detected",
		"pattern", res.PatternID,
		"subject_id", res.SubjectID,
		"severity", res.Severity,
		"confidence", res.Confidence,
		"risk_score", res.RiskScore,
		"auto_mitigate", res.AutoMitigate)

	s.executor.Execute(ctx, res)
	atomic.AddInt64(&s.mitigationsRun, int64(len(res.RecommendedActions)))

	if s.publisher != nil {
		if err := s.publisher.PublishDetection(res); err != nil {
			s.logger.Warn("Failed to publish detection", "pattern", res.PatternID, "error", err)
		}
	}

	detectionEv := s.detectionEvent(ev, res, anomaly)
	s.collector.Window().Add(detectionEv)
	s.persistEvent(detectionEv)
	s.engine.EvaluateEvent(ctx, detectionEv)
}

// detectionEvent turns a refined detection into a first-class security event
// so alert rules can match on it.
func (s *Service) detectionEvent(ev *model.SecurityEvent, res *model.ThreatDetectionResult, anomaly model.AnomalyScore) *model.SecurityEvent {
	risk := res.RiskScore
	return &model.SecurityEvent{
		ID:        uuid.New().String(),
		Category:  model.CategoryThreatDetected,
		Type:      res.PatternID,
		Severity:  res.Severity,
		SubjectID: res.SubjectID,
		SessionID: ev.SessionID,
		DeviceID:  ev.DeviceID,
		Context: map[string]interface{}{
			"confidence":             res.Confidence,
			"anomaly_score":          anomaly.Overall,
			"correlation_id":         res.CorrelationID,
			"source_event_id":        ev.ID,
			"auto_mitigate":          res.AutoMitigate,
			"requires_investigation": res.RequiresInvestigation,
		},
		ThreatIndicators: res.MatchedIndicators,
		RiskScore:        &risk,
		Timestamp:        res.DetectedAt,
	}
}

func (s *Service) persistEvent(ev *model.SecurityEvent) {
	if s.audit == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.audit.SaveEvent(ctx, ev); err != nil {
			s.metrics.PersistErrorsTotal.Inc()
			s.logger.Warn("Failed to persist detection event", "event_id", ev.ID, "error", err)
		}
	}()
}

// SubmitBatch processes signals in fixed-size chunks, each chunk concurrent.
// Returns the number of accepted signals and the first rejection per chunk.
func (s *Service) SubmitBatch(ctx context.Context, signals []model.RawSignal, chunkSize int) (int, []error) {
	if chunkSize <= 0 {
		chunkSize = defaultBatchChunk
	}

	var accepted int64
	var mu sync.Mutex
	var errs []error

	for start := 0; start < len(signals); start += chunkSize {
		end := start + chunkSize
		if end > len(signals) {
			end = len(signals)
		}

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(sig model.RawSignal) {
				defer wg.Done()
				if _, err := s.Submit(ctx, &sig); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				atomic.AddInt64(&accepted, 1)
			}(signals[i])
		}
		wg.Wait()

		if ctx.Err() != nil {
			break
		}
	}
	return int(atomic.LoadInt64(&accepted)), errs
}

// CheckRequestSecurity reports whether the given request may proceed, based
// on active blocks for the subject and device identities. A failure inside
// the check fails open so the security layer cannot take down the request
// path; fail-opens are counted and logged.
func (s *Service) CheckRequestSecurity(ctx context.Context, endpoint, method, subjectID, deviceID string) (allowed bool, reason string) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.SecurityCheckFailOpen.Inc()
			s.logger.Warn("Security check failed open",
				"endpoint", endpoint,
				"method", method,
				"subject_id", subjectID,
				"panic", r)
			allowed = true
			reason = "fail_open"
		}
	}()

	if subjectID == "" && deviceID == "" {
		return true, ""
	}
	allowed, reason = s.executor.CheckAccess(subjectID, deviceID)
	if !allowed {
		s.logger.Warn("Request denied by security gate",
			"endpoint", endpoint,
			"method", method,
			"subject_id", subjectID,
			"device_id", deviceID,
			"reason", reason)
	}
	return allowed, reason
}

// Acknowledge marks an alert acknowledged.
func (s *Service) Acknowledge(id, by string) error {
	err := s.engine.Acknowledge(id, by)
	if err == nil {
		s.publishAlertUpdate(id)
	}
	return err
}

// Resolve closes an alert; already-resolved alerts are a no-op.
func (s *Service) Resolve(id, by, resolution string) error {
	changed, err := s.engine.Resolve(id, by, resolution)
	if err == nil && changed {
		s.publishAlertUpdate(id)
	}
	return err
}

func (s *Service) publishAlertUpdate(id string) {
	if s.publisher == nil {
		return
	}
	for _, a := range s.engine.ActiveAlerts() {
		if a.ID == id {
			if err := s.publisher.PublishAlert(a); err != nil {
				s.logger.Warn("Failed to publish alert update", "alert_id", id, "error", err)
			}
			return
		}
	}
	for _, a := range s.engine.History().All() {
		if a.ID == id {
			if err := s.publisher.PublishAlert(a); err != nil {
				s.logger.Warn("Failed to publish alert update", "alert_id", id, "error", err)
			}
			return
		}
	}
}

// ActiveAlerts returns open alerts, newest first.
func (s *Service) ActiveAlerts() []*model.ActiveAlert {
	return s.engine.ActiveAlerts()
}

// AlertHistory returns recently closed alerts from the in-memory ring.
func (s *Service) AlertHistory() []*model.ActiveAlert {
	return s.engine.History().All()
}

// SecurityMetrics builds the reporting snapshot over the last 24 hours.
func (s *Service) SecurityMetrics(ctx context.Context) model.SecurityMetrics {
	now := time.Now().UTC()
	report := model.SecurityMetrics{
		ActiveAlerts: len(s.engine.ActiveAlerts()),
		ActiveBlocks: s.executor.ActiveBlockCount(),
		GeneratedAt:  now,
	}

	_, resolved := s.engine.Counts()
	report.ResolvedAlerts = resolved
	report.MitigationsRun = atomic.LoadInt64(&s.mitigationsRun)

	if s.audit != nil {
		since := now.Add(-metricsLookback)
		if total, err := s.audit.CountEventsSince(ctx, since); err == nil {
			report.TotalEvents = total
		}
		if n, err := s.audit.CountEvents(ctx, store.EventFilter{
			Category: model.CategoryThreatDetected,
			Severity: model.SeverityCritical,
			Since:    since,
		}); err == nil {
			report.CriticalThreats = int64(n)
		}
		report.RiskScore = s.averageRisk(ctx, since)
	}

	report.ComplianceScore = complianceScore(report)
	return report
}

func (s *Service) averageRisk(ctx context.Context, since time.Time) float64 {
	events, err := s.audit.QueryEvents(ctx, store.EventFilter{
		Category: model.CategoryThreatDetected,
		Since:    since,
	}, 200)
	if err != nil || len(events) == 0 {
		return 0
	}

	var sum float64
	n := 0
	for _, e := range events {
		if e.RiskScore != nil {
			sum += *e.RiskScore
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// complianceScore is a coarse posture indicator: full marks with nothing
// outstanding, docked for open alerts, active blocks and critical threats.
func complianceScore(r model.SecurityMetrics) float64 {
	score := 100.0
	score -= float64(r.ActiveAlerts) * 5
	score -= float64(r.ActiveBlocks) * 3
	score -= float64(r.CriticalThreats) * 2
	if score < 0 {
		score = 0
	}
	return score
}

// StartMaintenance runs the periodic sweeps: stale alert auto-resolution,
// expired mitigation cleanup and idle session expiry.
func (s *Service) StartMaintenance(sweepInterval, staleAfter, sessionMaxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.engine.SweepStale(staleAfter)
				s.executor.Sweep()
				s.collector.SweepSessions(sessionMaxAge)
			case <-s.stopMaintenance:
				return
			}
		}
	}()
}

// Close stops maintenance, flushes profiles and shuts down the alert engine.
func (s *Service) Close(ctx context.Context) {
	s.maintenanceOnce.Do(func() { close(s.stopMaintenance) })
	s.engine.Close()
	s.profiler.Flush(ctx)
}
