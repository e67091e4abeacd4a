package threat

import (
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/stellr/sentinel/internal/metrics"
	"github.com/stellr/sentinel/internal/model"
)

// Confidence blend: indicator coverage dominates, average match strength
// refines.
const (
	coverageWeight = 0.7
	strengthWeight = 0.3
)

// Base risk score by pattern severity.
var severityBaseScore = map[model.Severity]float64{
	model.SeverityLow:      20,
	model.SeverityMedium:   40,
	model.SeverityHigh:     70,
	model.SeverityCritical: 90,
}

const (
	contextualRiskCap = 30
	totalRiskCap      = 100
	nightRiskBonus    = 10
	concurrentBonus   = 15
)

// investigationRiskThreshold marks a detection for manual follow-up even
// when it does not qualify for automated mitigation. investigationMargin is
// the confidence margin over a pattern's threshold under which a detection
// is still flagged for review.
const (
	investigationRiskThreshold = 85
	investigationMargin        = 0.1
)

// Evaluator matches events against the threat pattern catalog. A failure in
// one pattern's evaluation never aborts the others.
type Evaluator struct {
	catalog *Catalog
	history EventHistory
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEvaluator creates a threat pattern evaluator.
func NewEvaluator(catalog *Catalog, history EventHistory, m *metrics.Metrics, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		catalog: catalog,
		history: history,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// EvaluateAll runs every catalog pattern against the event and returns the
// detections that clear their confidence thresholds.
func (e *Evaluator) EvaluateAll(ev *model.SecurityEvent, behavior model.Behavior, anomaly model.AnomalyScore) []*model.ThreatDetectionResult {
	snapshot := e.catalog.GetSnapshot()

	var results []*model.ThreatDetectionResult
	for i := range snapshot.Patterns {
		pattern := snapshot.Patterns[i]
		result := e.evaluateSafe(&pattern, ev, behavior, anomaly)
		if result != nil {
			results = append(results, result)
			e.metrics.DetectionsTotal.WithLabelValues(result.PatternID, string(result.Severity)).Inc()
		}
	}
	return results
}

// evaluateSafe contains panics from a single pattern so a bad indicator or
// catalog entry cannot take down evaluation of the rest.
func (e *Evaluator) evaluateSafe(pattern *Pattern, ev *model.SecurityEvent, behavior model.Behavior, anomaly model.AnomalyScore) (result *model.ThreatDetectionResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Pattern evaluation panicked",
				"pattern_id", pattern.ID,
				"event_id", ev.ID,
				"panic", r)
			result = nil
		}
	}()
	return e.Evaluate(pattern, ev, behavior, anomaly)
}

// Evaluate runs one pattern's indicators against an event plus its recent
// history and anomaly score. Returns nil when confidence does not reach the
// pattern's threshold.
func (e *Evaluator) Evaluate(pattern *Pattern, ev *model.SecurityEvent, behavior model.Behavior, anomaly model.AnomalyScore) *model.ThreatDetectionResult {
	in := IndicatorInput{
		Event:     ev,
		SubjectID: ev.SubjectID,
		Behavior:  behavior,
		Anomaly:   anomaly,
		History:   e.history,
	}

	var matched []string
	evidence := make(map[string]interface{})
	strengthSum := 0.0

	for _, name := range pattern.Indicators {
		check, ok := indicatorChecks[name]
		if !ok {
			continue
		}
		res := check(in)
		if res.Matched {
			matched = append(matched, name)
			strengthSum += res.Strength
			evidence[name] = res.Evidence
		}
	}

	if len(matched) == 0 {
		return nil
	}

	coverage := float64(len(matched)) / float64(len(pattern.Indicators))
	avgStrength := strengthSum / float64(len(matched))
	confidence := coverageWeight*coverage + strengthWeight*avgStrength

	if confidence < pattern.ConfidenceThreshold {
		return nil
	}

	risk := e.riskScore(pattern.Severity, behavior, anomaly)
	autoMitigate := confidence > 0.9 && pattern.Severity == model.SeverityCritical
	// Detections that barely clear their pattern's threshold go to a human.
	nearThreshold := confidence-pattern.ConfidenceThreshold < investigationMargin

	return &model.ThreatDetectionResult{
		PatternID:             pattern.ID,
		PatternName:           pattern.Name,
		SubjectID:             ev.SubjectID,
		DeviceID:              ev.DeviceID,
		Confidence:            confidence,
		RiskScore:             risk,
		Severity:              pattern.Severity,
		MatchedIndicators:     matched,
		Evidence:              evidence,
		RecommendedActions:    pattern.ResponseActions,
		AutoMitigate:          autoMitigate,
		RequiresInvestigation: risk > investigationRiskThreshold || nearThreshold,
		CorrelationID:         uuid.New().String(),
		DetectedAt:            e.now().UTC(),
	}
}

// riskScore combines the severity base with contextual risk: overall anomaly,
// night-hours activity and concurrent sessions. The contextual term is capped
// at 30 and the total at 100.
func (e *Evaluator) riskScore(severity model.Severity, behavior model.Behavior, anomaly model.AnomalyScore) float64 {
	base := severityBaseScore[severity]

	contextual := anomaly.Overall * 20
	// Hour buckets are in UTC, like every timestamp in the pipeline.
	hour := e.now().UTC().Hour()
	if hour >= 23 || hour < 6 {
		contextual += nightRiskBonus
	}
	if behavior.ConcurrentSessions > 1 {
		contextual += concurrentBonus
	}
	contextual = math.Min(contextual, contextualRiskCap)

	return math.Min(base+contextual, totalRiskCap)
}
