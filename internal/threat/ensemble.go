package threat

import (
	"log/slog"
	"math"

	"github.com/stellr/sentinel/internal/model"
)

// Default correlation boost parameters: each correlated co-detection in the
// same evaluation adds BoostPerCorrelation to confidence, up to MaxBoost.
const (
	defaultBoostPerCorrelation = 0.05
	defaultMaxBoost            = 0.2
)

// Refiner calibrates per-pattern confidence and boosts scores when
// correlated threat types co-occur within one evaluation window.
type Refiner struct {
	catalog *Catalog
	logger  *slog.Logger

	// BoostPerCorrelation and MaxBoost are hand-tuned rather than derived;
	// adjust them before the refiner starts processing detections.
	BoostPerCorrelation float64
	MaxBoost            float64
}

// NewRefiner creates an ensemble refiner over the given catalog.
func NewRefiner(catalog *Catalog, logger *slog.Logger) *Refiner {
	return &Refiner{
		catalog:             catalog,
		logger:              logger,
		BoostPerCorrelation: defaultBoostPerCorrelation,
		MaxBoost:            defaultMaxBoost,
	}
}

// Refine applies calibration then correlation boosts to a set of detections
// from the same evaluation. The input slice is modified in place and
// returned; results whose calibrated confidence drops below their pattern's
// threshold are removed.
func (r *Refiner) Refine(results []*model.ThreatDetectionResult) []*model.ThreatDetectionResult {
	if len(results) == 0 {
		return results
	}

	detected := make(map[string]bool, len(results))
	for _, res := range results {
		detected[res.PatternID] = true
	}

	refined := results[:0]
	for _, res := range results {
		pattern, ok := r.catalog.Pattern(res.PatternID)
		if !ok {
			refined = append(refined, res)
			continue
		}

		calibration := pattern.Calibration
		if calibration <= 0 {
			calibration = 1
		}
		res.Confidence *= calibration

		correlated := 0
		for _, other := range pattern.CorrelatedWith {
			if other != res.PatternID && detected[other] {
				correlated++
			}
		}
		if correlated > 0 {
			boost := math.Min(r.MaxBoost, r.BoostPerCorrelation*float64(correlated))
			res.Confidence = math.Min(1, res.Confidence+boost)
			res.RiskScore = math.Min(100, res.RiskScore*(1+boost))
			r.logger.Debug("Correlation boost applied",
				"pattern_id", res.PatternID,
				"correlated", correlated,
				"boost", boost)
		}

		if res.Confidence < pattern.ConfidenceThreshold {
			r.logger.Debug("Detection dropped after calibration",
				"pattern_id", res.PatternID,
				"confidence", res.Confidence,
				"threshold", pattern.ConfidenceThreshold)
			continue
		}

		// Auto-mitigation eligibility is re-derived after refinement so a
		// boost across the 0.9 line takes effect.
		res.AutoMitigate = res.Confidence > 0.9 && res.Severity == model.SeverityCritical
		if res.RiskScore > investigationRiskThreshold {
			res.RequiresInvestigation = true
		}

		refined = append(refined, res)
	}
	return refined
}
