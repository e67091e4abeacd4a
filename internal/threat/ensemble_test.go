package threat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellr/sentinel/internal/model"
)

func newTestRefiner(t *testing.T) *Refiner {
	t.Helper()
	catalog := NewCatalog("", false, time.Second, testLogger())
	_, err := catalog.Load()
	require.NoError(t, err)
	return NewRefiner(catalog, testLogger())
}

func detection(patternID string, severity model.Severity, confidence, risk float64) *model.ThreatDetectionResult {
	return &model.ThreatDetectionResult{
		PatternID:   patternID,
		SubjectID:   "user-001",
		Severity:    severity,
		Confidence:  confidence,
		RiskScore:   risk,
		DetectedAt:  time.Now().UTC(),
	}
}

func TestRefiner_CalibrationApplied(t *testing.T) {
	r := newTestRefiner(t)

	// credential_stuffing carries a 0.95 calibration factor.
	results := r.Refine([]*model.ThreatDetectionResult{
		detection("credential_stuffing", model.SeverityHigh, 0.9, 80),
	})

	require.Len(t, results, 1)
	assert.InDelta(t, 0.9*0.95, results[0].Confidence, 1e-9)
	// No correlated co-detection, so risk is untouched.
	assert.InDelta(t, 80.0, results[0].RiskScore, 1e-9)
}

func TestRefiner_CorrelationBoost(t *testing.T) {
	r := newTestRefiner(t)

	// credential_stuffing and brute_force list each other as correlated.
	results := r.Refine([]*model.ThreatDetectionResult{
		detection("credential_stuffing", model.SeverityHigh, 0.9, 80),
		detection("brute_force", model.SeverityHigh, 0.9, 80),
	})

	require.Len(t, results, 2)
	for _, res := range results {
		// 0.9 calibrated by 0.95, then one co-detection adds 0.05.
		assert.InDelta(t, 0.9*0.95+0.05, res.Confidence, 1e-9)
		assert.InDelta(t, 80*1.05, res.RiskScore, 1e-9)
	}
}

func TestRefiner_BoostParametersTunable(t *testing.T) {
	r := newTestRefiner(t)
	r.BoostPerCorrelation = 0.02
	r.MaxBoost = 0.02

	results := r.Refine([]*model.ThreatDetectionResult{
		detection("credential_stuffing", model.SeverityHigh, 0.9, 80),
		detection("brute_force", model.SeverityHigh, 0.9, 80),
	})

	require.Len(t, results, 2)
	for _, res := range results {
		assert.InDelta(t, 0.9*0.95+0.02, res.Confidence, 1e-9)
		assert.InDelta(t, 80*1.02, res.RiskScore, 1e-9)
	}
}

func TestRefiner_DropsBelowThresholdAfterCalibration(t *testing.T) {
	r := newTestRefiner(t)

	// 0.82 * 0.95 = 0.779, under the 0.8 threshold.
	results := r.Refine([]*model.ThreatDetectionResult{
		detection("credential_stuffing", model.SeverityHigh, 0.82, 80),
	})
	assert.Empty(t, results)
}

func TestRefiner_AutoMitigateRederivedAfterBoost(t *testing.T) {
	r := newTestRefiner(t)

	takeover := detection("account_takeover", model.SeverityCritical, 1.0, 90)
	takeover.AutoMitigate = true
	stuffing := detection("credential_stuffing", model.SeverityHigh, 0.95, 80)

	results := r.Refine([]*model.ThreatDetectionResult{takeover, stuffing})
	require.Len(t, results, 2)

	var refined *model.ThreatDetectionResult
	for _, res := range results {
		if res.PatternID == "account_takeover" {
			refined = res
		}
	}
	require.NotNil(t, refined)

	// 1.0 * 0.92 calibration + 0.05 correlation boost = 0.97: still past
	// the 0.9 auto-mitigation line for a critical pattern.
	assert.InDelta(t, 0.97, refined.Confidence, 1e-9)
	assert.True(t, refined.AutoMitigate)
}

func TestRefiner_AutoMitigateRevokedWhenCalibrationDrags(t *testing.T) {
	r := newTestRefiner(t)

	// session_hijacking calibrates by 0.93: 0.92 * 0.93 = 0.8556, which
	// clears the 0.85 threshold but no longer the 0.9 auto-mitigation line.
	hijack := detection("session_hijacking", model.SeverityCritical, 0.92, 90)
	hijack.AutoMitigate = true

	results := r.Refine([]*model.ThreatDetectionResult{hijack})
	require.Len(t, results, 1)
	assert.InDelta(t, 0.92*0.93, results[0].Confidence, 1e-9)
	assert.False(t, results[0].AutoMitigate)
}

func TestRefiner_BoostCapped(t *testing.T) {
	catalog := NewCatalog("", false, time.Second, testLogger())
	_, err := catalog.Load()
	require.NoError(t, err)
	r := NewRefiner(catalog, testLogger())

	// Confidence never exceeds 1 and risk never exceeds 100.
	results := r.Refine([]*model.ThreatDetectionResult{
		detection("credential_stuffing", model.SeverityHigh, 1.0, 100),
		detection("brute_force", model.SeverityHigh, 1.0, 100),
	})
	require.Len(t, results, 2)
	for _, res := range results {
		assert.LessOrEqual(t, res.Confidence, 1.0)
		assert.LessOrEqual(t, res.RiskScore, 100.0)
	}
}

func TestRefiner_UnknownPatternPassesThrough(t *testing.T) {
	r := newTestRefiner(t)

	results := r.Refine([]*model.ThreatDetectionResult{
		detection("not_in_catalog", model.SeverityLow, 0.5, 20),
	})
	require.Len(t, results, 1)
	assert.InDelta(t, 0.5, results[0].Confidence, 1e-9)
}

func TestRefiner_EmptyInput(t *testing.T) {
	r := newTestRefiner(t)
	assert.Empty(t, r.Refine(nil))
}
