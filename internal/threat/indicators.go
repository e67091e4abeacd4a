package threat

import (
	"math"
	"time"

	"github.com/stellr/sentinel/internal/model"
)

// Indicator names accepted in pattern catalogs.
const (
	IndicatorRapidLogins         = "rapid_login_attempts"
	IndicatorFailedLogins        = "multiple_failed_logins"
	IndicatorUnusualLocation     = "unusual_location"
	IndicatorNewDevice           = "new_device"
	IndicatorAutomatedBehavior   = "automated_behavior"
	IndicatorHighFrequencyAccess = "high_frequency_access"
	IndicatorBroadResourceSweep  = "broad_resource_sweep"
	IndicatorConcurrentSessions  = "concurrent_sessions"
	IndicatorPrivilegeProbing    = "privilege_probing"
	IndicatorUnauthorizedAccess  = "unauthorized_access_attempts"
)

// EventHistory is the read surface an indicator check has onto the shared
// event window.
type EventHistory interface {
	Recent(subjectID string, within time.Duration) []*model.SecurityEvent
	RecentByCategory(subjectID string, category model.EventCategory, within time.Duration) []*model.SecurityEvent
	CountByCategory(subjectID string, category model.EventCategory, within time.Duration) int
	CountByResourceType(subjectID string, resourceType string, within time.Duration) int
}

// IndicatorInput carries everything a single indicator check may consult.
type IndicatorInput struct {
	Event     *model.SecurityEvent
	SubjectID string
	Behavior  model.Behavior
	Anomaly   model.AnomalyScore
	History   EventHistory
}

// IndicatorResult is the outcome of one indicator check.
type IndicatorResult struct {
	Matched  bool
	Strength float64
	Evidence map[string]interface{}
}

type indicatorFunc func(in IndicatorInput) IndicatorResult

// indicatorChecks maps indicator names to their checks. The catalog
// validates against this table, so an unknown indicator is rejected at load
// time instead of silently never matching.
var indicatorChecks = map[string]indicatorFunc{
	IndicatorRapidLogins:         checkRapidLogins,
	IndicatorFailedLogins:        checkFailedLogins,
	IndicatorUnusualLocation:     checkUnusualLocation,
	IndicatorNewDevice:           checkNewDevice,
	IndicatorAutomatedBehavior:   checkAutomatedBehavior,
	IndicatorHighFrequencyAccess: checkHighFrequencyAccess,
	IndicatorBroadResourceSweep:  checkBroadResourceSweep,
	IndicatorConcurrentSessions:  checkConcurrentSessions,
	IndicatorPrivilegeProbing:    checkPrivilegeProbing,
	IndicatorUnauthorizedAccess:  checkUnauthorizedAccess,
}

// checkRapidLogins fires on more than 5 authentication events inside 5
// minutes.
func checkRapidLogins(in IndicatorInput) IndicatorResult {
	count := in.History.CountByCategory(in.SubjectID, model.CategoryAuthentication, 5*time.Minute)
	return IndicatorResult{
		Matched:  count > 5,
		Strength: math.Min(1, float64(count)/10),
		Evidence: map[string]interface{}{"auth_events_5m": count},
	}
}

// checkFailedLogins fires on more than 3 failed authentication attempts
// inside 10 minutes.
func checkFailedLogins(in IndicatorInput) IndicatorResult {
	failed := 0
	for _, ev := range in.History.RecentByCategory(in.SubjectID, model.CategoryAuthentication, 10*time.Minute) {
		if success, ok := ev.Context["success"].(bool); ok && !success {
			failed++
			continue
		}
		if ev.Type == "login_failed" {
			failed++
		}
	}
	return IndicatorResult{
		Matched:  failed > 3,
		Strength: math.Min(1, float64(failed)/8),
		Evidence: map[string]interface{}{"failed_logins_10m": failed},
	}
}

// checkUnusualLocation fires when the geographical anomaly component exceeds
// 0.6.
func checkUnusualLocation(in IndicatorInput) IndicatorResult {
	geo := in.Anomaly.Components[model.ComponentGeographical]
	return IndicatorResult{
		Matched:  geo > 0.6,
		Strength: math.Min(1, geo),
		Evidence: map[string]interface{}{"geographical_anomaly": geo},
	}
}

// checkNewDevice fires when the device anomaly component exceeds 0.6.
func checkNewDevice(in IndicatorInput) IndicatorResult {
	device := in.Anomaly.Components[model.ComponentDevice]
	return IndicatorResult{
		Matched:  device > 0.6,
		Strength: math.Min(1, device),
		Evidence: map[string]interface{}{"device_anomaly": device},
	}
}

// checkAutomatedBehavior fires when the composite of behavioral anomaly,
// action rate and timing uniformity exceeds 0.7. Human interaction is
// bursty; bots are fast and uniform.
func checkAutomatedBehavior(in IndicatorInput) IndicatorResult {
	behavioral := math.Min(1, in.Anomaly.Components[model.ComponentBehavioral])
	rate := math.Min(1, in.Behavior.ActionRate/120)
	uniformity := math.Min(1, in.Behavior.TimingUniformity)
	composite := (behavioral + rate + uniformity) / 3
	return IndicatorResult{
		Matched:  composite > 0.7,
		Strength: composite,
		Evidence: map[string]interface{}{
			"behavioral_anomaly": behavioral,
			"action_rate":        in.Behavior.ActionRate,
			"timing_uniformity":  in.Behavior.TimingUniformity,
			"composite":          composite,
		},
	}
}

// checkHighFrequencyAccess fires on more than 100 data-access events inside
// 5 minutes.
func checkHighFrequencyAccess(in IndicatorInput) IndicatorResult {
	count := in.History.CountByCategory(in.SubjectID, model.CategoryDataAccess, 5*time.Minute)
	return IndicatorResult{
		Matched:  count > 100,
		Strength: math.Min(1, float64(count)/200),
		Evidence: map[string]interface{}{"data_access_5m": count},
	}
}

// checkBroadResourceSweep fires when a subject touches more than 30 distinct
// resources inside 5 minutes.
func checkBroadResourceSweep(in IndicatorInput) IndicatorResult {
	distinct := make(map[string]struct{})
	for _, ev := range in.History.RecentByCategory(in.SubjectID, model.CategoryDataAccess, 5*time.Minute) {
		if ev.ResourceID != "" {
			distinct[ev.ResourceID] = struct{}{}
		}
	}
	return IndicatorResult{
		Matched:  len(distinct) > 30,
		Strength: math.Min(1, float64(len(distinct))/60),
		Evidence: map[string]interface{}{"distinct_resources_5m": len(distinct)},
	}
}

// checkConcurrentSessions fires when the subject holds more than one live
// session.
func checkConcurrentSessions(in IndicatorInput) IndicatorResult {
	n := in.Behavior.ConcurrentSessions
	return IndicatorResult{
		Matched:  n > 1,
		Strength: math.Min(1, float64(n)/4),
		Evidence: map[string]interface{}{"concurrent_sessions": n},
	}
}

// checkPrivilegeProbing fires on more than 3 authorization denials inside
// 10 minutes.
func checkPrivilegeProbing(in IndicatorInput) IndicatorResult {
	denied := 0
	for _, ev := range in.History.RecentByCategory(in.SubjectID, model.CategoryAuthorization, 10*time.Minute) {
		if allowed, ok := ev.Context["allowed"].(bool); ok && !allowed {
			denied++
			continue
		}
		if ev.Severity.AtLeast(model.SeverityMedium) {
			denied++
		}
	}
	return IndicatorResult{
		Matched:  denied > 3,
		Strength: math.Min(1, float64(denied)/8),
		Evidence: map[string]interface{}{"authz_denials_10m": denied},
	}
}

// checkUnauthorizedAccess fires on more than 2 security violations inside
// 15 minutes.
func checkUnauthorizedAccess(in IndicatorInput) IndicatorResult {
	count := in.History.CountByCategory(in.SubjectID, model.CategorySecurityViolation, 15*time.Minute)
	return IndicatorResult{
		Matched:  count > 2,
		Strength: math.Min(1, float64(count)/6),
		Evidence: map[string]interface{}{"violations_15m": count},
	}
}

// KnownIndicators lists every indicator name the evaluator understands.
func KnownIndicators() []string {
	names := make([]string, 0, len(indicatorChecks))
	for name := range indicatorChecks {
		names = append(names, name)
	}
	return names
}
