package pipeline

import (
	"math"
	"time"

	"github.com/stellr/sentinel/internal/collector"
	"github.com/stellr/sentinel/internal/model"
)

const (
	interactionWindow = time.Hour
	sessionWindow     = 30 * time.Minute
	rateWindow        = 5 * time.Minute
	deviceWindow      = 24 * time.Hour
)

// buildBehavior derives the observable session shape for an event from the
// recent event window. It reads only the event and the window, so scoring a
// behavior never mutates collector state.
func buildBehavior(ev *model.SecurityEvent, window *collector.Window) model.Behavior {
	b := model.Behavior{
		SubjectID:  ev.SubjectID,
		ObservedAt: ev.Timestamp,
	}

	if elapsed, ok := numericContext(ev, "session_elapsed_seconds"); ok {
		b.SessionDuration = time.Duration(elapsed * float64(time.Second))
	}

	recent := window.Recent(ev.SubjectID, interactionWindow)

	b.InteractionCounts = make(map[string]float64)
	logins := 0
	ips := make(map[string]struct{})
	for _, e := range recent {
		b.InteractionCounts[string(e.Category)]++
		if e.Category == model.CategoryAuthentication {
			logins++
		}
		if ip, ok := e.Context["client_ip"].(string); ok && ip != "" {
			ips[ip] = struct{}{}
		}
	}
	b.LoginFrequency = float64(logins)
	if len(ips) > 1 {
		b.NetworkChanges = len(ips) - 1
	}

	b.LocationChange, b.HasLocation = locationChange(ev, recent)
	b.DeviceMatchRatio = deviceMatchRatio(ev, window)
	b.ConcurrentSessions = concurrentSessions(recent)
	b.ActionRate = float64(len(window.Recent(ev.SubjectID, rateWindow))) / rateWindow.Minutes()
	b.TimingUniformity = timingUniformity(recent)

	return b
}

// locationChange compares the event's resolved location with the most recent
// prior event that carried one. Distinct cities score 1, distinct countries
// in the same city name score 1, same place scores 0.
func locationChange(ev *model.SecurityEvent, recent []*model.SecurityEvent) (float64, bool) {
	city, cityOK := ev.Context["geo_city"].(string)
	country, countryOK := ev.Context["geo_country"].(string)
	if !cityOK && !countryOK {
		return 0, false
	}

	for _, e := range recent {
		if e.ID == ev.ID {
			continue
		}
		prevCity, pcOK := e.Context["geo_city"].(string)
		prevCountry, pnOK := e.Context["geo_country"].(string)
		if !pcOK && !pnOK {
			continue
		}
		if countryOK && pnOK && country != prevCountry {
			return 1.0, true
		}
		if cityOK && pcOK && city != prevCity {
			return 0.7, true
		}
		return 0, true
	}
	return 0, true
}

// deviceMatchRatio is the fraction of the subject's recent events that came
// from the same device as this one. No device on the event counts as a full
// mismatch only when the history is device-tagged.
func deviceMatchRatio(ev *model.SecurityEvent, window *collector.Window) float64 {
	recent := window.Recent(ev.SubjectID, deviceWindow)

	tagged, matched := 0, 0
	for _, e := range recent {
		if e.DeviceID == "" {
			continue
		}
		tagged++
		if e.DeviceID == ev.DeviceID {
			matched++
		}
	}
	if tagged == 0 {
		return 1.0
	}
	return float64(matched) / float64(tagged)
}

func concurrentSessions(recent []*model.SecurityEvent) int {
	sessions := make(map[string]struct{})
	cutoff := time.Now().UTC().Add(-sessionWindow)
	for _, e := range recent {
		if e.SessionID == "" || e.Timestamp.Before(cutoff) {
			continue
		}
		sessions[e.SessionID] = struct{}{}
	}
	return len(sessions)
}

// timingUniformity measures how machine-like the inter-event gaps are: 1
// means perfectly even spacing, 0 means highly irregular. Needs at least
// three events to say anything.
func timingUniformity(recent []*model.SecurityEvent) float64 {
	if len(recent) < 3 {
		return 0
	}

	var gaps []float64
	for i := 1; i < len(recent); i++ {
		gap := math.Abs(recent[i-1].Timestamp.Sub(recent[i].Timestamp).Seconds())
		gaps = append(gaps, gap)
	}

	var sum float64
	for _, g := range gaps {
		sum += g
	}
	mean := sum / float64(len(gaps))
	if mean == 0 {
		return 1.0
	}

	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	stddev := math.Sqrt(variance / float64(len(gaps)))

	cv := stddev / mean
	if cv >= 1 {
		return 0
	}
	return 1 - cv
}

func numericContext(ev *model.SecurityEvent, key string) (float64, bool) {
	raw, ok := ev.Context[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
