package pipeline

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stellr/sentinel/internal/collector"
	"github.com/stellr/sentinel/internal/model"
)

func windowEvent(id string, category model.EventCategory, age time.Duration, ctx map[string]interface{}) *model.SecurityEvent {
	return &model.SecurityEvent{
		ID:        id,
		SubjectID: "user-001",
		SessionID: "session-1",
		Category:  category,
		Type:      "event",
		Severity:  model.SeverityInfo,
		Context:   ctx,
		Timestamp: time.Now().UTC().Add(-age),
	}
}

func TestBuildBehavior_InteractionCounts(t *testing.T) {
	w := collector.NewWindow(time.Hour, 100)
	w.Add(windowEvent("a", model.CategoryAuthentication, 10*time.Minute, nil))
	w.Add(windowEvent("b", model.CategoryDataAccess, 5*time.Minute, nil))
	w.Add(windowEvent("c", model.CategoryDataAccess, time.Minute, nil))

	ev := windowEvent("d", model.CategoryDataAccess, 0, map[string]interface{}{
		"session_elapsed_seconds": 600.0,
	})
	w.Add(ev)

	b := buildBehavior(ev, w)

	assert.Equal(t, "user-001", b.SubjectID)
	assert.Equal(t, 10*time.Minute, b.SessionDuration)
	assert.Equal(t, 1.0, b.LoginFrequency)
	assert.Equal(t, 3.0, b.InteractionCounts["data_access"])
	assert.Equal(t, 1.0, b.InteractionCounts["authentication"])
}

func TestBuildBehavior_NetworkChanges(t *testing.T) {
	w := collector.NewWindow(time.Hour, 100)
	for i, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		w.Add(windowEvent(fmt.Sprintf("ev-%d", i), model.CategoryDataAccess, time.Duration(i)*time.Minute,
			map[string]interface{}{"client_ip": ip}))
	}

	ev := windowEvent("probe", model.CategoryDataAccess, 0, nil)
	w.Add(ev)

	b := buildBehavior(ev, w)
	assert.Equal(t, 2, b.NetworkChanges)
}

func TestBuildBehavior_SingleNetworkNoChanges(t *testing.T) {
	w := collector.NewWindow(time.Hour, 100)
	w.Add(windowEvent("a", model.CategoryDataAccess, time.Minute,
		map[string]interface{}{"client_ip": "10.0.0.1"}))

	ev := windowEvent("b", model.CategoryDataAccess, 0,
		map[string]interface{}{"client_ip": "10.0.0.1"})
	w.Add(ev)

	b := buildBehavior(ev, w)
	assert.Equal(t, 0, b.NetworkChanges)
}

func TestLocationChange(t *testing.T) {
	prior := []*model.SecurityEvent{
		windowEvent("p", model.CategoryAuthentication, 10*time.Minute, map[string]interface{}{
			"geo_city":    "Berlin",
			"geo_country": "DE",
		}),
	}

	tests := []struct {
		name     string
		ctx      map[string]interface{}
		change   float64
		resolved bool
	}{
		{"same place", map[string]interface{}{"geo_city": "Berlin", "geo_country": "DE"}, 0, true},
		{"different city", map[string]interface{}{"geo_city": "Munich", "geo_country": "DE"}, 0.7, true},
		{"different country", map[string]interface{}{"geo_city": "Paris", "geo_country": "FR"}, 1.0, true},
		{"no location data", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := windowEvent("cur", model.CategoryAuthentication, 0, tt.ctx)
			change, ok := locationChange(ev, prior)
			assert.Equal(t, tt.resolved, ok)
			assert.Equal(t, tt.change, change)
		})
	}
}

func TestLocationChange_NoPriorLocationHistory(t *testing.T) {
	ev := windowEvent("cur", model.CategoryAuthentication, 0, map[string]interface{}{
		"geo_city":    "Berlin",
		"geo_country": "DE",
	})
	change, ok := locationChange(ev, nil)
	assert.True(t, ok)
	assert.Equal(t, 0.0, change)
}

func TestDeviceMatchRatio(t *testing.T) {
	w := collector.NewWindow(24*time.Hour, 100)

	known := windowEvent("a", model.CategoryAuthentication, time.Hour, nil)
	known.DeviceID = "device-1"
	w.Add(known)
	other := windowEvent("b", model.CategoryAuthentication, 30*time.Minute, nil)
	other.DeviceID = "device-2"
	w.Add(other)
	untagged := windowEvent("c", model.CategoryDataAccess, 10*time.Minute, nil)
	w.Add(untagged)

	ev := windowEvent("cur", model.CategoryAuthentication, 0, nil)
	ev.DeviceID = "device-1"

	// One of two device-tagged events matches; untagged events are ignored.
	assert.InDelta(t, 0.5, deviceMatchRatio(ev, w), 1e-9)
}

func TestDeviceMatchRatio_NoTaggedHistory(t *testing.T) {
	w := collector.NewWindow(24*time.Hour, 100)
	w.Add(windowEvent("a", model.CategoryDataAccess, time.Minute, nil))

	ev := windowEvent("cur", model.CategoryAuthentication, 0, nil)
	ev.DeviceID = "device-1"
	assert.Equal(t, 1.0, deviceMatchRatio(ev, w))
}

func TestConcurrentSessions(t *testing.T) {
	a := windowEvent("a", model.CategoryDataAccess, time.Minute, nil)
	b := windowEvent("b", model.CategoryDataAccess, 2*time.Minute, nil)
	b.SessionID = "session-2"
	old := windowEvent("c", model.CategoryDataAccess, 2*time.Hour, nil)
	old.SessionID = "session-3"

	assert.Equal(t, 2, concurrentSessions([]*model.SecurityEvent{a, b, old}))
}

func TestTimingUniformity(t *testing.T) {
	base := time.Now().UTC()

	uniform := make([]*model.SecurityEvent, 0, 5)
	for i := 0; i < 5; i++ {
		ev := windowEvent(fmt.Sprintf("u-%d", i), model.CategoryDataAccess, 0, nil)
		ev.Timestamp = base.Add(-time.Duration(i) * 10 * time.Second)
		uniform = append(uniform, ev)
	}
	// Perfectly even spacing reads as fully machine-like.
	assert.InDelta(t, 1.0, timingUniformity(uniform), 1e-9)

	irregular := make([]*model.SecurityEvent, 0, 4)
	for i, offset := range []time.Duration{0, time.Second, 40 * time.Second, 41 * time.Second} {
		ev := windowEvent(fmt.Sprintf("i-%d", i), model.CategoryDataAccess, 0, nil)
		ev.Timestamp = base.Add(-offset)
		irregular = append(irregular, ev)
	}
	assert.Less(t, timingUniformity(irregular), 0.5)

	// Too few events to judge.
	assert.Equal(t, 0.0, timingUniformity(uniform[:2]))
}

func TestNumericContext(t *testing.T) {
	ev := windowEvent("a", model.CategoryDataAccess, 0, map[string]interface{}{
		"float_val": 1.5,
		"int_val":   3,
		"str_val":   "nope",
	})

	v, ok := numericContext(ev, "float_val")
	assert.True(t, ok)
	assert.Equal(t, 1.5, v)

	v, ok = numericContext(ev, "int_val")
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)

	_, ok = numericContext(ev, "str_val")
	assert.False(t, ok)

	_, ok = numericContext(ev, "absent")
	assert.False(t, ok)
}
