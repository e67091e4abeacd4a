package store

import (
	"container/ring"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stellr/sentinel/internal/model"
)

// AlertHistory provides thread-safe in-memory storage for closed alerts with
// a ring buffer and LRU deduplication of re-inserted records.
type AlertHistory struct {
	mu        sync.RWMutex
	alerts    *ring.Ring
	dedupe    *lru.Cache[string, bool]
	maxAlerts int
	dedupeCap int
}

// NewAlertHistory creates a new history store with the given capacities.
func NewAlertHistory(maxAlerts, dedupeCap int) *AlertHistory {
	dedupeCache, _ := lru.New[string, bool](dedupeCap)

	return &AlertHistory{
		alerts:    ring.New(maxAlerts),
		dedupe:    dedupeCache,
		maxAlerts: maxAlerts,
		dedupeCap: dedupeCap,
	}
}

// Add records an alert in the ring buffer. Returns false when the same alert
// (by ID and status) was already recorded.
func (h *AlertHistory) Add(alert *model.ActiveAlert) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	dedupeKey := alert.ID + ":" + string(alert.Status)
	if _, exists := h.dedupe.Get(dedupeKey); exists {
		return false
	}
	h.dedupe.Add(dedupeKey, true)

	h.alerts.Value = alert
	h.alerts = h.alerts.Next()

	return true
}

// All returns snapshots of recorded alerts in insertion order (oldest
// first).
func (h *AlertHistory) All() []*model.ActiveAlert {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var alerts []*model.ActiveAlert
	h.alerts.Do(func(value interface{}) {
		if value != nil {
			if alert, ok := value.(*model.ActiveAlert); ok {
				alerts = append(alerts, alert.Clone())
			}
		}
	})
	return alerts
}

// BySubject returns recorded alerts for a specific subject.
func (h *AlertHistory) BySubject(subjectID string) []*model.ActiveAlert {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var alerts []*model.ActiveAlert
	h.alerts.Do(func(value interface{}) {
		if value != nil {
			if alert, ok := value.(*model.ActiveAlert); ok && alert.SubjectID == subjectID {
				alerts = append(alerts, alert.Clone())
			}
		}
	})
	return alerts
}

// BySeverity returns recorded alerts with the given severity or higher.
func (h *AlertHistory) BySeverity(min model.Severity) []*model.ActiveAlert {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var alerts []*model.ActiveAlert
	h.alerts.Do(func(value interface{}) {
		if value != nil {
			if alert, ok := value.(*model.ActiveAlert); ok && alert.Severity.AtLeast(min) {
				alerts = append(alerts, alert.Clone())
			}
		}
	})
	return alerts
}

// Clear removes all recorded alerts and resets the dedupe cache.
func (h *AlertHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := 0; i < h.alerts.Len(); i++ {
		h.alerts.Value = nil
		h.alerts = h.alerts.Next()
	}
	h.dedupe.Purge()
}

// Stats returns history store statistics.
func (h *AlertHistory) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	h.alerts.Do(func(value interface{}) {
		if value != nil {
			count++
		}
	})

	return map[string]interface{}{
		"recorded_alerts": count,
		"max_alerts":      h.maxAlerts,
		"dedupe_cap":      h.dedupeCap,
		"dedupe_size":     h.dedupe.Len(),
	}
}
