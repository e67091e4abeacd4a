package collector

import (
	"sync"
	"time"

	"github.com/stellr/sentinel/internal/model"
)

// Window maintains a bounded per-subject deque of recent events. It is the
// shared read surface for the profiler, the threat evaluator and the alert
// rule engine, so all access is serialized through the buffer locks.
type Window struct {
	mu        sync.RWMutex
	subjects  map[string]*subjectBuffer
	maxAge    time.Duration
	maxEvents int
	gcTicker  *time.Ticker
	stopGC    chan struct{}
}

type subjectBuffer struct {
	mu     sync.RWMutex
	events []*model.SecurityEvent
}

// NewWindow creates a window bounded by both age and per-subject event count.
func NewWindow(maxAge time.Duration, maxEvents int) *Window {
	return &Window{
		subjects:  make(map[string]*subjectBuffer),
		maxAge:    maxAge,
		maxEvents: maxEvents,
	}
}

// Add appends an event to its subject's buffer, trimming oldest-first once
// the count cap is reached. Events without a subject go into a shared bucket
// keyed by the empty string so category-wide queries still see them.
func (w *Window) Add(ev *model.SecurityEvent) {
	if ev == nil {
		return
	}

	w.mu.Lock()
	buf, ok := w.subjects[ev.SubjectID]
	if !ok {
		buf = &subjectBuffer{}
		w.subjects[ev.SubjectID] = buf
	}
	w.mu.Unlock()

	buf.mu.Lock()
	buf.events = append(buf.events, ev)
	if w.maxEvents > 0 && len(buf.events) > w.maxEvents {
		buf.events = buf.events[len(buf.events)-w.maxEvents:]
	}
	buf.mu.Unlock()
}

// Recent returns events for a subject inside the window, most recent first.
func (w *Window) Recent(subjectID string, within time.Duration) []*model.SecurityEvent {
	return w.collect(subjectID, within, func(*model.SecurityEvent) bool { return true })
}

// RecentByCategory returns events of one category for a subject inside the
// window, most recent first.
func (w *Window) RecentByCategory(subjectID string, category model.EventCategory, within time.Duration) []*model.SecurityEvent {
	return w.collect(subjectID, within, func(ev *model.SecurityEvent) bool {
		return ev.Category == category
	})
}

// RecentByType returns events of one type for a subject inside the window,
// most recent first.
func (w *Window) RecentByType(subjectID string, eventType string, within time.Duration) []*model.SecurityEvent {
	return w.collect(subjectID, within, func(ev *model.SecurityEvent) bool {
		return ev.Type == eventType
	})
}

// CountByCategory counts a subject's events of one category inside the window.
func (w *Window) CountByCategory(subjectID string, category model.EventCategory, within time.Duration) int {
	return len(w.RecentByCategory(subjectID, category, within))
}

// CountByResourceType counts a subject's events touching one resource type
// inside the window.
func (w *Window) CountByResourceType(subjectID string, resourceType string, within time.Duration) int {
	return len(w.collect(subjectID, within, func(ev *model.SecurityEvent) bool {
		return ev.ResourceType == resourceType
	}))
}

func (w *Window) collect(subjectID string, within time.Duration, match func(*model.SecurityEvent) bool) []*model.SecurityEvent {
	w.mu.RLock()
	buf, ok := w.subjects[subjectID]
	w.mu.RUnlock()
	if !ok {
		return nil
	}

	cutoff := time.Now().Add(-within)

	buf.mu.RLock()
	defer buf.mu.RUnlock()

	var result []*model.SecurityEvent
	for i := len(buf.events) - 1; i >= 0; i-- {
		ev := buf.events[i]
		if ev.Timestamp.Before(cutoff) {
			break
		}
		if match(ev) {
			result = append(result, ev)
		}
	}
	return result
}

// StartGC starts the periodic eviction of aged-out events.
func (w *Window) StartGC(interval time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.gcTicker != nil {
		return
	}
	w.gcTicker = time.NewTicker(interval)
	w.stopGC = make(chan struct{})
	go w.gcLoop(w.gcTicker, w.stopGC)
}

// StopGC stops the eviction loop.
func (w *Window) StopGC() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.gcTicker != nil {
		w.gcTicker.Stop()
		w.gcTicker = nil
	}
	if w.stopGC != nil {
		close(w.stopGC)
		w.stopGC = nil
	}
}

func (w *Window) gcLoop(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			w.GC(time.Now())
		case <-stop:
			return
		}
	}
}

// GC drops events older than the window age and removes empty buffers.
func (w *Window) GC(now time.Time) {
	cutoff := now.Add(-w.maxAge)

	w.mu.Lock()
	defer w.mu.Unlock()

	for subjectID, buf := range w.subjects {
		buf.mu.Lock()
		kept := buf.events[:0]
		for _, ev := range buf.events {
			if ev.Timestamp.After(cutoff) {
				kept = append(kept, ev)
			}
		}
		buf.events = kept
		empty := len(kept) == 0
		buf.mu.Unlock()

		if empty {
			delete(w.subjects, subjectID)
		}
	}
}

// Stats returns buffer occupancy for health reporting.
func (w *Window) Stats() map[string]interface{} {
	w.mu.RLock()
	defer w.mu.RUnlock()

	total := 0
	for _, buf := range w.subjects {
		buf.mu.RLock()
		total += len(buf.events)
		buf.mu.RUnlock()
	}
	return map[string]interface{}{
		"subject_count": len(w.subjects),
		"total_events":  total,
		"max_age":       w.maxAge.String(),
		"max_events":    w.maxEvents,
	}
}
