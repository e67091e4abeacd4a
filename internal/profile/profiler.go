package profile

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stellr/sentinel/internal/metrics"
	"github.com/stellr/sentinel/internal/model"
)

// EMA adaptation rates. A young profile adapts fast; an established one
// moves slowly so a burst of attacker behavior cannot drag the baseline.
const (
	alphaLearning = 0.3
	alphaStable   = 0.1
)

// Anomaly component weights; they sum to 1.
const (
	weightTemporal     = 0.2
	weightBehavioral   = 0.3
	weightGeographical = 0.2
	weightDevice       = 0.2
	weightNetwork      = 0.1
)

// deviationThreshold is the component score above which the component name
// is reported in the deviations list.
const deviationThreshold = 0.5

// expectedNetworkChanges is the assumed normal number of network transitions
// per session (wifi to cellular and back).
const expectedNetworkChanges = 2.0

const flushTimeout = 3 * time.Second

// Store is the durable side of the profiler; profiles survive restarts.
type Store interface {
	SaveProfile(ctx context.Context, p *model.BehaviorProfile) error
	LoadProfiles(ctx context.Context) ([]*model.BehaviorProfile, error)
}

type entry struct {
	mu      sync.Mutex
	profile *model.BehaviorProfile
	dirty   bool
}

// Profiler maintains per-subject behavioral baselines and scores incoming
// behavior against them. Updates for one subject are serialized by the
// entry lock; different subjects proceed in parallel.
type Profiler struct {
	mu      sync.Mutex
	cache   *lru.Cache[string, *entry]
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a profiler holding at most maxProfiles baselines in memory.
// Evicted profiles are flushed to the store before they drop out.
func New(maxProfiles int, store Store, m *metrics.Metrics, logger *slog.Logger) *Profiler {
	p := &Profiler{
		store:   store,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
	cache, _ := lru.NewWithEvict[string, *entry](maxProfiles, p.onEvict)
	p.cache = cache
	return p
}

func (p *Profiler) onEvict(subjectID string, e *entry) {
	e.mu.Lock()
	dirty := e.dirty
	snapshot := *e.profile
	e.mu.Unlock()

	if !dirty || p.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := p.store.SaveProfile(ctx, &snapshot); err != nil {
			p.logger.Warn("Failed to flush evicted profile", "subject_id", subjectID, "error", err)
		}
	}()
}

// Restore loads persisted profiles into the in-memory cache.
func (p *Profiler) Restore(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	profiles, err := p.store.LoadProfiles(ctx)
	if err != nil {
		return err
	}
	for _, prof := range profiles {
		p.cache.Add(prof.SubjectID, &entry{profile: prof})
	}
	p.metrics.ProfilesTracked.Set(float64(p.cache.Len()))
	p.logger.Info("Restored behavior profiles", "count", len(profiles))
	return nil
}

func (p *Profiler) getOrCreate(subjectID string, b model.Behavior) *entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.cache.Get(subjectID); ok {
		return e
	}

	// First sight of this subject: seed the baseline from the observed
	// behavior so the profile starts neutral rather than alarmed.
	prof := &model.BehaviorProfile{
		SubjectID: subjectID,
		NormalPatterns: model.NormalPatterns{
			LoginFrequency:    b.LoginFrequency,
			SessionDuration:   b.SessionDuration,
			InteractionFreqs:  cloneFreqs(b.InteractionCounts),
			LocationStability: 0.5,
			DeviceConsistency: 0.5,
		},
		RiskFactors: make(map[string]float64),
		CreatedAt:   p.now().UTC(),
		UpdatedAt:   p.now().UTC(),
	}
	e := &entry{profile: prof, dirty: true}
	p.cache.Add(subjectID, e)
	p.metrics.ProfilesTracked.Set(float64(p.cache.Len()))
	return e
}

// AnalyzeAnomaly scores the current behavior against the subject's baseline.
func (p *Profiler) AnalyzeAnomaly(subjectID string, b model.Behavior) model.AnomalyScore {
	e := p.getOrCreate(subjectID, b)

	e.mu.Lock()
	defer e.mu.Unlock()

	prof := e.profile
	now := p.now()
	learning := prof.InLearningPhase(now)

	components := map[string]float64{
		model.ComponentTemporal:     p.temporalDeviation(prof, b, now),
		model.ComponentBehavioral:   p.behavioralDeviation(prof, b),
		model.ComponentGeographical: p.geographicalDeviation(prof, b),
		model.ComponentDevice:       p.deviceDeviation(prof, b),
		model.ComponentNetwork:      p.networkDeviation(b),
	}

	overall := weightTemporal*components[model.ComponentTemporal] +
		weightBehavioral*components[model.ComponentBehavioral] +
		weightGeographical*components[model.ComponentGeographical] +
		weightDevice*components[model.ComponentDevice] +
		weightNetwork*components[model.ComponentNetwork]

	var deviations []string
	sum := 0.0
	for _, name := range []string{
		model.ComponentTemporal,
		model.ComponentBehavioral,
		model.ComponentGeographical,
		model.ComponentDevice,
		model.ComponentNetwork,
	} {
		sum += components[name]
		if components[name] > deviationThreshold {
			deviations = append(deviations, name)
		}
	}
	avg := sum / 5

	floor := 0.8
	if learning {
		floor = 0.6
	}
	confidence := math.Min(1.0, floor*(1+avg))

	p.metrics.AnomalyScore.Observe(overall)

	return model.AnomalyScore{
		Overall:      overall,
		Components:   components,
		Confidence:   confidence,
		Deviations:   deviations,
		LearningMode: learning,
	}
}

// temporalDeviation compares observed session duration to the expected
// duration for the current hour. Peak hours expect the full baseline
// duration; off-peak hours expect 30% of it.
func (p *Profiler) temporalDeviation(prof *model.BehaviorProfile, b model.Behavior, now time.Time) float64 {
	expected := prof.NormalPatterns.SessionDuration.Seconds()
	if expected <= 0 {
		return 0
	}
	if !isPeakHour(now.UTC().Hour()) {
		expected *= 0.3
	}
	observed := b.SessionDuration.Seconds()
	return math.Abs(observed-expected) / expected
}

// isPeakHour marks the lunchtime and evening windows where app usage is
// expected to be highest.
func isPeakHour(hour int) bool {
	return (hour >= 12 && hour < 14) || (hour >= 18 && hour < 23)
}

// behavioralDeviation is the mean relative deviation across all tracked
// interaction-pattern frequencies.
func (p *Profiler) behavioralDeviation(prof *model.BehaviorProfile, b model.Behavior) float64 {
	freqs := prof.NormalPatterns.InteractionFreqs
	if len(freqs) == 0 {
		return 0
	}
	sum := 0.0
	for name, baseline := range freqs {
		observed := b.InteractionCounts[name]
		denom := math.Max(baseline, 1)
		sum += math.Abs(observed-baseline) / denom
	}
	return sum / float64(len(freqs))
}

// geographicalDeviation scales the observed location-change magnitude by how
// location-stable the subject normally is; a big jump on a very stable
// profile scores highest. Zero when no location data is available.
func (p *Profiler) geographicalDeviation(prof *model.BehaviorProfile, b model.Behavior) float64 {
	if !b.HasLocation {
		return 0
	}
	return b.LocationChange * (0.5 + 0.5*prof.NormalPatterns.LocationStability)
}

// deviceDeviation scores fingerprint mismatch, weighted by how consistent
// the subject's devices normally are.
func (p *Profiler) deviceDeviation(prof *model.BehaviorProfile, b model.Behavior) float64 {
	mismatch := 1 - clamp01(b.DeviceMatchRatio)
	return mismatch * (0.5 + 0.5*prof.NormalPatterns.DeviceConsistency)
}

func (p *Profiler) networkDeviation(b model.Behavior) float64 {
	return math.Abs(float64(b.NetworkChanges)-expectedNetworkChanges) / expectedNetworkChanges
}

// UpdateProfile folds the observed behavior into the subject's baseline via
// an exponential moving average.
func (p *Profiler) UpdateProfile(subjectID string, b model.Behavior) {
	e := p.getOrCreate(subjectID, b)

	e.mu.Lock()
	defer e.mu.Unlock()

	prof := e.profile
	now := p.now()

	alpha := alphaStable
	if prof.InLearningPhase(now) {
		alpha = alphaLearning
	}

	np := &prof.NormalPatterns
	np.SessionDuration = time.Duration(ema(np.SessionDuration.Seconds(), b.SessionDuration.Seconds(), alpha) * float64(time.Second))
	np.LoginFrequency = ema(np.LoginFrequency, b.LoginFrequency, alpha)

	if np.InteractionFreqs == nil {
		np.InteractionFreqs = make(map[string]float64)
	}
	for name, observed := range b.InteractionCounts {
		np.InteractionFreqs[name] = ema(np.InteractionFreqs[name], observed, alpha)
	}

	if b.HasLocation {
		stabilityObs := 1 - clamp01(b.LocationChange)
		np.LocationStability = clamp01(ema(np.LocationStability, stabilityObs, alpha))
	}
	np.DeviceConsistency = clamp01(ema(np.DeviceConsistency, clamp01(b.DeviceMatchRatio), alpha))

	prof.UpdatedAt = now.UTC()
	e.dirty = true
}

// Alpha returns the EMA weight in effect for a subject right now. Exposed
// for reporting and tests.
func (p *Profiler) Alpha(subjectID string) float64 {
	if e, ok := p.cache.Peek(subjectID); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.profile.InLearningPhase(p.now()) {
			return alphaLearning
		}
		return alphaStable
	}
	return alphaLearning
}

// Profile returns a copy of a subject's profile, if one exists.
func (p *Profiler) Profile(subjectID string) (model.BehaviorProfile, bool) {
	e, ok := p.cache.Peek(subjectID)
	if !ok {
		return model.BehaviorProfile{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := *e.profile
	snapshot.NormalPatterns.InteractionFreqs = cloneFreqs(e.profile.NormalPatterns.InteractionFreqs)
	return snapshot, true
}

// Flush persists every dirty profile; called from the maintenance sweep and
// at shutdown.
func (p *Profiler) Flush(ctx context.Context) {
	if p.store == nil {
		return
	}
	for _, subjectID := range p.cache.Keys() {
		e, ok := p.cache.Peek(subjectID)
		if !ok {
			continue
		}
		e.mu.Lock()
		if !e.dirty {
			e.mu.Unlock()
			continue
		}
		snapshot := *e.profile
		e.dirty = false
		e.mu.Unlock()

		if err := p.store.SaveProfile(ctx, &snapshot); err != nil {
			p.logger.Warn("Failed to persist profile", "subject_id", subjectID, "error", err)
		}
	}
}

func ema(current, observed, alpha float64) float64 {
	return current*(1-alpha) + observed*alpha
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func cloneFreqs(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
