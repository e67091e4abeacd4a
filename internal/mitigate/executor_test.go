package mitigate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellr/sentinel/internal/metrics"
	"github.com/stellr/sentinel/internal/model"
)

type stubTerminator struct {
	mu       sync.Mutex
	subjects []string
	err      error
}

func (s *stubTerminator) TerminateSessions(ctx context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.subjects = append(s.subjects, subjectID)
	return nil
}

type stubSink struct {
	mu      sync.Mutex
	reports []*model.ThreatDetectionResult
}

func (s *stubSink) ReportCritical(ctx context.Context, res *model.ThreatDetectionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, res)
}

func newTestExecutor(t *testing.T, terminator SessionTerminator, sink CriticalSink) *Executor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetricsWith(prometheus.NewRegistry())
	return NewExecutor(terminator, sink, m, logger)
}

func autoDetection(severity model.Severity, actions ...model.MitigationAction) *model.ThreatDetectionResult {
	return &model.ThreatDetectionResult{
		PatternID:          "test_pattern",
		SubjectID:          "user-001",
		Severity:           severity,
		Confidence:         0.95,
		RiskScore:          90,
		RecommendedActions: actions,
		AutoMitigate:       true,
		DetectedAt:         time.Now().UTC(),
	}
}

func TestExecutor_AccountLockBlocksAccess(t *testing.T) {
	e := newTestExecutor(t, nil, nil)

	e.Execute(context.Background(), autoDetection(model.SeverityHigh, model.ActionAccountLock))

	allowed, reason := e.CheckAccess("user-001", "")
	assert.False(t, allowed)
	assert.Equal(t, "account locked: test_pattern", reason)
	assert.Equal(t, 1, e.ActiveBlockCount())

	// Other subjects are unaffected.
	allowed, _ = e.CheckAccess("user-002", "")
	assert.True(t, allowed)
}

func TestExecutor_AccountLockBlocksDevice(t *testing.T) {
	e := newTestExecutor(t, nil, nil)

	res := autoDetection(model.SeverityHigh, model.ActionAccountLock)
	res.DeviceID = "device-abc"
	e.Execute(context.Background(), res)

	// The same device is denied even under a different subject.
	allowed, reason := e.CheckAccess("user-999", "device-abc")
	assert.False(t, allowed)
	assert.Equal(t, "device blocked: test_pattern", reason)

	// Subject lock plus device block.
	assert.Equal(t, 2, e.ActiveBlockCount())

	allowed, _ = e.CheckAccess("user-999", "device-other")
	assert.True(t, allowed)

	// Device alone is enough to consult the gate.
	allowed, _ = e.CheckAccess("", "device-abc")
	assert.False(t, allowed)
}

func TestExecutor_RateLimitBlocksAccess(t *testing.T) {
	e := newTestExecutor(t, nil, nil)

	e.Execute(context.Background(), autoDetection(model.SeverityMedium, model.ActionRateLimit))

	allowed, reason := e.CheckAccess("user-001", "")
	assert.False(t, allowed)
	assert.Equal(t, "rate limited: test_pattern", reason)
}

func TestExecutor_SessionTerminate(t *testing.T) {
	terminator := &stubTerminator{}
	e := newTestExecutor(t, terminator, nil)

	e.Execute(context.Background(), autoDetection(model.SeverityCritical, model.ActionSessionTerminate))

	require.Len(t, terminator.subjects, 1)
	assert.Equal(t, "user-001", terminator.subjects[0])
}

func TestExecutor_TerminatorFailureDoesNotStopOtherActions(t *testing.T) {
	terminator := &stubTerminator{err: errors.New("sign-out endpoint unreachable")}
	e := newTestExecutor(t, terminator, nil)

	e.Execute(context.Background(), autoDetection(model.SeverityCritical,
		model.ActionSessionTerminate, model.ActionAccountLock))

	// The lock still lands even though termination failed.
	allowed, _ := e.CheckAccess("user-001", "")
	assert.False(t, allowed)
}

func TestExecutor_PassiveOnlyWithoutAutoMitigate(t *testing.T) {
	e := newTestExecutor(t, nil, nil)

	res := autoDetection(model.SeverityHigh,
		model.ActionAccountLock, model.ActionEnhancedMonitoring, model.ActionIPBlock)
	res.AutoMitigate = false
	res.RequiresInvestigation = true

	e.Execute(context.Background(), res)

	// Active enforcement is withheld; monitoring still engages.
	allowed, _ := e.CheckAccess("user-001", "")
	assert.True(t, allowed)
	assert.True(t, e.Monitored("user-001"))
}

func TestExecutor_EnhancedMonitoring(t *testing.T) {
	e := newTestExecutor(t, nil, nil)

	e.Execute(context.Background(), autoDetection(model.SeverityLow, model.ActionEnhancedMonitoring))

	assert.True(t, e.Monitored("user-001"))
	assert.False(t, e.Monitored("user-002"))

	// Monitoring alone opens no block.
	allowed, _ := e.CheckAccess("user-001", "")
	assert.True(t, allowed)
	assert.Equal(t, 0, e.ActiveBlockCount())
}

func TestExecutor_CriticalDetectionReachesSink(t *testing.T) {
	sink := &stubSink{}
	e := newTestExecutor(t, nil, sink)

	e.Execute(context.Background(), autoDetection(model.SeverityCritical, model.ActionAccountLock))

	require.Len(t, sink.reports, 1)
	assert.Equal(t, "test_pattern", sink.reports[0].PatternID)
}

func TestExecutor_NonCriticalSkipsSink(t *testing.T) {
	sink := &stubSink{}
	e := newTestExecutor(t, nil, sink)

	e.Execute(context.Background(), autoDetection(model.SeverityHigh, model.ActionAccountLock))
	assert.Empty(t, sink.reports)
}

func TestExecutor_EmptySubjectNeverBlocked(t *testing.T) {
	e := newTestExecutor(t, nil, nil)

	res := autoDetection(model.SeverityCritical, model.ActionAccountLock, model.ActionRateLimit)
	res.SubjectID = ""
	e.Execute(context.Background(), res)

	allowed, _ := e.CheckAccess("", "")
	assert.True(t, allowed)
	assert.Equal(t, 0, e.ActiveBlockCount())
}

func TestExecutor_SweepDropsExpiredBlocks(t *testing.T) {
	e := newTestExecutor(t, nil, nil)

	e.mu.Lock()
	e.locks["stale"] = blockEntry{Reason: "old lock", ExpiresAt: time.Now().Add(-time.Minute)}
	e.locks["fresh"] = blockEntry{Reason: "new lock", ExpiresAt: time.Now().Add(time.Hour)}
	e.rateLimits["stale"] = blockEntry{Reason: "old limit", ExpiresAt: time.Now().Add(-time.Minute)}
	e.deviceBlocks["stale-dev"] = blockEntry{Reason: "old device block", ExpiresAt: time.Now().Add(-time.Minute)}
	e.monitoring["stale"] = time.Now().Add(-time.Minute)
	e.mu.Unlock()

	e.Sweep()

	assert.Equal(t, 1, e.ActiveBlockCount())
	allowed, _ := e.CheckAccess("stale", "")
	assert.True(t, allowed)
	allowed, _ = e.CheckAccess("fresh", "")
	assert.False(t, allowed)
	assert.False(t, e.Monitored("stale"))
}

func TestExecutor_ExpiredBlockNotEnforced(t *testing.T) {
	e := newTestExecutor(t, nil, nil)

	e.mu.Lock()
	e.locks["user-001"] = blockEntry{Reason: "expired", ExpiresAt: time.Now().Add(-time.Second)}
	e.mu.Unlock()

	allowed, _ := e.CheckAccess("user-001", "")
	assert.True(t, allowed)
	assert.Equal(t, 0, e.ActiveBlockCount())
}

func TestExecutor_LockDurationScalesWithSeverity(t *testing.T) {
	e := newTestExecutor(t, nil, nil)

	e.Execute(context.Background(), autoDetection(model.SeverityCritical, model.ActionAccountLock))

	e.mu.RLock()
	entry := e.locks["user-001"]
	e.mu.RUnlock()

	// Critical locks hold for 24 hours.
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), entry.ExpiresAt, 5*time.Second)
}
