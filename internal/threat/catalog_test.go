package threat

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellr/sentinel/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCatalog_LoadDefaults(t *testing.T) {
	c := NewCatalog("", false, time.Second, testLogger())

	snapshot, err := c.Load()
	require.NoError(t, err)
	require.NotEmpty(t, snapshot.Patterns)

	// Snapshot is sorted by pattern ID.
	for i := 1; i < len(snapshot.Patterns); i++ {
		assert.Less(t, snapshot.Patterns[i-1].ID, snapshot.Patterns[i].ID)
	}

	p, ok := c.Pattern("credential_stuffing")
	require.True(t, ok)
	assert.Equal(t, model.SeverityHigh, p.Severity)
	assert.Equal(t, 0.8, p.ConfidenceThreshold)
}

func TestCatalog_LoadDir(t *testing.T) {
	dir := t.TempDir()

	single := `
id: test_pattern
name: Test Pattern
severity: high
indicators:
  - rapid_login_attempts
confidence_threshold: 0.8
response_actions:
  - rate_limit
calibration: 0.9
`
	many := `
- id: list_pattern_a
  name: List Pattern A
  severity: medium
  indicators:
    - automated_behavior
  confidence_threshold: 0.7
- id: list_pattern_b
  name: List Pattern B
  severity: critical
  indicators:
    - concurrent_sessions
    - new_device
  confidence_threshold: 0.85
  response_actions:
    - session_terminate
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "single.yaml"), []byte(single), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "many.yaml"), []byte(many), 0o644))

	c := NewCatalog(dir, false, time.Second, testLogger())
	snapshot, err := c.Load()
	require.NoError(t, err)
	require.Len(t, snapshot.Patterns, 3)

	p, ok := c.Pattern("test_pattern")
	require.True(t, ok)
	assert.Equal(t, 0.9, p.Calibration)
	assert.Contains(t, p.SourceFile, "single.yaml")

	// Calibration defaults to neutral when the file leaves it unset.
	p, ok = c.Pattern("list_pattern_a")
	require.True(t, ok)
	assert.Equal(t, 1.0, p.Calibration)
}

func TestCatalog_LoadDir_SkipsInvalidPatterns(t *testing.T) {
	dir := t.TempDir()

	content := `
- id: good_pattern
  name: Good
  severity: low
  indicators:
    - rapid_login_attempts
  confidence_threshold: 0.7
- id: bad_indicator
  name: Bad Indicator
  severity: low
  indicators:
    - no_such_indicator
  confidence_threshold: 0.7
- id: bad_severity
  name: Bad Severity
  severity: apocalyptic
  indicators:
    - rapid_login_attempts
  confidence_threshold: 0.7
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "patterns.yaml"), []byte(content), 0o644))

	c := NewCatalog(dir, false, time.Second, testLogger())
	snapshot, err := c.Load()
	require.NoError(t, err)
	require.Len(t, snapshot.Patterns, 1)
	assert.Equal(t, "good_pattern", snapshot.Patterns[0].ID)
}

func TestCatalog_SnapshotBeforeLoad(t *testing.T) {
	c := NewCatalog("", false, time.Second, testLogger())

	snapshot := c.GetSnapshot()
	assert.Empty(t, snapshot.Patterns)

	_, ok := c.Pattern("credential_stuffing")
	assert.False(t, ok)
}

func TestPattern_Validate(t *testing.T) {
	valid := Pattern{
		ID:                  "p1",
		Name:                "Pattern One",
		Severity:            model.SeverityHigh,
		Indicators:          []string{IndicatorRapidLogins},
		ConfidenceThreshold: 0.8,
		Calibration:         0.9,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Pattern)
		field  string
	}{
		{"missing id", func(p *Pattern) { p.ID = "" }, "id"},
		{"missing name", func(p *Pattern) { p.Name = "" }, "name"},
		{"bad severity", func(p *Pattern) { p.Severity = "extreme" }, "severity"},
		{"no indicators", func(p *Pattern) { p.Indicators = nil }, "indicators"},
		{"unknown indicator", func(p *Pattern) { p.Indicators = []string{"bogus"} }, "indicators"},
		{"threshold too high", func(p *Pattern) { p.ConfidenceThreshold = 1.5 }, "confidence_threshold"},
		{"threshold zero", func(p *Pattern) { p.ConfidenceThreshold = 0 }, "confidence_threshold"},
		{"unknown action", func(p *Pattern) { p.ResponseActions = []model.MitigationAction{"self_destruct"} }, "response_actions"},
		{"calibration out of range", func(p *Pattern) { p.Calibration = 1.2 }, "calibration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			require.Error(t, err)

			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCatalog_HotReload(t *testing.T) {
	dir := t.TempDir()
	first := `
id: reload_pattern
name: Reload Pattern
severity: low
indicators:
  - rapid_login_attempts
confidence_threshold: 0.7
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p.yaml"), []byte(first), 0o644))

	c := NewCatalog(dir, true, 50*time.Millisecond, testLogger())
	_, err := c.Load()
	require.NoError(t, err)
	require.NoError(t, c.Watch())
	defer c.Close()

	updated := `
id: reload_pattern
name: Reload Pattern
severity: critical
indicators:
  - rapid_login_attempts
confidence_threshold: 0.7
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p.yaml"), []byte(updated), 0o644))

	assert.Eventually(t, func() bool {
		p, ok := c.Pattern("reload_pattern")
		return ok && p.Severity == model.SeverityCritical
	}, 3*time.Second, 25*time.Millisecond)
}
