package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return ts
}

func TestSeverity_Rank(t *testing.T) {
	assert.Equal(t, 0, SeverityInfo.Rank())
	assert.Equal(t, 1, SeverityLow.Rank())
	assert.Equal(t, 2, SeverityMedium.Rank())
	assert.Equal(t, 3, SeverityHigh.Rank())
	assert.Equal(t, 4, SeverityCritical.Rank())
	assert.Equal(t, -1, Severity("bogus").Rank())
}

func TestSeverity_AtLeast(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityHigh.AtLeast(SeverityHigh))
	assert.False(t, SeverityMedium.AtLeast(SeverityHigh))
	assert.True(t, SeverityInfo.AtLeast(Severity("bogus")))
}

func TestSeverity_Valid(t *testing.T) {
	for _, s := range []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		assert.True(t, s.Valid(), "severity %s", s)
	}
	assert.False(t, Severity("").Valid())
	assert.False(t, Severity("catastrophic").Valid())
}

func TestRawSignal_Validate(t *testing.T) {
	risk := 50.0
	valid := RawSignal{
		Category:  CategoryAuthentication,
		Type:      "login",
		Severity:  SeverityInfo,
		SubjectID: "user-001",
		RiskScore: &risk,
	}
	assert.NoError(t, valid.Validate())

	// Severity is optional; the collector defaults it.
	noSeverity := valid
	noSeverity.Severity = ""
	assert.NoError(t, noSeverity.Validate())

	tests := []struct {
		name   string
		mutate func(*RawSignal)
		field  string
	}{
		{"missing category", func(r *RawSignal) { r.Category = "" }, "category"},
		{"missing type", func(r *RawSignal) { r.Type = "" }, "type"},
		{"bad severity", func(r *RawSignal) { r.Severity = "catastrophic" }, "severity"},
		{"risk too high", func(r *RawSignal) { v := 101.0; r.RiskScore = &v }, "risk_score"},
		{"risk negative", func(r *RawSignal) { v := -1.0; r.RiskScore = &v }, "risk_score"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.Validate()
			require.Error(t, err)

			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestMitigationAction_Valid(t *testing.T) {
	for _, a := range KnownActions {
		assert.True(t, a.Valid(), "action %s", a)
	}
	assert.False(t, MitigationAction("self_destruct").Valid())
}

func TestAlertStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from    AlertStatus
		to      AlertStatus
		allowed bool
	}{
		{AlertActive, AlertAcknowledged, true},
		{AlertActive, AlertResolved, true},
		{AlertActive, AlertSuppressed, true},
		{AlertAcknowledged, AlertResolved, true},
		{AlertAcknowledged, AlertActive, false},
		{AlertAcknowledged, AlertSuppressed, false},
		{AlertResolved, AlertActive, false},
		{AlertResolved, AlertAcknowledged, false},
		{AlertSuppressed, AlertActive, false},
		{AlertSuppressed, AlertResolved, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestBehaviorProfile_InLearningPhase(t *testing.T) {
	now := mustParse(t, "2026-03-10T12:00:00Z")

	fresh := BehaviorProfile{CreatedAt: now.Add(-time.Hour)}
	assert.True(t, fresh.InLearningPhase(now))

	aged := BehaviorProfile{CreatedAt: now.Add(-LearningPhaseDuration - time.Minute)}
	assert.False(t, aged.InLearningPhase(now))
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{Field: "category", Message: "category is required"}
	assert.Equal(t, "category: category is required", err.Error())
}
