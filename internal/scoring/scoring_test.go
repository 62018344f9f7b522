package scoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/lvonguyen/threatmesh/internal/model"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func event(sev model.Severity, tt model.ThreatType, count int64) model.ThreatEvent {
	return model.ThreatEvent{
		Fingerprint:     "f",
		ThreatType:      tt,
		SeverityRaw:     sev,
		FirstSeenAt:     now,
		LastSeenAt:      now,
		OccurrenceCount: count,
		Status:          model.StatusPending,
	}
}

func TestScore_SeverityTable(t *testing.T) {
	e := New(DefaultConfig())

	tests := []struct {
		sev  model.Severity
		tt   model.ThreatType
		want float64
	}{
		{model.SeverityLow, model.ThreatTypeXSS, 20},
		{model.SeverityMedium, model.ThreatTypeBruteForce, 45},
		{model.SeverityHigh, model.ThreatTypeBruteForce, 65},
		{model.SeverityCritical, model.ThreatTypeRansomware, 95},
		{model.SeverityLow, model.ThreatTypeUnknown, 10},
	}

	for _, tt := range tests {
		t.Run(string(tt.sev)+"/"+string(tt.tt), func(t *testing.T) {
			assert.Equal(t, tt.want, e.Score(event(tt.sev, tt.tt, 1), 0, now))
		})
	}
}

func TestScore_OccurrenceBoostCapped(t *testing.T) {
	e := New(DefaultConfig())

	assert.Equal(t, 75.0, e.Score(event(model.SeverityHigh, model.ThreatTypeBruteForce, 2), 0, now))
	assert.Equal(t, 85.0, e.Score(event(model.SeverityHigh, model.ThreatTypeBruteForce, 3), 0, now))
	assert.Equal(t, 90.0, e.Score(event(model.SeverityHigh, model.ThreatTypeBruteForce, 50), 0, now))
}

func TestScore_Clamped(t *testing.T) {
	e := New(DefaultConfig())
	assert.Equal(t, 100.0, e.Score(event(model.SeverityCritical, model.ThreatTypeRansomware, 10), 0, now))
}

func TestScore_AgeDecay(t *testing.T) {
	e := New(DefaultConfig())
	ev := event(model.SeverityHigh, model.ThreatTypeBruteForce, 1)

	assert.Equal(t, 32.5, e.Score(ev, 65, now.Add(6*time.Hour)))
	assert.Equal(t, 16.25, e.Score(ev, 65, now.Add(12*time.Hour)))
}

func TestScore_ReinforcementNeverLowers(t *testing.T) {
	e := New(DefaultConfig())
	ev := event(model.SeverityLow, model.ThreatTypeBruteForce, 2)

	assert.Equal(t, 80.0, e.Score(ev, 80, now), "fresh report keeps prior")
	assert.Equal(t, 30.0, e.Score(ev, 80, now.Add(time.Nanosecond)), "later evaluation may lower")
}

func TestScore_Deterministic(t *testing.T) {
	e := New(DefaultConfig())
	ev := event(model.SeverityMedium, model.ThreatTypeMalware, 4)
	at := now.Add(90 * time.Minute)

	first := e.Score(ev, 10, at)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Score(ev, 10, at))
	}
}

func TestStatus(t *testing.T) {
	e := New(DefaultConfig())

	ev := event(model.SeverityMedium, model.ThreatTypeBruteForce, 1)
	ev.Score = 45
	assert.Equal(t, model.StatusPending, e.Status(ev))

	ev.Score = 60
	assert.Equal(t, model.StatusConfirmed, e.Status(ev))

	ev.Status = model.StatusConfirmed
	ev.Score = 10
	assert.Equal(t, model.StatusConfirmed, e.Status(ev), "confirmation sticks")

	ev.Status = model.StatusSuppressed
	assert.Equal(t, model.StatusSuppressed, e.Status(ev))
}

func TestCustomRules(t *testing.T) {
	e := NewWithRules(50, Rule{Name: "flat", Apply: func(float64, Input) float64 { return 42 }})
	assert.Equal(t, []string{"flat"}, e.RuleNames())
	assert.Equal(t, 42.0, e.Score(event(model.SeverityLow, model.ThreatTypeXSS, 1), 0, now))
}
