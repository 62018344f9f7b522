// Package scoring computes a 0-100 severity score for folded threat events.
// Scoring is pure: the result depends only on the event, the prior score and
// the evaluation time passed in.
package scoring

import (
	"math"
	"time"

	"github.com/lvonguyen/threatmesh/internal/model"
)

// Rule adjusts a score. Rules run in order, each receiving the output of the
// previous one.
type Rule struct {
	Name  string
	Apply func(score float64, in Input) float64
}

// Input is what a rule may look at.
type Input struct {
	Event model.ThreatEvent
	Prior float64
	AsOf  time.Time
}

// Config holds the tunables of the default rule set.
type Config struct {
	SeverityBase     map[model.Severity]float64   `yaml:"severity_base" toml:"severity_base"`
	TypeModifier     map[model.ThreatType]float64 `yaml:"type_modifier" toml:"type_modifier"`
	OccurrenceBoost  float64                      `yaml:"occurrence_boost" toml:"occurrence_boost"`
	BoostCeiling     float64                      `yaml:"boost_ceiling" toml:"boost_ceiling"`
	HalfLife         time.Duration                `yaml:"half_life" toml:"half_life"`
	ConfirmThreshold float64                      `yaml:"confirm_threshold" toml:"confirm_threshold"`
}

// DefaultConfig returns the default scoring tables.
func DefaultConfig() Config {
	return Config{
		SeverityBase: map[model.Severity]float64{
			model.SeverityLow:      20,
			model.SeverityMedium:   45,
			model.SeverityHigh:     65,
			model.SeverityCritical: 85,
		},
		TypeModifier: map[model.ThreatType]float64{
			model.ThreatTypeRansomware:   10,
			model.ThreatTypeDataBreach:   10,
			model.ThreatTypeMalware:      5,
			model.ThreatTypeSQLInjection: 5,
			model.ThreatTypeDDoS:         3,
			model.ThreatTypePortScan:     -5,
			model.ThreatTypeUnknown:      -10,
		},
		OccurrenceBoost:  10,
		BoostCeiling:     25,
		HalfLife:         6 * time.Hour,
		ConfirmThreshold: 60,
	}
}

// Engine applies an ordered rule set.
type Engine struct {
	rules            []Rule
	confirmThreshold float64
}

// New creates an engine with the default rules built from cfg.
func New(cfg Config) *Engine {
	return NewWithRules(cfg.ConfirmThreshold,
		SeverityByType(cfg.SeverityBase, cfg.TypeModifier),
		OccurrenceBoost(cfg.OccurrenceBoost, cfg.BoostCeiling),
		AgeDecay(cfg.HalfLife),
		NoRegressionOnReinforcement(),
	)
}

// NewWithRules creates an engine with a custom rule set.
func NewWithRules(confirmThreshold float64, rules ...Rule) *Engine {
	return &Engine{rules: rules, confirmThreshold: confirmThreshold}
}

// Score runs the rules and clamps the result to [0, 100].
func (e *Engine) Score(ev model.ThreatEvent, prior float64, asOf time.Time) float64 {
	in := Input{Event: ev, Prior: prior, AsOf: asOf}
	score := 0.0
	for _, r := range e.rules {
		score = r.Apply(score, in)
	}
	return clamp(math.Round(score*100) / 100)
}

// Status derives the lifecycle status from a freshly computed score. An
// active suppression is kept.
func (e *Engine) Status(ev model.ThreatEvent) model.Status {
	if ev.Suppressed() {
		return model.StatusSuppressed
	}
	if ev.Status == model.StatusConfirmed || ev.Score >= e.confirmThreshold {
		return model.StatusConfirmed
	}
	return model.StatusPending
}

// RuleNames lists the active rules in order.
func (e *Engine) RuleNames() []string {
	names := make([]string, 0, len(e.rules))
	for _, r := range e.rules {
		names = append(names, r.Name)
	}
	return names
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
