package scoring

import (
	"math"
	"time"

	"github.com/lvonguyen/threatmesh/internal/model"
)

// SeverityByType sets the base score from the reported severity plus a
// per-type modifier.
func SeverityByType(base map[model.Severity]float64, modifier map[model.ThreatType]float64) Rule {
	return Rule{
		Name: "severity_by_type",
		Apply: func(_ float64, in Input) float64 {
			return base[in.Event.SeverityRaw] + modifier[in.Event.ThreatType]
		},
	}
}

// OccurrenceBoost adds per for every report beyond the first, up to ceiling.
func OccurrenceBoost(per, ceiling float64) Rule {
	return Rule{
		Name: "occurrence_boost",
		Apply: func(score float64, in Input) float64 {
			extra := float64(in.Event.OccurrenceCount - 1)
			if extra <= 0 {
				return score
			}
			return score + math.Min(extra*per, ceiling)
		},
	}
}

// AgeDecay halves the score every halfLife since the last reinforcement.
func AgeDecay(halfLife time.Duration) Rule {
	return Rule{
		Name: "age_decay",
		Apply: func(score float64, in Input) float64 {
			if halfLife <= 0 {
				return score
			}
			age := in.AsOf.Sub(in.Event.LastSeenAt)
			if age <= 0 {
				return score
			}
			return score * math.Pow(0.5, float64(age)/float64(halfLife))
		},
	}
}

// NoRegressionOnReinforcement keeps a fresh report from lowering the score.
// It only applies when the evaluation time is the event's last sighting.
func NoRegressionOnReinforcement() Rule {
	return Rule{
		Name: "no_regression_on_reinforcement",
		Apply: func(score float64, in Input) float64 {
			if in.AsOf.Equal(in.Event.LastSeenAt) && in.Prior > score {
				return in.Prior
			}
			return score
		},
	}
}
