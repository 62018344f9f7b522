package model

import (
	"fmt"
	"strings"
)

// ValidationError is an input rejection for a filter or registration.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Filter is a session's interest predicate. Empty sets match anything;
// MinScore is an inclusive floor on the event score.
type Filter struct {
	ThreatTypes []ThreatType `json:"threat_types,omitempty" yaml:"threat_types"`
	Geos        []string     `json:"geos,omitempty" yaml:"geos"`
	MinScore    float64      `json:"min_score" yaml:"min_score"`
}

// Validate checks the filter and returns a normalized copy.
func (f Filter) Validate() (Filter, error) {
	out := Filter{MinScore: f.MinScore}
	if f.MinScore < 0 || f.MinScore > 100 {
		return Filter{}, &ValidationError{Field: "min_score", Message: "must be between 0 and 100"}
	}
	for _, t := range f.ThreatTypes {
		if !t.Valid() {
			return Filter{}, &ValidationError{Field: "threat_types", Message: fmt.Sprintf("unknown threat type %q", t)}
		}
		out.ThreatTypes = append(out.ThreatTypes, t)
	}
	for _, g := range f.Geos {
		g = strings.ToUpper(strings.TrimSpace(g))
		if len(g) != 2 {
			return Filter{}, &ValidationError{Field: "geos", Message: fmt.Sprintf("geo %q is not a two-letter code", g)}
		}
		out.Geos = append(out.Geos, g)
	}
	return out, nil
}

// Matches evaluates the predicate against the event's current fields.
func (f Filter) Matches(e ThreatEvent) bool {
	if e.Score < f.MinScore {
		return false
	}
	if len(f.ThreatTypes) > 0 {
		found := false
		for _, t := range f.ThreatTypes {
			if t == e.ThreatType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Geos) > 0 {
		found := false
		for _, g := range f.Geos {
			if g == e.Geo {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
