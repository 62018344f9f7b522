package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterMatches(t *testing.T) {
	ev := ThreatEvent{
		Fingerprint: "f1",
		ThreatType:  ThreatTypeRansomware,
		Geo:         "DE",
		Score:       70,
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches", Filter{}, true},
		{"floor equal to score matches", Filter{MinScore: 70}, true},
		{"floor just above score", Filter{MinScore: 70.01}, false},
		{"type in set", Filter{ThreatTypes: []ThreatType{ThreatTypeMalware, ThreatTypeRansomware}}, true},
		{"type not in set", Filter{ThreatTypes: []ThreatType{ThreatTypePhishing}}, false},
		{"geo in set", Filter{Geos: []string{"DE"}}, true},
		{"geo not in set", Filter{Geos: []string{"US"}}, false},
		{"all dimensions", Filter{ThreatTypes: []ThreatType{ThreatTypeRansomware}, Geos: []string{"DE"}, MinScore: 50}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(ev))
		})
	}
}

func TestFilterValidate(t *testing.T) {
	f, err := Filter{Geos: []string{" us "}, MinScore: 10}.Validate()
	require.NoError(t, err)
	assert.Equal(t, []string{"US"}, f.Geos)

	_, err = Filter{MinScore: 101}.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "min_score", verr.Field)

	_, err = Filter{ThreatTypes: []ThreatType{"worm"}}.Validate()
	assert.Error(t, err)

	_, err = Filter{Geos: []string{"USA"}}.Validate()
	assert.Error(t, err)
}

func TestSeverityOrdering(t *testing.T) {
	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityMedium, SeverityHigh))
	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityCritical, SeverityLow))
	assert.False(t, Severity("extreme").Valid())
}
