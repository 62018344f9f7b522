// Package model defines the threat event and session filter types shared by
// the coordinator components.
package model

import (
	"fmt"
	"time"
)

// ThreatType categorizes the observed attack.
type ThreatType string

const (
	ThreatTypeMalware         ThreatType = "malware"
	ThreatTypePhishing        ThreatType = "phishing"
	ThreatTypeRansomware      ThreatType = "ransomware"
	ThreatTypeDataBreach      ThreatType = "data_breach"
	ThreatTypeDDoS            ThreatType = "ddos"
	ThreatTypeSQLInjection    ThreatType = "sql_injection"
	ThreatTypeXSS             ThreatType = "xss"
	ThreatTypeBruteForce      ThreatType = "brute_force"
	ThreatTypePortScan        ThreatType = "port_scan"
	ThreatTypeHoneypotTrigger ThreatType = "honeypot_trigger"
	ThreatTypeUnknown         ThreatType = "unknown"
)

// ThreatTypes lists every accepted threat type.
var ThreatTypes = []ThreatType{
	ThreatTypeMalware,
	ThreatTypePhishing,
	ThreatTypeRansomware,
	ThreatTypeDataBreach,
	ThreatTypeDDoS,
	ThreatTypeSQLInjection,
	ThreatTypeXSS,
	ThreatTypeBruteForce,
	ThreatTypePortScan,
	ThreatTypeHoneypotTrigger,
	ThreatTypeUnknown,
}

// Valid reports whether t is a known threat type.
func (t ThreatType) Valid() bool {
	for _, known := range ThreatTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Severity is the reporter's self-assessed severity.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() > 0
}

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Status is the lifecycle state of a folded event.
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusSuppressed Status = "suppressed"
)

// SuppressReason records why an event was suppressed.
type SuppressReason string

const (
	SuppressNone  SuppressReason = ""
	SuppressDecay SuppressReason = "decay"
	SuppressAdmin SuppressReason = "admin"
)

// ThreatEvent is the folded state of every report sharing one fingerprint.
// Sequence is the store sequence number of the log entry carrying this state
// and is zero until the event has been appended.
type ThreatEvent struct {
	Fingerprint     string         `json:"fingerprint"`
	ReporterID      string         `json:"reporter_id"`
	LastReporterID  string         `json:"last_reporter_id,omitempty"`
	ThreatType      ThreatType     `json:"threat_type"`
	SeverityRaw     Severity       `json:"severity_raw"`
	SourceID        string         `json:"source_id"`
	TargetID        string         `json:"target_id"`
	Signature       string         `json:"signature"`
	Geo             string         `json:"geo,omitempty"`
	Description     string         `json:"description,omitempty"`
	FirstSeenAt     time.Time      `json:"first_seen_at"`
	LastSeenAt      time.Time      `json:"last_seen_at"`
	OccurrenceCount int64          `json:"occurrence_count"`
	Score           float64        `json:"score"`
	Status          Status         `json:"status"`
	SuppressReason  SuppressReason `json:"suppress_reason,omitempty"`
	Sequence        uint64         `json:"sequence,omitempty"`
}

// Suppressed reports whether the event is currently suppressed.
func (e ThreatEvent) Suppressed() bool {
	return e.Status == StatusSuppressed
}

// Check verifies the structural invariants of a folded event.
func (e ThreatEvent) Check() error {
	if e.Fingerprint == "" {
		return fmt.Errorf("event has no fingerprint")
	}
	if e.OccurrenceCount < 1 {
		return fmt.Errorf("event %s: occurrence count %d", e.Fingerprint, e.OccurrenceCount)
	}
	if e.LastSeenAt.Before(e.FirstSeenAt) {
		return fmt.Errorf("event %s: last seen before first seen", e.Fingerprint)
	}
	return nil
}
