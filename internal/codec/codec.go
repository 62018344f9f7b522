// Package codec validates raw threat reports and turns them into canonical
// threat events with a deterministic fingerprint.
package codec

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lvonguyen/threatmesh/internal/model"
)

// Rejection codes returned to the reporting device.
const (
	CodeMalformed          = "malformed_report"
	CodeMissingField       = "missing_field"
	CodeInvalidField       = "invalid_field"
	CodeMalformedTimestamp = "malformed_timestamp"
	CodeFutureTimestamp    = "future_timestamp"
	CodeOversizedField     = "oversized_field"
	CodeMissingReporter    = "missing_reporter"
)

// Rejection is a non-fatal input rejection. It is returned as an error value
// and carries the reason reported back to the device.
type Rejection struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (r *Rejection) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("report rejected (%s): %s: %s", r.Code, r.Field, r.Message)
	}
	return fmt.Sprintf("report rejected (%s): %s", r.Code, r.Message)
}

// Config holds codec limits.
type Config struct {
	ClockSkew    time.Duration `yaml:"clock_skew" toml:"clock_skew"`
	MaxTextBytes int           `yaml:"max_text_bytes" toml:"max_text_bytes"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ClockSkew:    5 * time.Minute,
		MaxTextBytes: 4096,
	}
}

// RawReport is the wire form of a device's threat report.
type RawReport struct {
	ReporterID  string `json:"reporter_id,omitempty"`
	ThreatType  string `json:"threat_type"`
	Severity    string `json:"severity"`
	Source      string `json:"source"`
	Target      string `json:"target"`
	Signature   string `json:"signature"`
	Geo         string `json:"geo,omitempty"`
	ObservedAt  string `json:"observed_at,omitempty"`
	Description string `json:"description,omitempty"`
}

// Codec canonicalizes raw reports. It is safe for concurrent use.
type Codec struct {
	config Config
	schema *jsonschema.Schema
}

// New creates a codec.
func New(cfg Config) (*Codec, error) {
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = DefaultConfig().ClockSkew
	}
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = DefaultConfig().MaxTextBytes
	}
	schema, err := compileReportSchema()
	if err != nil {
		return nil, err
	}
	return &Codec{config: cfg, schema: schema}, nil
}

// Canonicalize validates data and returns the single-observation event it
// describes. reporterID, when set, overrides the reporter named in the body.
// Any returned error is a *Rejection.
func (c *Codec) Canonicalize(data []byte, reporterID string, receivedAt time.Time) (model.ThreatEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return model.ThreatEvent{}, &Rejection{Code: CodeMalformed, Message: "body is not valid JSON"}
	}
	if err := c.schema.Validate(doc); err != nil {
		return model.ThreatEvent{}, schemaRejection(err)
	}

	var raw RawReport
	if err := json.Unmarshal(data, &raw); err != nil {
		return model.ThreatEvent{}, &Rejection{Code: CodeMalformed, Message: err.Error()}
	}
	return c.canonicalize(raw, reporterID, receivedAt)
}

func (c *Codec) canonicalize(raw RawReport, reporterID string, receivedAt time.Time) (model.ThreatEvent, error) {
	if reporterID == "" {
		reporterID = strings.TrimSpace(raw.ReporterID)
	}
	if reporterID == "" {
		return model.ThreatEvent{}, &Rejection{Code: CodeMissingReporter, Field: "reporter_id", Message: "no reporter identity"}
	}

	if len(raw.Description) > c.config.MaxTextBytes {
		return model.ThreatEvent{}, &Rejection{
			Code:    CodeOversizedField,
			Field:   "description",
			Message: fmt.Sprintf("%d bytes exceeds limit of %d", len(raw.Description), c.config.MaxTextBytes),
		}
	}

	observed := receivedAt
	if raw.ObservedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw.ObservedAt)
		if err != nil {
			return model.ThreatEvent{}, &Rejection{Code: CodeMalformedTimestamp, Field: "observed_at", Message: "expected RFC 3339"}
		}
		if ts.Sub(receivedAt) > c.config.ClockSkew {
			return model.ThreatEvent{}, &Rejection{
				Code:    CodeFutureTimestamp,
				Field:   "observed_at",
				Message: fmt.Sprintf("%s is more than %s ahead", ts.Format(time.RFC3339), c.config.ClockSkew),
			}
		}
		observed = ts
	}
	observed = observed.UTC()

	threatType := model.ThreatType(raw.ThreatType)
	source := normalizeIdentifier(raw.Source)
	target := normalizeIdentifier(raw.Target)
	signature := NormalizeSignature(raw.Signature)

	return model.ThreatEvent{
		Fingerprint:     Fingerprint(threatType, source, target, signature),
		ReporterID:      reporterID,
		LastReporterID:  reporterID,
		ThreatType:      threatType,
		SeverityRaw:     model.Severity(raw.Severity),
		SourceID:        source,
		TargetID:        target,
		Signature:       signature,
		Geo:             strings.ToUpper(raw.Geo),
		Description:     raw.Description,
		FirstSeenAt:     observed,
		LastSeenAt:      observed,
		OccurrenceCount: 1,
		Status:          model.StatusPending,
	}, nil
}

// Fingerprint hashes the identity fields of an attack. Reporter and time are
// excluded so every sensor seeing the same attack agrees on the value. Each
// field is length-prefixed, so no field content can shift a boundary.
func Fingerprint(threatType model.ThreatType, source, target, signature string) string {
	h := sha256.New()
	for _, c := range []string{string(threatType), source, target, signature} {
		fmt.Fprintf(h, "%d:%s", len(c), c)
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// NormalizeSignature lowercases the signature and collapses whitespace.
func NormalizeSignature(sig string) string {
	return strings.Join(strings.Fields(strings.ToLower(sig)), " ")
}

func normalizeIdentifier(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
