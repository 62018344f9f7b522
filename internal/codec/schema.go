package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lvonguyen/threatmesh/internal/model"
)

const reportSchemaTemplate = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["threat_type", "severity", "source", "target", "signature"],
  "properties": {
    "reporter_id": {"type": "string", "maxLength": 128},
    "threat_type": {"enum": %s},
    "severity": {"enum": ["low", "medium", "high", "critical"]},
    "source": {"type": "string", "minLength": 1, "maxLength": 256, "pattern": "\\S"},
    "target": {"type": "string", "minLength": 1, "maxLength": 256, "pattern": "\\S"},
    "signature": {"type": "string", "minLength": 1, "maxLength": 1024, "pattern": "\\S"},
    "geo": {"type": "string", "pattern": "^[A-Za-z]{2}$"},
    "observed_at": {"type": "string", "minLength": 1},
    "description": {"type": "string"}
  }
}`

// compileReportSchema builds the raw report schema with the current threat
// type enumeration.
func compileReportSchema() (*jsonschema.Schema, error) {
	types, err := json.Marshal(model.ThreatTypes)
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("report.json", strings.NewReader(fmt.Sprintf(reportSchemaTemplate, types))); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("report.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}

// schemaRejection converts a schema validation failure into a rejection that
// names the first offending field.
func schemaRejection(err error) *Rejection {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &Rejection{Code: CodeMalformed, Message: err.Error()}
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}

	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	code := CodeInvalidField
	if strings.Contains(ve.Message, "missing properties") {
		code = CodeMissingField
		field = strings.Trim(strings.TrimPrefix(ve.Message, "missing properties:"), " '")
	}
	return &Rejection{Code: code, Field: field, Message: ve.Message}
}
