package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/skybridge-io/skybridge/internal/job"
)

// resultSchema constrains the final JSON object agents must emit. Extra
// fields are tolerated so newer agents can report more than we consume.
const resultSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["success"],
  "properties": {
    "success":        {"type": "boolean"},
    "changes_made":   {"type": "boolean"},
    "files_created":  {"type": "array", "items": {"type": "string"}},
    "files_modified": {"type": "array", "items": {"type": "string"}},
    "files_deleted":  {"type": "array", "items": {"type": "string"}},
    "commit_hash":    {"type": "string"},
    "pr_url":         {"type": "string"},
    "message":        {"type": "string"}
  }
}`

var compiledResultSchema = jsonschema.MustCompileString("agent_result.json", resultSchema)

// ValidateResult checks the raw final object against the result schema and
// decodes it. Schema violations come back with JSON pointers to the
// offending fields.
func ValidateResult(raw json.RawMessage) (*job.AgentResult, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("agent emitted no final result object")
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("final result is not valid JSON: %w", err)
	}
	if err := compiledResultSchema.Validate(value); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return nil, fmt.Errorf("final result failed validation: %s", strings.Join(pointerMessages(ve), "; "))
		}
		return nil, fmt.Errorf("final result failed validation: %w", err)
	}

	var result job.AgentResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding final result: %w", err)
	}
	return &result, nil
}

// pointerMessages flattens a validation error tree into "pointer: message"
// leaves, the part an operator actually needs.
func pointerMessages(ve *jsonschema.ValidationError) []string {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "#"
		}
		return []string{fmt.Sprintf("%s: %s", loc, ve.Message)}
	}
	var out []string
	for _, cause := range ve.Causes {
		out = append(out, pointerMessages(cause)...)
	}
	return out
}
