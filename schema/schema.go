// Package schema defines the structured output contract a task can declare and
// the validation / repair pipeline that coerces raw model output into it.
//
// A Schema is an ordered list of named, typed fields. Validation first attempts
// a strict JSON parse; on failure it runs a bounded number of lenient repair
// passes (fenced block extraction, jsonrepair) before giving up with a
// ViolationError. Required fields are never silently dropped: a missing or
// ill-typed required field fails validation even when the surrounding JSON
// parses cleanly.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// FieldType enumerates the JSON types a schema field can declare.
type FieldType string

const (
	// TypeString declares a JSON string field.
	TypeString FieldType = "string"
	// TypeInteger declares a JSON integer field.
	TypeInteger FieldType = "integer"
	// TypeNumber declares a JSON number field.
	TypeNumber FieldType = "number"
	// TypeBoolean declares a JSON boolean field.
	TypeBoolean FieldType = "boolean"
	// TypeArray declares a JSON array field.
	TypeArray FieldType = "array"
	// TypeObject declares a JSON object field.
	TypeObject FieldType = "object"
)

// Field describes one entry in a task's expected output object.
type Field struct {
	Name        string    `json:"name" yaml:"name"`
	Type        FieldType `json:"type" yaml:"type"`
	Required    bool      `json:"required" yaml:"required"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Schema is the expected output shape of a task: an object with the declared fields.
type Schema struct {
	Fields []Field `json:"fields" yaml:"fields"`
}

// New constructs a Schema from the given fields.
func New(fields ...Field) *Schema {
	return &Schema{Fields: fields}
}

// CodeViolation is the stable kind string for schema validation failures,
// distinct from the tool layer's argument validation code.
const CodeViolation = "SCHEMA_VIOLATION"

// ViolationError reports output that could not be coerced into the schema
// after the configured number of repair passes.
type ViolationError struct {
	Field    string `json:"field,omitempty"` // Offending field, empty when the document itself is unparseable
	Message  string `json:"message"`         // Human-readable description
	Attempts int    `json:"attempts"`        // Parse attempts consumed (strict + repairs)
}

func (e *ViolationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema violation on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("schema violation: %s", e.Message)
}

// Output is the validated result of a task: the raw model text plus the parsed object.
type Output struct {
	Raw  string         `json:"raw"`
	Dict map[string]any `json:"dict,omitempty"`
}

// Validate parses raw against the schema, running up to maxRepairs lenient
// repair passes after a failed strict parse. The returned Output always
// preserves the raw text alongside the parsed object.
func (s *Schema) Validate(raw string, maxRepairs int) (*Output, error) {
	dict, attempts, err := parseObject(raw, maxRepairs)
	if err != nil {
		return nil, &ViolationError{Message: err.Error(), Attempts: attempts}
	}

	for _, f := range s.Fields {
		v, present := dict[f.Name]
		if !present {
			if f.Required {
				return nil, &ViolationError{Field: f.Name, Message: "required field is missing", Attempts: attempts}
			}
			continue
		}
		if !conforms(v, f.Type) {
			return nil, &ViolationError{
				Field:    f.Name,
				Message:  fmt.Sprintf("expected type %s, got %T", f.Type, v),
				Attempts: attempts,
			}
		}
	}

	return &Output{Raw: raw, Dict: dict}, nil
}

// parseObject attempts a strict parse then bounded repair passes. It returns
// the decoded object and the number of attempts consumed.
func parseObject(raw string, maxRepairs int) (map[string]any, int, error) {
	attempts := 1
	dict := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &dict); err == nil {
		return dict, attempts, nil
	}

	candidate := raw
	repairs := []func(string) (string, error){extractEmbedded, repairLenient}
	for _, pass := range repairs {
		if attempts-1 >= maxRepairs {
			break
		}
		fixed, err := pass(candidate)
		if err != nil {
			continue
		}
		attempts++
		dict = map[string]any{}
		if err := json.Unmarshal([]byte(fixed), &dict); err == nil {
			return dict, attempts, nil
		}
		candidate = fixed
	}

	return nil, attempts, fmt.Errorf("output is not a JSON object after %d attempts", attempts)
}

// extractEmbedded pulls the first JSON object out of surrounding prose or a
// fenced code block. Models frequently wrap otherwise valid JSON this way.
func extractEmbedded(raw string) (string, error) {
	if idx := strings.Index(raw, "```"); idx >= 0 {
		rest := raw[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			raw = rest[:end]
		} else {
			raw = rest
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object found in output")
	}
	return strings.TrimSpace(raw[start : end+1]), nil
}

// repairLenient delegates to jsonrepair which fixes trailing commas, single
// quotes, unquoted keys and similar near-valid structures.
func repairLenient(raw string) (string, error) {
	return jsonrepair.JSONRepair(raw)
}

// conforms reports whether a decoded JSON value matches the declared field type.
func conforms(v any, t FieldType) bool {
	if v == nil {
		return true
	}
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInteger:
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case TypeNumber:
		_, ok := v.(float64)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeArray:
		_, ok := v.([]any)
		return ok
	case TypeObject:
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}

// PromptHint renders the output-format instruction appended to a task prompt so
// the model knows the JSON shape to produce.
func (s *Schema) PromptHint() string {
	if s == nil || len(s.Fields) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Respond with a single JSON object containing the following fields:\n")
	for _, f := range s.Fields {
		b.WriteString(fmt.Sprintf("- %q: %s", f.Name, f.Type))
		if f.Description != "" {
			b.WriteString(", " + f.Description)
		}
		if !f.Required {
			b.WriteString(" (optional)")
		}
		b.WriteString("\n")
	}
	b.WriteString("Do not include any text outside the JSON object.")
	return b.String()
}
