package conversation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Coerce parses a final answer into the shape described by a JSON schema.
// Responders often wrap JSON in markdown fences or prose; the payload is
// extracted before parsing. A parse or validation failure is returned as-is so
// the caller can classify it as a coercion error.
func Coerce(raw string, schemaJSON string) (any, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return nil, fmt.Errorf("no JSON payload found in final answer")
	}

	var value any
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		return nil, fmt.Errorf("final answer is not valid JSON: %w", err)
	}

	schema, err := compileSchema(schemaJSON)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(value); err != nil {
		return nil, err
	}
	return value, nil
}

func compileSchema(schemaJSON string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("invalid output schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("outcome.json", doc); err != nil {
		return nil, fmt.Errorf("invalid output schema: %w", err)
	}
	schema, err := compiler.Compile("outcome.json")
	if err != nil {
		return nil, fmt.Errorf("invalid output schema: %w", err)
	}
	return schema, nil
}

// extractJSON pulls the JSON document out of a possibly-fenced, possibly
// prose-wrapped answer.
func extractJSON(raw string) string {
	text := strings.TrimSpace(raw)

	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = strings.TrimSpace(rest[:end])
		} else {
			text = strings.TrimSpace(rest)
		}
	}

	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return text
	}

	// Prose wrapper: take the outermost object or array.
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return ""
	}
	var end int
	if text[start] == '{' {
		end = strings.LastIndex(text, "}")
	} else {
		end = strings.LastIndex(text, "]")
	}
	if end <= start {
		return ""
	}
	return text[start : end+1]
}
