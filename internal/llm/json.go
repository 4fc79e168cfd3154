package llm

import (
	"encoding/json"
	"strings"

	"github.com/aide-sh/aide/pkg/schema"
)

// ExtractJSON pulls a JSON document out of a model reply. Models frequently
// wrap JSON in markdown fences or surround it with prose, so this strips
// fences first and then falls back to the outermost brace pair.
func ExtractJSON(reply string) ([]byte, error) {
	s := strings.TrimSpace(reply)

	if fenced := stripFences(s); fenced != "" {
		s = fenced
	} else if !strings.HasPrefix(s, "{") && !strings.HasPrefix(s, "[") {
		start := strings.IndexAny(s, "{[")
		if start < 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "reply contains no JSON")
		}
		var closer byte = '}'
		if s[start] == '[' {
			closer = ']'
		}
		end := strings.LastIndexByte(s, closer)
		if end <= start {
			return nil, schema.NewError(schema.ErrCodeValidation, "reply contains unterminated JSON")
		}
		s = s[start : end+1]
	}

	if !json.Valid([]byte(s)) {
		return nil, schema.NewError(schema.ErrCodeValidation, "reply is not valid JSON")
	}
	return []byte(s), nil
}

// DecodeJSON extracts and unmarshals a JSON reply into v.
func DecodeJSON(reply string, v any) error {
	raw, err := ExtractJSON(reply)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "reply JSON does not match expected shape").WithCause(err)
	}
	return nil
}

func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return ""
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line ("json", "JSON", or empty).
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}
