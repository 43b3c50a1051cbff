package client

import (
	"encoding/json"
	"strings"
)

// ParseJSON decodes a JSON-mode reply. Markdown code fences are stripped
// first. A valid reply that is not an object is wrapped as {"data": v}.
// On failure it returns {"error": true, "message": ..., "raw_response": raw}.
func ParseJSON(raw string) map[string]any {
	text := stripFences(raw)

	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return map[string]any{
			"error":        true,
			"message":      "failed to parse JSON response: " + err.Error(),
			"raw_response": raw,
		}
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return map[string]any{"data": v}
}

// IsJSONError reports whether result is the error shape built by ParseJSON
func IsJSONError(result map[string]any) bool {
	_, hasErr := result["error"]
	_, hasRaw := result["raw_response"]
	return hasErr && hasRaw
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// drop the language tag line, e.g. ```json
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}
