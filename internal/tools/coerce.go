package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// coerceArguments normalizes model-produced arguments into an object:
// empty input becomes {}, a JSON string holding an object is unwrapped,
// and string values of top-level properties declared as number, integer,
// boolean, array or object are converted.
func coerceArguments(raw json.RawMessage, props map[string]string) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if s, ok := decoded.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			return map[string]any{}, nil
		}
		dec = json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return nil, fmt.Errorf("arguments string is not valid JSON: %w", err)
		}
	}
	args, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("arguments must be a JSON object, got %T", decoded)
	}

	for name, want := range props {
		s, ok := args[name].(string)
		if !ok {
			continue
		}
		if v, ok := coerceString(s, want); ok {
			args[name] = v
		}
	}
	return args, nil
}

func coerceString(s, want string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	switch want {
	case "integer":
		if n, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return json.Number(strconv.FormatInt(n, 10)), true
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil && f == float64(int64(f)) {
			return json.Number(strconv.FormatInt(int64(f), 10)), true
		}
	case "number":
		if _, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return json.Number(trimmed), true
		}
	case "boolean":
		switch strings.ToLower(trimmed) {
		case "true", "yes", "1":
			return true, true
		case "false", "no", "0":
			return false, true
		}
	case "array", "object":
		var v any
		dec := json.NewDecoder(strings.NewReader(trimmed))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return nil, false
		}
		switch v.(type) {
		case []any:
			return v, want == "array"
		case map[string]any:
			return v, want == "object"
		}
	}
	return nil, false
}
