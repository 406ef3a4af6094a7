package protocol

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Envelope is one raw push-stream document. The hub emits two vocabularies
// (legacy execution events and newer run events) with loosely typed fields,
// so the envelope stays schemaless until normalization.
type Envelope map[string]any

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env == nil {
		env = Envelope{}
	}
	return env, nil
}

func MustRaw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// String returns the trimmed string under key, or "" when the value is
// absent or not a string.
func (e Envelope) String(key string) string {
	s, _ := e[key].(string)
	return strings.TrimSpace(s)
}

// Int coerces the value under key to an integer. Numbers are truncated,
// numeric strings parsed; anything else yields fallback.
func (e Envelope) Int(key string, fallback int) int {
	return CoerceInt(e[key], fallback)
}

// Bool returns the boolean under key, false when absent or mistyped.
func (e Envelope) Bool(key string) bool {
	b, _ := e[key].(bool)
	return b
}

// Payload returns the event payload as a key-value map. A payload delivered
// as a JSON-encoded string is parsed; if that string is not valid JSON the
// original text is preserved under "raw" instead of being dropped.
func (e Envelope) Payload() map[string]any {
	switch v := e["payload"].(type) {
	case map[string]any:
		return v
	case string:
		var parsed map[string]any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil || parsed == nil {
			return map[string]any{"raw": v}
		}
		return parsed
	default:
		return map[string]any{}
	}
}

// CoerceInt applies the same loose integer coercion to any decoded JSON
// value.
func CoerceInt(value any, fallback int) int {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fallback
		}
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if t := strings.TrimSpace(v); t != "" {
			if n, err := strconv.Atoi(t); err == nil {
				return n
			}
		}
	}
	return fallback
}
