package stream

import (
	"encoding/json"
	"strconv"
)

// Envelope is a normalized view over a stream entry's fields. Producers emit
// either flat field maps or wrapped `{type, data}` payloads; Unwrap flattens
// the latter so handlers see one shape.
type Envelope struct {
	// Type is the wrapped envelope's type tag, empty for flat payloads.
	Type string
	// Fields are the normalized payload fields.
	Fields map[string]any
}

// Unwrap normalizes a raw field map. A payload is treated as wrapped only when
// both `type` and `data` are present; `data` may itself be a JSON string.
func Unwrap(values map[string]any) Envelope {
	typ, hasType := asString(values["type"])
	raw, hasData := values["data"]
	if !hasType || !hasData {
		return Envelope{Fields: values}
	}

	switch d := raw.(type) {
	case map[string]any:
		return Envelope{Type: typ, Fields: d}
	case string:
		var fields map[string]any
		if err := json.Unmarshal([]byte(d), &fields); err == nil {
			return Envelope{Type: typ, Fields: fields}
		}
	}
	return Envelope{Fields: values}
}

// String returns the field as a string, tolerating numeric inputs.
func (e Envelope) String(key string) string {
	s, _ := asString(e.Fields[key])
	return s
}

// Float returns the field as a float64 plus presence.
func (e Envelope) Float(key string) (float64, bool) {
	return asFloat(e.Fields[key])
}

// Int returns the field as an int64 plus presence.
func (e Envelope) Int(key string) (int64, bool) {
	f, ok := asFloat(e.Fields[key])
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// Bool returns the field as a bool; the string "true" is accepted.
func (e Envelope) Bool(key string) bool {
	switch v := e.Fields[key].(type) {
	case bool:
		return v
	case string:
		return v == "true"
	default:
		return false
	}
}

// Has reports field presence.
func (e Envelope) Has(key string) bool {
	_, ok := e.Fields[key]
	return ok
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(s, 10), true
	default:
		return "", false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
