package db

import "encoding/json"

// EncodeStrings serializes a string set for storage in a JSON text column.
// A nil slice encodes as the empty set so columns never hold SQL NULL.
func EncodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// DecodeStrings parses a JSON text column back into a string slice.
// Malformed or empty content yields an empty slice, never an error — these
// columns are written only by EncodeStrings and a corrupt value should
// degrade to "no entries", not fail a read path.
func DecodeStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// EncodeMap serializes a parameter/result map for a JSON text column.
func EncodeMap(m map[string]any) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// DecodeMap parses a JSON text column back into a map, degrading to empty on
// malformed content.
func DecodeMap(raw string) map[string]any {
	if raw == "" || raw == "{}" {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}
