package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MarshalMetadata encodes event metadata as canonical JSON text.
// A nil map encodes as "{}".
func MarshalMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	v, err := FromAny(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

// UnmarshalMetadata decodes metadata written by MarshalMetadata. Integral
// numbers come back as int64. An empty object decodes to nil.
func UnmarshalMetadata(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrCorruptRecord, err)
	}
	for k, v := range m {
		m[k] = plain(v)
	}
	return m, nil
}

func plain(v any) any {
	switch val := v.(type) {
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n
		}
		return val.String()
	case []any:
		for i := range val {
			val[i] = plain(val[i])
		}
		return val
	case map[string]any:
		for k := range val {
			val[k] = plain(val[k])
		}
		return val
	}
	return v
}
