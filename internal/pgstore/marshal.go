package pgstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/statesaga/internal/ir"
)

// marshalDedupeKeys encodes the snapshot dedupe window for a JSONB column.
func marshalDedupeKeys(keys []string) (string, error) {
	if keys == nil {
		keys = []string{}
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("marshal dedupe keys: %w", err)
	}
	return string(data), nil
}

func unmarshalDedupeKeys(s string) ([]string, error) {
	var keys []string
	if err := json.Unmarshal([]byte(s), &keys); err != nil {
		return nil, fmt.Errorf("%w: dedupe keys: %v", ir.ErrCorruptRecord, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return keys, nil
}

// toTimestamp truncates to the microsecond precision of TIMESTAMPTZ.
func toTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
