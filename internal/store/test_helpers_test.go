package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/statesaga/internal/ir"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestEvent creates a transition event with minimal required fields.
func createTestEvent(entityID string, seq int64, from, to, trigger string) ir.EventRecord {
	return ir.EventRecord{
		EntityID:          entityID,
		Seq:               seq,
		FromState:         from,
		ToState:           to,
		Trigger:           trigger,
		Timestamp:         baseTime.Add(time.Duration(seq) * time.Second),
		DedupeKey:         ir.MustDedupeKey(entityID, trigger, seq),
		DefinitionVersion: 1,
	}
}
