package store

import (
	"path/filepath"
	"testing"
	"time"
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

// createTestTransition creates a transition with minimal required fields.
func createTestTransition(seq int64, requestID, target, state string) Transition {
	return Transition{
		Seq:       seq,
		RequestID: requestID,
		Target:    target,
		Artifact:  "A1",
		Name:      "linux-high",
		State:     state,
		At:        time.Date(2026, 3, 1, 12, 0, int(seq), 0, time.UTC),
	}
}
