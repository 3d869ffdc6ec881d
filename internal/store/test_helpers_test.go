package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/offsync/internal/model"
)

// createTestStore creates a new file-backed store in a temp dir.
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

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// createTestMutation creates a CREATE mutation with minimal required fields.
func createTestMutation(id, resource, recordID string) model.Mutation {
	return model.Mutation{
		ID:         id,
		Resource:   resource,
		Action:     model.ActionCreate,
		Data:       model.Record{"id": recordID},
		EnqueuedAt: testEpoch,
	}
}
