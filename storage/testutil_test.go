package storage

import (
	"testing"
	"time"

	"fcpqueue/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveDownload(t *testing.T, store *Store, globalID string, createdAt time.Time) *models.Download {
	t.Helper()

	download := &models.Download{
		Item: models.Item{
			GlobalID:    globalID,
			Key:         "CHK@abc/" + globalID,
			Priority:    models.PriorityMedium,
			State:       models.StateWaiting,
			CreatedAt:   createdAt,
			LastUpdated: createdAt,
		},
		TargetPath: "/tmp/" + globalID,
		MaxSize:    1000,
	}
	if err := store.SaveTransfer(download); err != nil {
		t.Fatalf("save download %q: %v", globalID, err)
	}
	return download
}
