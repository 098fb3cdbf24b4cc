package storage

import (
	"errors"
	"testing"
	"time"

	"fcpqueue/models"
)

func TestSaveTransferRoundTripsDownload(t *testing.T) {
	store := newTestStore(t)
	created := time.UnixMilli(1_700_000_000_000)
	download := mustSaveDownload(t, store, "get-1", created)

	got, err := store.GetTransfer("get-1")
	if err != nil {
		t.Fatalf("GetTransfer failed: %v", err)
	}
	loaded, ok := got.(*models.Download)
	if !ok {
		t.Fatalf("expected *models.Download, got %T", got)
	}
	if loaded.Key != download.Key || loaded.TargetPath != download.TargetPath || loaded.MaxSize != 1000 {
		t.Fatalf("unexpected download %+v", loaded)
	}
	if !loaded.CreatedAt.Equal(created) {
		t.Fatalf("expected created_at %v, got %v", created, loaded.CreatedAt)
	}
	if loaded.State != models.StateWaiting || loaded.Priority != models.PriorityMedium {
		t.Fatalf("unexpected state/priority %s/%d", loaded.State, loaded.Priority)
	}
}

func TestSaveTransferUpsertsState(t *testing.T) {
	store := newTestStore(t)
	created := time.UnixMilli(1_700_000_000_000)

	upload := &models.Upload{
		Item: models.Item{
			GlobalID:  "put-1",
			Key:       "CHK@",
			Priority:  models.PriorityBulk,
			State:     models.StateWaiting,
			CreatedAt: created,
		},
		SourcePath:     "/tmp/site.html",
		FileSize:       4096,
		GetAddressOnly: true,
		ContentType:    "text/html",
		PreShared:      true,
	}
	if err := store.SaveTransfer(upload); err != nil {
		t.Fatalf("SaveTransfer failed: %v", err)
	}

	upload.State = models.StateDone
	upload.Key = "CHK@xyz/site.html"
	upload.IsDirect = true
	upload.Progress = models.Progress{DoneBlocks: 4, RequiredBlocks: 4, TotalBlocks: 6, Finalized: true}
	upload.LastUpdated = created.Add(time.Minute)
	if err := store.SaveTransfer(upload); err != nil {
		t.Fatalf("second SaveTransfer failed: %v", err)
	}

	transfers, err := store.ListTransfers()
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(transfers) != 1 {
		t.Fatalf("expected one record after upsert, got %d", len(transfers))
	}
	loaded, ok := transfers[0].(*models.Upload)
	if !ok {
		t.Fatalf("expected *models.Upload, got %T", transfers[0])
	}
	if loaded.State != models.StateDone || loaded.Key != "CHK@xyz/site.html" || !loaded.IsDirect {
		t.Fatalf("unexpected upload after upsert %+v", loaded)
	}
	if loaded.Progress != upload.Progress {
		t.Fatalf("expected progress %+v, got %+v", upload.Progress, loaded.Progress)
	}
	if !loaded.GetAddressOnly || !loaded.PreShared || loaded.ContentType != "text/html" || loaded.FileSize != 4096 {
		t.Fatalf("unexpected upload options %+v", loaded)
	}
}

func TestListTransfersOrdersByCreation(t *testing.T) {
	store := newTestStore(t)
	base := time.UnixMilli(1_700_000_000_000)
	mustSaveDownload(t, store, "get-3", base.Add(2*time.Second))
	mustSaveDownload(t, store, "get-1", base)
	mustSaveDownload(t, store, "get-2", base.Add(time.Second))

	transfers, err := store.ListTransfers()
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	want := []string{"get-1", "get-2", "get-3"}
	if len(transfers) != len(want) {
		t.Fatalf("expected %d transfers, got %d", len(want), len(transfers))
	}
	for i, id := range want {
		if transfers[i].Base().GlobalID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, transfers[i].Base().GlobalID)
		}
	}
}

func TestDeleteTransfer(t *testing.T) {
	store := newTestStore(t)
	mustSaveDownload(t, store, "get-1", time.Now())

	if err := store.DeleteTransfer("get-1"); err != nil {
		t.Fatalf("DeleteTransfer failed: %v", err)
	}
	if _, err := store.GetTransfer("get-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.DeleteTransfer("get-1"); err != nil {
		t.Fatalf("deleting a missing record should succeed, got %v", err)
	}
}

func TestSaveTransferValidation(t *testing.T) {
	store := newTestStore(t)

	cases := []struct {
		name     string
		transfer models.Transfer
	}{
		{name: "missing id", transfer: &models.Download{Item: models.Item{State: models.StateWaiting}, TargetPath: "/tmp/x"}},
		{name: "external", transfer: &models.Download{Item: models.Item{GlobalID: "ext", State: models.StateInProgress, IsExternal: true}, TargetPath: "/tmp/x"}},
		{name: "bad state", transfer: &models.Download{Item: models.Item{GlobalID: "get-1", State: "paused"}, TargetPath: "/tmp/x"}},
		{name: "bad priority", transfer: &models.Download{Item: models.Item{GlobalID: "get-1", State: models.StateWaiting, Priority: 9}, TargetPath: "/tmp/x"}},
		{name: "missing path", transfer: &models.Upload{Item: models.Item{GlobalID: "put-1", State: models.StateWaiting}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := store.SaveTransfer(tc.transfer); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestPruneFinishedTransfers(t *testing.T) {
	store := newTestStore(t)
	old := time.UnixMilli(1_600_000_000_000)

	done := mustSaveDownload(t, store, "get-1", old)
	done.State = models.StateDone
	if err := store.SaveTransfer(done); err != nil {
		t.Fatalf("SaveTransfer failed: %v", err)
	}
	mustSaveDownload(t, store, "get-2", old)

	removed, err := store.PruneFinishedTransfers(old.Add(time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("PruneFinishedTransfers failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned record, got %d", removed)
	}
	if _, err := store.GetTransfer("get-2"); err != nil {
		t.Fatalf("expected waiting record kept: %v", err)
	}
}
