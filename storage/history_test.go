package storage

import (
	"testing"
	"time"
)

func TestLogAndQueryTransferEvents(t *testing.T) {
	store := newTestStore(t)
	base := time.Now().Add(-time.Hour).UnixMilli()

	events := []TransferEvent{
		{GlobalID: "get-1", EventType: TransferEventAdded, State: "waiting", Timestamp: base},
		{GlobalID: "get-1", EventType: TransferEventDone, State: "done", Details: `{"digest":"abc"}`, Timestamp: base + 10},
		{GlobalID: "put-1", EventType: TransferEventFailed, State: "failed", Details: `{"error":"code 9"}`, Timestamp: base + 20},
	}
	for _, event := range events {
		if err := store.LogTransferEvent(event); err != nil {
			t.Fatalf("LogTransferEvent failed: %v", err)
		}
	}

	forGet, err := store.GetTransferEvents(TransferEventFilter{GlobalID: "get-1"})
	if err != nil {
		t.Fatalf("GetTransferEvents failed: %v", err)
	}
	if len(forGet) != 2 {
		t.Fatalf("expected 2 events for get-1, got %d", len(forGet))
	}
	if forGet[0].EventType != TransferEventDone {
		t.Fatalf("expected newest event first, got %q", forGet[0].EventType)
	}

	failed, err := store.GetTransferEvents(TransferEventFilter{EventType: TransferEventFailed})
	if err != nil {
		t.Fatalf("GetTransferEvents failed: %v", err)
	}
	if len(failed) != 1 || failed[0].GlobalID != "put-1" {
		t.Fatalf("unexpected failed events %+v", failed)
	}
}

func TestLogTransferEventValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.LogTransferEvent(TransferEvent{EventType: TransferEventAdded}); err == nil {
		t.Fatalf("expected error for missing global id")
	}
	if err := store.LogTransferEvent(TransferEvent{GlobalID: "get-1", EventType: "paused"}); err == nil {
		t.Fatalf("expected error for unknown event type")
	}
	if err := store.LogTransferEvent(TransferEvent{GlobalID: "get-1", EventType: TransferEventAdded, Details: "{"}); err == nil {
		t.Fatalf("expected error for invalid details")
	}
}

func TestTransferEventRetentionPrunesOldRows(t *testing.T) {
	store := newTestStore(t)
	store.SetEventRetention(time.Hour)

	old := time.Now().Add(-2 * time.Hour).UnixMilli()
	if err := store.LogTransferEvent(TransferEvent{GlobalID: "get-1", EventType: TransferEventAdded, State: "waiting", Timestamp: old}); err != nil {
		t.Fatalf("LogTransferEvent failed: %v", err)
	}
	if err := store.LogTransferEvent(TransferEvent{GlobalID: "get-2", EventType: TransferEventAdded, State: "waiting"}); err != nil {
		t.Fatalf("LogTransferEvent failed: %v", err)
	}

	events, err := store.GetTransferEvents(TransferEventFilter{})
	if err != nil {
		t.Fatalf("GetTransferEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].GlobalID != "get-2" {
		t.Fatalf("expected only the recent event, got %+v", events)
	}
}
