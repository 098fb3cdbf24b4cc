package storage

import (
	"errors"
	"fmt"
	"time"

	"fcpqueue/models"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// TransferEventAdded marks a transfer entering the local model.
	TransferEventAdded = "added"
	// TransferEventUpdated marks a state, progress or priority change.
	TransferEventUpdated = "updated"
	// TransferEventDone marks a completed transfer.
	TransferEventDone = "done"
	// TransferEventFailed marks a permanently failed transfer.
	TransferEventFailed = "failed"
	// TransferEventRemoved marks a transfer leaving the local model.
	TransferEventRemoved = "removed"
)

// TransferEvent is one row of a transfer's history.
type TransferEvent struct {
	ID        int64
	GlobalID  string
	EventType string
	State     string
	Details   string
	Timestamp int64
}

// TransferEventFilter narrows history queries.
type TransferEventFilter struct {
	GlobalID      string
	EventType     string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateDirection(direction models.Direction) error {
	switch direction {
	case models.DirectionDownload, models.DirectionUpload:
		return nil
	default:
		return fmt.Errorf("invalid direction %q", direction)
	}
}

func validateState(state models.State) error {
	if !state.Valid() {
		return fmt.Errorf("invalid transfer state %q", state)
	}
	return nil
}

func validateTransferEventType(eventType string) error {
	switch eventType {
	case TransferEventAdded, TransferEventUpdated, TransferEventDone, TransferEventFailed, TransferEventRemoved:
		return nil
	default:
		return fmt.Errorf("invalid transfer event type %q", eventType)
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
