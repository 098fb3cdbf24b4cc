package queue

import "fcpqueue/models"

const (
	// EventAdded is emitted when an item enters the local model.
	EventAdded EventType = "added"
	// EventUpdated is emitted on state, progress or priority changes.
	EventUpdated EventType = "updated"
	// EventDone is emitted once when an item completes.
	EventDone EventType = "done"
	// EventFailed is emitted once when an item fails permanently.
	EventFailed EventType = "failed"
	// EventRemoved is emitted when an item leaves the local model.
	EventRemoved EventType = "removed"
)

// EventType identifies queue updates.
type EventType string

// Event carries a copy of the item as it was when the change happened.
type Event struct {
	Type     EventType
	Transfer models.Transfer
}

// effects collects what a locked state change wants to happen after the lock is
// released: outward events and node commands.
type effects struct {
	events   []Event
	modifies []priorityChange
	removes  []string
	retries  []string
	digests  []models.Transfer
	trigger  bool
}

type priorityChange struct {
	identifier string
	priority   models.Priority
}

func (fx *effects) emit(eventType EventType, t models.Transfer) {
	fx.events = append(fx.events, Event{Type: eventType, Transfer: t.Clone()})
}
