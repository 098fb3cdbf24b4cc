package models

import (
	"fmt"
	"time"
)

// Direction separates the download and upload queues.
type Direction string

const (
	DirectionDownload Direction = "download"
	DirectionUpload   Direction = "upload"
	// DirectionUnknown is used for node events whose request type has not been seen yet.
	DirectionUnknown Direction = ""
)

// State is the lifecycle state of one transfer.
type State string

const (
	StateWaiting    State = "waiting"
	StateInProgress State = "in_progress"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateInProgress, StateDone, StateFailed:
		return true
	default:
		return false
	}
}

// Priority is a request priority. The zero value means unset; the named
// priorities map onto the node's PriorityClass 0-6 through Class. Lower
// classes are more urgent.
type Priority int

const (
	PriorityUnset Priority = iota
	PriorityMaximum
	PriorityInteractive
	PrioritySemiInteractive
	PriorityMedium
	PriorityBulk
	PriorityPrefetch
	PriorityMinimum
)

// PriorityFromClass converts a node PriorityClass. Out-of-range classes give an
// invalid priority.
func PriorityFromClass(class int) Priority {
	if class < 0 || class > PriorityMinimum.Class() {
		return Priority(-1)
	}
	return Priority(class + 1)
}

// Class returns the node's PriorityClass for p.
func (p Priority) Class() int {
	return int(p) - 1
}

// IsSet reports whether p was chosen explicitly.
func (p Priority) IsSet() bool {
	return p != PriorityUnset
}

// Valid reports whether p is inside the node's PriorityClass range.
func (p Priority) Valid() bool {
	return p >= PriorityMaximum && p <= PriorityMinimum
}

func (p Priority) String() string {
	if !p.IsSet() {
		return "unset"
	}
	return fmt.Sprintf("%d", p.Class())
}

// Progress is the block accounting reported by the node.
type Progress struct {
	DoneBlocks     int
	RequiredBlocks int
	TotalBlocks    int
	Finalized      bool
}

// Apply merges a remote progress report. DoneBlocks is clamped to TotalBlocks and
// Finalized never reverts once set.
func (p *Progress) Apply(next Progress) {
	p.DoneBlocks = next.DoneBlocks
	p.RequiredBlocks = next.RequiredBlocks
	p.TotalBlocks = next.TotalBlocks
	if p.TotalBlocks > 0 && p.DoneBlocks > p.TotalBlocks {
		p.DoneBlocks = p.TotalBlocks
	}
	if p.DoneBlocks < 0 {
		p.DoneBlocks = 0
	}
	p.Finalized = p.Finalized || next.Finalized
}

// MarkSucceeded finalizes the progress and fills in under-reported done blocks.
func (p *Progress) MarkSucceeded() {
	p.Finalized = true
	if p.DoneBlocks < p.RequiredBlocks {
		p.DoneBlocks = p.RequiredBlocks
	}
	if p.TotalBlocks > 0 && p.DoneBlocks > p.TotalBlocks {
		p.DoneBlocks = p.TotalBlocks
	}
}

// Item holds the fields shared by downloads and uploads.
type Item struct {
	GlobalID string
	Key      string
	Priority Priority
	State    State
	Progress Progress

	IsExternal             bool
	IsDirect               bool
	RetryCount             int
	InternalRemoveExpected bool

	ErrorDescription string
	Digest           string

	CreatedAt   time.Time
	LastUpdated time.Time
}

// Base returns the shared fields. Implementations return a pointer into themselves.
func (i *Item) Base() *Item {
	return i
}

// Transfer is implemented by *Download and *Upload.
type Transfer interface {
	Base() *Item
	Direction() Direction
	Clone() Transfer
}

// Download is a fetch of Key into TargetPath.
type Download struct {
	Item

	TargetPath string
	MaxSize    int64
}

// Direction implements Transfer.
func (d *Download) Direction() Direction {
	return DirectionDownload
}

// Clone returns an independent copy.
func (d *Download) Clone() Transfer {
	out := *d
	return &out
}

// Upload is an insert of SourcePath under Key.
type Upload struct {
	Item

	SourcePath     string
	FileSize       int64
	GetAddressOnly bool
	ContentType    string
	PreShared      bool
}

// Direction implements Transfer.
func (u *Upload) Direction() Direction {
	return DirectionUpload
}

// Clone returns an independent copy.
func (u *Upload) Clone() Transfer {
	out := *u
	return &out
}
