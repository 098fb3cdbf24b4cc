package models

import "fmt"

// FailureClass groups node failure codes by how the client reacts to them.
type FailureClass int

const (
	FailureGeneric FailureClass = iota
	FailureCollision
	FailureRetryable
	FailureCancelled
	FailureNotFound
)

func (c FailureClass) String() string {
	switch c {
	case FailureCollision:
		return "collision"
	case FailureRetryable:
		return "retryable"
	case FailureCancelled:
		return "cancelled"
	case FailureNotFound:
		return "not_found"
	default:
		return "generic"
	}
}

// Failure is a node-side failure report for one request.
type Failure struct {
	Code        int
	Description string
	Fatal       bool
	RedirectURI string
	Class       FailureClass
}

func (f Failure) String() string {
	if f.Description == "" {
		return fmt.Sprintf("code %d", f.Code)
	}
	return fmt.Sprintf("code %d: %s", f.Code, f.Description)
}

// RemoteRecord is one observation of a request in the node's persistent queue.
type RemoteRecord struct {
	Identifier string
	Direction  Direction

	URI         string
	Priority    Priority
	HasPriority bool

	// Direct is set when the node pumps bytes over the socket instead of using the disk.
	Direct bool

	Progress   *Progress
	Success    bool
	Failure    *Failure
	DataLength int64
}

// HasOutcome reports whether the record carries progress or a terminal result.
func (r RemoteRecord) HasOutcome() bool {
	return r.Progress != nil || r.Success || r.Failure != nil
}
