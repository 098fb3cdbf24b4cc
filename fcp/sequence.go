package fcp

import (
	"strconv"
	"sync/atomic"
)

// Sequence hands out identifiers of the form "<prefix>-<n>". One Sequence is shared
// by every component talking to the same node.
type Sequence struct {
	n atomic.Uint64
}

// NewSequence returns a sequence whose first value is start+1.
func NewSequence(start uint64) *Sequence {
	s := &Sequence{}
	s.n.Store(start)
	return s
}

// Next returns a fresh identifier.
func (s *Sequence) Next(prefix string) string {
	return prefix + "-" + strconv.FormatUint(s.n.Add(1), 10)
}
