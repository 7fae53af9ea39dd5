package proxy

import (
	"go.uber.org/atomic"
)

// Sequence allocates worker identifiers.
// Identifiers start at start+1, are never reused, and are safe to
// allocate from many goroutines at once.
type Sequence struct {
	n atomic.Int64
}

// NewSequence returns a sequence whose first identifier is start+1.
func NewSequence(start int64) *Sequence {
	s := &Sequence{}
	s.n.Store(start)
	return s
}

// Next allocates the next identifier.
func (s *Sequence) Next() int64 {
	return s.n.Inc()
}

// Current returns the most recently allocated identifier.
func (s *Sequence) Current() int64 {
	return s.n.Load()
}

// defaultSequence backs proxies constructed without WithSequence.
var defaultSequence = NewSequence(0)

// DefaultSequence returns the process-wide sequence.
func DefaultSequence() *Sequence {
	return defaultSequence
}
