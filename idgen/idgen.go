// Package idgen produces the identifiers a simulation run needs: gap-free
// event sequence numbers and globally unique run IDs.
package idgen

import (
	"sync/atomic"

	"github.com/rs/xid"
)

// Sequence hands out consecutive numbers starting from zero. A Sequence must
// not be copied after first use.
type Sequence struct {
	next atomic.Uint64
}

// NewSequence returns a Sequence whose first emitted number is 0.
func NewSequence() *Sequence {
	return &Sequence{}
}

// Next returns the next number in the sequence.
func (s *Sequence) Next() uint64 {
	return s.next.Add(1) - 1
}

// Peek returns the number that the next call to Next will return.
func (s *Sequence) Peek() uint64 {
	return s.next.Load()
}

// Issued returns how many numbers have been handed out.
func (s *Sequence) Issued() uint64 {
	return s.next.Load()
}

// RunID returns a new globally unique, sortable run identifier.
func RunID() string {
	return xid.New().String()
}
