package sequence

import (
	"fmt"
	"sync/atomic"
)

// Sequencer tracks the highest confirmed sequence of one region. Readers
// load it without locks; only the region's single writer advances it.
type Sequencer struct {
	last atomic.Uint64
}

// New creates a sequencer at a recovered value.
// Fresh region → start = 0
// After recovery → start = highest durable seq
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

// Current returns the last confirmed sequence.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Peek returns the sequence the next append must receive.
func (s *Sequencer) Peek() uint64 {
	return s.last.Load() + 1
}

// Confirm records seq as durable. It must be exactly Current()+1.
func (s *Sequencer) Confirm(seq uint64) error {
	want := s.Peek()
	if seq != want {
		return fmt.Errorf("non-contiguous sequence %d, want %d", seq, want)
	}
	if !s.last.CompareAndSwap(want-1, seq) {
		return fmt.Errorf("concurrent confirm of sequence %d", seq)
	}
	return nil
}

// Reset sets the sequencer to a specific value.
// This is ONLY used by recovery.
func (s *Sequencer) Reset(v uint64) {
	s.last.Store(v)
}
