package sequence

import "sync/atomic"

// Sequencer hands out strictly increasing ids. The engine peeks the next
// value while planning a command and only claims it once the command is
// logged, so a rejected command never burns an id and replay reproduces the
// same numbering.
type Sequencer struct {
	last atomic.Uint64
}

// New starts after start: the first id issued is start+1.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

// Next claims and returns the next id.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Peek returns the id Next would return, without claiming it.
func (s *Sequencer) Peek() uint64 {
	return s.last.Load() + 1
}

// Claim marks every id up to and including v as issued.
func (s *Sequencer) Claim(v uint64) {
	for {
		cur := s.last.Load()
		if v <= cur || s.last.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Current returns the last issued id.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Reset is only for restoring state from a checkpoint or after replay.
func (s *Sequencer) Reset(v uint64) {
	s.last.Store(v)
}
