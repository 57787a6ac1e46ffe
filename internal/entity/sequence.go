package entity

import (
	"sync/atomic"
	"time"
)

// Sequencer hands out strictly increasing sequence positions.
//
// Positions are seeded from wall-clock nanoseconds so they keep growing
// across process restarts, the same way the store orders writes by timestamp.
type Sequencer struct {
	last atomic.Int64
	now  func() time.Time
}

func NewSequencer() *Sequencer {
	return &Sequencer{now: time.Now}
}

// Next returns a position greater than every position returned before.
func (s *Sequencer) Next() int64 {
	for {
		last := s.last.Load()
		next := s.now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if s.last.CompareAndSwap(last, next) {
			return next
		}
	}
}

// After returns a position greater than both floor and every earlier position.
func (s *Sequencer) After(floor int64) int64 {
	for {
		next := s.Next()
		if next > floor {
			return next
		}
		s.last.CompareAndSwap(next, floor)
	}
}
