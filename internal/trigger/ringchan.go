package trigger

import "sync/atomic"

// RingChannel is a bounded channel that never blocks its producer: when the buffer is full the
// oldest element is discarded to make room.
//
//	rc := NewRingChannel[time.Time](1)
//	rc.Send(t1)
//	rc.Send(t2) // t1 is dropped
//	<-rc.C()    // t2
//
// Only one goroutine may send.
type RingChannel[T any] struct {
	ch          chan T
	written     atomic.Int64
	overwritten atomic.Int64
}

// NewRingChannel creates a ring channel with the given capacity
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, dropping the oldest element if the buffer is full. Reports whether
// something was dropped.
func (rc *RingChannel[T]) Send(v T) bool {
	dropped := false
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch:
			rc.overwritten.Add(1)
			dropped = true
		default:
		}
		rc.ch <- v
	}
	rc.written.Add(1)
	return dropped
}

// Len returns the number of buffered elements
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Written returns how many elements were sent
func (rc *RingChannel[T]) Written() int64 {
	return rc.written.Load()
}

// Overwritten returns how many elements were discarded unread
func (rc *RingChannel[T]) Overwritten() int64 {
	return rc.overwritten.Load()
}
