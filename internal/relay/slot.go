package relay

// Slot holds at most one value. Installing a new value hands the previous one back to the
// caller, which owns releasing it.
type Slot[T any] struct {
	v  T
	ok bool
}

// Replace stores v and returns the value it superseded, if any
func (s *Slot[T]) Replace(v T) (old T, ok bool) {
	old, ok = s.v, s.ok
	s.v, s.ok = v, true
	return old, ok
}

// Take empties the slot and returns what it held
func (s *Slot[T]) Take() (T, bool) {
	v, ok := s.v, s.ok
	var zero T
	s.v, s.ok = zero, false
	return v, ok
}

// Get returns the current value without removing it
func (s *Slot[T]) Get() (T, bool) {
	return s.v, s.ok
}

// Occupied reports whether the slot holds a value
func (s *Slot[T]) Occupied() bool {
	return s.ok
}
