// Package arena provides a slot map with stable, generation-checked IDs.
//
// The engine keeps questions and authoritative records in arenas so that a
// callback which removes an item while the engine is walking a list cannot
// leave a dangling reference: a removed ID never resolves again, even after
// its slot is reused.
package arena

// ID identifies an arena slot. The zero ID is never issued.
type ID struct {
	index uint32
	gen   uint32
}

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool { return id.gen == 0 }

type slot[T any] struct {
	value T
	gen   uint32
	live  bool
}

// Arena stores values of type T. It is not safe for concurrent use.
type Arena[T any] struct {
	slots []slot[T]
	free  []uint32
	order []ID
	live  int
}

// New returns an empty arena.
func New[T any]() *Arena[T] {
	return &Arena[T]{}
}

// Insert stores v and returns its ID.
func (a *Arena[T]) Insert(v T) ID {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.value = v
	s.live = true
	id := ID{index: idx, gen: s.gen}
	a.order = append(a.order, id)
	a.live++
	return id
}

// Get returns the value for id, or false when id was removed.
func (a *Arena[T]) Get(id ID) (T, bool) {
	if !a.Contains(id) {
		var zero T
		return zero, false
	}
	return a.slots[id.index].value, true
}

// Contains reports whether id refers to a live slot.
func (a *Arena[T]) Contains(id ID) bool {
	if id.gen == 0 || int(id.index) >= len(a.slots) {
		return false
	}
	s := &a.slots[id.index]
	return s.live && s.gen == id.gen
}

// Remove frees id. Removing a stale ID is a no-op and returns false.
func (a *Arena[T]) Remove(id ID) bool {
	if !a.Contains(id) {
		return false
	}
	s := &a.slots[id.index]
	var zero T
	s.value = zero
	s.live = false
	a.free = append(a.free, id.index)
	a.live--
	return true
}

// Len returns the number of live values.
func (a *Arena[T]) Len() int { return a.live }

// IDs returns a snapshot of live IDs in insertion order. Iterating the
// snapshot while inserting or removing is safe; callers re-check each ID
// with Get before use.
func (a *Arena[T]) IDs() []ID {
	if len(a.order) > 2*a.live+16 {
		a.compact()
	}
	out := make([]ID, 0, a.live)
	for _, id := range a.order {
		if a.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// Before reports whether x was inserted before y. Both must be live.
func (a *Arena[T]) Before(x, y ID) bool {
	for _, id := range a.order {
		switch id {
		case x:
			return true
		case y:
			return false
		}
	}
	return false
}

func (a *Arena[T]) compact() {
	kept := a.order[:0]
	for _, id := range a.order {
		if a.Contains(id) {
			kept = append(kept, id)
		}
	}
	a.order = kept
}
