package bridge

// Arena is a fixed-capacity table of slots addressed by a small integer
// handle. Allocation takes the first free slot; freeing zeroes it.
type Arena[T any] struct {
	slots []T
	used  []bool
	n     int
}

// NewArena creates an arena with capacity slots.
func NewArena[T any](capacity int) *Arena[T] {
	return &Arena[T]{
		slots: make([]T, capacity),
		used:  make([]bool, capacity),
	}
}

// Alloc claims the first free slot. It reports false when the arena is full.
func (a *Arena[T]) Alloc() (int, *T, bool) {
	for h, used := range a.used {
		if used {
			continue
		}
		var zero T
		a.slots[h] = zero
		a.used[h] = true
		a.n++
		return h, &a.slots[h], true
	}
	return -1, nil, false
}

// Get returns the slot for h, or nil if h is out of range or free.
func (a *Arena[T]) Get(h int) *T {
	if h < 0 || h >= len(a.slots) || !a.used[h] {
		return nil
	}
	return &a.slots[h]
}

// Free releases h. Freeing a free slot is a no-op.
func (a *Arena[T]) Free(h int) {
	if h < 0 || h >= len(a.slots) || !a.used[h] {
		return
	}
	var zero T
	a.slots[h] = zero
	a.used[h] = false
	a.n--
}

// Find returns the first used slot matching fn.
func (a *Arena[T]) Find(fn func(*T) bool) (int, *T) {
	for h := range a.slots {
		if a.used[h] && fn(&a.slots[h]) {
			return h, &a.slots[h]
		}
	}
	return -1, nil
}

// Each calls fn for every used slot in handle order. fn may free the slot
// it is given.
func (a *Arena[T]) Each(fn func(h int, v *T)) {
	for h := range a.slots {
		if a.used[h] {
			fn(h, &a.slots[h])
		}
	}
}

func (a *Arena[T]) Len() int { return a.n }
func (a *Arena[T]) Cap() int { return len(a.slots) }
