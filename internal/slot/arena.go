// Package slot provides a free-list arena used by both the socket-state
// table and the epoll-instance table. Each arena returns small dense
// indices, used (after an offset is added by the caller) as public
// descriptors. Entries carry no generation counter: a freed index is handed
// out again as is, so a stale index resolves to whatever entity occupies
// the slot now.
package slot

import (
	"errors"

	"github.com/demikernel-go/epollshim/internal/locker"
)

// ErrDoubleFree is returned by Free when the index has already been freed.
var ErrDoubleFree = errors.New("slot: double free")

// ErrOutOfRange is returned by Get/Free when the index was never allocated.
var ErrOutOfRange = errors.New("slot: index out of range")

// noFree is both the "no next free entry" and "free list empty" sentinel.
// Free indices are stored 1-based (index+1) so that 0 never collides with
// a real index, which is what lets Arena's zero value start with an empty
// free list instead of misreading index 0 as already-free.
const noFree = 0

// entry is a union of "live, holds *T" and "free, next free index", exactly
// as spec.md §4.2 describes. Entities that must retain a stable address
// across arena growth (the socket arena) store T behind a pointer; the
// epoll-instance arena may do the same for uniformity, the extra
// indirection is cheap at epoll-instance scale.
type entry[T any] struct {
	val      *T
	nextFree int32 // 1-based next free index, noFree when val is live or list ends
}

// Arena is a free-list arena of *T. The zero value is ready to use.
type Arena[T any] struct {
	mu       locker.Locker
	entries  []entry[T]
	freeHead int32 // 1-based index of first free entry, noFree if none
}

// Allocate reserves a slot, returning a previously freed index if one is
// available, otherwise growing the arena by one. Growth may relocate the
// backing slice of entries, but each entry holds a pointer to its T, so the
// returned *T stays valid across later Allocate calls until the index is
// freed.
func (a *Arena[T]) Allocate() (int, *T) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.freeHead != noFree {
		idx := a.freeHead - 1
		e := &a.entries[idx]
		a.freeHead = e.nextFree
		var zero T
		e.val = &zero
		e.nextFree = noFree
		return int(idx), e.val
	}
	idx := len(a.entries)
	var zero T
	a.entries = append(a.entries, entry[T]{val: &zero, nextFree: noFree})
	return idx, a.entries[idx].val
}

// Get looks up the entity at index, bounds-checked. It returns nil if the
// slot has been freed.
func (a *Arena[T]) Get(index int) *T {
	a.mu.Lock()
	defer a.mu.Unlock()
	if index < 0 || index >= len(a.entries) {
		return nil
	}
	return a.entries[index].val
}

// Free returns index to the arena's free list. Freeing an already-free
// index is a caller error, reported via ErrDoubleFree.
func (a *Arena[T]) Free(index int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if index < 0 || index >= len(a.entries) {
		return ErrOutOfRange
	}
	e := &a.entries[index]
	if e.val == nil {
		return ErrDoubleFree
	}
	e.val = nil
	e.nextFree = a.freeHead
	a.freeHead = int32(index) + 1
	return nil
}

// Len returns the number of slots ever allocated (live + free), mainly for
// tests and diagnostics.
func (a *Arena[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
