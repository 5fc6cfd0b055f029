// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

// Suballocator is the tagged-union handle returned by
// CollectiveAllocator.GetSuballocator/GetSuballocatorForPointer. The
// three concrete kinds are carried as optional fields; exactly one of
// plain/perPage is ever non-nil for a given handle.
//
// containsMask/containsCmp give contains(ptr) a single bitwise test instead
// of a type switch: for the plain kinds it isolates the subspace-selecting
// bits (any arena of that kind matches); for new_per_page it isolates the
// bits above one block (only that specific block matches).
type Suballocator struct {
	containsMask, containsCmp uintptr
	kind                      SuballocatorKind

	plain   *plainSuballocator
	perPage *PerPageSuballocator
}

func newPlainHandle(kind SuballocatorKind, s *plainSuballocator) Suballocator {
	return Suballocator{
		containsMask: arenaKindMask &^ (ArenaSize - 1),
		containsCmp:  subspaceOffsetForKind(kind),
		kind:         kind,
		plain:        s,
	}
}

func newPerPageHandle(s *PerPageSuballocator) Suballocator {
	return Suballocator{
		containsMask: ^uintptr(perPageBlockSize - 1),
		containsCmp:  s.arena.blockBase(s.blockIdx),
		kind:         NewPerPage,
		perPage:      s,
	}
}

// Kind reports which subspace this handle allocates from.
func (h Suballocator) Kind() SuballocatorKind { return h.kind }

// Contains reports whether ptr was (or could have been) handed out by this
// specific handle: for plain kinds, any pointer in that subspace; for
// new_per_page, only the one block this handle owns.
func (h Suballocator) Contains(ptr uintptr) bool {
	return ptr&h.containsMask == h.containsCmp
}

func (h Suballocator) Allocate(elemSize, align, n uintptr) (uintptr, error) {
	if h.perPage != nil {
		return h.perPage.Allocate(elemSize, align, n)
	}
	return h.plain.allocate(elemSize, align, n)
}

func (h Suballocator) Deallocate(ptr, elemSize, n uintptr) {
	if h.perPage != nil {
		h.perPage.Deallocate(ptr, elemSize, n)
		return
	}
	h.plain.deallocate(ptr, elemSize, n)
}

// IsOccupancyUnder reports whether this handle's live usage is under
// threshold of its capacity — purely-local arenas report a real fraction,
// swappable-plain always reports false (no ceiling to be under), new_per_page
// reports the occupancy of its one block.
func (h Suballocator) IsOccupancyUnder(threshold float64) bool {
	if h.perPage != nil {
		return h.perPage.IsOccupancyUnder(threshold)
	}
	return h.plain.isOccupancyUnder(threshold)
}
