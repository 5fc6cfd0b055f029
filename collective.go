// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import "sync/atomic"

// collectiveImpl is the shared, reference-counted engine behind every
// CollectiveAllocator handle: one purely-local and one swappable-plain
// plain suballocator, plus the per-page block allocator.
type collectiveImpl struct {
	purelyLocal    *plainSuballocator
	swappablePlain *plainSuballocator
	perPage        *perPageAllocator

	refCount atomic.Int64
}

func (impl *collectiveImpl) close() {
	impl.purelyLocal.close()
	impl.swappablePlain.close()
	impl.perPage.close()
}

// CollectiveAllocator is the top-level allocator: it owns all three
// subspaces and hands out Suballocator handles into them. Values are
// shallow-copy handles onto a shared collectiveImpl, not independent
// engines; ShallowCopy and Release manage the engine's reference count.
type CollectiveAllocator struct {
	impl *collectiveImpl
}

// NewCollectiveAllocator creates a fresh engine with a purely-local capacity
// ceiling of purelyLocalCapacity bytes; swappable-plain and new_per_page
// have no ceiling of their own.
func NewCollectiveAllocator(purelyLocalCapacity uintptr) *CollectiveAllocator {
	impl := &collectiveImpl{
		purelyLocal:    newPlainSuballocator(PurelyLocal, newPurelyLocalCustom(purelyLocalCapacity)),
		swappablePlain: newPlainSuballocator(SwappablePlain, newSwappablePlainCustom()),
		perPage:        newPerPageAllocator(),
	}
	impl.refCount.Store(1)
	return &CollectiveAllocator{impl: impl}
}

// ShallowCopy returns a new handle onto the same underlying engine,
// incrementing its reference count.
func (c *CollectiveAllocator) ShallowCopy() *CollectiveAllocator {
	c.impl.refCount.Add(1)
	return &CollectiveAllocator{impl: c.impl}
}

// Release drops this handle's reference; once the last handle is released,
// the engine tears down every arena it created.
func (c *CollectiveAllocator) Release() {
	if c.impl.refCount.Add(-1) == 0 {
		c.impl.close()
	}
}

// Allocate satisfies size/align through the swappable-plain subspace, the
// default destination when the caller does not pick a suballocator.
func (c *CollectiveAllocator) Allocate(size, align uintptr) (uintptr, error) {
	return c.impl.swappablePlain.allocate(size, align, 1)
}

// Deallocate dispatches to whichever subspace owns ptr, recovered from the
// pointer's address bits alone.
func (c *CollectiveAllocator) Deallocate(ptr, size uintptr) {
	kind, ok := kindOfPointer(ptr)
	if !ok {
		panic("farmalloc: pointer not owned by any subspace of this allocator")
	}
	switch kind {
	case PurelyLocal:
		c.impl.purelyLocal.deallocate(ptr, size, 1)
	case SwappablePlain:
		c.impl.swappablePlain.deallocate(ptr, size, 1)
	case NewPerPage:
		c.impl.perPage.deallocateAt(ptr, size)
	}
}

// GetSuballocator returns a fresh handle into the requested subspace. For
// new_per_page this carves out a brand new block, so every call yields a
// private region; for the plain kinds the handle is a view onto the
// shared subspace.
func (c *CollectiveAllocator) GetSuballocator(kind SuballocatorKind) (Suballocator, error) {
	switch kind {
	case PurelyLocal:
		return newPlainHandle(PurelyLocal, c.impl.purelyLocal), nil
	case SwappablePlain:
		return newPlainHandle(SwappablePlain, c.impl.swappablePlain), nil
	case NewPerPage:
		s, err := newPerPageSuballocator(c.impl.perPage)
		if err != nil {
			return Suballocator{}, err
		}
		return newPerPageHandle(s), nil
	default:
		return Suballocator{}, newSystemError("get_suballocator", errUnknownSuballocatorKind)
	}
}

// GetSuballocatorForPointer returns the handle owning ptr, decoded from its
// address bits. For new_per_page this locates the existing block rather
// than allocating a new one.
func (c *CollectiveAllocator) GetSuballocatorForPointer(ptr uintptr) Suballocator {
	kind, ok := kindOfPointer(ptr)
	if !ok {
		panic("farmalloc: pointer not owned by any subspace of this allocator")
	}
	switch kind {
	case PurelyLocal:
		return newPlainHandle(PurelyLocal, c.impl.purelyLocal)
	case SwappablePlain:
		return newPlainHandle(SwappablePlain, c.impl.swappablePlain)
	default:
		return newPerPageHandle(c.impl.perPage.suballocatorForPointer(ptr))
	}
}
