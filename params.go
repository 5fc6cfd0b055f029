// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package farmalloc is a memory allocator for far-memory systems, in which a
// process's virtual address space is backed partly by local DRAM and partly
// by a swap-like store managed by a userspace paging facility.
//
// The allocator partitions the address space into three disjoint subspaces
// with pre-assigned alignment offsets, so that a raw pointer's high bits
// identify which suballocator owns it:
//
//	1. purely-local:    fixed-capacity local-DRAM arena, no paging.
//	2. swappable-plain:  same arena layout, but pages are registered with the
//	                     userspace paging facility so they can be evicted.
//	3. per-page:         arenas subdivided into fixed-size blocks; each
//	                     allocated block is a private, migratable region.
//
// Operations on a single engine are not safe for concurrent use; callers
// must serialize access themselves.
package farmalloc

// PageSize is the allocator's page granularity. Fixed at 4096 rather than
// queried from the OS: arena layout, size classes, and the scenarios this
// module is tested against all assume it.
const PageSize = 4096

// ArenaSize is the size of one arena: 256 pages.
const ArenaSize = PageSize * 256

// SuballocatorKind identifies one of the three address subspaces.
type SuballocatorKind int

const (
	PurelyLocal SuballocatorKind = iota
	SwappablePlain
	NewPerPage
)

func (k SuballocatorKind) String() string {
	switch k {
	case PurelyLocal:
		return "purely_local"
	case SwappablePlain:
		return "swappable_plain"
	case NewPerPage:
		return "new_per_page"
	default:
		return "unknown_suballocator_kind"
	}
}

// Offsets of each subspace's arena within a SubspaceInterval-sized window.
const (
	PurelyLocalOffset    = 0
	SwappablePlainOffset = PurelyLocalOffset + ArenaSize
	PerPageOffset        = SwappablePlainOffset + ArenaSize
)

// SubspaceInterval is the period, in bytes, of the repeating
// purely-local/swappable-plain/per-page/unused pattern that partitions the
// entire address space.
const SubspaceInterval = ArenaSize * 4

// arenaKindMask reduces a pointer modulo SubspaceInterval; clearing the low
// ArenaSize-1 bits as well, (p & arenaKindMask) &^ (ArenaSize-1), leaves the
// kind-carrying arena offset (0, ArenaSize, or 2*ArenaSize).
const arenaKindMask = SubspaceInterval - 1

// kindOfPointer recovers the subspace kind owning ptr from its address
// bits alone. Every allocation lives within exactly one arena of exactly
// one subspace, so the kind is always recoverable this way.
func kindOfPointer(ptr uintptr) (SuballocatorKind, bool) {
	switch off := ptr & arenaKindMask &^ (ArenaSize - 1); off {
	case PurelyLocalOffset:
		return PurelyLocal, true
	case SwappablePlainOffset:
		return SwappablePlain, true
	case PerPageOffset:
		return NewPerPage, true
	default:
		return 0, false
	}
}

// arenaBase rounds ptr down to its containing arena's base address.
func arenaBase(ptr uintptr) uintptr {
	return ptr &^ (ArenaSize - 1)
}

func roundUp(n, multiple uintptr) uintptr {
	return (n + multiple - 1) &^ (multiple - 1)
}

func divRoundUp(n, multiple uintptr) uintptr {
	return (n + multiple - 1) / multiple
}
