// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

// plainArena is one arena owned by the plain suballocator. Every page of
// a plainArena is a data page: metadata lives in the parallel metadata
// slice described in pagemeta.go, a GC-visible structure outside the
// mmap'd region rather than inside it. Sentinel entries at index -1 and
// dataNPages stop coalescing at the arena's edges.
type plainArena struct {
	base       uintptr
	kind       SuballocatorKind
	dataNPages uintptr
	// metadata[idx+1] describes data page idx, for idx in [-1, dataNPages].
	metadata []pageMetadata
	// store backs this arena's pages once registered with the paging
	// bridge; nil for purely-local arenas, which never page out.
	store *pageStore
}

func subspaceOffsetForKind(kind SuballocatorKind) uintptr {
	switch kind {
	case PurelyLocal:
		return PurelyLocalOffset
	case SwappablePlain:
		return SwappablePlainOffset
	case NewPerPage:
		return PerPageOffset
	default:
		panic("farmalloc: unknown suballocator kind")
	}
}

// createPlainArena allocates a fresh arena for the given kind. withStore
// requests a backing pageStore for swappable-plain arenas, registered with
// the paging bridge at once (and paged out at once if far-memory mode is
// already active).
func createPlainArena(kind SuballocatorKind, withStore bool) (*plainArena, error) {
	base, err := mapAlignedOffset(ArenaSize, SubspaceInterval, subspaceOffsetForKind(kind))
	if err != nil {
		return nil, err
	}

	dataNPages := uintptr(ArenaSize / PageSize)
	metadata := make([]pageMetadata, dataNPages+2)

	a := &plainArena{base: base, kind: kind, dataNPages: dataNPages, metadata: metadata}
	for i := range metadata {
		metadata[i].arena = a
		metadata[i].idx = i - 1
	}
	metadata[0].used = true            // sentinel for idx -1
	metadata[dataNPages+1].used = true // sentinel for idx dataNPages
	metadata[1].nPages = dataNPages    // one maximal free run spans the arena
	metadata[dataNPages].nPages = dataNPages
	if withStore {
		a.store = newPageStore(ArenaSize)
		if err := registerRegion(a.base, ArenaSize, a.store); err != nil {
			unmapAligned(a.base, ArenaSize)
			return nil, err
		}
	}
	return a, nil
}

func destroyPlainArena(a *plainArena) {
	if a.store != nil {
		unregisterRegion(a.base)
	}
	unmapAligned(a.base, ArenaSize)
}

// meta returns the metadata entry for data page idx, idx ranging over
// [-1, a.dataNPages].
func (a *plainArena) meta(idx int) *pageMetadata {
	return &a.metadata[idx+1]
}

// pageIdx2HeadPtr returns the address of data page idx.
func (a *plainArena) pageIdx2HeadPtr(idx uintptr) uintptr {
	return a.base + idx*PageSize
}

// dataPtr2Idx returns the data-page index containing ptr.
func (a *plainArena) dataPtr2Idx(ptr uintptr) uintptr {
	return (ptr - a.base) / PageSize
}

// isEntirelyFree reports whether the arena's whole data region is one free
// run, i.e. it can be returned to the OS.
func (a *plainArena) isEntirelyFree() bool {
	return !a.meta(0).used && a.meta(0).nPages == a.dataNPages
}
