// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import "fmt"

// plainCustom is the policy hook that differentiates the two plain
// subspaces: purely-local bounds total consumed capacity, swappable-plain
// gives large allocations a backing store and registers them with the
// paging bridge.
type plainCustom interface {
	checkCapacity(size uintptr) error
	consumeCapacity(size uintptr)
	reclaimCapacity(size uintptr)
	occupySpace(size uintptr)
	reclaimSpace(size uintptr)
	isOccupancyUnder(threshold float64) bool
	largeAllocSize(size uintptr) uintptr
	postprocessLargeAlloc(base, size uintptr) error
	preprocessLargeDealloc(base, size uintptr)
	needsStore() bool
}

// plainSuballocator implements the slab + page + large allocator shared by
// the purely-local and swappable-plain subspaces.
// currentSlabs/nonFullSlabs/freePages are the per-class bookkeeping
// arrays; arenaByBase is this engine's own registry (arenas are owned by
// the suballocator that created them, never shared across engines).
type plainSuballocator struct {
	kind SuballocatorKind

	currentSlabs []*slabMetadata
	nonFullSlabs []*List[slabMetadata]
	freePages    []*List[pageMetadata]

	arenaByBase map[uintptr]*plainArena
	custom      plainCustom
}

func newPlainSuballocator(kind SuballocatorKind, custom plainCustom) *plainSuballocator {
	s := &plainSuballocator{
		kind:         kind,
		currentSlabs: make([]*slabMetadata, numAllocClasses),
		nonFullSlabs: make([]*List[slabMetadata], numAllocClasses),
		freePages:    make([]*List[pageMetadata], numPageClasses),
		arenaByBase:  make(map[uintptr]*plainArena),
		custom:       custom,
	}
	for c := range s.nonFullSlabs {
		root := &slabMetadata{}
		s.nonFullSlabs[c] = NewList(root, slabMetaNode)
	}
	for c := range s.freePages {
		root := &pageMetadata{used: true}
		s.freePages[c] = NewList(root, pageMetaNode)
	}
	return s
}

func (s *plainSuballocator) close() {
	for base, a := range s.arenaByBase {
		destroyPlainArena(a)
		delete(s.arenaByBase, base)
	}
}

func (s *plainSuballocator) arenaForPointer(ptr uintptr) *plainArena {
	return s.arenaByBase[arenaBase(ptr)]
}

func (s *plainSuballocator) isOccupancyUnder(threshold float64) bool {
	return s.custom.isOccupancyUnder(threshold)
}

// --- arena / page-run bookkeeping -----------------------------------------

func (s *plainSuballocator) createArena() (*plainArena, error) {
	if err := s.custom.checkCapacity(ArenaSize); err != nil {
		return nil, err
	}
	a, err := createPlainArena(s.kind, s.custom.needsStore())
	if err != nil {
		return nil, err
	}
	s.custom.consumeCapacity(ArenaSize)
	s.arenaByBase[a.base] = a
	s.enqueueFreeRun(a, 0, a.dataNPages)
	return a, nil
}

func (s *plainSuballocator) destroyArena(a *plainArena) {
	// The arena's single maximal free run is still enqueued; unlink it
	// before releasing the region.
	s.freePages[pageFreeSize2ClassIdxOf(a.dataNPages)].Remove(a.meta(0))
	delete(s.arenaByBase, a.base)
	destroyPlainArena(a)
	s.custom.reclaimCapacity(ArenaSize)
}

func (s *plainSuballocator) enqueueFreeRun(a *plainArena, startIdx, nPages uintptr) {
	head := a.meta(int(startIdx))
	tail := a.meta(int(startIdx + nPages - 1))
	head.used, tail.used = false, false
	head.nPages, tail.nPages = nPages, nPages
	s.freePages[pageFreeSize2ClassIdxOf(nPages)].InsertFront(head)
}

func (s *plainSuballocator) dequeueFreeRun(classIdx int, head *pageMetadata) {
	s.freePages[classIdx].Remove(head)
}

// allocatePages satisfies a request for nPages pages with page-granularity
// alignment align (in pages), creating a fresh arena when no free run
// fits.
func (s *plainSuballocator) allocatePages(nPages, alignPages uintptr) (*plainArena, uintptr, error) {
	arena, idx, ok := s.findFreeRun(nPages, alignPages)
	if !ok {
		var err error
		arena, err = s.createArena()
		if err != nil {
			return nil, 0, err
		}
		arena, idx, ok = s.findFreeRun(nPages, alignPages)
		if !ok {
			return nil, 0, ErrOutOfMemory
		}
	}
	return arena, idx, nil
}

func (s *plainSuballocator) findFreeRun(nPages, alignPages uintptr) (*plainArena, uintptr, bool) {
	if alignPages != 1 {
		// Opportunistic: a run in the exact class of nPages may already sit
		// on an aligned boundary, avoiding the padded search below.
		if exact, ok := pageAllocSize2ClassIdxOf(nPages); ok && exact < len(s.freePages) {
			for head := s.freePages[exact].Front(); head != nil; head = s.nextInClass(exact, head) {
				arena, startIdx := s.locateRun(head)
				aligned := roundUp(startIdx, alignPages)
				if aligned+nPages <= startIdx+head.nPages {
					return s.carveRun(arena, exact, head, startIdx, aligned, nPages)
				}
			}
		}
	}

	// General search: classes holding runs of at least nPages+(align-1)
	// pages, so the aligned subrange always fits. The round-up mapping is
	// what makes "first non-empty class's head" safe: the free lists
	// classify runs rounding down, so a class found this way never holds a
	// run shorter than the padded request.
	startClass, ok := pageAllocSize2ClassIdxOf(nPages + alignPages - 1)
	if !ok {
		return nil, 0, false
	}
	for classIdx := startClass; classIdx < len(s.freePages); classIdx++ {
		head := s.freePages[classIdx].Front()
		if head == nil {
			continue
		}
		arena, startIdx := s.locateRun(head)
		aligned := roundUp(startIdx, alignPages)
		return s.carveRun(arena, classIdx, head, startIdx, aligned, nPages)
	}
	return nil, 0, false
}

func (s *plainSuballocator) nextInClass(classIdx int, cur *pageMetadata) *pageMetadata {
	// Linear scan helper kept simple: classes rarely hold more than a
	// handful of runs in the scenarios this allocator targets.
	n := s.freePages[classIdx].getNode(cur).next
	if n == s.freePages[classIdx].root {
		return nil
	}
	return n
}

// locateRun returns the arena and page index owning a free-run head.
func (s *plainSuballocator) locateRun(head *pageMetadata) (*plainArena, uintptr) {
	return head.arena, uintptr(head.idx)
}

func (s *plainSuballocator) carveRun(a *plainArena, classIdx int, head *pageMetadata, startIdx, allocIdx, nPages uintptr) (*plainArena, uintptr, bool) {
	runLen := head.nPages
	s.dequeueFreeRun(classIdx, head)

	if lead := allocIdx - startIdx; lead > 0 {
		s.enqueueFreeRun(a, startIdx, lead)
	}
	tailStart := allocIdx + nPages
	if trail := (startIdx + runLen) - tailStart; trail > 0 {
		s.enqueueFreeRun(a, tailStart, trail)
	}

	a.meta(int(allocIdx)).used = true
	a.meta(int(allocIdx + nPages - 1)).used = true
	return a, allocIdx, true
}

// deallocatePages returns a run to its arena's free lists, coalescing with
// neighbors, and destroys the arena if the whole data region becomes free.
func (s *plainSuballocator) deallocatePages(a *plainArena, idx, nPages uintptr) {
	startIdx, endIdx := idx, idx+nPages-1

	if pred := a.meta(int(startIdx - 1)); !pred.used {
		predStart := startIdx - pred.nPages
		s.freePages[pageFreeSize2ClassIdxOf(pred.nPages)].Remove(a.meta(int(predStart)))
		startIdx = predStart
	}
	if succ := a.meta(int(endIdx + 1)); endIdx+1 < a.dataNPages && !succ.used {
		s.freePages[pageFreeSize2ClassIdxOf(succ.nPages)].Remove(succ)
		endIdx = endIdx + succ.nPages
	}

	s.enqueueFreeRun(a, startIdx, endIdx-startIdx+1)

	if a.isEntirelyFree() {
		s.destroyArena(a)
	}
}

// --- small (slab) regime ---------------------------------------------------

func (s *plainSuballocator) allocateSmall(size, align uintptr) (uintptr, error) {
	classIdx := allocSize2ClassIdx(size)
	// Alignment above a page is honored only for the two-page class with a
	// single slot per slab; the slab's head page index must then be even.
	evenPageRequired := align > PageSize

	retried := false
	for {
		slab := s.currentSlabs[classIdx]
		if slab == nil {
			if front := s.nonFullSlabs[classIdx].Front(); front != nil {
				s.nonFullSlabs[classIdx].Remove(front)
				slab = front
				s.currentSlabs[classIdx] = slab
			} else {
				slabAlign := uintptr(1)
				if evenPageRequired && retried {
					// The freshly released odd run would come straight back
					// from the free list; ask the page allocator for an
					// even boundary outright instead of spinning on it.
					slabAlign = 2
				}
				newSlab, err := s.createSlab(classIdx, slabAlign)
				if err != nil {
					return 0, err
				}
				slab = newSlab
				s.currentSlabs[classIdx] = slab
			}
		}

		slot, ok := bitmapFindUnsetAndSet(slab.bitmap, slab.nSlots)
		if !ok {
			// Slab unexpectedly full: move it off current and retry.
			s.currentSlabs[classIdx] = nil
			continue
		}
		ptr := slab.arena.pageIdx2HeadPtr(slab.pageIdx) + uintptr(slot)*allocClassIdx2SizeOf(classIdx)

		if evenPageRequired {
			pageIdx := slab.arena.dataPtr2Idx(ptr)
			if pageIdx%2 != 0 {
				bitmapFlip(slab.bitmap, slot)
				s.releaseSlabIfEmpty(classIdx, slab)
				s.currentSlabs[classIdx] = nil
				retried = true
				continue
			}
		}

		if bitmapIsFull(slab.bitmap, slab.nSlots) {
			s.currentSlabs[classIdx] = nil
		}
		s.custom.occupySpace(allocClassIdx2SizeOf(classIdx))
		return ptr, nil
	}
}

func bitmapIsFull(bm []uint64, nSlots int) bool {
	for slot := 0; slot < nSlots; slot++ {
		if !bitmapTest(bm, slot) {
			return false
		}
	}
	return true
}

func (s *plainSuballocator) createSlab(classIdx int, alignPages uintptr) (*slabMetadata, error) {
	nPages := allocClassIdx2NPagesOf(classIdx)
	arena, idx, err := s.allocatePages(nPages, alignPages)
	if err != nil {
		return nil, err
	}
	slab := &slabMetadata{
		bitmap:   newSlabBitmap(allocClassIdx2NSlotsOf(classIdx)),
		nSlots:   allocClassIdx2NSlotsOf(classIdx),
		classIdx: classIdx,
		pageIdx:  idx,
		arena:    arena,
	}
	for p := idx; p < idx+nPages; p++ {
		arena.meta(int(p)).slab = slab
	}
	return slab, nil
}

func (s *plainSuballocator) deallocateSmall(ptr uintptr, size uintptr) {
	classIdx := allocSize2ClassIdx(size)
	a := s.arenaForPointer(ptr)
	pageIdx := a.dataPtr2Idx(ptr)
	slab := a.meta(int(pageIdx)).slab
	slot := int((ptr - a.pageIdx2HeadPtr(slab.pageIdx)) / allocClassIdx2SizeOf(classIdx))
	bitmapFlip(slab.bitmap, slot)
	s.custom.reclaimSpace(allocClassIdx2SizeOf(classIdx))

	if s.currentSlabs[classIdx] == slab {
		return
	}
	s.releaseSlabIfEmpty(classIdx, slab)
}

func (s *plainSuballocator) releaseSlabIfEmpty(classIdx int, slab *slabMetadata) {
	if bitmapIsEmpty(slab.bitmap) {
		if slab.link.next != nil || slab.link.prev != nil {
			s.nonFullSlabs[classIdx].Remove(slab)
		}
		nPages := allocClassIdx2NPagesOf(classIdx)
		for p := slab.pageIdx; p < slab.pageIdx+nPages; p++ {
			slab.arena.meta(int(p)).slab = nil
		}
		s.deallocatePages(slab.arena, slab.pageIdx, nPages)
		return
	}
	if slab.link.next == nil && slab.link.prev == nil {
		s.nonFullSlabs[classIdx].InsertFront(slab)
	}
}

// --- medium (page-run) regime ----------------------------------------------

func (s *plainSuballocator) allocateMedium(size, align uintptr) (uintptr, error) {
	nPages := divRoundUp(size, PageSize)
	alignPages := divRoundUp(align, PageSize)
	if alignPages == 0 {
		alignPages = 1
	}
	arena, idx, err := s.allocatePages(nPages, alignPages)
	if err != nil {
		return 0, err
	}
	s.custom.occupySpace(nPages * PageSize)
	return arena.pageIdx2HeadPtr(idx), nil
}

func (s *plainSuballocator) deallocateMedium(ptr, size uintptr) {
	nPages := divRoundUp(size, PageSize)
	a := s.arenaForPointer(ptr)
	idx := a.dataPtr2Idx(ptr)
	s.deallocatePages(a, idx, nPages)
	s.custom.reclaimSpace(nPages * PageSize)
}

// --- large regime -----------------------------------------------------------

func (s *plainSuballocator) allocateLarge(size, align uintptr) (uintptr, error) {
	if align > ArenaSize {
		return 0, fmt.Errorf("farmalloc: allocate: %w: %w", ErrOutOfMemory, errAlignmentTooLarge)
	}
	augmented := s.custom.largeAllocSize(size)
	rounded := roundUp(augmented, PageSize)

	if err := s.custom.checkCapacity(rounded); err != nil {
		return 0, err
	}
	s.custom.consumeCapacity(rounded)
	base, err := mapAligned(rounded, alignOrPage(align))
	if err != nil {
		s.custom.reclaimCapacity(rounded)
		return 0, err
	}
	if err := s.custom.postprocessLargeAlloc(base, rounded); err != nil {
		unmapAligned(base, rounded)
		s.custom.reclaimCapacity(rounded)
		return 0, err
	}
	s.custom.occupySpace(rounded)
	return base, nil
}

func (s *plainSuballocator) deallocateLarge(ptr, size uintptr) {
	augmented := s.custom.largeAllocSize(size)
	rounded := roundUp(augmented, PageSize)
	s.custom.preprocessLargeDealloc(ptr, rounded)
	unmapAligned(ptr, rounded)
	s.custom.reclaimCapacity(rounded)
	s.custom.reclaimSpace(rounded)
}

func alignOrPage(align uintptr) uintptr {
	if align < PageSize {
		return PageSize
	}
	return align
}

// --- public surface ---------------------------------------------------------

func (s *plainSuballocator) allocate(elemSize, align uintptr, n uintptr) (uintptr, error) {
	size := elemSize * n
	if size == 0 {
		size = 1
	}
	switch {
	case size <= uintptr(maxSmallAllocSize):
		return s.allocateSmall(size, align)
	case size <= uintptr(maxMediumAllocSize(len(s.freePages))):
		return s.allocateMedium(size, align)
	default:
		return s.allocateLarge(size, align)
	}
}

func (s *plainSuballocator) deallocate(ptr, elemSize, n uintptr) {
	size := elemSize * n
	if size == 0 {
		size = 1
	}
	switch {
	case size <= uintptr(maxSmallAllocSize):
		s.deallocateSmall(ptr, size)
	case size <= uintptr(maxMediumAllocSize(len(s.freePages))):
		s.deallocateMedium(ptr, size)
	default:
		s.deallocateLarge(ptr, size)
	}
}

// maxMediumAllocSize derives the largest page-run size the medium regime's
// page-class table can address; anything above it maps its own region.
func maxMediumAllocSize(nPageClasses int) int {
	return pageClassIdx2Size(nPageClasses-1) - PageSize
}
