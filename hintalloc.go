// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import "unsafe"

// hintBlockSize mirrors perPageBlockSize: the hint allocator partitions its
// arenas the same way the per-page allocator does, just with a richer set
// of non-full lists layered on top (one for arenas with a free block, one
// for blocks with free space).
const hintBlockSize = PageSize

// hintDataAlignment is the largest alignment a hint allocation can request:
// anything coarser could not be honored inside one block.
const hintDataAlignment = hintBlockSize

type hintArena struct {
	link Node[hintArena]

	base       uintptr
	nBlocks    uintptr
	usedBlocks uintptr
	blockUsed  []uint64
	blocks     []krState
	blockRefs  []hintBlockRef
}

func hintArenaNode(a *hintArena) *Node[hintArena] { return &a.link }

// hintBlockRef is the addressable, list-linkable identity of one block;
// kept in a slice owned by its arena so its address is stable for the
// lifetime of the arena.
type hintBlockRef struct {
	link  Node[hintBlockRef]
	arena *hintArena
	idx   uintptr
}

func hintBlockNode(b *hintBlockRef) *Node[hintBlockRef] { return &b.link }

func (a *hintArena) blockBytes(idx uintptr) []byte {
	addr := a.base + idx*hintBlockSize
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), hintBlockSize)
}

func (a *hintArena) full() bool { return a.usedBlocks == a.nBlocks }

func (a *hintArena) blockIdxForPointer(ptr uintptr) uintptr {
	return (ptr - a.base) / hintBlockSize
}

// HintAllocator is a standalone block-structured allocator: small
// allocations land in the current block; a caller that wants co-location
// passes any pointer into the desired block as a hint and the new
// allocation is placed there when it fits. Separately packaged from the
// collective allocator; its arenas are arena-aligned at no particular
// subspace offset, so a hint pointer's address bits say nothing about a
// subspace. Pointers are decoded only through the allocator's own arena
// registry.
type HintAllocator struct {
	currentArena *hintArena
	currentBlock uintptr
	hasCurrent   bool

	nonFullArenas *List[hintArena]
	nonFullBlocks *List[hintBlockRef]
	arenas        map[uintptr]*hintArena
}

func NewHintAllocator() *HintAllocator {
	arenaRoot := &hintArena{}
	blockRoot := &hintBlockRef{}
	return &HintAllocator{
		nonFullArenas: NewList(arenaRoot, hintArenaNode),
		nonFullBlocks: NewList(blockRoot, hintBlockNode),
		arenas:        make(map[uintptr]*hintArena),
	}
}

// Close unmaps every arena the allocator still owns. Outstanding pointers
// become invalid.
func (h *HintAllocator) Close() {
	for base, a := range h.arenas {
		unmapAligned(a.base, ArenaSize)
		delete(h.arenas, base)
	}
	h.currentArena, h.hasCurrent = nil, false
}

// MaxSize is the largest single allocation a block can serve.
func (h *HintAllocator) MaxSize() uintptr { return hintBlockSize - krHeaderSize }

func (h *HintAllocator) createArena() (*hintArena, error) {
	base, err := mapAligned(ArenaSize, ArenaSize)
	if err != nil {
		return nil, err
	}
	nBlocks := uintptr(ArenaSize / hintBlockSize)
	a := &hintArena{
		base:      base,
		nBlocks:   nBlocks,
		blockUsed: make([]uint64, (nBlocks+63)/64),
		blocks:    make([]krState, nBlocks),
		blockRefs: make([]hintBlockRef, nBlocks),
	}
	for i := range a.blockRefs {
		a.blockRefs[i] = hintBlockRef{arena: a, idx: uintptr(i)}
	}
	h.arenas[base] = a
	defaultLog.Debugf("hint arena created base=%#x", base)
	return a, nil
}

func (h *HintAllocator) destroyArena(a *hintArena) {
	delete(h.arenas, a.base)
	unmapAligned(a.base, ArenaSize)
	defaultLog.Debugf("hint arena destroyed base=%#x", a.base)
}

// freshBlock obtains a block whose used bit is clear: from the current arena's
// bitmap, else the non-full-arenas list, else a brand new arena.
func (h *HintAllocator) freshBlock() (*hintArena, uintptr, error) {
	if h.currentArena != nil && !h.currentArena.full() {
		if idx, ok := bitmapFindUnsetAndSet(h.currentArena.blockUsed, int(h.currentArena.nBlocks)); ok {
			h.currentArena.usedBlocks++
			return h.currentArena, uintptr(idx), nil
		}
	}
	for {
		a := h.nonFullArenas.Front()
		if a == nil {
			break
		}
		if idx, ok := bitmapFindUnsetAndSet(a.blockUsed, int(a.nBlocks)); ok {
			a.usedBlocks++
			if a.full() {
				h.nonFullArenas.Remove(a)
			}
			return a, uintptr(idx), nil
		}
		h.nonFullArenas.Remove(a)
	}
	a, err := h.createArena()
	if err != nil {
		return nil, 0, err
	}
	idx, _ := bitmapFindUnsetAndSet(a.blockUsed, int(a.nBlocks))
	a.usedBlocks++
	return a, uintptr(idx), nil
}

func (h *HintAllocator) setCurrent(a *hintArena, idx uintptr) {
	h.currentArena, h.currentBlock, h.hasCurrent = a, idx, true
}

// retireCurrent moves the outgoing current block onto the non-full-blocks
// list so a later allocation can still find whatever space it has left,
// rather than leaving it unreachable once a different block becomes
// current.
func (h *HintAllocator) retireCurrent() {
	if !h.hasCurrent {
		return
	}
	ref := &h.currentArena.blockRefs[h.currentBlock]
	if ref.link.next == nil && ref.link.prev == nil {
		h.nonFullBlocks.InsertBack(ref)
	}
	h.hasCurrent = false
}

// Allocate places elemSize·n bytes in the current block, else the first
// non-full block that fits, else a fresh block.
func (h *HintAllocator) Allocate(elemSize, align, n uintptr) (uintptr, error) {
	size := elemSize * n
	if align > hintDataAlignment || size > h.MaxSize() {
		return 0, ErrOutOfMemory
	}

	if h.hasCurrent {
		st := &h.currentArena.blocks[h.currentBlock]
		if off, ok := st.allocate(h.currentArena.blockBytes(h.currentBlock), size, align); ok {
			return h.currentArena.base + h.currentBlock*hintBlockSize + off, nil
		}
	}

	for ref := h.nonFullBlocks.Front(); ref != nil; ref = h.nextNonFullBlock(ref) {
		st := &ref.arena.blocks[ref.idx]
		if off, ok := st.allocate(ref.arena.blockBytes(ref.idx), size, align); ok {
			h.nonFullBlocks.Remove(ref)
			h.retireCurrent()
			h.setCurrent(ref.arena, ref.idx)
			return ref.arena.base + ref.idx*hintBlockSize + off, nil
		}
	}

	a, idx, err := h.freshBlock()
	if err != nil {
		return 0, err
	}
	h.retireCurrent()
	a.blocks[idx] = krInitState(a.blockBytes(idx))
	h.setCurrent(a, idx)
	st := &a.blocks[idx]
	off, ok := st.allocate(a.blockBytes(idx), size, align)
	if !ok {
		return 0, ErrOutOfMemory
	}
	return a.base + idx*hintBlockSize + off, nil
}

func (h *HintAllocator) nextNonFullBlock(cur *hintBlockRef) *hintBlockRef {
	n := h.nonFullBlocks.getNode(cur).next
	if n == h.nonFullBlocks.root {
		return nil
	}
	return n
}

// AllocateHinted tries the block containing hint first, falling back to the
// unhinted flow when the hint is nil, foreign, or its block is too full.
func (h *HintAllocator) AllocateHinted(elemSize, align, n, hint uintptr) (uintptr, error) {
	if a := h.arenas[arenaBase(hint)]; a != nil {
		size := elemSize * n
		if align <= hintDataAlignment && size <= h.MaxSize() {
			idx := a.blockIdxForPointer(hint)
			if bitmapTest(a.blockUsed, int(idx)) {
				st := &a.blocks[idx]
				if off, ok := st.allocate(a.blockBytes(idx), size, align); ok {
					return a.base + idx*hintBlockSize + off, nil
				}
			}
		}
	}
	return h.Allocate(elemSize, align, n)
}

// Deallocate frees ptr within its block, decoded from the pointer's
// address, then reclaims the block and possibly its arena once empty.
func (h *HintAllocator) Deallocate(ptr, elemSize, n uintptr) {
	a := h.arenas[arenaBase(ptr)]
	idx := a.blockIdxForPointer(ptr)
	size := elemSize * n
	st := &a.blocks[idx]
	st.deallocate(a.blockBytes(idx), ptr-(a.base+idx*hintBlockSize), size)

	if h.hasCurrent && h.currentArena == a && h.currentBlock == idx {
		return
	}

	ref := &a.blockRefs[idx]
	onList := ref.link.next != nil || ref.link.prev != nil

	if st.usage == 0 {
		if onList {
			h.nonFullBlocks.Remove(ref)
		}
		bitmapFlip(a.blockUsed, int(idx))
		a.usedBlocks--

		if h.currentArena == a {
			return
		}
		if a.usedBlocks == 0 {
			if a.link.next != nil || a.link.prev != nil {
				h.nonFullArenas.Remove(a)
			}
			h.destroyArena(a)
		} else if a.link.next == nil && a.link.prev == nil {
			h.nonFullArenas.InsertFront(a)
		}
		return
	}

	if !onList {
		h.nonFullBlocks.InsertFront(ref)
	}
}
