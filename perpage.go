// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import "unsafe"

// perPageBlockSize is the fixed block size carved out of every per-page
// arena's data region. One page per block: the granularity a skip-list
// node batch migrates at.
const perPageBlockSize = PageSize

// perPageArena is one arena owned by the per-page block allocator: its
// data region is subdivided into perPageBlockSize blocks, each with its
// own K&R free list.
type perPageArena struct {
	link Node[perPageArena] // non-full-arenas list link

	base       uintptr
	nBlocks    uintptr
	usedBlocks uintptr
	blockUsed  []uint64 // is_block_used bitmap
	blocks     []krState
}

func perPageArenaNode(a *perPageArena) *Node[perPageArena] { return &a.link }

func (a *perPageArena) blockBytes(idx uintptr) []byte {
	addr := a.base + idx*perPageBlockSize
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), perPageBlockSize)
}

func (a *perPageArena) blockBase(idx uintptr) uintptr {
	return a.base + idx*perPageBlockSize
}

func (a *perPageArena) full() bool {
	return a.usedBlocks == a.nBlocks
}

// perPageAllocator is the block allocator: an ordered current arena plus a
// list of non-full arenas, producing block handles on demand.
type perPageAllocator struct {
	current *perPageArena
	nonFull *List[perPageArena]
	arenas  map[uintptr]*perPageArena
}

func newPerPageAllocator() *perPageAllocator {
	root := &perPageArena{}
	return &perPageAllocator{
		nonFull: NewList(root, perPageArenaNode),
		arenas:  make(map[uintptr]*perPageArena),
	}
}

func (p *perPageAllocator) close() {
	for base, a := range p.arenas {
		unmapAligned(a.base, ArenaSize)
		delete(p.arenas, base)
	}
	p.current = nil
}

func (p *perPageAllocator) arenaForPointer(ptr uintptr) *perPageArena {
	return p.arenas[arenaBase(ptr)]
}

// blockIdxForPointer returns the block index within its arena that ptr
// falls into.
func (a *perPageArena) blockIdxForPointer(ptr uintptr) uintptr {
	return (ptr - a.base) / perPageBlockSize
}

// suballocatorForPointer builds a handle for ptr's existing block, without
// allocating a new one — used by CollectiveAllocator.GetSuballocatorForPointer.
func (p *perPageAllocator) suballocatorForPointer(ptr uintptr) *PerPageSuballocator {
	a := p.arenaForPointer(ptr)
	return &PerPageSuballocator{alloc: p, arena: a, blockIdx: a.blockIdxForPointer(ptr)}
}

// deallocateAt frees ptr by locating its owning block directly, for callers
// that only have a raw pointer (CollectiveAllocator.Deallocate) rather than
// a PerPageSuballocator handle.
func (p *perPageAllocator) deallocateAt(ptr, size uintptr) {
	a := p.arenaForPointer(ptr)
	idx := a.blockIdxForPointer(ptr)
	st := &a.blocks[idx]
	st.deallocate(a.blockBytes(idx), ptr-a.blockBase(idx), size)
	if st.usage == 0 {
		p.reclaimBlock(a, idx)
	}
}

func (p *perPageAllocator) createArena() (*perPageArena, error) {
	base, err := mapAlignedOffset(ArenaSize, SubspaceInterval, PerPageOffset)
	if err != nil {
		return nil, err
	}
	nBlocks := uintptr(ArenaSize / perPageBlockSize)
	a := &perPageArena{
		base:      base,
		nBlocks:   nBlocks,
		blockUsed: make([]uint64, (nBlocks+63)/64),
		blocks:    make([]krState, nBlocks),
	}
	p.arenas[base] = a
	return a, nil
}

func (p *perPageAllocator) destroyArena(a *perPageArena) {
	delete(p.arenas, a.base)
	unmapAligned(a.base, ArenaSize)
}

// allocateBlock returns a fresh block: a clear bit in the current arena if
// one exists, else the head of the non-full-arenas list, else a newly
// created arena.
func (p *perPageAllocator) allocateBlock() (*perPageArena, uintptr, error) {
	if p.current == nil || p.current.full() {
		if next := p.nonFull.Front(); next != nil {
			p.nonFull.Remove(next)
			p.current = next
		} else {
			a, err := p.createArena()
			if err != nil {
				return nil, 0, err
			}
			p.current = a
		}
	}

	idx, ok := bitmapFindUnsetAndSet(p.current.blockUsed, int(p.current.nBlocks))
	if !ok {
		return nil, 0, ErrOutOfMemory
	}
	p.current.usedBlocks++
	p.current.blocks[idx] = krInitState(p.current.blockBytes(uintptr(idx)))
	return p.current, uintptr(idx), nil
}

// reclaimBlock flips idx back to free in arena's bitmap and destroys the
// arena if it becomes entirely unused.
func (p *perPageAllocator) reclaimBlock(a *perPageArena, idx uintptr) {
	bitmapFlip(a.blockUsed, int(idx))
	a.usedBlocks--

	if a.usedBlocks == 0 {
		if a == p.current {
			p.current = nil
		} else if a.link.next != nil || a.link.prev != nil {
			p.nonFull.Remove(a)
		}
		p.destroyArena(a)
		return
	}
	if a != p.current && a.link.next == nil && a.link.prev == nil {
		p.nonFull.InsertFront(a)
	}
}

// PerPageSuballocator is the suballocator handle produced by
// GetSuballocator(NewPerPage): one block of one arena, allocating within
// it via the shared K&R algorithm.
type PerPageSuballocator struct {
	alloc    *perPageAllocator
	arena    *perPageArena
	blockIdx uintptr
}

func newPerPageSuballocator(alloc *perPageAllocator) (*PerPageSuballocator, error) {
	arena, idx, err := alloc.allocateBlock()
	if err != nil {
		return nil, err
	}
	return &PerPageSuballocator{alloc: alloc, arena: arena, blockIdx: idx}, nil
}

// Contains reports whether ptr falls within this handle's block.
func (s *PerPageSuballocator) Contains(ptr uintptr) bool {
	base := s.arena.blockBase(s.blockIdx)
	return ptr >= base && ptr < base+perPageBlockSize
}

func (s *PerPageSuballocator) Allocate(elemSize, align uintptr, n uintptr) (uintptr, error) {
	size := elemSize * n
	if align > perPageBlockSize || size > perPageBlockSize {
		return 0, ErrOutOfMemory
	}
	st := &s.arena.blocks[s.blockIdx]
	off, ok := st.allocate(s.arena.blockBytes(s.blockIdx), size, align)
	if !ok {
		return 0, ErrOutOfMemory
	}
	return s.arena.blockBase(s.blockIdx) + off, nil
}

func (s *PerPageSuballocator) Deallocate(ptr, elemSize, n uintptr) {
	s.alloc.deallocateAt(ptr, elemSize*n)
}

func (s *PerPageSuballocator) IsOccupancyUnder(threshold float64) bool {
	st := &s.arena.blocks[s.blockIdx]
	return st.isOccupancyUnder(uintptr(perPageBlockSize)-krHeaderSize, threshold)
}
