// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import "unsafe"

// krHeader is the in-place free-list node threaded through a block's own
// bytes: a classic K&R malloc free header. uintptr is comfortably wide
// enough to index any block. size includes the header itself.
type krHeader struct {
	next uintptr
	size uintptr
}

var krHeaderSize = unsafe.Sizeof(krHeader{})

func krReadHeader(block []byte, off uintptr) krHeader {
	return *(*krHeader)(unsafe.Pointer(&block[off]))
}

func krWriteHeader(block []byte, off uintptr, h krHeader) {
	*(*krHeader)(unsafe.Pointer(&block[off])) = h
}

// krState is the free-list bookkeeping shared by the per-page and hint
// allocators' within-block algorithm: a roving cursor
// (freep) plus a used-byte counter (usage), with an explicit empty flag
// for the degenerate "whole block allocated" state — the one case where
// there is no predecessor node left to thread a stale header through, so
// it must be tracked out of band instead of written into memory that now
// belongs to the caller.
type krState struct {
	freep uintptr
	usage uintptr
	empty bool
}

// krInitState initializes block as one maximal free region spanning its
// entire length and returns the starting state.
func krInitState(block []byte) krState {
	krWriteHeader(block, 0, krHeader{next: 0, size: uintptr(len(block))})
	return krState{freep: 0}
}

// allocate finds space for size bytes aligned to align within block,
// mirroring the per-page/hint "allocate" algorithm: search from freep,
// placing the allocation at the highest address within a fitting region
// that satisfies alignment, splitting off whatever remains on either side.
func (st *krState) allocate(block []byte, size, align uintptr) (uintptr, bool) {
	if st.empty {
		return 0, false
	}
	size = roundUp(size, krHeaderSize)
	if align == 0 {
		align = 1
	}

	start := st.freep
	startHeader := krReadHeader(block, start)

	var addr uintptr
	var ok bool
	if startHeader.next == start {
		addr, ok = st.allocateFromSingleNode(block, start, startHeader, size, align)
	} else {
		addr, ok = st.allocateFromList(block, start, startHeader, size, align)
	}
	if ok {
		st.usage += size
	}
	return addr, ok
}

func (st *krState) allocateFromList(block []byte, start uintptr, startHeader krHeader, size, align uintptr) (uintptr, bool) {
	prev := start
	cur := startHeader.next
	for {
		h := krReadHeader(block, cur)
		if addr, ok := placeInRegion(cur, h.size, size, align); ok {
			spliceAllocation(block, prev, cur, h, addr, size)
			st.freep = prev
			return addr, true
		}
		if cur == start {
			return 0, false
		}
		prev = cur
		cur = h.next
	}
}

func (st *krState) allocateFromSingleNode(block []byte, off uintptr, h krHeader, size, align uintptr) (uintptr, bool) {
	addr, ok := placeInRegion(off, h.size, size, align)
	if !ok {
		return 0, false
	}
	regionEnd := off + h.size
	frontLen := addr - off
	tailLen := regionEnd - (addr + size)
	hasTail := tailLen >= krHeaderSize

	switch {
	case frontLen == 0 && !hasTail:
		st.empty = true
	case frontLen == 0 && hasTail:
		tailOff := addr + size
		krWriteHeader(block, tailOff, krHeader{next: tailOff, size: tailLen})
		st.freep = tailOff
	case frontLen > 0 && !hasTail:
		krWriteHeader(block, off, krHeader{next: off, size: frontLen})
		st.freep = off
	default:
		tailOff := addr + size
		krWriteHeader(block, tailOff, krHeader{next: off, size: tailLen})
		krWriteHeader(block, off, krHeader{next: tailOff, size: frontLen})
		st.freep = off
	}
	return addr, true
}

// placeInRegion returns the highest address within [regionStart,
// regionStart+regionSize) aligned to align that leaves room for size
// bytes, or false if the region is too small or misaligned throughout.
func placeInRegion(regionStart, regionSize, size, align uintptr) (uintptr, bool) {
	if regionSize < size {
		return 0, false
	}
	end := regionStart + regionSize
	addr := (end - size) &^ (align - 1)
	if addr < regionStart {
		return 0, false
	}
	return addr, true
}

// spliceAllocation updates the list after carving [addr, addr+size) out of
// the region at cur (predecessor prev, original header h).
func spliceAllocation(block []byte, prev, cur uintptr, h krHeader, addr, size uintptr) {
	regionEnd := cur + h.size
	frontLen := addr - cur
	tailLen := regionEnd - (addr + size)
	hasTail := tailLen >= krHeaderSize

	var tailOff uintptr
	if hasTail {
		tailOff = addr + size
		krWriteHeader(block, tailOff, krHeader{next: h.next, size: tailLen})
	}

	if frontLen == 0 {
		ph := krReadHeader(block, prev)
		if hasTail {
			ph.next = tailOff
		} else {
			ph.next = h.next
		}
		krWriteHeader(block, prev, ph)
		return
	}

	newCur := krHeader{size: frontLen}
	if hasTail {
		newCur.next = tailOff
	} else {
		newCur.next = h.next
	}
	krWriteHeader(block, cur, newCur)
}

// deallocate returns [addr, addr+size) to the free list, coalescing with
// whichever neighbors it touches.
func (st *krState) deallocate(block []byte, addr, size uintptr) {
	size = roundUp(size, krHeaderSize)
	st.usage -= size

	if st.empty {
		krWriteHeader(block, addr, krHeader{next: addr, size: size})
		st.freep = addr
		st.empty = false
		return
	}

	prev := st.freep
	for {
		ph := krReadHeader(block, prev)
		if krBrackets(prev, ph.next, addr) {
			break
		}
		prev = ph.next
	}

	ph := krReadHeader(block, prev)
	next := ph.next
	nh := krReadHeader(block, next)

	mergePrev := prev+ph.size == addr
	mergeNext := addr+size == next

	switch {
	case mergePrev && mergeNext:
		ph.size = ph.size + size + nh.size
		ph.next = nh.next
	case mergePrev:
		ph.size += size
	case mergeNext:
		krWriteHeader(block, addr, krHeader{next: nh.next, size: size + nh.size})
		ph.next = addr
	default:
		krWriteHeader(block, addr, krHeader{next: next, size: size})
		ph.next = addr
	}
	krWriteHeader(block, prev, ph)
	st.freep = prev
}

// krBrackets reports whether addr falls strictly between the free nodes at
// prev and next, accounting for the list wrapping around the block.
func krBrackets(prev, next, addr uintptr) bool {
	if prev < next {
		return prev < addr && addr < next
	}
	return addr > prev || addr < next
}

func (st *krState) isOccupancyUnder(capacity uintptr, threshold float64) bool {
	return float64(st.usage) < float64(capacity)*threshold
}
