// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Small size classes, almost the same scheme as jemalloc: classes grow in
// four substeps per doubling, so above 64 bytes rounding an allocation
// request up to the next class wastes less than 20% of the class size
// (the first four classes are plain multiples of 16 bytes). All tables are
// computed once at init and looked up via flat arrays.
package farmalloc

import (
	"math/bits"
)

const (
	smallestAllocSize          = 16
	allocClassesInDoublingSize = 4
)

var (
	// allocClassIdx2Size[c] is the largest size served by class c.
	allocClassIdx2Size []uint32
	// size2AllocClassIdx maps ceil(size/smallestAllocSize)-1 to its class.
	size2AllocClassIdx []uint8
	// allocClassIdx2NPages[c] is the number of pages in one slab of class c.
	allocClassIdx2NPages []uint8
	// allocClassIdx2NSlots[c] is the number of elements a slab of class c holds.
	allocClassIdx2NSlots []uint16

	maxSmallAllocSize int
	maxSlabNSlots     int
	numAllocClasses   int

	// pageFreeSize2ClassIdx maps a free-run page count (1-indexed by
	// pageCount-1) to the smallest page-class that can satisfy it; reused
	// by the plain suballocator's medium regime and its free-page lists.
	pageFreeSize2ClassIdx []uint8
	maxNPages             int

	// numPageClasses is the count of distinct free-page-run classes, one
	// past the class of the largest possible run (a whole arena's worth of
	// pages). Computed here, not as a separate package-level initializer
	// expression, since Go only orders var initializers by their own
	// dependency graph and would not see that it depends on this init().
	numPageClasses int
)

func init() {
	// allocClassesInDoublingSize classes per doubling between
	// smallestAllocSize and PageSize, continued up to (but excluding)
	// PageSize*allocClassesInDoublingSize.
	numAllocClasses = allocClassesInDoublingSize +
		(bits.Len(uint(PageSize/smallestAllocSize))-1)*allocClassesInDoublingSize - 1

	allocClassIdx2Size = make([]uint32, numAllocClasses)
	idx := 0
	for ; idx < allocClassesInDoublingSize; idx++ {
		allocClassIdx2Size[idx] = uint32(smallestAllocSize * (idx + 1))
	}
	base := smallestAllocSize * allocClassesInDoublingSize
	delta := smallestAllocSize
	size := base
	for idx < numAllocClasses {
		for j := 0; j < allocClassesInDoublingSize && idx < numAllocClasses; j++ {
			size += delta
			allocClassIdx2Size[idx] = uint32(size)
			idx++
		}
		base *= 2
		delta *= 2
	}
	maxSmallAllocSize = int(allocClassIdx2Size[numAllocClasses-1])

	// size2AllocClassIdx: lower_bound(allocClassIdx2Size, smallestAllocSize*(i+1))
	size2AllocClassIdx = make([]uint8, maxSmallAllocSize/smallestAllocSize)
	for i := range size2AllocClassIdx {
		target := uint32(smallestAllocSize * (i + 1))
		c := 0
		for c < len(allocClassIdx2Size) && allocClassIdx2Size[c] < target {
			c++
		}
		size2AllocClassIdx[i] = uint8(c)
	}

	allocClassIdx2NPages = make([]uint8, numAllocClasses)
	for i := range allocClassIdx2NPages {
		n := lcm(int(allocClassIdx2Size[i]), PageSize) / PageSize
		allocClassIdx2NPages[i] = uint8(n)
	}

	allocClassIdx2NSlots = make([]uint16, numAllocClasses)
	for i := range allocClassIdx2NSlots {
		nSlots := int(allocClassIdx2NPages[i]) * PageSize / int(allocClassIdx2Size[i])
		allocClassIdx2NSlots[i] = uint16(nSlots)
		if nSlots > maxSlabNSlots {
			maxSlabNSlots = nSlots
		}
	}

	// Page-free-run classes reuse the same doubling table, scaled by
	// PageSize/smallestAllocSize, to classify free-page-run lengths rather
	// than object sizes.
	maxNPages = ArenaSize / PageSize
	pageFreeSize2ClassIdx = make([]uint8, maxNPages)
	classIdx := 0
	for nPages := 1; nPages <= maxNPages; nPages++ {
		if pageClassIdx2Size(classIdx+1) <= nPages*PageSize {
			classIdx++
		}
		pageFreeSize2ClassIdx[nPages-1] = uint8(classIdx)
	}
	numPageClasses = int(pageFreeSize2ClassIdx[maxNPages-1]) + 1
}

func lcm(a, b int) int {
	return a / gcd(a, b) * b
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// allocSize2ClassIdx maps a small-allocation size (1 <= size <=
// maxSmallAllocSize) to its size class.
func allocSize2ClassIdx(size uintptr) int {
	return int(size2AllocClassIdx[divRoundUp(size, smallestAllocSize)-1])
}

func allocClassIdx2SizeOf(classIdx int) uintptr {
	return uintptr(allocClassIdx2Size[classIdx])
}

func allocClassIdx2NPagesOf(classIdx int) uintptr {
	return uintptr(allocClassIdx2NPages[classIdx])
}

func allocClassIdx2NSlotsOf(classIdx int) int {
	return int(allocClassIdx2NSlots[classIdx])
}

// pageClassIdx2Size returns the free-run size, in bytes, that page-class
// classIdx represents: the object-size doubling table scaled up by
// PageSize/smallestAllocSize.
func pageClassIdx2Size(classIdx int) int {
	if classIdx >= len(allocClassIdx2Size) {
		return 1 << 62 // unreachable in practice; keeps the init loop in range
	}
	return int(allocClassIdx2Size[classIdx]) * PageSize / smallestAllocSize
}

// pageFreeSize2ClassIdxOf maps a free-run length in pages to its class.
// Rounds down: every run in class c is at least pageClassIdx2Size(c) bytes.
func pageFreeSize2ClassIdxOf(nPages uintptr) int {
	return int(pageFreeSize2ClassIdx[nPages-1])
}

// pageAllocSize2ClassIdxOf maps a requested run length to the smallest class
// whose runs are all guaranteed to hold it. Rounds up, the counterpart of
// pageFreeSize2ClassIdxOf's rounding down: a request of nPages searched from
// this class onward never lands on a run shorter than nPages. ok is false
// when the request exceeds what any class can guarantee.
func pageAllocSize2ClassIdxOf(nPages uintptr) (int, bool) {
	if nPages == 0 || int(nPages) > len(size2AllocClassIdx) {
		return 0, false
	}
	return int(size2AllocClassIdx[nPages-1]), true
}
