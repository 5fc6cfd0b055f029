// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func fillPattern(p uintptr, size uintptr, seed byte) {
	mem := unsafe.Slice((*byte)(unsafe.Pointer(p)), int(size))
	for i := range mem {
		mem[i] = seed + byte(i)
	}
}

func checkPattern(t *testing.T, p uintptr, size uintptr, seed byte) {
	t.Helper()
	mem := unsafe.Slice((*byte)(unsafe.Pointer(p)), int(size))
	for i := range mem {
		require.Equal(t, seed+byte(i), mem[i], "byte %d", i)
	}
}

func TestBatchAllocate(t *testing.T) {
	c := NewCollectiveAllocator(16 * ArenaSize)
	defer c.Release()

	sub, err := c.GetSuballocator(SwappablePlain)
	require.NoError(t, err)

	reqs := []Request{
		{Size: 64, Align: 8},
		{Null: true},
		{Size: 4096, Align: 8},
	}
	ptrs, err := BatchAllocate(sub, reqs)
	require.NoError(t, err)
	require.Len(t, ptrs, 3)
	require.NotZero(t, ptrs[0])
	require.Zero(t, ptrs[1], "null request must not allocate")
	require.NotZero(t, ptrs[2])

	sub.Deallocate(ptrs[0], 64, 1)
	sub.Deallocate(ptrs[2], 4096, 1)
}

func TestBatchAllocateRollsBackOnFailure(t *testing.T) {
	c := NewCollectiveAllocator(2 * ArenaSize)
	defer c.Release()

	sub, err := c.GetSuballocator(PurelyLocal)
	require.NoError(t, err)

	// Three arena-sized large allocations cannot fit a two-arena capacity:
	// the batch fails and must return the first two.
	reqs := []Request{
		{Size: ArenaSize, Align: PageSize},
		{Size: ArenaSize, Align: PageSize},
		{Size: ArenaSize, Align: PageSize},
	}
	_, err = BatchAllocate(sub, reqs)
	require.ErrorIs(t, err, ErrOutOfMemory)

	// Capacity fully restored: two single allocations succeed again.
	p1, err := sub.Allocate(ArenaSize, PageSize, 1)
	require.NoError(t, err)
	p2, err := sub.Allocate(ArenaSize, PageSize, 1)
	require.NoError(t, err)
	sub.Deallocate(p1, ArenaSize, 1)
	sub.Deallocate(p2, ArenaSize, 1)
}

func TestRelocate(t *testing.T) {
	c := NewCollectiveAllocator(16 * ArenaSize)
	defer c.Release()

	sizes := []uintptr{48, 128, 512}
	ptrs := make([]uintptr, len(sizes))
	refs := make([]*uintptr, len(sizes))
	reqs := make([]Request, len(sizes))
	for i, size := range sizes {
		p, err := c.Allocate(size, 8)
		require.NoError(t, err)
		fillPattern(p, size, byte(0x10*i))
		ptrs[i] = p
		refs[i] = &ptrs[i]
		reqs[i] = Request{Size: size, Align: 8}
	}
	orig := append([]uintptr(nil), ptrs...)

	sub, err := c.GetSuballocator(PurelyLocal)
	require.NoError(t, err)
	require.NoError(t, Relocate(c, sub, refs, reqs))

	for i, size := range sizes {
		require.NotEqual(t, orig[i], ptrs[i], "pointer %d not swapped", i)
		require.True(t, sub.Contains(ptrs[i]), "pointer %d outside target suballocator", i)
		checkPattern(t, ptrs[i], size, byte(0x10*i))
		c.Deallocate(ptrs[i], size)
	}
}

func TestRelocateNullRequestsAreSkipped(t *testing.T) {
	c := NewCollectiveAllocator(16 * ArenaSize)
	defer c.Release()

	p, err := c.Allocate(64, 8)
	require.NoError(t, err)
	fillPattern(p, 64, 0x5a)
	untouched := uintptr(0xfeedface000)

	refs := []*uintptr{&untouched, &p}
	reqs := []Request{{Null: true}, {Size: 64, Align: 8}}

	sub, err := c.GetSuballocator(PurelyLocal)
	require.NoError(t, err)
	require.NoError(t, Relocate(c, sub, refs, reqs))

	require.Equal(t, uintptr(0xfeedface000), untouched)
	require.True(t, sub.Contains(p))
	checkPattern(t, p, 64, 0x5a)
	c.Deallocate(p, 64)
}

func TestRelocateRollsBackOnMoveFailure(t *testing.T) {
	c := NewCollectiveAllocator(16 * ArenaSize)
	defer c.Release()

	var ptrs [2]uintptr
	for i := range ptrs {
		p, err := c.Allocate(64, 8)
		require.NoError(t, err)
		fillPattern(p, 64, byte(0x20*(i+1)))
		ptrs[i] = p
	}
	orig := ptrs

	sub, err := c.GetSuballocator(PurelyLocal)
	require.NoError(t, err)

	boom := errors.New("move failed")
	calls := 0
	fn := func(dst, src, size uintptr) error {
		calls++
		if calls == 2 {
			return boom
		}
		return moveBytes(dst, src, size)
	}

	refs := []*uintptr{&ptrs[0], &ptrs[1]}
	reqs := []Request{{Size: 64, Align: 8}, {Size: 64, Align: 8}}
	err = RelocateWith(c, sub, fn, refs, reqs)
	require.ErrorIs(t, err, boom)

	// Original pointers restored and images intact; the aborted batch left
	// nothing allocated in the target.
	require.Equal(t, orig, ptrs)
	checkPattern(t, ptrs[0], 64, 0x20)
	checkPattern(t, ptrs[1], 64, 0x40)

	for i := range ptrs {
		c.Deallocate(ptrs[i], 64)
	}
}

func TestTypedAllocate(t *testing.T) {
	c := NewCollectiveAllocator(16 * ArenaSize)
	defer c.Release()

	type pair struct{ k, v uint64 }
	p, err := Allocate[pair](c, 1)
	require.NoError(t, err)
	p.k, p.v = 7, 11
	require.Equal(t, uint64(7), p.k)
	require.Equal(t, uint64(11), p.v)
	Free(c, p, 1)
}
