// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func sameBlock(a, b uintptr) bool {
	return a&^(hintBlockSize-1) == b&^(hintBlockSize-1)
}

func TestHintColocation(t *testing.T) {
	h := NewHintAllocator()
	defer h.Close()

	first, err := h.Allocate(64, 8, 1)
	require.NoError(t, err)

	hinted, err := h.AllocateHinted(64, 8, 1, first)
	require.NoError(t, err)
	require.True(t, sameBlock(first, hinted), "hinted allocation left the hint's block")

	h.Deallocate(first, 64, 1)
	h.Deallocate(hinted, 64, 1)
}

func TestHintFallsBackWhenBlockFull(t *testing.T) {
	h := NewHintAllocator()
	defer h.Close()

	first, err := h.Allocate(h.MaxSize(), 8, 1)
	require.NoError(t, err)

	// The hinted block has no room left; allocation must succeed anyway,
	// just elsewhere.
	p, err := h.AllocateHinted(256, 8, 1, first)
	require.NoError(t, err)
	require.False(t, sameBlock(first, p))

	h.Deallocate(p, 256, 1)
	h.Deallocate(first, h.MaxSize(), 1)
}

func TestHintForeignPointerFallsBack(t *testing.T) {
	h := NewHintAllocator()
	defer h.Close()

	p, err := h.AllocateHinted(64, 8, 1, uintptr(0xdeadbeef000))
	require.NoError(t, err)
	h.Deallocate(p, 64, 1)
}

func TestHintNonFullBlockReuse(t *testing.T) {
	h := NewHintAllocator()
	defer h.Close()

	// Fill the first block almost completely, forcing the second
	// allocation into a fresh block; the first block lands on the
	// non-full list.
	big, err := h.Allocate(h.MaxSize()-256, 8, 1)
	require.NoError(t, err)
	next, err := h.Allocate(h.MaxSize(), 8, 1)
	require.NoError(t, err)
	require.False(t, sameBlock(big, next))

	// A request that only the first block can serve revisits it.
	small, err := h.Allocate(128, 8, 1)
	require.NoError(t, err)
	require.True(t, sameBlock(big, small))

	h.Deallocate(small, 128, 1)
	h.Deallocate(next, h.MaxSize(), 1)
	h.Deallocate(big, h.MaxSize()-256, 1)
}

func TestHintCurrentArenaRetained(t *testing.T) {
	h := NewHintAllocator()
	defer h.Close()

	p, err := h.Allocate(64, 8, 1)
	require.NoError(t, err)
	base := arenaBase(p)
	require.Contains(t, h.arenas, base)

	// The freed block is the current one: the allocator keeps it (and its
	// arena) warm for the next allocation instead of unmapping.
	h.Deallocate(p, 64, 1)
	require.Contains(t, h.arenas, base)

	q, err := h.Allocate(64, 8, 1)
	require.NoError(t, err)
	require.Equal(t, base, arenaBase(q))
	h.Deallocate(q, 64, 1)
}

func TestHintRejectsOversized(t *testing.T) {
	h := NewHintAllocator()
	defer h.Close()

	_, err := h.Allocate(h.MaxSize()+1, 8, 1)
	require.ErrorIs(t, err, ErrOutOfMemory)
	_, err = h.Allocate(64, 2*hintDataAlignment, 1)
	require.ErrorIs(t, err, ErrOutOfMemory)
}
