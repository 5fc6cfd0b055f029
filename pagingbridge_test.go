// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// Mode-switch tests mutate process-wide bridge state, so they build their
// regions, run the round trip, and tear everything down before returning;
// none of them may run in parallel.

func TestSwitchModeRoundTrip(t *testing.T) {
	require.False(t, IsFarMemoryMode(), "leftover far-memory mode from another test")

	c := NewCollectiveAllocator(16 * ArenaSize)
	defer c.Release()

	// One swappable arena's worth of registered pages.
	const size = 8 * PageSize
	p, err := c.Allocate(size, PageSize)
	require.NoError(t, err)
	fillPattern(p, size, 0x3c)

	regPages := registeredPages()
	require.Equal(t, uint64(ArenaSize/PageSize), regPages)

	r0, w0 := StoreReadCount(), StoreWriteCount()

	on, err := SwitchMode()
	require.NoError(t, err)
	require.True(t, on)
	require.True(t, IsFarMemoryMode())
	// Activation paged every registered page out exactly once.
	require.Equal(t, regPages, StoreWriteCount()-w0)

	// The region stays readable while swapped out: accesses fault pages
	// back in from the store (or hit the resident fallback).
	checkPattern(t, p, size, 0x3c)

	off, err := SwitchMode()
	require.NoError(t, err)
	require.False(t, off)
	require.False(t, IsFarMemoryMode())

	// Across the whole round trip every page came back exactly once,
	// whether at fault time or at restore time.
	require.Equal(t, regPages, StoreReadCount()-r0)
	require.Equal(t, regPages, StoreWriteCount()-w0)

	checkPattern(t, p, size, 0x3c)
	c.Deallocate(p, size)
}

func TestSwitchModeTwiceKeepsDataStable(t *testing.T) {
	require.False(t, IsFarMemoryMode())

	c := NewCollectiveAllocator(16 * ArenaSize)
	defer c.Release()

	const count = 512
	ptrs := make([]uintptr, count)
	for i := range ptrs {
		p, err := c.Allocate(16, 8)
		require.NoError(t, err)
		*(*uint64)(unsafe.Pointer(p)) = uint64(i) * 0x9e3779b9
		*(*uint64)(unsafe.Pointer(p + 8)) = uint64(i)
		ptrs[i] = p
	}

	for round := 0; round < 2; round++ {
		_, err := SwitchMode()
		require.NoError(t, err)
		for i, p := range ptrs {
			require.Equal(t, uint64(i)*0x9e3779b9, *(*uint64)(unsafe.Pointer(p)), "round %d", round)
			require.Equal(t, uint64(i), *(*uint64)(unsafe.Pointer(p + 8)), "round %d", round)
		}
	}
	require.False(t, IsFarMemoryMode())

	for _, p := range ptrs {
		c.Deallocate(p, 16)
	}
}

func TestRegisterDuringFarMode(t *testing.T) {
	require.False(t, IsFarMemoryMode())

	c := NewCollectiveAllocator(16 * ArenaSize)
	defer c.Release()

	// Prime one swappable arena, then activate.
	p, err := c.Allocate(64, 8)
	require.NoError(t, err)
	_, err = SwitchMode()
	require.NoError(t, err)

	// A region registered while the facility is active is paged out on
	// the spot.
	w0 := StoreWriteCount()
	size := uintptr(maxMediumAllocSize(numPageClasses)) + PageSize
	large, err := c.Allocate(size, PageSize)
	require.NoError(t, err)
	require.Equal(t, uint64(size/PageSize), StoreWriteCount()-w0)

	_, err = SwitchMode()
	require.NoError(t, err)
	require.False(t, IsFarMemoryMode())

	// Back in local mode the region is ordinary memory again.
	fillPattern(large, PageSize, 0x77)
	checkPattern(t, large, PageSize, 0x77)

	c.Deallocate(large, size)
	c.Deallocate(p, 64)
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	unregisterRegion(0xdead0000)
}

// registeredPages sums the sizes of every region currently known to the
// bridge, in pages.
func registeredPages() uint64 {
	bridgeMu.Lock()
	defer bridgeMu.Unlock()
	var pages uint64
	for _, r := range bridgeMapping {
		pages += uint64(r.nPages())
	}
	return pages
}
