// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKRAllocateDeallocateRoundTrip(t *testing.T) {
	block := make([]byte, PageSize)
	st := krInitState(block)
	require.Zero(t, st.usage)

	addr, ok := st.allocate(block, 100, 1)
	require.True(t, ok)
	require.Equal(t, roundUp(100, krHeaderSize), st.usage)
	require.Less(t, addr, uintptr(len(block)))

	st.deallocate(block, addr, 100)
	require.Zero(t, st.usage)

	// The freed bytes coalesced back into one maximal region: the whole
	// block must be allocatable in a single request again.
	full, ok := st.allocate(block, uintptr(len(block)), 1)
	require.True(t, ok)
	require.Zero(t, full)
	require.True(t, st.empty)

	_, ok = st.allocate(block, krHeaderSize, 1)
	require.False(t, ok, "an exhausted block must refuse further allocations")

	st.deallocate(block, full, uintptr(len(block)))
	require.False(t, st.empty)
	require.Zero(t, st.usage)
}

func TestKRAlignment(t *testing.T) {
	block := make([]byte, PageSize)
	st := krInitState(block)

	for _, align := range []uintptr{1, 8, 16, 64, 256} {
		addr, ok := st.allocate(block, 48, align)
		require.True(t, ok, "align %d", align)
		require.Zero(t, addr%align, "align %d", align)
	}
}

func TestKRCoalescing(t *testing.T) {
	block := make([]byte, PageSize)
	st := krInitState(block)

	var addrs []uintptr
	for i := 0; i < 16; i++ {
		addr, ok := st.allocate(block, 128, 1)
		require.True(t, ok)
		addrs = append(addrs, addr)
	}

	// Free in an order that exercises merge-with-next, merge-with-prev,
	// and both at once, then verify the block is whole again.
	for _, i := range []int{0, 2, 1, 15, 13, 14, 4, 8, 6, 5, 7, 3, 10, 12, 9, 11} {
		st.deallocate(block, addrs[i], 128)
	}
	require.Zero(t, st.usage)

	_, ok := st.allocate(block, uintptr(len(block)), 1)
	require.True(t, ok)
}

func TestKRFragmentedFit(t *testing.T) {
	block := make([]byte, PageSize)
	st := krInitState(block)

	a, ok := st.allocate(block, 1024, 1)
	require.True(t, ok)
	b, ok := st.allocate(block, 1024, 1)
	require.True(t, ok)
	c, ok := st.allocate(block, 1024, 1)
	require.True(t, ok)

	st.deallocate(block, b, 1024)

	// The only 1024-byte hole is b's; a request that size must land there.
	again, ok := st.allocate(block, 1024, 1)
	require.True(t, ok)
	require.Equal(t, b, again)

	st.deallocate(block, a, 1024)
	st.deallocate(block, again, 1024)
	st.deallocate(block, c, 1024)
	require.Zero(t, st.usage)
}
