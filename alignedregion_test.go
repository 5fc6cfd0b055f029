// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestMapAlignedOffset(t *testing.T) {
	for _, offset := range []uintptr{PurelyLocalOffset, SwappablePlainOffset, PerPageOffset} {
		base, err := mapAlignedOffset(ArenaSize, SubspaceInterval, offset)
		require.NoError(t, err)
		require.Equal(t, offset, base%SubspaceInterval)

		// The whole region must be writable: trimming must not have taken
		// pages out of the middle.
		mem := unsafe.Slice((*byte)(unsafe.Pointer(base)), ArenaSize)
		mem[0] = 0xab
		mem[ArenaSize-1] = 0xcd
		require.Equal(t, byte(0xab), mem[0])
		require.Equal(t, byte(0xcd), mem[ArenaSize-1])

		unmapAligned(base, ArenaSize)
	}
}

func TestMapAlignedPlain(t *testing.T) {
	base, err := mapAligned(4*PageSize, ArenaSize)
	require.NoError(t, err)
	require.Zero(t, base%ArenaSize)
	unmapAligned(base, 4*PageSize)
}
