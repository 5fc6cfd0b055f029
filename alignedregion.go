// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapAligned reserves a region of size bytes aligned to align bytes, by
// over-mapping and trimming the unused head and tail: ask the OS for more
// than needed, then give back whatever doesn't land on the required
// boundary. align must be a power of two and a multiple of PageSize. The
// returned region is PROT_READ|PROT_WRITE and ready to use.
//
// The raw MmapPtr/MunmapPtr forms are used throughout: partial unmaps of a
// larger mapping are exactly what the slice-based wrappers cannot express.
func mapAligned(size, align uintptr) (uintptr, error) {
	return mapAlignedOffset(size, align, 0)
}

// mapAlignedOffset reserves size bytes at an address congruent to offset
// modulo align, used to place arenas at the fixed subspace offsets 0,
// ArenaSize, and 2*ArenaSize within each SubspaceInterval window.
func mapAlignedOffset(size, align, offset uintptr) (uintptr, error) {
	if size == 0 {
		return 0, nil
	}
	size = roundUp(size, PageSize)

	raw, err := unix.MmapPtr(-1, 0, nil, size+align,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, wrapMmapErr("mmap", err)
	}
	base := uintptr(raw)
	aligned := base + ((offset - base) & (align - 1))

	if head := aligned - base; head > 0 {
		if err := unix.MunmapPtr(raw, head); err != nil {
			return 0, newSystemError("munmap head", err)
		}
	}
	if tail := (base + size + align) - (aligned + size); tail > 0 {
		if err := unix.MunmapPtr(unsafe.Pointer(aligned+size), tail); err != nil {
			return 0, newSystemError("munmap tail", err)
		}
	}

	return aligned, nil
}

// unmapAligned releases a region previously returned by mapAligned. A
// failing munmap here indicates a caller bug (double free, wrong size) and
// is treated as unrecoverable.
func unmapAligned(base, size uintptr) {
	size = roundUp(size, PageSize)
	if err := unix.MunmapPtr(unsafe.Pointer(base), size); err != nil {
		panic(newSystemError("munmap", err))
	}
}

func wrapMmapErr(op string, err error) error {
	if err == unix.ENOMEM {
		return ErrOutOfMemory
	}
	return newSystemError(op, err)
}
