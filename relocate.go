// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import "unsafe"

// MoveFunc relocates one object image of size bytes from src to dst. It
// is the runtime counterpart of a move-construct-then-destroy functor; a
// non-nil error aborts the relocation and triggers rollback.
type MoveFunc func(dst, src, size uintptr) error

// moveBytes is the default relocation functor: a flat byte copy, which is
// move-construct + destroy for any self-contained object image.
func moveBytes(dst, src, size uintptr) error {
	d := unsafe.Slice((*byte)(unsafe.Pointer(dst)), int(size))
	s := unsafe.Slice((*byte)(unsafe.Pointer(src)), int(size))
	copy(d, s)
	return nil
}

// Relocate moves the objects referenced by ptrRefs into sub with the
// default byte-copy functor. See RelocateWith.
func Relocate(alloc *CollectiveAllocator, sub Suballocator, ptrRefs []*uintptr, reqs []Request) error {
	return RelocateWith(alloc, sub, moveBytes, ptrRefs, reqs)
}

// RelocateWith implements the relocation protocol: batch allocate
// replacements in sub, move each non-null object across with fn,
// swap the caller's pointer references to the new locations, and free the
// old allocations through alloc's pointer dispatch. If any move fails, the
// objects already moved are moved back, every replacement allocation is
// freed, and the original pointers are restored before the error returns;
// old allocations are freed only once every move has succeeded.
func RelocateWith(alloc *CollectiveAllocator, sub Suballocator, fn MoveFunc, ptrRefs []*uintptr, reqs []Request) error {
	if len(ptrRefs) != len(reqs) {
		panic("farmalloc: relocate: ptrRefs and reqs length mismatch")
	}

	newPtrs, err := BatchAllocate(sub, reqs)
	if err != nil {
		return err
	}

	oldPtrs := make([]uintptr, len(reqs))
	for i, req := range reqs {
		if req.Null {
			continue
		}
		oldPtrs[i] = *ptrRefs[i]
		if err := fn(newPtrs[i], oldPtrs[i], req.Size); err != nil {
			for j := i - 1; j >= 0; j-- {
				if reqs[j].Null {
					continue
				}
				if rbErr := fn(oldPtrs[j], newPtrs[j], reqs[j].Size); rbErr != nil {
					panic(newSystemError("relocate rollback", rbErr))
				}
				*ptrRefs[j] = oldPtrs[j]
			}
			for j := range reqs {
				if !reqs[j].Null {
					sub.Deallocate(newPtrs[j], reqs[j].Size, 1)
				}
			}
			return err
		}
		*ptrRefs[i] = newPtrs[i]
	}

	for i, req := range reqs {
		if !req.Null {
			alloc.Deallocate(oldPtrs[i], req.Size)
		}
	}
	return nil
}
