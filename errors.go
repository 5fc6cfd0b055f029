// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import (
	"errors"
	"fmt"
)

// ErrOutOfMemory is returned by any allocation path that cannot satisfy a
// request. Any partial state is rolled back before it is returned.
var ErrOutOfMemory = errors.New("farmalloc: out of memory")

// SystemError wraps an OS-level failure that is not plain resource
// exhaustion: a mismatched mmap/munmap, or any other unexpected errno from
// the aligned region allocator or the paging bridge. GetSuballocator also
// returns one for a kind outside the SuballocatorKind enum.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("farmalloc: %s: %v", e.Op, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

func newSystemError(op string, err error) error {
	return &SystemError{Op: op, Err: err}
}

// errAlignmentTooLarge is wrapped together with ErrOutOfMemory when a large
// allocation requests more alignment than the allocator honors (nothing
// beyond one arena).
var errAlignmentTooLarge = errors.New("requested alignment exceeds one arena")

// errUnknownSuballocatorKind backs a SystemError when GetSuballocator is
// called with a value outside the SuballocatorKind enum.
var errUnknownSuballocatorKind = errors.New("unknown suballocator kind")
