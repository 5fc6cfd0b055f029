// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package farmalloc

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// userfaultfd ioctl numbers for amd64, from linux/userfaultfd.h.
const (
	// UFFDIO_API: _IOWR(0xAA, 0x3F, struct uffdio_api) where sizeof = 24.
	_UFFDIO_API = 0xc018aa3f
	// UFFDIO_REGISTER: _IOWR(0xAA, 0x00, struct uffdio_register) where sizeof = 32.
	_UFFDIO_REGISTER = 0xc020aa00
	// UFFDIO_UNREGISTER: _IOR(0xAA, 0x01, struct uffdio_range) where sizeof = 16.
	_UFFDIO_UNREGISTER = 0x8010aa01
	// UFFDIO_COPY: _IOWR(0xAA, 0x03, struct uffdio_copy) where sizeof = 40.
	_UFFDIO_COPY = 0xc028aa03

	_UFFD_API                     = 0xaa
	_UFFDIO_REGISTER_MODE_MISSING = 1

	_UFFD_EVENT_PAGEFAULT = 0x12

	// uffdMsgSize is the size of struct uffd_msg (32 bytes on amd64).
	uffdMsgSize = 32
)

// uffdioAPI matches struct uffdio_api (24 bytes).
type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

// uffdioRange matches struct uffdio_range (16 bytes).
type uffdioRange struct {
	start uint64
	len   uint64
}

// uffdioRegister matches struct uffdio_register (32 bytes).
type uffdioRegister struct {
	rng    uffdioRange
	mode   uint64
	ioctls uint64
}

// uffdioCopy matches struct uffdio_copy (40 bytes).
type uffdioCopy struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

var (
	_ [24]byte = [unsafe.Sizeof(uffdioAPI{})]byte{}
	_ [16]byte = [unsafe.Sizeof(uffdioRange{})]byte{}
	_ [32]byte = [unsafe.Sizeof(uffdioRegister{})]byte{}
	_ [40]byte = [unsafe.Sizeof(uffdioCopy{})]byte{}
)

// uffdFacility is the in-process userspace paging facility: one userfaultfd
// shared by every installed region, and a handler goroutine that serves
// missing-page faults by copying the page in from the region's store.
type uffdFacility struct {
	mu      sync.Mutex
	fd      int
	regions map[uintptr]*pagedRegion
	scratch []byte
}

var theFacility = uffdFacility{fd: -1}

// uffdSupported reports whether userfaultfd is usable on this system.
// Common failure: vm.unprivileged_userfaultfd=0 and no CAP_SYS_PTRACE; the
// bridge then falls back to keeping installed regions resident.
var uffdSupported = sync.OnceValue(func() bool {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC|unix.O_NONBLOCK, 0, 0)
	if errno != 0 {
		return false
	}
	unix.Close(int(fd))
	return true
})

// ensure creates the shared userfaultfd, performs the UFFDIO_API handshake,
// and starts the fault-handler goroutine. Called with f.mu held.
func (f *uffdFacility) ensure() error {
	if f.fd >= 0 {
		return nil
	}
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, unix.O_CLOEXEC, 0, 0)
	if errno != 0 {
		return wrapMmapErr("userfaultfd", errno)
	}
	api := uffdioAPI{api: _UFFD_API}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, _UFFDIO_API, uintptr(unsafe.Pointer(&api))); errno != 0 {
		unix.Close(int(fd))
		return newSystemError("UFFDIO_API", errno)
	}
	f.fd = int(fd)
	f.regions = make(map[uintptr]*pagedRegion)
	f.scratch = make([]byte, PageSize)
	go f.serveFaults()
	return nil
}

// uffdInstall registers the region's range for missing-page faults, then
// discards its physical pages; the order matters, since registration can
// fail and discarding is the destructive step. The caller has already
// written the region's bytes to its store.
func uffdInstall(r *pagedRegion) error {
	f := &theFacility
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.ensure(); err != nil {
		return err
	}
	reg := uffdioRegister{
		rng:  uffdioRange{start: uint64(r.base), len: uint64(r.size)},
		mode: _UFFDIO_REGISTER_MODE_MISSING,
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.fd), _UFFDIO_REGISTER, uintptr(unsafe.Pointer(&reg))); errno != 0 {
		return wrapMmapErr("UFFDIO_REGISTER", errno)
	}
	if err := unix.Madvise(r.bytes(), unix.MADV_DONTNEED); err != nil {
		panic(newSystemError("madvise", err))
	}
	f.regions[r.base] = r
	return nil
}

// uffdUninstall detaches the region from the facility; faults on it are no
// longer intercepted. Failure here means the registration state is corrupt,
// which is a programming fault.
func uffdUninstall(r *pagedRegion) {
	f := &theFacility
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.regions, r.base)
	rng := uffdioRange{start: uint64(r.base), len: uint64(r.size)}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.fd), _UFFDIO_UNREGISTER, uintptr(unsafe.Pointer(&rng))); errno != 0 {
		panic(newSystemError("UFFDIO_UNREGISTER", errno))
	}
}

// serveFaults is the facility's handler loop: it blocks reading uffd_msg
// records and resolves each missing-page fault with a UFFDIO_COPY of the
// page from the owning region's store. It runs for the process lifetime
// once the first region is installed; with no regions registered the read
// simply never returns a fault.
func (f *uffdFacility) serveFaults() {
	buf := make([]byte, uffdMsgSize*16)
	for {
		nr, err := unix.Read(f.fd, buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			return
		}
		for i := 0; i+uffdMsgSize <= nr; i += uffdMsgSize {
			msg := buf[i : i+uffdMsgSize]
			if msg[0] != _UFFD_EVENT_PAGEFAULT {
				continue
			}
			faultAddr := *(*uint64)(unsafe.Pointer(&msg[16]))
			f.handleFault(uintptr(faultAddr) &^ (PageSize - 1))
		}
	}
}

// handleFault copies one page in from its region's store and maps it at
// pageAddr. Duplicate faults on an already-resident page (racing threads of
// the faulting process) are benign: UFFDIO_COPY reports EEXIST and the
// page is left as is.
func (f *uffdFacility) handleFault(pageAddr uintptr) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var r *pagedRegion
	for _, cand := range f.regions {
		if pageAddr >= cand.base && pageAddr < cand.base+cand.size {
			r = cand
			break
		}
	}
	if r == nil {
		return
	}

	off := pageAddr - r.base
	idx := off / PageSize
	if bitmapTest(r.resident, int(idx)) {
		return
	}
	r.store.readFromStore(f.scratch, int64(off))

	cp := uffdioCopy{
		dst: uint64(pageAddr),
		src: uint64(uintptr(unsafe.Pointer(&f.scratch[0]))),
		len: PageSize,
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(f.fd), _UFFDIO_COPY, uintptr(unsafe.Pointer(&cp)))
	if errno != 0 && errno != unix.EEXIST {
		defaultLog.Warnf("UFFDIO_COPY at %#x: %v", pageAddr, errno)
		return
	}
	bitmapFlip(r.resident, int(idx))
}
