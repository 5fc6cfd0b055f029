// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package farmalloc

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// pageStore is the backing store for one registered region: the userspace
// paging facility reads/writes these bytes on page fault/eviction. In a
// real deployment this would be remote or secondary storage; here it is a
// plain byte slice, matching the contract of a store whose backing data is
// local DRAM.
type pageStore struct {
	backingData []byte
}

func newPageStore(size uintptr) *pageStore {
	return &pageStore{backingData: make([]byte, size)}
}

// readFromStore and writeToStore implement the facility's store contract:
// transfer len(buf) bytes at the given offset, returning the count actually
// transferred. The global counters track paging traffic at page granularity
// because the bridge and the fault handler always call these one page at a
// time.
func (s *pageStore) readFromStore(buf []byte, off int64) int {
	bridgeReadCount.Add(1)
	return copy(buf, s.backingData[off:])
}

func (s *pageStore) writeToStore(buf []byte, off int64) int {
	bridgeWriteCount.Add(1)
	return copy(s.backingData[off:], buf)
}

// pagedRegion is one registered region: its extent, its store, and — while
// installed with the paging facility — a bitmap of pages faulted back into
// residence since installation.
type pagedRegion struct {
	base, size uintptr
	store      *pageStore

	installed bool
	resident  []uint64
}

func (r *pagedRegion) nPages() uintptr { return r.size / PageSize }

func (r *pagedRegion) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.base)), int(r.size))
}

var (
	bridgeMu      sync.Mutex
	bridgeMapping = make(map[uintptr]*pagedRegion)

	// farMemoryMode records whether the paging facility is currently
	// installed. Guarded by bridgeMu; registered regions are swapped out
	// while it is set.
	farMemoryMode bool

	bridgeReadCount  atomic.Uint64
	bridgeWriteCount atomic.Uint64
)

// registerRegion records that the region at base, of the given size, is
// backed by store. If far-memory mode is already active the region is paged
// out and installed with the facility immediately.
func registerRegion(base, size uintptr, store *pageStore) error {
	bridgeMu.Lock()
	defer bridgeMu.Unlock()
	r := &pagedRegion{base: base, size: size, store: store}
	bridgeMapping[base] = r
	if farMemoryMode {
		if err := installRegion(r); err != nil {
			delete(bridgeMapping, base)
			return err
		}
	}
	defaultLog.Debugf("registered region base=%#x size=%d", base, size)
	return nil
}

// unregisterRegion removes base's registration, tearing down the facility
// binding if one is active. The region's bytes are not restored: callers
// unregister only when the memory is about to be returned to the OS. It is
// a no-op if base was never registered.
func unregisterRegion(base uintptr) {
	bridgeMu.Lock()
	defer bridgeMu.Unlock()
	r, ok := bridgeMapping[base]
	if !ok {
		return
	}
	if r.installed {
		uninstallRegion(r, false)
	}
	delete(bridgeMapping, base)
	defaultLog.Debugf("unregistered region base=%#x", base)
}

// installRegion pages the region out: every page is written to the backing
// store, physical pages are discarded, and the region is handed to the
// paging facility so later accesses fault pages back in from the store.
// When no facility is available on this system, the write-out still happens
// but the pages stay resident — a degenerate facility whose local cache
// holds everything.
func installRegion(r *pagedRegion) error {
	mem := r.bytes()
	for off := uintptr(0); off < r.size; off += PageSize {
		r.store.writeToStore(mem[off:off+PageSize], int64(off))
	}
	r.resident = make([]uint64, (r.nPages()+63)/64)
	if uffdSupported() {
		if err := uffdInstall(r); err != nil {
			return err
		}
	}
	r.installed = true
	return nil
}

// uninstallRegion detaches the region from the facility. With restore set,
// every page that is not already resident is read back from the store, so
// the region's bytes are complete again before local mode resumes.
func uninstallRegion(r *pagedRegion, restore bool) {
	if uffdSupported() {
		uffdUninstall(r)
	}
	if restore {
		mem := r.bytes()
		for idx := uintptr(0); idx < r.nPages(); idx++ {
			if bitmapTest(r.resident, int(idx)) {
				continue
			}
			off := idx * PageSize
			r.store.readFromStore(mem[off:off+PageSize], int64(off))
		}
	}
	r.resident = nil
	r.installed = false
}

// SwitchMode toggles far-memory mode and returns the new state. On
// activation every registered region is paged out and installed with the
// facility; on failure the regions already installed are restored and the
// mode flag is left unchanged. On deactivation every region is detached and
// its non-resident pages are read back from its store.
func SwitchMode() (bool, error) {
	bridgeMu.Lock()
	defer bridgeMu.Unlock()

	if !farMemoryMode {
		var installed []*pagedRegion
		for _, r := range bridgeMapping {
			if err := installRegion(r); err != nil {
				for _, u := range installed {
					uninstallRegion(u, true)
				}
				return false, err
			}
			installed = append(installed, r)
		}
		farMemoryMode = true
		defaultLog.Infof("far memory mode on: %d regions paged out", len(installed))
		return true, nil
	}

	for _, r := range bridgeMapping {
		if r.installed {
			uninstallRegion(r, true)
		}
	}
	farMemoryMode = false
	defaultLog.Infof("far memory mode off: %d regions restored", len(bridgeMapping))
	return false, nil
}

// IsFarMemoryMode reports whether the paging facility is currently
// installed.
func IsFarMemoryMode() bool {
	bridgeMu.Lock()
	defer bridgeMu.Unlock()
	return farMemoryMode
}

// StoreReadCount and StoreWriteCount report the cumulative number of pages
// transferred from and to backing stores, for observability; a
// SwitchMode round trip over an untouched region moves every page exactly
// once in each direction.
func StoreReadCount() uint64  { return bridgeReadCount.Load() }
func StoreWriteCount() uint64 { return bridgeWriteCount.Load() }
