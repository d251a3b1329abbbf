// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package region implements the per-guest region allocator: a bump/arena
// allocator over a reserved virtual window [base, limit), with an optional
// coalescing free-block index for mid-load frees. This is the leaf
// component every other package in this module calls back into; it is
// guarded the way gVisor's mm.MemoryManager guards pmas with activeMu —
// a single mutex per window, held for the duration of any placement.
package region

import (
	"sync"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"github.com/maxnasonov/fixedproc/internal/errkind"
	"github.com/maxnasonov/fixedproc/internal/hostarch"
)

// freeBlock is a coalescing-on-free candidate, ordered by its start address
// in the free index.
type freeBlock struct {
	start hostarch.Addr
	end   hostarch.Addr
}

// freeBlockLess is the btree.LessFunc ordering free blocks by start address.
func freeBlockLess(a, b freeBlock) bool {
	return a.start < b.start
}

// Allocator is the Region Allocator for a single guest window. The zero
// value is not ready for use; callers must call Reserve exactly once.
type Allocator struct {
	mu sync.Mutex

	window    hostarch.AddrRange
	top       hostarch.Addr
	reserved  bool
	freeIndex *btree.BTreeG[freeBlock]
}

// New returns an unreserved Allocator.
func New() *Allocator {
	return &Allocator{
		freeIndex: btree.NewG(32, freeBlockLess),
	}
}

// Reserve establishes the window this allocator bump-allocates over. It
// must be called exactly once per guest, before any placement.
func (a *Allocator) Reserve(window hostarch.AddrRange) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reserved {
		panic("region: Reserve called more than once on the same Allocator")
	}
	hostarch.MustBePageAligned(window.Start)
	hostarch.MustBePageAligned(window.End)
	if window.End < window.Start {
		panic("region: window end precedes window start")
	}

	a.window = window
	a.top = window.Start
	a.reserved = true
	return nil
}

// Window returns the allocator's reserved window.
func (a *Allocator) Window() hostarch.AddrRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.window
}

// Top returns the current bump pointer: the first never-allocated address.
func (a *Allocator) Top() hostarch.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.top
}

// checkReserved panics if Reserve has not yet been called; a caller driving
// the allocator before reservation is a programming error, not a runtime
// failure.
func (a *Allocator) checkReserved() {
	if !a.reserved {
		panic("region: allocator used before Reserve")
	}
}

// PlaceNext bump-allocates len bytes at the current top, advances top, and
// installs an anonymous fixed mapping with the given protection.
func (a *Allocator) PlaceNext(length uintptr, prot hostarch.AccessType) (hostarch.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkReserved()

	addr := a.top
	if uintptr(addr)+length > uintptr(a.window.End) {
		return 0, errkind.New(errkind.OutOfRegion, "place_next would exceed window limit")
	}

	if err := mmapFixedAnon(addr, length, prot); err != nil {
		return 0, errkind.Wrap(errkind.MmapFailed, "place_next mmap failed", err)
	}
	a.top = hostarch.Addr(uintptr(addr) + length)
	return addr, nil
}

// PlaceAt is identical to PlaceNext except the caller supplies the address,
// which must equal the current top: callers may not skip ahead, so the
// bounds record can be placed at exactly base.
func (a *Allocator) PlaceAt(addr hostarch.Addr, length uintptr, prot hostarch.AccessType) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkReserved()

	if addr != a.top {
		return errkind.New(errkind.OutOfRegion, "place_at address does not match current top")
	}
	if uintptr(addr)+length > uintptr(a.window.End) {
		return errkind.New(errkind.OutOfRegion, "place_at would exceed window limit")
	}

	if err := mmapFixedAnon(addr, length, prot); err != nil {
		return errkind.Wrap(errkind.MmapFailed, "place_at mmap failed", err)
	}
	a.top = hostarch.Addr(uintptr(addr) + length)
	return nil
}

// ReserveRange pre-allocates a window sub-range intended to be filled by a
// later file-backed mapping. If useFile is true the underlying mapping uses
// PROT_NONE (the loader will replace it with a fixed file-backed mmap);
// otherwise PROT_WRITE (writable scratch the loader copies bytes into
// itself).
func (a *Allocator) ReserveRange(length uintptr, useFile bool) (hostarch.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkReserved()

	addr := a.top
	if uintptr(addr)+length > uintptr(a.window.End) {
		return 0, errkind.New(errkind.OutOfRegion, "reserve_range would exceed window limit")
	}

	prot := hostarch.AccessType{Write: true}
	if useFile {
		prot = hostarch.NoAccess
	}
	if err := mmapFixedAnon(addr, length, prot); err != nil {
		return 0, errkind.Wrap(errkind.MmapFailed, "reserve_range mmap failed", err)
	}
	a.top = hostarch.Addr(uintptr(addr) + length)
	return addr, nil
}

// MapFile installs a fixed, file-backed mapping at addr, replacing whatever
// reservation (if any) already covers that range. It does not move top: the
// caller (the mmap adapter) is responsible for top bookkeeping, since a
// file-backed mapping at an explicit address does not always correspond to
// a fresh placement.
func (a *Allocator) MapFile(addr hostarch.Addr, length uintptr, prot hostarch.AccessType, fd int, offset int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkReserved()

	if !a.window.Contains(addr) || uintptr(addr)+length > uintptr(a.window.End) {
		return errkind.New(errkind.OutOfRegion, "file mapping out of window bounds")
	}
	if err := mmapFixedFile(addr, length, prot, fd, offset); err != nil {
		return errkind.Wrap(errkind.MmapFailed, "file-backed mmap failed", err)
	}
	return nil
}

// Protect changes protection on [addr, addr+length).
func (a *Allocator) Protect(addr hostarch.Addr, length uintptr, prot hostarch.AccessType) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkReserved()

	if !a.window.Contains(addr) || uintptr(addr)+length > uintptr(a.window.End) {
		return errkind.New(errkind.OutOfRegion, "protect range out of window bounds")
	}
	b := unsafeByteView(addr, length)
	if err := unix.Mprotect(b, prot.Prot()); err != nil {
		return errkind.Wrap(errkind.MmapFailed, "mprotect failed", err)
	}
	return nil
}

// Free unmaps [addr, addr+length) and records the block in the coalescing
// free index. No placement reads that index: PlaceNext, PlaceAt and
// ReserveRange always bump from top, so freed space is not reused. Free
// backs the mmap adapter's Munmap and the lifecycle driver's stack/heap
// release and unwind paths.
func (a *Allocator) Free(addr hostarch.Addr, length uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.checkReserved()

	if !a.window.Contains(addr) || uintptr(addr)+length > uintptr(a.window.End) {
		return errkind.New(errkind.OutOfRegion, "free range out of window bounds")
	}
	b := unsafeByteView(addr, length)
	if err := unix.Munmap(b); err != nil {
		return errkind.Wrap(errkind.MmapFailed, "munmap failed", err)
	}
	a.insertFreeBlockLocked(addr, hostarch.Addr(uintptr(addr)+length))
	return nil
}

// insertFreeBlockLocked inserts a freed range into the coalescing index,
// merging with any adjacent neighbor already present. a.mu must be held.
func (a *Allocator) insertFreeBlockLocked(start, end hostarch.Addr) {
	blk := freeBlock{start: start, end: end}

	// Merge with the block immediately preceding this one, if adjacent.
	a.freeIndex.DescendLessOrEqual(freeBlock{start: start}, func(item freeBlock) bool {
		if item.end == start {
			a.freeIndex.Delete(item)
			blk.start = item.start
		}
		return false
	})
	// Merge with the block immediately following this one, if adjacent.
	a.freeIndex.AscendGreaterOrEqual(freeBlock{start: blk.end}, func(item freeBlock) bool {
		if item.start == blk.end {
			a.freeIndex.Delete(item)
			blk.end = item.end
		}
		return false
	})

	a.freeIndex.ReplaceOrInsert(blk)
}
