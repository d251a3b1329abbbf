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

// Package mmapadapter implements the capability interface the ELF loader
// (internal/elfload) drives during mapping and relocation: mmap,
// mmap_anonymous, munmap, mprotect, mmap_reserve. It has no notion of
// windows itself — every call is routed, via an ambient "active region"
// context, into whichever *region.Allocator the guest lifecycle driver most
// recently activated on the calling OS thread. This mirrors the dynamic
// dispatch gVisor's memmap.Mappable/memmap.File pair gets from callers that
// likewise know nothing about which address space they're targeting.
package mmapadapter

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/maxnasonov/fixedproc/internal/errkind"
	"github.com/maxnasonov/fixedproc/internal/hostarch"
	"github.com/maxnasonov/fixedproc/internal/region"
)

// activeByTID maps an OS thread id (unix.Gettid) to the region.Allocator
// that thread is currently loading into. Only the spawning thread (never
// the guest thread) ever has an entry here, and only while a load is in
// progress.
var activeByTID sync.Map // map[int]*region.Allocator

// pendingReserveByTID records the sub-range a prior MmapReserve(useFile:
// false) call set aside for the calling thread, still unconsumed by a
// matching Mmap(addr: None, fd: None) call. At most one reservation is
// pending per thread: the loader always reserves then immediately fills,
// never interleaves two scratch reservations.
var pendingReserveByTID sync.Map // map[int]hostarch.AddrRange

// EnterActiveRegion marks the calling OS thread as loading into a. Callers
// must have called runtime.LockOSThread first, since activation is
// meaningless if the goroutine can migrate to a different OS thread
// mid-load. Returns a function that must be deferred to leave the region.
func EnterActiveRegion(a *region.Allocator) (leave func()) {
	tid := unix.Gettid()
	activeByTID.Store(tid, a)
	return func() { activeByTID.Delete(tid) }
}

// active returns the region.Allocator active on the calling OS thread, or
// an error if the thread has no active-region context — "a thread that
// enters the MA with no active context fails the call."
func active() (*region.Allocator, error) {
	v, ok := activeByTID.Load(unix.Gettid())
	if !ok {
		return nil, errkind.New(errkind.OutOfRegion, "mmapadapter: no active region context on calling thread")
	}
	return v.(*region.Allocator), nil
}

// MmapArgs carries the full mmap() argument set the external ELF loader
// issues; addr and fd are both optional.
type MmapArgs struct {
	Addr   *hostarch.Addr
	Len    uintptr
	Prot   hostarch.AccessType
	Flags  int
	Offset int64
	FD     *int
}

// Mapper is the capability interface consumed by internal/elfload. It holds
// no state of its own; all state lives in the active region.
type Mapper struct{}

// Mmap places a segment mapping for the loader. needCopy is
// set to true exactly when the loader must copy bytes into a pre-reserved
// region itself, because no fd was supplied to back the mapping.
func (Mapper) Mmap(args MmapArgs) (addr hostarch.Addr, needCopy bool, err error) {
	a, err := active()
	if err != nil {
		return 0, false, err
	}

	if args.Addr == nil {
		// Place-next at top.
		if args.FD != nil {
			placed, perr := a.PlaceNext(args.Len, args.Prot)
			if perr != nil {
				return 0, false, perr
			}
			if merr := a.MapFile(placed, args.Len, args.Prot, *args.FD, args.Offset); merr != nil {
				return 0, false, merr
			}
			return placed, false, nil
		}
		// No fd: a prior mmap_reserve should already cover this range, so
		// consume it instead of installing a second mapping over it.
		tid := unix.Gettid()
		if v, ok := pendingReserveByTID.Load(tid); ok {
			pending := v.(hostarch.AddrRange)
			if pending.Len() >= args.Len {
				pendingReserveByTID.Delete(tid)
				return pending.Start, true, nil
			}
		}
		// No matching reservation on record: fall back to reserving the
		// range now. The loader's reserve-then-fill protocol never takes
		// this branch; it exists only so a caller that skips mmap_reserve
		// still gets a writable, need_copy range instead of an error.
		placed, perr := a.ReserveRange(args.Len, false)
		if perr != nil {
			return 0, false, perr
		}
		return placed, true, nil
	}

	// Explicit address: MAP_FIXED is mandatory, and top is not advanced.
	target := *args.Addr
	win := a.Window()
	if !win.Contains(target) || uintptr(target)+args.Len > uintptr(win.End) {
		return 0, false, errkind.New(errkind.OutOfRegion, "mmap: explicit address out of window bounds")
	}
	if args.Flags&unix.MAP_FIXED == 0 {
		return 0, false, errkind.New(errkind.MmapFailed, "mmap: explicit address requires MAP_FIXED")
	}

	if args.FD != nil {
		if err := a.MapFile(target, args.Len, args.Prot, *args.FD, args.Offset); err != nil {
			return 0, false, err
		}
		return target, false, nil
	}
	// In-place reservation: the caller already owns the address range
	// (typically from a prior mmap_reserve), so just signal need_copy.
	return target, true, nil
}

// MmapAnonymous installs an anonymous writable mapping at a fixed addr,
// bounded to the active window.
func (Mapper) MmapAnonymous(addr hostarch.Addr, length uintptr, prot hostarch.AccessType) error {
	a, err := active()
	if err != nil {
		return err
	}
	win := a.Window()
	if !win.Contains(addr) || uintptr(addr)+length > uintptr(win.End) {
		return errkind.New(errkind.OutOfRegion, "mmap_anonymous: address out of window bounds")
	}
	return a.PlaceAt(addr, length, prot)
}

// Munmap releases the mapping at addr within the active window.
func (Mapper) Munmap(addr hostarch.Addr, length uintptr) error {
	a, err := active()
	if err != nil {
		return err
	}
	return a.Free(addr, length)
}

// Mprotect changes the protection of the mapping at addr within the
// active window.
func (Mapper) Mprotect(addr hostarch.Addr, length uintptr, prot hostarch.AccessType) error {
	a, err := active()
	if err != nil {
		return err
	}
	return a.Protect(addr, length, prot)
}

// MmapReserve pre-reserves a contiguous sub-range the loader will either replace
// with a file-backed mapping (useFile) or fill in directly (scratch). A
// scratch reservation is recorded as pending so the matching
// Mmap(addr: None, fd: None) call that fills it does not reserve a second,
// overlapping range.
func (Mapper) MmapReserve(length uintptr, useFile bool) (hostarch.Addr, error) {
	a, err := active()
	if err != nil {
		return 0, err
	}
	placed, err := a.ReserveRange(length, useFile)
	if err != nil {
		return 0, err
	}
	if !useFile {
		rng := hostarch.AddrRange{Start: placed, End: hostarch.Addr(uintptr(placed) + length)}
		pendingReserveByTID.Store(unix.Gettid(), rng)
	}
	return placed, nil
}
