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

// Package lifecycle implements the guest lifecycle driver: the per-guest
// orchestrator that assigns a window, places the bounds/stack/heap
// sub-ranges, drives the ELF loader, spawns the guest's dedicated host
// thread on its own preallocated stack, and joins it. State is tracked with
// an atomic int32, the same idiom gVisor uses for
// MemoryManager.users/active.
package lifecycle

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/mohae/deepcopy"
	"github.com/sirupsen/logrus"

	"github.com/maxnasonov/fixedproc/internal/elfload"
	"github.com/maxnasonov/fixedproc/internal/errkind"
	"github.com/maxnasonov/fixedproc/internal/guestheap"
	"github.com/maxnasonov/fixedproc/internal/hostarch"
	"github.com/maxnasonov/fixedproc/internal/mmapadapter"
	"github.com/maxnasonov/fixedproc/internal/region"
)

// State is a guest's position in Unborn -> Reserved -> Loaded -> Running ->
// Exited -> Reclaimed.
type State int32

const (
	Unborn State = iota
	Reserved
	Loaded
	Running
	Exited
	Reclaimed
)

func (s State) String() string {
	switch s {
	case Unborn:
		return "unborn"
	case Reserved:
		return "reserved"
	case Loaded:
		return "loaded"
	case Running:
		return "running"
	case Exited:
		return "exited"
	case Reclaimed:
		return "reclaimed"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// Config describes one guest to spawn. Callers build one template and pass
// it to Spawn per guest; Spawn deep-copies it first so concurrent spawns
// sharing a template never observe each other's mutations.
type Config struct {
	ELFPath    string
	EntryName  string
	Window     hostarch.AddrRange
	StackSize  uintptr
	HeapSize   uintptr
	GuestIndex int
}

func cloneConfig(c Config) Config {
	return deepcopy.Copy(c).(Config)
}

// Guest tracks one spawned guest process: its state, window, and the
// resources join() must release.
type Guest struct {
	cfg   Config
	state atomic.Int32

	allocator *region.Allocator
	stackAddr hostarch.Addr
	heapAddr  hostarch.Addr

	tid      int
	waitFunc func()
	joined   atomic.Bool
}

func (g *Guest) State() State { return State(g.state.Load()) }

func (g *Guest) setState(s State) { g.state.Store(int32(s)) }

const boundsRecordSize = 4096

// Spawn runs the ten-step sequence: parse, enter the active region, place
// bounds/stack/heap, drive the loader, resolve the entry point, spawn the
// guest thread on its own stack, record the handle, and leave the active
// region. Each step must succeed before the next runs; a failure in
// Reserved or Loaded unwinds whatever RA placements happened so far.
func Spawn(cfgTemplate Config) (*Guest, error) {
	cfg := cloneConfig(cfgTemplate)
	log := logrus.WithFields(logrus.Fields{
		"guest": cfg.GuestIndex,
		"path":  cfg.ELFPath,
		"base":  fmt.Sprintf("0x%x", uintptr(cfg.Window.Start)),
		"limit": fmt.Sprintf("0x%x", uintptr(cfg.Window.End)),
	})

	g := &Guest{cfg: cfg}
	g.setState(Unborn)

	// Step 1: parse the ELF image. No mapping yet.
	img, err := elfload.Open(cfg.ELFPath)
	if err != nil {
		log.WithError(err).Error("elf parse failed")
		return nil, err
	}
	defer img.Close()

	// Step 2: enter the active region context for this window.
	a := region.New()
	if err := a.Reserve(cfg.Window); err != nil {
		return nil, err
	}
	g.allocator = a

	runtime.LockOSThread()
	leave := mmapadapter.EnterActiveRegion(a)
	defer func() {
		leave()
		runtime.UnlockOSThread()
	}()

	bias, err := g.reserveAndLoad(img, a)
	if err != nil {
		g.unwind()
		log.WithError(err).Error("guest load failed")
		return nil, err
	}
	g.setState(Loaded)

	entrySym, ok := resolveEntry(img, g.cfg.EntryName)
	if !ok {
		g.unwind()
		err := errkind.New(errkind.SymbolNotFound, fmt.Sprintf("entry symbol %q not found", g.cfg.EntryName))
		log.WithError(err).Error("guest entry missing")
		return nil, err
	}
	entryAddr := hostarch.Addr(uintptr(entrySym) + uintptr(bias))

	if err := g.spawnThread(entryAddr); err != nil {
		g.unwind()
		log.WithError(err).Error("thread creation failed")
		return nil, err
	}
	g.setState(Running)
	log.Info("guest running")

	return g, nil
}

func (g *Guest) reserveAndLoad(img *elfload.Image, a *region.Allocator) (hostarch.Addr, error) {
	m := mmapadapter.Mapper{}

	// Step 3: bounds record, one page at exactly base, write-once then
	// remapped read-only.
	boundsAddr, err := a.PlaceNext(boundsRecordSize, hostarch.ReadWrite)
	if err != nil {
		return 0, err
	}
	writeBoundsRecord(boundsAddr, hostarch.Addr(a.Window().Start), hostarch.Addr(a.Window().End))
	if err := a.Protect(boundsAddr, boundsRecordSize, hostarch.Read); err != nil {
		return 0, err
	}

	// Step 4: stack, immediately after bounds.
	stackAddr, err := a.PlaceNext(g.cfg.StackSize, hostarch.ReadWrite)
	if err != nil {
		return 0, err
	}
	g.stackAddr = stackAddr

	// Step 5: heap, immediately after the stack.
	heapAddr, err := a.PlaceNext(g.cfg.HeapSize, hostarch.ReadWrite)
	if err != nil {
		return 0, err
	}
	g.heapAddr = heapAddr

	g.setState(Reserved)

	// Step 6: drive the loader. Everything it maps lands after the heap
	// block, following RA's bump discipline.
	resolve := makeResolver(hostarch.Addr(a.Window().Start))
	result, err := elfload.Load(img, m, a.Top(), resolve)
	if err != nil {
		return 0, err
	}
	return result.Bias, nil
}

// writeBoundsRecord installs the two-word {base, limit} datum at addr,
// still writable at this point; the caller remaps it read-only immediately
// after.
func writeBoundsRecord(addr hostarch.Addr, base, limit hostarch.Addr) {
	view := unsafeWordsAt(addr, 2)
	view[0] = uintptr(base)
	view[1] = uintptr(limit)
}

// resolveEntry looks up the guest's entry symbol address via
// elfload.Image.LookupSymbol, which searches .dynsym first and then the
// regular symbol table. The result is unbiased; the caller adds the load
// bias.
func resolveEntry(img *elfload.Image, name string) (hostarch.Addr, bool) {
	return img.LookupSymbol(name)
}

// makeResolver builds the host symbol resolver the loader consults during
// relocation: the allocator quartet and the two bounds symbols are
// intercepted, everything else falls through to the dynamic-symbol-lookup
// default.
func makeResolver(windowBase hostarch.Addr) elfload.Resolver {
	return func(name string) (uintptr, bool) {
		switch name {
		case "malloc":
			return mallocTrampolineAddr(), true
		case "free":
			return freeTrampolineAddr(), true
		case "calloc":
			return callocTrampolineAddr(), true
		case "realloc":
			return reallocTrampolineAddr(), true
		case "process_base":
			return uintptr(windowBase), true
		case "process_limit":
			return uintptr(windowBase) + guestheap.BoundsWordSize, true
		default:
			return dlsymDefault(name)
		}
	}
}

// spawnThread executes step 8: spawn a host thread whose stack is the
// guest's preallocated stack, install its heap and bounds thread-locals,
// and call the entry symbol. ThreadCreate failures get a bounded
// exponential backoff retry, since pthread_create can transiently fail
// with EAGAIN under thread-count pressure.
func (g *Guest) spawnThread(entry hostarch.Addr) error {
	heapMem := unsafeByteSlice(g.heapAddr, g.cfg.HeapSize)
	bounds := guestheap.Bounds{
		Base:  uintptr(g.allocator.Window().Start),
		Limit: uintptr(g.allocator.Window().End),
	}

	body := func() {
		runtime.LockOSThread()
		h := guestheap.New(heapMem)
		guestheap.BindThread(h, bounds)
		defer guestheap.UnbindThread()

		callEntry(entry)
	}

	var tid int
	var wait func()
	op := func() error {
		t, w, err := spawnWithStack(uintptr(g.stackAddr), g.cfg.StackSize, body)
		if err != nil {
			return errkind.Wrap(errkind.ThreadCreate, "pthread_create", err)
		}
		tid, wait = t, w
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Second
	if err := backoff.Retry(op, b); err != nil {
		return err
	}

	g.tid = tid
	g.waitFunc = wait
	return nil
}

// unwind releases whatever RA has placed so far, used when Spawn fails in
// the Reserved or Loaded states.
func (g *Guest) unwind() {
	if g.allocator == nil {
		return
	}
	win := g.allocator.Window()
	_ = g.allocator.Free(win.Start, win.Len())
	g.setState(Unborn)
}

// Join blocks until the guest thread exits, then unmaps its stack and heap
// regions. Double-join is forbidden.
func (g *Guest) Join() error {
	if !g.joined.CompareAndSwap(false, true) {
		return errkind.New(errkind.Io, "lifecycle: guest already joined")
	}
	if g.waitFunc != nil {
		g.waitFunc()
	}
	g.setState(Exited)

	if err := g.allocator.Free(g.stackAddr, g.cfg.StackSize); err != nil {
		return err
	}
	if err := g.allocator.Free(g.heapAddr, g.cfg.HeapSize); err != nil {
		return err
	}
	g.setState(Reclaimed)
	return nil
}
