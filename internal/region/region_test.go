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

package region

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/maxnasonov/fixedproc/internal/errkind"
	"github.com/maxnasonov/fixedproc/internal/hostarch"
)

// reserveTestWindow carves out a real, currently-unused virtual address
// range of the given size by mmapping it PROT_NONE and then unmapping it,
// mirroring the way the guest lifecycle driver picks a window: the OS
// guarantees nothing else will race into that specific range before our
// next syscall in a single-threaded test.
func reserveTestWindow(t *testing.T, size uintptr) hostarch.AddrRange {
	t.Helper()
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	base := hostarch.Addr(uintptr(unsafeAddrOf(b)))
	require.NoError(t, unix.Munmap(b))
	return hostarch.AddrRange{Start: base, End: hostarch.Addr(uintptr(base) + size)}
}

func TestPlaceNextMonotonic(t *testing.T) {
	win := reserveTestWindow(t, 4*hostarch.PageSize())
	a := New()
	require.NoError(t, a.Reserve(win))

	addr1, err := a.PlaceNext(hostarch.PageSize(), hostarch.ReadWrite)
	require.NoError(t, err)
	require.Equal(t, win.Start, addr1)

	addr2, err := a.PlaceNext(hostarch.PageSize(), hostarch.ReadWrite)
	require.NoError(t, err)
	require.Equal(t, hostarch.Addr(uintptr(addr1)+hostarch.PageSize()), addr2)
	require.Equal(t, addr2, a.Top()-hostarch.Addr(hostarch.PageSize()))

	require.NoError(t, a.Free(addr1, hostarch.PageSize()))
	require.NoError(t, a.Free(addr2, hostarch.PageSize()))
}

func TestPlaceNextOutOfRegion(t *testing.T) {
	win := reserveTestWindow(t, hostarch.PageSize())
	a := New()
	require.NoError(t, a.Reserve(win))

	top := a.Top()
	_, err := a.PlaceNext(2*hostarch.PageSize(), hostarch.ReadWrite)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.OutOfRegion))
	// top must not change on a failed placement.
	require.Equal(t, top, a.Top())
}

func TestPlaceAtRequiresCurrentTop(t *testing.T) {
	win := reserveTestWindow(t, 2*hostarch.PageSize())
	a := New()
	require.NoError(t, a.Reserve(win))

	// Skipping ahead is rejected.
	err := a.PlaceAt(hostarch.Addr(uintptr(win.Start)+hostarch.PageSize()), hostarch.PageSize(), hostarch.ReadWrite)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.OutOfRegion))

	// Placing at the current top succeeds and advances top.
	require.NoError(t, a.PlaceAt(win.Start, hostarch.PageSize(), hostarch.ReadWrite))
	require.Equal(t, hostarch.Addr(uintptr(win.Start)+hostarch.PageSize()), a.Top())
}

func TestReserveRangeProtection(t *testing.T) {
	win := reserveTestWindow(t, 2*hostarch.PageSize())
	a := New()
	require.NoError(t, a.Reserve(win))

	// use_file=true maps PROT_NONE, ready to be replaced by a file-backed mapping.
	addr, err := a.ReserveRange(hostarch.PageSize(), true)
	require.NoError(t, err)
	require.Equal(t, win.Start, addr)
}

func TestReserveCalledTwicePanics(t *testing.T) {
	win := reserveTestWindow(t, hostarch.PageSize())
	a := New()
	require.NoError(t, a.Reserve(win))
	require.Panics(t, func() { _ = a.Reserve(win) })
}

func TestUnreservedAllocatorPanics(t *testing.T) {
	a := New()
	require.Panics(t, func() { _, _ = a.PlaceNext(hostarch.PageSize(), hostarch.ReadWrite) })
}

func TestAbuttingWindowsAreIndependent(t *testing.T) {
	win1 := reserveTestWindow(t, 2*hostarch.PageSize())
	win2 := hostarch.AddrRange{Start: win1.End, End: hostarch.Addr(uintptr(win1.End) + 2*hostarch.PageSize())}
	// Actually reserve win2's address space for real, abutting win1 exactly.
	err := rawMmap(win2.Start, win2.Len(), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE, -1, 0)
	if err != nil {
		t.Skipf("could not reserve abutting window for test: %v", err)
	}
	require.NoError(t, unix.Munmap(unsafeByteView(win2.Start, win2.Len())))

	a1, a2 := New(), New()
	require.NoError(t, a1.Reserve(win1))
	require.NoError(t, a2.Reserve(win2))

	addr1, err := a1.PlaceNext(hostarch.PageSize(), hostarch.ReadWrite)
	require.NoError(t, err)
	addr2, err := a2.PlaceNext(hostarch.PageSize(), hostarch.ReadWrite)
	require.NoError(t, err)
	require.NotEqual(t, addr1, addr2)
	require.Equal(t, win1.End, win2.Start)

	require.NoError(t, a1.Free(addr1, hostarch.PageSize()))
	require.NoError(t, a2.Free(addr2, hostarch.PageSize()))
}
