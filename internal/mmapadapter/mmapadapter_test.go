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

package mmapadapter

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/maxnasonov/fixedproc/internal/errkind"
	"github.com/maxnasonov/fixedproc/internal/hostarch"
	"github.com/maxnasonov/fixedproc/internal/region"
)

func reserveWindow(t *testing.T, size uintptr) hostarch.AddrRange {
	t.Helper()
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	base := hostarch.Addr(uintptr(unsafe.Pointer(&b[0])))
	require.NoError(t, unix.Munmap(b))
	return hostarch.AddrRange{Start: base, End: hostarch.Addr(uintptr(base) + size)}
}

func TestNoActiveContextFails(t *testing.T) {
	var m Mapper
	err := m.MmapAnonymous(1, hostarch.PageSize(), hostarch.ReadWrite)
	require.Error(t, err)
}

func TestMmapAnonymousWithinWindow(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	win := reserveWindow(t, 4*hostarch.PageSize())
	a := region.New()
	require.NoError(t, a.Reserve(win))
	leave := EnterActiveRegion(a)
	defer leave()

	var m Mapper
	require.NoError(t, m.MmapAnonymous(win.Start, hostarch.PageSize(), hostarch.ReadWrite))
	require.NoError(t, m.Munmap(win.Start, hostarch.PageSize()))
}

func TestMmapAnonymousOutOfWindow(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	win := reserveWindow(t, hostarch.PageSize())
	a := region.New()
	require.NoError(t, a.Reserve(win))
	leave := EnterActiveRegion(a)
	defer leave()

	var m Mapper
	outside := hostarch.Addr(uintptr(win.End) + hostarch.PageSize())
	err := m.MmapAnonymous(outside, hostarch.PageSize(), hostarch.ReadWrite)
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.OutOfRegion))
}

func TestMmapNoAddrNoFDSignalsNeedCopy(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	win := reserveWindow(t, 2*hostarch.PageSize())
	a := region.New()
	require.NoError(t, a.Reserve(win))
	leave := EnterActiveRegion(a)
	defer leave()

	var m Mapper
	addr, needCopy, err := m.Mmap(MmapArgs{Len: hostarch.PageSize(), Prot: hostarch.ReadWrite})
	require.NoError(t, err)
	require.True(t, needCopy)
	require.Equal(t, win.Start, addr)
}

func TestMmapConsumesPriorReserveWithoutReReserving(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	win := reserveWindow(t, 2*hostarch.PageSize())
	a := region.New()
	require.NoError(t, a.Reserve(win))
	leave := EnterActiveRegion(a)
	defer leave()

	var m Mapper
	reserved, err := m.MmapReserve(hostarch.PageSize(), false)
	require.NoError(t, err)
	require.Equal(t, win.Start, reserved)
	topAfterReserve := a.Top()

	addr, needCopy, err := m.Mmap(MmapArgs{Len: hostarch.PageSize(), Prot: hostarch.ReadWrite})
	require.NoError(t, err)
	require.True(t, needCopy)
	require.Equal(t, reserved, addr)
	// The matching Mmap call must consume the existing reservation rather
	// than bump-allocating a second, overlapping one.
	require.Equal(t, topAfterReserve, a.Top())
}
