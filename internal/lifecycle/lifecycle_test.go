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

package lifecycle

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/maxnasonov/fixedproc/internal/hostarch"
	"github.com/maxnasonov/fixedproc/internal/region"
)

func unsafeAddrOf(b []byte) uintptr {
	return uintptr(unsafe.Pointer(&b[0]))
}

func TestStateStringsCoverEveryTransition(t *testing.T) {
	for s := Unborn; s <= Reclaimed; s++ {
		require.NotContains(t, s.String(), "state(")
	}
}

func TestCloneConfigIsIndependent(t *testing.T) {
	template := Config{ELFPath: "/guests/a.so", EntryName: "entry", StackSize: 4096}
	a := cloneConfig(template)
	a.ELFPath = "/guests/mutated.so"

	require.Equal(t, "/guests/a.so", template.ELFPath)
	require.Equal(t, "/guests/mutated.so", a.ELFPath)
}

func reserveWindow(t *testing.T, size uintptr) hostarch.AddrRange {
	t.Helper()
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	base := hostarch.Addr(unsafeAddrOf(b))
	require.NoError(t, unix.Munmap(b))
	return hostarch.AddrRange{Start: base, End: hostarch.Addr(uintptr(base) + size)}
}

func TestJoinTwiceFailsTheSecondTime(t *testing.T) {
	win := reserveWindow(t, 4*hostarch.PageSize())
	a := region.New()
	require.NoError(t, a.Reserve(win))

	stackAddr, err := a.PlaceNext(hostarch.PageSize(), hostarch.ReadWrite)
	require.NoError(t, err)
	heapAddr, err := a.PlaceNext(hostarch.PageSize(), hostarch.ReadWrite)
	require.NoError(t, err)

	g := &Guest{
		cfg:       Config{StackSize: hostarch.PageSize(), HeapSize: hostarch.PageSize()},
		allocator: a,
		stackAddr: stackAddr,
		heapAddr:  heapAddr,
		waitFunc:  func() {},
	}

	require.NoError(t, g.Join())
	require.Equal(t, Reclaimed, g.State())

	err = g.Join()
	require.Error(t, err)
}

func TestUnwindIsSafeBeforeAllocatorAssigned(t *testing.T) {
	g := &Guest{}
	require.NotPanics(t, func() { g.unwind() })
}
