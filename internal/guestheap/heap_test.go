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

package guestheap

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T, size int) *Heap {
	t.Helper()
	mem := make([]byte, size)
	return New(mem)
}

func TestAllocateWithinCapacity(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	ptr, err := h.Allocate(128)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.Zero(t, uintptr(ptr)%Align)
}

func TestAllocateZeroesNothingButReturnsUsableRegion(t *testing.T) {
	h := newTestHeap(t, 1<<16)
	ptr, err := h.Allocate(64)
	require.NoError(t, err)
	dst := unsafe.Slice((*byte)(ptr), 64)
	for i := range dst {
		dst[i] = 0xAB
	}
	require.Equal(t, byte(0xAB), dst[63])
}

func TestDeallocateThenReallocateReusesSpace(t *testing.T) {
	h := newTestHeap(t, 1<<16)
	first, err := h.Allocate(256)
	require.NoError(t, err)
	h.Deallocate(first)

	second, err := h.Allocate(256)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestAllocateExhaustsCapacity(t *testing.T) {
	h := newTestHeap(t, 4096)
	var ptrs []unsafe.Pointer
	for {
		ptr, err := h.Allocate(256)
		if err != nil {
			break
		}
		ptrs = append(ptrs, ptr)
	}
	require.NotEmpty(t, ptrs)

	_, err := h.Allocate(256)
	require.Error(t, err)
}

func TestCoalescingReclaimsContiguousSpace(t *testing.T) {
	h := newTestHeap(t, 4096)
	a, err := h.Allocate(512)
	require.NoError(t, err)
	b, err := h.Allocate(512)
	require.NoError(t, err)
	// Fill the rest of the heap so that no free block other than the
	// coalesced a+b is large enough for the request below.
	for {
		if _, err := h.Allocate(512); err != nil {
			break
		}
	}

	h.Deallocate(a)
	h.Deallocate(b)

	// A single allocation spanning (roughly) both freed blocks combined
	// must succeed, proving the two adjacent free blocks coalesced.
	big, err := h.Allocate(900)
	require.NoError(t, err)
	require.NotNil(t, big)
}

func TestReallocateGrowInPlaceWhenFollowedByFreeSpace(t *testing.T) {
	h := newTestHeap(t, 1<<16)
	ptr, err := h.Allocate(64)
	require.NoError(t, err)
	dst := unsafe.Slice((*byte)(ptr), 64)
	for i := range dst {
		dst[i] = byte(i)
	}

	grown, err := h.Reallocate(ptr, 2048)
	require.NoError(t, err)
	require.Equal(t, ptr, grown)

	grownView := unsafe.Slice((*byte)(grown), 64)
	for i := 0; i < 64; i++ {
		require.Equal(t, byte(i), grownView[i])
	}
}

func TestReallocateShrinkSplitsBlock(t *testing.T) {
	h := newTestHeap(t, 1<<16)
	ptr, err := h.Allocate(2048)
	require.NoError(t, err)

	shrunk, err := h.Reallocate(ptr, 64)
	require.NoError(t, err)
	require.Equal(t, ptr, shrunk)

	// The remainder split off by shrinking must be independently allocatable.
	other, err := h.Allocate(512)
	require.NoError(t, err)
	require.NotNil(t, other)
}

func TestBindThreadRoundTrip(t *testing.T) {
	h := newTestHeap(t, 4096)
	BindThread(h, Bounds{Base: 0x1000, Limit: 0x2000})
	defer UnbindThread()

	b, ok := ThreadBounds()
	require.True(t, ok)
	require.Equal(t, uintptr(0x1000), b.Base)
	require.Equal(t, uintptr(0x2000), b.Limit)

	ptr := fixedproc_malloc(128)
	require.NotNil(t, ptr)
	fixedproc_free(ptr)
}
