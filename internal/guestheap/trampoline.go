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

/*
#include <stddef.h>
*/
import "C"

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// heapByTID maps the OS thread id of a running guest to the Heap it owns.
// Exactly one entry exists per live guest thread, installed by the guest
// lifecycle driver immediately before transferring control and removed on
// exit, mirroring internal/mmapadapter's active-region dispatch.
var heapByTID sync.Map // map[int]*Heap

// boundsByTID maps a guest thread id to its Bounds record, installed by the
// guest lifecycle driver before entry per the bounds thread-local step of
// the spawn sequence.
var boundsByTID sync.Map // map[int]Bounds

// Bounds is the read-only two-word datum the loaded guest image sees as
// process_base/process_limit.
type Bounds struct {
	Base  uintptr
	Limit uintptr
}

// BindThread installs h and b as the active heap and bounds for the calling
// OS thread. Must be called on the guest thread itself, before it reaches
// guest code, and undone with UnbindThread when the guest thread exits.
func BindThread(h *Heap, b Bounds) {
	tid := unix.Gettid()
	heapByTID.Store(tid, h)
	boundsByTID.Store(tid, b)
}

// UnbindThread removes the calling thread's heap and bounds association.
func UnbindThread() {
	tid := unix.Gettid()
	heapByTID.Delete(tid)
	boundsByTID.Delete(tid)
}

func threadHeap() *Heap {
	v, ok := heapByTID.Load(unix.Gettid())
	if !ok {
		return nil
	}
	return v.(*Heap)
}

// ThreadBounds returns the Bounds record bound to the calling OS thread and
// whether one is bound at all.
func ThreadBounds() (Bounds, bool) {
	v, ok := boundsByTID.Load(unix.Gettid())
	if !ok {
		return Bounds{}, false
	}
	return v.(Bounds), true
}

//export fixedproc_malloc
func fixedproc_malloc(size C.size_t) unsafe.Pointer {
	if size == 0 {
		return nil
	}
	h := threadHeap()
	if h == nil {
		return nil
	}
	ptr, err := h.Allocate(uintptr(size))
	if err != nil {
		return nil
	}
	return ptr
}

//export fixedproc_free
func fixedproc_free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	h := threadHeap()
	if h == nil {
		return
	}
	h.Deallocate(ptr)
}

//export fixedproc_calloc
func fixedproc_calloc(nmemb, size C.size_t) unsafe.Pointer {
	total := uintptr(nmemb) * uintptr(size)
	if nmemb != 0 && total/uintptr(nmemb) != uintptr(size) {
		// Overflow in nmemb*size; glibc's calloc rejects this the same way.
		return nil
	}
	if total == 0 {
		return nil
	}
	h := threadHeap()
	if h == nil {
		return nil
	}
	ptr, err := h.Allocate(total)
	if err != nil {
		return nil
	}
	dst := unsafe.Slice((*byte)(ptr), total)
	for i := range dst {
		dst[i] = 0
	}
	return ptr
}

//export fixedproc_realloc
func fixedproc_realloc(ptr unsafe.Pointer, size C.size_t) unsafe.Pointer {
	h := threadHeap()
	if h == nil {
		return nil
	}
	if ptr == nil {
		if size == 0 {
			return nil
		}
		newPtr, err := h.Allocate(uintptr(size))
		if err != nil {
			return nil
		}
		return newPtr
	}
	if size == 0 {
		h.Deallocate(ptr)
		return nil
	}
	newPtr, err := h.Reallocate(ptr, uintptr(size))
	if err != nil {
		return nil
	}
	return newPtr
}

// BoundsWordSize is the width of each word in the guest bounds record.
// process_base and process_limit resolve to the addresses of the two
// words of that record directly (internal/lifecycle.makeResolver), not
// through a trampoline: the guest reads them as plain data, and a data
// symbol's resolved address must be the address of the word itself, not
// the address of a function that returns its value.
const BoundsWordSize = unsafe.Sizeof(uintptr(0))
