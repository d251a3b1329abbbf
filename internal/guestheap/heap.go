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

// Package guestheap implements the per-guest segregated free-list heap and
// the malloc/free/calloc/realloc trampolines bound to it. The size-class
// table and first-fit-within-class search are adapted from the Go runtime's
// own small-object allocator (see runtime/msize.go, runtime/mcentral.go in
// any stock Go distribution): a geometric class table whose spacing grows
// from 12.5% to 25% of the class size above 2 KiB, one free list per
// class, flattened here to a single flat
// arena per guest since there is no page/span machinery, no GC, and exactly
// one "span" — the guest's whole heap sub-range.
package guestheap

import (
	"sync"
	"unsafe"

	"github.com/maxnasonov/fixedproc/internal/errkind"
)

// Align is the allocator's fixed alignment.
const Align = 16

// maxSmall bounds the size-class table: no class exceeds it. Requests larger
// than the biggest class are served first-fit from the large-object list,
// like the Go runtime's "large object" path.
const maxSmall = 32768

// sizeClasses is the geometric size-class table. Computed once at package
// init, the way runtime.initSizes() fills class_to_size.
var sizeClasses = buildSizeClasses()

func buildSizeClasses() []uintptr {
	var classes []uintptr
	size := uintptr(Align)
	for size <= maxSmall {
		classes = append(classes, size)
		// Class spacing grows with size: 16 bytes below 256, 1/8 of the
		// size below 2048 (about 12.5% waste), 1/4 of the size above.
		switch {
		case size < 256:
			size += Align
		case size < 2048:
			size += size / 8
		default:
			size += size / 4
		}
		size = roundUp(size, Align)
	}
	return classes
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// classFor returns the size class index serving a request of the given
// size, or -1 if size exceeds the largest class (the large-object path).
func classFor(size uintptr) int {
	for i, c := range sizeClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

// blockHeader is the boundary tag stored at the start of every block, free
// or allocated. size always includes the header; the low bit of size
// doubles as the free flag so a single word serves coalescing both ways,
// the classic K&R/TLSF boundary-tag trick.
type blockHeader struct {
	size uintptr // block size including header, low bit = free flag
}

// headerSize is the header's footprint, rounded up to Align so that every
// payload stays Align-aligned.
const headerSize = (unsafe.Sizeof(blockHeader{}) + Align - 1) &^ (Align - 1)

func (h *blockHeader) free() bool { return h.size&1 != 0 }

func (h *blockHeader) blockSize() uintptr { return h.size &^ 1 }
func (h *blockHeader) setFree(size uintptr, isFree bool) {
	h.size = size
	if isFree {
		h.size |= 1
	}
}

// footer mirrors size at the end of every block, so the block preceding a
// freed block can be located without walking the free lists.
type footer struct {
	size uintptr
}

// freeLinks overlays the payload of a free block with intrusive list
// pointers (byte offsets from the heap's base, noOffset meaning "none";
// offset 0 is a valid block offset).
type freeLinks struct {
	nextOff uintptr
	prevOff uintptr
}

const noOffset = ^uintptr(0)

// Heap is a segregated free-list allocator over a single, fixed byte range:
// the guest's heap sub-range, placed by the region allocator before the
// guest thread starts. A Heap is owned by exactly one guest thread for its
// entire lifetime and is never accessed concurrently; the mutex serializes
// any accidental cross-thread use so it cannot corrupt the free lists.
type Heap struct {
	mu   sync.Mutex
	mem  []byte
	base uintptr

	// freeHeads[class] is the byte offset (from base) of the first free
	// block in that class's list, or noOffset if empty. freeHeads[len(sizeClasses)]
	// is the large-object list.
	freeHeads []uintptr
}

// New seeds a Heap with a single free block spanning mem. mem must be the
// guest's heap sub-range, already mapped read-write.
func New(mem []byte) *Heap {
	h := &Heap{
		mem:       mem,
		base:      uintptr(unsafe.Pointer(&mem[0])),
		freeHeads: make([]uintptr, len(sizeClasses)+1),
	}
	for i := range h.freeHeads {
		h.freeHeads[i] = noOffset
	}
	h.insertFreeBlock(0, uintptr(len(mem)))
	return h
}

func (h *Heap) headerAt(off uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(&h.mem[off]))
}

func (h *Heap) footerAt(off, size uintptr) *footer {
	return (*footer)(unsafe.Pointer(&h.mem[off+size-unsafe.Sizeof(footer{})]))
}

func (h *Heap) linksAt(off uintptr) *freeLinks {
	return (*freeLinks)(unsafe.Pointer(&h.mem[off+headerSize]))
}

// classForFreeSize maps a whole free-block size to its free-list index,
// using the same class table as allocation requests (a free block of class
// size c[i] is always big enough to serve requests up to c[i]).
func (h *Heap) classForFreeSize(size uintptr) int {
	idx := classFor(size)
	if idx < 0 {
		return len(sizeClasses)
	}
	return idx
}

// insertFreeBlock writes boundary tags marking [off, off+size) free and
// links it into the appropriate segregated free list.
func (h *Heap) insertFreeBlock(off, size uintptr) {
	hdr := h.headerAt(off)
	hdr.setFree(size, true)
	*h.footerAt(off, size) = footer{size: size}

	class := h.classForFreeSize(size)
	links := h.linksAt(off)
	links.prevOff = noOffset
	links.nextOff = h.freeHeads[class]
	if h.freeHeads[class] != noOffset {
		h.linksAt(h.freeHeads[class]).prevOff = off
	}
	h.freeHeads[class] = off
}

func (h *Heap) removeFreeBlock(off, size uintptr) {
	class := h.classForFreeSize(size)
	links := h.linksAt(off)
	if links.prevOff != noOffset {
		h.linksAt(links.prevOff).nextOff = links.nextOff
	} else {
		h.freeHeads[class] = links.nextOff
	}
	if links.nextOff != noOffset {
		h.linksAt(links.nextOff).prevOff = links.prevOff
	}
}

// findFit does a first-fit search starting at the class matching need,
// falling through to larger classes, then the large-object list.
func (h *Heap) findFit(need uintptr) (uintptr, bool) {
	start := classFor(need)
	if start < 0 {
		start = len(sizeClasses)
	}
	for class := start; class < len(h.freeHeads); class++ {
		for off := h.freeHeads[class]; off != noOffset; off = h.linksAt(off).nextOff {
			if h.headerAt(off).blockSize() >= need {
				return off, true
			}
		}
	}
	return 0, false
}

// splitOrUse removes the found free block and, if it's comfortably larger
// than needed, splits off the remainder as a new free block.
func (h *Heap) splitOrUse(off, need uintptr) uintptr {
	full := h.headerAt(off).blockSize()
	h.removeFreeBlock(off, full)

	const minSplit = headerSize + unsafe.Sizeof(footer{}) + unsafe.Sizeof(freeLinks{})
	if full-need >= minSplit {
		h.headerAt(off).setFree(need, false)
		*h.footerAt(off, need) = footer{size: need}
		remainderOff := off + need
		h.insertFreeBlock(remainderOff, full-need)
	} else {
		h.headerAt(off).setFree(full, false)
		*h.footerAt(off, full) = footer{size: full}
	}
	return off
}

// Allocate reserves at least size bytes aligned to Align, returning the
// payload pointer, or an error if no free block fits (the caller — the
// malloc trampoline — turns this into a null return).
func (h *Heap) Allocate(size uintptr) (unsafe.Pointer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	payload := roundUp(size, Align)
	need := roundUp(headerSize+payload+unsafe.Sizeof(footer{}), Align)

	off, ok := h.findFit(need)
	if !ok {
		return nil, errkind.New(errkind.MmapFailed, "guestheap: out of memory")
	}
	blockOff := h.splitOrUse(off, need)
	return unsafe.Pointer(&h.mem[blockOff+headerSize]), nil
}

// payloadOffset converts a payload pointer back to its block's byte offset.
func (h *Heap) payloadOffset(ptr unsafe.Pointer) uintptr {
	return uintptr(ptr) - h.base - headerSize
}

// Deallocate returns the block at ptr to the free lists, coalescing with
// either physical neighbor that is itself free.
func (h *Heap) Deallocate(ptr unsafe.Pointer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deallocateLocked(ptr)
}

func (h *Heap) deallocateLocked(ptr unsafe.Pointer) {
	off := h.payloadOffset(ptr)
	size := h.headerAt(off).blockSize()

	// Coalesce with the following block if it is free.
	if end := off + size; end+headerSize <= uintptr(len(h.mem)) {
		next := h.headerAt(end)
		if next.free() {
			h.removeFreeBlock(end, next.blockSize())
			size += next.blockSize()
		}
	}
	// Coalesce with the preceding block if it is free, using its footer.
	if off >= unsafe.Sizeof(footer{}) {
		prevFooter := (*footer)(unsafe.Pointer(&h.mem[off-unsafe.Sizeof(footer{})]))
		prevOff := off - prevFooter.size
		if prevOff < off {
			prevHdr := h.headerAt(prevOff)
			if prevHdr.blockSize() == prevFooter.size && prevHdr.free() {
				h.removeFreeBlock(prevOff, prevHdr.blockSize())
				off = prevOff
				size += prevHdr.blockSize()
			}
		}
	}
	h.insertFreeBlock(off, size)
}

// Reallocate grows or shrinks the block at ptr to at least size bytes.
// It moves only when the current block cannot be extended in place. On a
// successful move Reallocate frees the old block itself; a failed move
// leaves the old block untouched and still owned by ptr.
func (h *Heap) Reallocate(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	off := h.payloadOffset(ptr)
	oldBlockSize := h.headerAt(off).blockSize()
	oldPayload := oldBlockSize - headerSize - unsafe.Sizeof(footer{})

	payload := roundUp(size, Align)
	need := roundUp(headerSize+payload+unsafe.Sizeof(footer{}), Align)

	if need <= oldBlockSize {
		// Shrinking or no-op in place; split off the remainder if worthwhile.
		h.headerAt(off).setFree(oldBlockSize, false)
		if oldBlockSize-need >= headerSize+unsafe.Sizeof(footer{})+unsafe.Sizeof(freeLinks{}) {
			h.headerAt(off).setFree(need, false)
			*h.footerAt(off, need) = footer{size: need}
			h.insertFreeBlock(off+need, oldBlockSize-need)
		}
		return ptr, nil
	}

	// Try to extend into a following free block before giving up and moving.
	if end := off + oldBlockSize; end+headerSize <= uintptr(len(h.mem)) {
		next := h.headerAt(end)
		if next.free() && oldBlockSize+next.blockSize() >= need {
			combined := oldBlockSize + next.blockSize()
			h.removeFreeBlock(end, next.blockSize())
			if combined-need >= headerSize+unsafe.Sizeof(footer{})+unsafe.Sizeof(freeLinks{}) {
				h.headerAt(off).setFree(need, false)
				*h.footerAt(off, need) = footer{size: need}
				h.insertFreeBlock(off+need, combined-need)
			} else {
				h.headerAt(off).setFree(combined, false)
				*h.footerAt(off, combined) = footer{size: combined}
			}
			return ptr, nil
		}
	}

	newPtr, err := h.allocateLocked(payload)
	if err != nil {
		return nil, err
	}
	copyN := oldPayload
	if payload < copyN {
		copyN = payload
	}
	dst := unsafe.Slice((*byte)(newPtr), copyN)
	src := unsafe.Slice((*byte)(ptr), copyN)
	copy(dst, src)
	h.deallocateLocked(ptr)
	return newPtr, nil
}

func (h *Heap) allocateLocked(size uintptr) (unsafe.Pointer, error) {
	payload := roundUp(size, Align)
	need := roundUp(headerSize+payload+unsafe.Sizeof(footer{}), Align)
	off, ok := h.findFit(need)
	if !ok {
		return nil, errkind.New(errkind.MmapFailed, "guestheap: out of memory")
	}
	blockOff := h.splitOrUse(off, need)
	return unsafe.Pointer(&h.mem[blockOff+headerSize]), nil
}
