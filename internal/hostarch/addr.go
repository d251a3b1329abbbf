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

// Package hostarch gives the loader a small set of address and
// address-range types, modeled on gVisor's pkg/hostarch, instead of passing
// bare uintptrs between the region allocator, the mmap adapter, and the
// guest lifecycle driver.
package hostarch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Addr represents a virtual address in a guest's window.
type Addr uintptr

// AddrRange is a half-open range [Start, End) of virtual addresses.
//
// +stateify savable
type AddrRange struct {
	Start Addr
	End   Addr
}

// Len returns the length of the range in bytes.
func (ar AddrRange) Len() uintptr {
	if ar.End < ar.Start {
		return 0
	}
	return uintptr(ar.End - ar.Start)
}

// Contains returns true if ar contains addr.
func (ar AddrRange) Contains(addr Addr) bool {
	return ar.Start <= addr && addr < ar.End
}

// IsSupersetOf returns true if ar is a superset of other.
func (ar AddrRange) IsSupersetOf(other AddrRange) bool {
	return ar.Start <= other.Start && other.End <= ar.End
}

// Overlaps returns true if ar and other share any address.
func (ar AddrRange) Overlaps(other AddrRange) bool {
	return ar.Start < other.End && other.Start < ar.End
}

// String implements fmt.Stringer.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", ar.Start, ar.End)
}

// pageSize is the host's page size, read once at init via unix.Getpagesize,
// matching the pattern used throughout the pack for caching system
// constants that never change for the lifetime of the process.
var pageSize = uintptr(unix.Getpagesize())

// PageSize returns the host page size in bytes.
func PageSize() uintptr {
	return pageSize
}

// IsPageAligned returns true if addr is a multiple of the host page size.
func (a Addr) IsPageAligned() bool {
	return uintptr(a)%pageSize == 0
}

// MustBePageAligned panics if addr is not page-aligned. Alignment
// violations from the loader contract are programming errors, not
// ordinary failures, so this is a trap rather than a returned error.
func MustBePageAligned(addr Addr) {
	if !addr.IsPageAligned() {
		panic(fmt.Sprintf("hostarch: address %#x is not page-aligned (page size %#x)", addr, pageSize))
	}
}

// PageRoundUp rounds length up to the next multiple of the host page size.
func PageRoundUp(length uintptr) uintptr {
	mask := pageSize - 1
	return (length + mask) &^ mask
}
