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
	"unsafe"

	"github.com/maxnasonov/fixedproc/internal/hostarch"
)

// unsafeWordsAt views the memory at addr as a slice of n machine words, for
// writing the bounds record before it is remapped read-only.
func unsafeWordsAt(addr hostarch.Addr, n int) []uintptr {
	return unsafe.Slice((*uintptr)(unsafe.Pointer(uintptr(addr))), n)
}

// unsafeByteSlice views already-mapped guest memory as a []byte, handing
// the heap's backing storage to guestheap.New without a copy.
func unsafeByteSlice(addr hostarch.Addr, length uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}
