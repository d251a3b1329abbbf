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

package elfload

import (
	"unsafe"

	"github.com/maxnasonov/fixedproc/internal/hostarch"
)

// unsafeByteView builds a []byte header over already-mapped guest memory,
// the same trick internal/region uses to hand mapped host addresses to
// code that wants a slice.
func unsafeByteView(addr hostarch.Addr, length uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}
