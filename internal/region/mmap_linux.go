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
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/maxnasonov/fixedproc/internal/hostarch"
)

// unsafeAddrOf returns the address of the first byte backing b.
func unsafeAddrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// unsafeByteView builds a []byte header over [addr, addr+length) without
// copying, purely so the golang.org/x/sys/unix wrappers that expect a slice
// (Mprotect, Munmap) can be handed an already-mapped host address. The
// backing memory is owned by the OS mapping, not the Go allocator, so this
// slice must never be appended to or allowed to escape beyond the call it's
// passed into.
func unsafeByteView(addr hostarch.Addr, length uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}

// mmapFixedAnon installs an anonymous, private, MAP_FIXED mapping at addr.
// golang.org/x/sys/unix.Mmap always lets the kernel choose the address, so
// a fixed placement — which every mapping in this package requires, since
// the whole point of the region allocator is that the loader controls
// addresses exactly — goes through the raw SYS_MMAP syscall directly, the
// same way gVisor's platform/kvm issues raw unix.Syscall calls for
// operations its higher-level wrappers don't expose.
func mmapFixedAnon(addr hostarch.Addr, length uintptr, prot hostarch.AccessType) error {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED
	return rawMmap(addr, length, prot.Prot(), flags, -1, 0)
}

// mmapFixedFile installs a fixed, file-backed mapping at addr.
func mmapFixedFile(addr hostarch.Addr, length uintptr, prot hostarch.AccessType, fd int, offset int64) error {
	flags := unix.MAP_PRIVATE | unix.MAP_FIXED
	return rawMmap(addr, length, prot.Prot(), flags, fd, offset)
}

// rawMmap issues SYS_MMAP directly so an explicit addr can be supplied;
// returns an error if the kernel did not honor the requested address.
func rawMmap(addr hostarch.Addr, length uintptr, prot, flags, fd int, offset int64) error {
	ret, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		uintptr(addr),
		length,
		uintptr(prot),
		uintptr(flags),
		uintptr(fd),
		uintptr(offset),
	)
	if errno != 0 {
		return errno
	}
	if hostarch.Addr(ret) != addr {
		// The kernel picked a different address than the one we demanded
		// with MAP_FIXED; tear down the unwanted mapping and fail.
		unix.Syscall(unix.SYS_MUNMAP, ret, length, 0)
		return unix.EINVAL
	}
	return nil
}
