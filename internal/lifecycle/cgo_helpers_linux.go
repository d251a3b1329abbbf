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

/*
#cgo LDFLAGS: -ldl
#define _GNU_SOURCE
#include <dlfcn.h>
#include <stddef.h>
#include <stdlib.h>

// Declared and defined by internal/guestheap's cgo-exported trampolines;
// resolved at final link time since both packages are compiled into the
// same binary.
extern void *fixedproc_malloc(size_t);
extern void fixedproc_free(void *);
extern void *fixedproc_calloc(size_t, size_t);
extern void *fixedproc_realloc(void *, size_t);

static void *fixedproc_malloc_ptr(void)  { return (void *)fixedproc_malloc; }
static void *fixedproc_free_ptr(void)    { return (void *)fixedproc_free; }
static void *fixedproc_calloc_ptr(void)  { return (void *)fixedproc_calloc; }
static void *fixedproc_realloc_ptr(void) { return (void *)fixedproc_realloc; }

static void *fixedproc_dlsym_default(const char *name) {
	return dlsym(RTLD_DEFAULT, name);
}

typedef void (*fixedproc_entry_fn)(void);

static void fixedproc_call_entry(void *fn) {
	((fixedproc_entry_fn)fn)();
}
*/
import "C"

import (
	"unsafe"

	"github.com/maxnasonov/fixedproc/internal/hostarch"
)

func mallocTrampolineAddr() uintptr  { return uintptr(C.fixedproc_malloc_ptr()) }
func freeTrampolineAddr() uintptr    { return uintptr(C.fixedproc_free_ptr()) }
func callocTrampolineAddr() uintptr  { return uintptr(C.fixedproc_calloc_ptr()) }
func reallocTrampolineAddr() uintptr { return uintptr(C.fixedproc_realloc_ptr()) }

// dlsymDefault resolves a libc/libm symbol by name via the host's dynamic
// linker, the fallback path for any guest-referenced symbol that isn't the
// allocator quartet or the bounds pair.
func dlsymDefault(name string) (uintptr, bool) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	addr := C.fixedproc_dlsym_default(cname)
	if addr == nil {
		return 0, false
	}
	return uintptr(addr), true
}

// callEntry invokes the guest's entry symbol: no arguments, no return
// value, per the guest image format.
func callEntry(addr hostarch.Addr) {
	C.fixedproc_call_entry(unsafe.Pointer(uintptr(addr)))
}
