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
#include <pthread.h>
#include <stdlib.h>

extern void *fixedprocThreadTrampoline(void *arg);

static int fixedproc_spawn_with_stack(void *stack_addr, size_t stack_size, void *arg, pthread_t *out) {
	pthread_attr_t attr;
	int rc = pthread_attr_init(&attr);
	if (rc != 0) {
		return rc;
	}
	rc = pthread_attr_setstack(&attr, stack_addr, stack_size);
	if (rc != 0) {
		pthread_attr_destroy(&attr);
		return rc;
	}
	rc = pthread_create(out, &attr, fixedprocThreadTrampoline, arg);
	pthread_attr_destroy(&attr);
	return rc;
}

static void fixedproc_join(pthread_t t) {
	pthread_join(t, NULL);
}
*/
import "C"

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// guestThreadBodies holds the Go closures handed across the cgo boundary,
// keyed by an opaque token so the C trampoline can find its way back into
// Go without passing a Go pointer through C (which the cgo pointer-passing
// rules forbid).
var (
	guestThreadBodiesMu sync.Mutex
	guestThreadBodies   = map[uintptr]func(){}
	nextToken           uintptr
)

//export fixedprocThreadTrampoline
func fixedprocThreadTrampoline(arg unsafe.Pointer) unsafe.Pointer {
	token := uintptr(arg)
	guestThreadBodiesMu.Lock()
	body := guestThreadBodies[token]
	delete(guestThreadBodies, token)
	guestThreadBodiesMu.Unlock()

	if body != nil {
		body()
	}
	return nil
}

// spawnWithStack creates a new OS thread whose stack is exactly
// [stackAddr, stackAddr+stackSize), running body. This is the only portable
// way to give a thread a fixed-address, fixed-size stack: Go's own runtime
// has no API for it, since every goroutine stack is managed and moved by
// the scheduler.
func spawnWithStack(stackAddr uintptr, stackSize uintptr, body func()) (tid int, wait func(), err error) {
	guestThreadBodiesMu.Lock()
	token := nextToken
	nextToken++
	guestThreadBodies[token] = body
	guestThreadBodiesMu.Unlock()

	tidCh := make(chan int, 1)
	wrapped := func() {
		tidCh <- unix.Gettid()
		body()
	}
	guestThreadBodiesMu.Lock()
	guestThreadBodies[token] = wrapped
	guestThreadBodiesMu.Unlock()

	var cThread C.pthread_t
	rc := C.fixedproc_spawn_with_stack(
		unsafe.Pointer(uintptr(stackAddr)),
		C.size_t(stackSize),
		unsafe.Pointer(token),
		&cThread,
	)
	if rc != 0 {
		guestThreadBodiesMu.Lock()
		delete(guestThreadBodies, token)
		guestThreadBodiesMu.Unlock()
		return 0, nil, unix.Errno(rc)
	}

	gotTid := <-tidCh
	join := func() { C.fixedproc_join(cThread) }
	return gotTid, join, nil
}
