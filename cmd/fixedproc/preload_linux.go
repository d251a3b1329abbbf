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

package main

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"github.com/sirupsen/logrus"
)

// preloadLibm loads libm.so.6 with RTLD_GLOBAL before any guest is spawned,
// so math symbols a guest's relocations reference resolve through the
// host's dynamic-symbol-lookup fallback instead of failing.
func preloadLibm() {
	name := C.CString("libm.so.6")
	defer C.free(unsafe.Pointer(name))
	if C.dlopen(name, C.RTLD_LAZY|C.RTLD_GLOBAL) == nil {
		logrus.Warn("could not preload libm.so.6; guests referencing math symbols may fail to resolve them")
	}
}
