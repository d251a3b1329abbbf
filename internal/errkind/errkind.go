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

// Package errkind provides the tagged error kinds used across the loader,
// in the manner of gVisor's pkg/errors/linuxerr: a small enum of sentinel
// kinds that callers can compare against with errors.Is, each wrapping the
// underlying OS or parse error rather than flattening it into a string.
package errkind

import "fmt"

// Kind identifies the category of a spawn or load failure.
type Kind int

// The error kinds a guest spawn can fail with.
const (
	// ElfParse indicates the ELF image could not be parsed, or the
	// external-loader-shaped relocation step failed.
	ElfParse Kind = iota
	// Io indicates a file I/O failure while reading the guest image.
	Io
	// OutOfRegion indicates a placement would cross a window's limit.
	OutOfRegion
	// MmapFailed indicates the host mmap/mprotect/munmap syscall failed.
	MmapFailed
	// SymbolNotFound indicates the entry symbol, or a required external
	// symbol, could not be resolved.
	SymbolNotFound
	// ThreadCreate indicates pthread_create (or its attribute setup)
	// failed.
	ThreadCreate
)

// String renders the kind as it would appear in a one-line log message.
func (k Kind) String() string {
	switch k {
	case ElfParse:
		return "elf-parse"
	case Io:
		return "io"
	case OutOfRegion:
		return "out-of-region"
	case MmapFailed:
		return "mmap-failed"
	case SymbolNotFound:
		return "symbol-not-found"
	case ThreadCreate:
		return "thread-create"
	default:
		return "unknown"
	}
}

// Error is a tagged error carrying a short message and an optional
// underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New builds an *Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error that wraps cause without flattening it: the
// loader's own errors are wrapped in ElfParse rather than re-stringified.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to Cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same Kind, so callers can
// write errors.Is(err, errkind.New(errkind.OutOfRegion, "")) or, more
// idiomatically, compare via errkind.Is below.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Kind == kind
}
