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

package hostarch

import "golang.org/x/sys/unix"

// AccessType specifies memory access types. This is used for
// access control to mapped memory, matching gVisor's
// pkg/hostarch.AccessType.
type AccessType struct {
	Read    bool
	Write   bool
	Execute bool
}

// NoAccess is the zero-value AccessType: PROT_NONE.
var NoAccess = AccessType{}

// ReadWrite grants read and write access: PROT_READ|PROT_WRITE.
var ReadWrite = AccessType{Read: true, Write: true}

// Read grants read-only access: PROT_READ.
var Read = AccessType{Read: true}

// AnyAccess grants every permission, used for ignore-permission accesses.
var AnyAccess = AccessType{Read: true, Write: true, Execute: true}

// Prot converts at to the corresponding unix.PROT_* bitmask.
func (at AccessType) Prot() int {
	var prot int
	if at.Read {
		prot |= unix.PROT_READ
	}
	if at.Write {
		prot |= unix.PROT_WRITE
	}
	if at.Execute {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// Effective returns the access type as actually enforced: Write implies
// Read, matching hardware protection semantics on the platforms this
// loader targets.
func (at AccessType) Effective() AccessType {
	if at.Write {
		at.Read = true
	}
	return at
}

// SupersetOf returns true if at allows everything other allows.
func (at AccessType) SupersetOf(other AccessType) bool {
	if !at.Read && other.Read {
		return false
	}
	if !at.Write && other.Write {
		return false
	}
	if !at.Execute && other.Execute {
		return false
	}
	return true
}

// String implements fmt.Stringer in the traditional rwx form.
func (at AccessType) String() string {
	bs := [3]byte{'-', '-', '-'}
	if at.Read {
		bs[0] = 'r'
	}
	if at.Write {
		bs[1] = 'w'
	}
	if at.Execute {
		bs[2] = 'x'
	}
	return string(bs[:])
}
