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
	dbgelf "debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgFlagsToAccess(t *testing.T) {
	rx := progFlagsToAccess(dbgelf.PF_R | dbgelf.PF_X)
	require.True(t, rx.Read)
	require.False(t, rx.Write)
	require.True(t, rx.Execute)

	rw := progFlagsToAccess(dbgelf.PF_R | dbgelf.PF_W)
	require.True(t, rw.Read)
	require.True(t, rw.Write)
	require.False(t, rw.Execute)
}

func TestDecodeRelaRoundTrip(t *testing.T) {
	buf := make([]byte, 24*2)
	dbgelf.NativeEndian.PutUint64(buf[0:8], 0x1000)
	dbgelf.NativeEndian.PutUint64(buf[8:16], uint64(rX8664Relative))
	dbgelf.NativeEndian.PutUint64(buf[16:24], 0x10)

	dbgelf.NativeEndian.PutUint64(buf[24:32], 0x2000)
	info := uint64(7)<<32 | uint64(rX8664JumpSlot)
	dbgelf.NativeEndian.PutUint64(buf[32:40], info)
	dbgelf.NativeEndian.PutUint64(buf[40:48], 0)

	rels, err := decodeRela(buf)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	require.Equal(t, uint64(0x1000), rels[0].Offset)
	require.Equal(t, uint32(rX8664Relative), rels[0].Type)
	require.Equal(t, int64(0x10), rels[0].Addend)

	require.Equal(t, uint32(rX8664JumpSlot), rels[1].Type)
	require.Equal(t, uint32(7), rels[1].Sym)
}

func TestDecodeRelaRejectsMalformedLength(t *testing.T) {
	_, err := decodeRela(make([]byte, 10))
	require.Error(t, err)
}
