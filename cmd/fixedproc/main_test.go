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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunWithNoArgsPrintsUsageAndFails(t *testing.T) {
	require.Equal(t, 1, run(nil))
}

func TestRunRejectsInvalidMinGlibc(t *testing.T) {
	require.Equal(t, 2, run([]string{"--min-glibc", "not-a-version", "somefile.so"}))
}

func TestRunFailsOnMissingGuestImage(t *testing.T) {
	require.Equal(t, 1, run([]string{t.TempDir() + "/does-not-exist.so"}))
}

func TestGlibcVersionPatternMatchesGNUCLibraryComment(t *testing.T) {
	data := []byte("GCC: (GNU) 11.2.0\x00GNU C Library (GNU libc) stable release version 2.31, by Roland McGrath")
	match := glibcVersionPattern.FindSubmatch(data)
	require.NotNil(t, match)
	require.Equal(t, "2.31", string(match[1]))
}
