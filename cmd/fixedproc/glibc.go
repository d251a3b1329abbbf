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
	dbgelf "debug/elf"
	"fmt"
	"regexp"

	"golang.org/x/mod/semver"
)

var glibcVersionPattern = regexp.MustCompile(`GNU C Library.*?(\d+\.\d+(\.\d+)?)`)

// checkGlibcVersion is a best-effort check: it looks for a GNU C Library
// version string in the guest's .comment section and compares it against
// min (a semver string such as "v2.31"). If the section is absent or
// doesn't contain a recognizable version, it returns ok=true: the check is
// advisory, not a hard gate on images that don't carry the annotation.
func checkGlibcVersion(path string, min string) (bool, error) {
	f, err := dbgelf.Open(path)
	if err != nil {
		return false, fmt.Errorf("glibc version check: %w", err)
	}
	defer f.Close()

	sec := f.Section(".comment")
	if sec == nil {
		return true, nil
	}
	data, err := sec.Data()
	if err != nil {
		return true, nil
	}

	match := glibcVersionPattern.FindSubmatch(data)
	if match == nil {
		return true, nil
	}
	found := "v" + string(match[1])
	if !semver.IsValid(found) {
		return true, nil
	}
	return semver.Compare(found, min) >= 0, nil
}
