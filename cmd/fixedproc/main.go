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

// Command fixedproc loads one or more position-independent ELF guests into
// a single host process, each in its own fixed, disjoint virtual address
// window, and runs each guest's entry symbol on a dedicated host thread.
package main

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/mod/semver"

	"github.com/maxnasonov/fixedproc/internal/hostarch"
	"github.com/maxnasonov/fixedproc/internal/lifecycle"
)

// Default window layout: a 1 TiB step between guest windows and a 16 GiB
// window per guest, large enough that segments, stack, and heap never
// collide for any realistic guest image.
const (
	defaultOffsetStep = 1 << 40
	defaultWindowSize = 16 << 30
	defaultStackSize  = 8 << 20
	defaultHeapSize   = 64 << 20
	defaultEntryName  = "entry"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("fixedproc", pflag.ContinueOnError)
	entryName := flags.String("entry", defaultEntryName, "guest entry symbol name")
	stackSize := flags.Uint64("stack-size", defaultStackSize, "per-guest stack size in bytes")
	heapSize := flags.Uint64("heap-size", defaultHeapSize, "per-guest heap size in bytes")
	windowSize := flags.Uint64("window-size", defaultWindowSize, "per-guest virtual address window size in bytes")
	offsetStep := flags.Uint64("offset-step", defaultOffsetStep, "address spacing between guest windows")
	minGlibc := flags.String("min-glibc", "", "reject guests whose recorded glibc version is older than this (semver, e.g. v2.31)")

	if err := flags.Parse(args); err != nil {
		return 2
	}
	paths := flags.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <guest1.so> [guest2.so ...]\n", os.Args[0])
		flags.PrintDefaults()
		return 1
	}

	if *minGlibc != "" && !semver.IsValid(*minGlibc) {
		fmt.Fprintf(os.Stderr, "fixedproc: --min-glibc %q is not a valid semver\n", *minGlibc)
		return 2
	}

	preloadLibm()

	var guests []*lifecycle.Guest
	failed := false

	for i, path := range paths {
		lock := flock.New(path + ".lock")
		locked, err := lock.TryLock()
		if err != nil || !locked {
			logrus.WithField("path", path).Warn("could not acquire advisory lock on guest image; proceeding anyway")
		} else {
			defer lock.Unlock()
		}

		if *minGlibc != "" {
			if ok, err := checkGlibcVersion(path, *minGlibc); err != nil {
				logrus.WithField("path", path).WithError(err).Debug("glibc version check skipped")
			} else if !ok {
				logrus.WithFields(logrus.Fields{"path": path, "min_glibc": *minGlibc}).Error("guest glibc version too old")
				failed = true
				continue
			}
		}

		base := hostarch.Addr(uintptr(*offsetStep) * uintptr(i+1))
		window := hostarch.AddrRange{
			Start: base,
			End:   hostarch.Addr(uintptr(base) + uintptr(*windowSize)),
		}

		cfg := lifecycle.Config{
			ELFPath:    path,
			EntryName:  *entryName,
			Window:     window,
			StackSize:  uintptr(*stackSize),
			HeapSize:   uintptr(*heapSize),
			GuestIndex: i,
		}

		g, err := lifecycle.Spawn(cfg)
		if err != nil {
			logrus.WithFields(logrus.Fields{"guest": i, "path": path}).WithError(err).Error("spawn failed")
			failed = true
			continue
		}
		guests = append(guests, g)
	}

	for _, g := range guests {
		if err := g.Join(); err != nil {
			logrus.WithError(err).Error("join failed")
			failed = true
		}
	}

	if failed {
		return 1
	}
	return 0
}
