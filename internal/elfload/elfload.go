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

// Package elfload parses a guest ELF image and loads it entirely through
// internal/mmapadapter, so every byte the guest image ends up with passes
// through the same capability interface the region allocator enforces. The
// Class/Data/Machine naming below follows the convention of small,
// self-contained Go ELF loaders rather than reinventing one; see
// debug/elf, which backs the actual parsing.
package elfload

import (
	dbgelf "debug/elf"
	"fmt"
	"io"
	"os"

	"github.com/maxnasonov/fixedproc/internal/errkind"
	"github.com/maxnasonov/fixedproc/internal/hostarch"
	"github.com/maxnasonov/fixedproc/internal/mmapadapter"
)

// Class corresponds to the ELF identification byte EI_CLASS.
type Class byte

// Class values as recorded in EI_CLASS; Open records the class but does not
// check it.
const (
	ClassNone Class = iota
	Class32
	Class64
)

// Machine corresponds to the ELF header's e_machine field.
type Machine uint16

// Resolver looks up the host address bound to a dynamic symbol name,
// returning ok=false if the symbol is unknown. The guest lifecycle driver
// supplies one backed by internal/guestheap's trampolines plus a dlsym
// fallback for everything else.
type Resolver func(name string) (addr uintptr, ok bool)

// Image describes a parsed, not-yet-mapped guest ELF file.
type Image struct {
	file    *dbgelf.File
	Machine Machine
	Class   Class
	Entry   hostarch.Addr
}

// Open parses the ELF file at path. The returned Image retains the open
// file descriptor until Close is called.
func Open(path string) (*Image, error) {
	f, err := dbgelf.Open(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.ElfParse, "elfload: open", err)
	}
	if f.Type != dbgelf.ET_EXEC && f.Type != dbgelf.ET_DYN {
		f.Close()
		return nil, errkind.New(errkind.ElfParse, fmt.Sprintf("elfload: unsupported file type %v", f.Type))
	}
	return &Image{
		file:    f,
		Machine: Machine(f.Machine),
		Class:   Class(f.Class),
		Entry:   hostarch.Addr(f.Entry),
	}, nil
}

// Close releases the underlying file descriptor.
func (img *Image) Close() error {
	return img.file.Close()
}

// LookupSymbol finds name in the image's symbol tables (dynamic first,
// falling back to the regular symbol table for statically-linked guests)
// and returns its address, already correct for a non-PIE image; callers
// loading a PIE image must add the load bias themselves.
func (img *Image) LookupSymbol(name string) (hostarch.Addr, bool) {
	if syms, err := img.file.DynamicSymbols(); err == nil {
		if addr, ok := findSymbol(syms, name); ok {
			return addr, true
		}
	}
	if syms, err := img.file.Symbols(); err == nil {
		if addr, ok := findSymbol(syms, name); ok {
			return addr, true
		}
	}
	return 0, false
}

func findSymbol(syms []dbgelf.Symbol, name string) (hostarch.Addr, bool) {
	for _, s := range syms {
		if s.Name == name && dbgelf.ST_TYPE(s.Info) == dbgelf.STT_FUNC {
			return hostarch.Addr(s.Value), true
		}
	}
	return 0, false
}

// LoadResult is everything the guest lifecycle driver needs after a
// successful load: the runtime entry address (adjusted for PIE images
// loaded at a non-zero bias) and the bias itself.
type LoadResult struct {
	Entry hostarch.Addr
	Bias  hostarch.Addr
}

// Load maps every PT_LOAD segment of img through m, placed immediately
// after the caller-supplied base (the next free address in the active
// region), then applies the relocations required to run the image at that
// base. The caller must have already entered the active region context
// matching m (internal/mmapadapter.EnterActiveRegion) on the calling OS
// thread.
func Load(img *Image, m mmapadapter.Mapper, base hostarch.Addr, resolve Resolver) (LoadResult, error) {
	var bias hostarch.Addr
	if img.file.Type == dbgelf.ET_DYN {
		bias = base
	}

	for _, prog := range img.file.Progs {
		if prog.Type != dbgelf.PT_LOAD {
			continue
		}
		if err := loadSegment(img, m, prog, bias); err != nil {
			return LoadResult{}, err
		}
	}

	if err := applyDynamicRelocations(img, m, bias, resolve); err != nil {
		return LoadResult{}, err
	}

	return LoadResult{
		Entry: hostarch.Addr(uintptr(img.Entry) + uintptr(bias)),
		Bias:  bias,
	}, nil
}

func loadSegment(img *Image, m mmapadapter.Mapper, prog *dbgelf.Prog, bias hostarch.Addr) error {
	vaddr := hostarch.Addr(prog.Vaddr + uint64(bias))
	pageOff := uintptr(vaddr) % hostarch.PageSize()
	mapAddr := hostarch.Addr(uintptr(vaddr) - pageOff)
	mapLen := hostarch.PageRoundUp(uintptr(prog.Memsz) + pageOff)

	prot := progFlagsToAccess(prog.Flags)

	if err := m.MmapAnonymous(mapAddr, mapLen, hostarch.ReadWrite); err != nil {
		return errkind.Wrap(errkind.MmapFailed, "elfload: segment mapping", err)
	}

	dst := unsafeByteView(mapAddr, mapLen)
	r := prog.Open()
	if _, err := io.ReadFull(r, dst[pageOff:pageOff+uintptr(prog.Filesz)]); err != nil && err != io.EOF {
		return errkind.Wrap(errkind.Io, "elfload: reading segment contents", err)
	}
	// Bytes between Filesz and Memsz are already zero from the fresh
	// anonymous mapping, covering .bss without a separate zero-fill pass.

	if prot != hostarch.ReadWrite {
		if err := m.Mprotect(mapAddr, mapLen, prot); err != nil {
			return errkind.Wrap(errkind.MmapFailed, "elfload: segment protection", err)
		}
	}
	return nil
}

func progFlagsToAccess(flags dbgelf.ProgFlag) hostarch.AccessType {
	return hostarch.AccessType{
		Read:    flags&dbgelf.PF_R != 0,
		Write:   flags&dbgelf.PF_W != 0,
		Execute: flags&dbgelf.PF_X != 0,
	}
}

// applyDynamicRelocations resolves and applies the minimal relocation set a
// statically-linked-but-PIE or dynamically-linked guest needs to run:
// R_X86_64_RELATIVE (bias-only fixups) and the GOT/PLT symbol bindings
// R_X86_64_GLOB_DAT and R_X86_64_JUMP_SLOT, both resolved through resolve.
// Anything else is rejected rather than silently skipped, since a guest
// relying on a relocation type this loader does not understand would
// otherwise run with a corrupt GOT.
func applyDynamicRelocations(img *Image, m mmapadapter.Mapper, bias hostarch.Addr, resolve Resolver) error {
	symbols, err := img.file.DynamicSymbols()
	if err != nil {
		// No dynamic symbol table: a purely static, non-PIE image with
		// nothing to relocate.
		symbols = nil
	}

	relSections := []string{".rela.dyn", ".rela.plt"}
	for _, name := range relSections {
		sec := img.file.Section(name)
		if sec == nil {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return errkind.Wrap(errkind.ElfParse, "elfload: reading "+name, err)
		}
		rels, err := decodeRela(data)
		if err != nil {
			return errkind.Wrap(errkind.ElfParse, "elfload: decoding "+name, err)
		}
		for _, rel := range rels {
			if err := applyRela(img, m, bias, rel, symbols, resolve); err != nil {
				return err
			}
		}
	}
	return nil
}

type rela struct {
	Offset uint64
	Type   uint32
	Sym    uint32
	Addend int64
}

func decodeRela(data []byte) ([]rela, error) {
	const entSize = 24 // Elf64_Rela
	if len(data)%entSize != 0 {
		return nil, fmt.Errorf("elfload: malformed relocation section (len %d)", len(data))
	}
	out := make([]rela, 0, len(data)/entSize)
	for off := 0; off < len(data); off += entSize {
		info := dbgelf.NativeEndian.Uint64(data[off+8 : off+16])
		out = append(out, rela{
			Offset: dbgelf.NativeEndian.Uint64(data[off : off+8]),
			Type:   uint32(info),
			Sym:    uint32(info >> 32),
			Addend: int64(dbgelf.NativeEndian.Uint64(data[off+16 : off+24])),
		})
	}
	return out, nil
}

const (
	rX8664Relative  = 8
	rX8664GlobDat   = 6
	rX8664JumpSlot  = 7
)

func applyRela(img *Image, m mmapadapter.Mapper, bias hostarch.Addr, r rela, symbols []dbgelf.Symbol, resolve Resolver) error {
	target := hostarch.Addr(r.Offset + uint64(bias))
	view := unsafeByteView(target, 8)
	writeUint64 := func(v uint64) {
		dbgelf.NativeEndian.PutUint64(view, v)
	}

	switch r.Type {
	case rX8664Relative:
		writeUint64(uint64(bias) + uint64(r.Addend))
		return nil
	case rX8664GlobDat, rX8664JumpSlot:
		// DynamicSymbols omits the null symbol at index 0, so relocation
		// symbol index i is symbols[i-1].
		if r.Sym == 0 || int(r.Sym) > len(symbols) {
			return errkind.New(errkind.SymbolNotFound, fmt.Sprintf("elfload: relocation references out-of-range symbol %d", r.Sym))
		}
		name := symbols[r.Sym-1].Name
		addr, ok := resolve(name)
		if !ok {
			return errkind.New(errkind.SymbolNotFound, fmt.Sprintf("elfload: unresolved symbol %q", name))
		}
		writeUint64(uint64(addr))
		return nil
	default:
		return errkind.New(errkind.ElfParse, fmt.Sprintf("elfload: unsupported relocation type %d", r.Type))
	}
}
