// Package image loads ELF binaries as relocatable analysis images. An
// image keeps private copies of its loadable segments so import slots can
// be patched without touching the file.
package image

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"xref/internal/lift"
	"xref/internal/space"
)

// ErrArchMismatch reports a binary whose machine does not fit the
// requested architecture.
var ErrArchMismatch = errors.New("image: architecture mismatch")

type exportSym struct {
	addr uint64
	kind elf.SymType
}

// Image is one loaded ELF file. It satisfies the address-space image
// surface; the address range is shifted at most once by Rebase.
type Image struct {
	path  string
	arch  lift.Arch
	entry uint64
	min   uint64
	max   uint64

	deps    []string
	segs    []space.Segment
	exports []space.Export
	exportM map[string]exportSym
	imports []space.Import

	rebased bool
}

// Load opens path and extracts everything the address space needs:
// loadable segments, declared dependencies, dynamic exports and imports,
// and relocation slots. arch may be empty to accept whatever the file is.
func Load(path string, arch lift.Arch) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open elf: %w", err)
	}
	defer f.Close()

	fileArch, err := checkMachine(f.Machine, arch)
	if err != nil {
		return nil, err
	}

	img := &Image{
		path:    path,
		arch:    fileArch,
		entry:   f.Entry,
		exportM: make(map[string]exportSym),
	}

	if err := img.loadSegments(f); err != nil {
		return nil, err
	}
	img.deps, _ = f.DynString(elf.DT_NEEDED)
	img.loadDynamicSymbols(f)
	return img, nil
}

// checkMachine maps the ELF machine to an architecture and enforces the
// requested one when given.
func checkMachine(m elf.Machine, want lift.Arch) (lift.Arch, error) {
	var got lift.Arch
	switch m {
	case elf.EM_X86_64:
		got = lift.AMD64
	case elf.EM_AARCH64:
		got = lift.ARM64
	default:
		return "", fmt.Errorf("%w: unsupported machine %v", ErrArchMismatch, m)
	}
	if want != "" && want != got {
		return "", fmt.Errorf("%w: file is %s, requested %s", ErrArchMismatch, got, want)
	}
	return got, nil
}

// loadSegments copies every PT_LOAD segment, zero-filling the gap between
// file size and memory size so bss ranges are mapped.
func (img *Image) loadSegments(f *elf.File) error {
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		data := make([]byte, p.Memsz)
		if p.Filesz > 0 {
			if _, err := io.ReadFull(p.Open(), data[:p.Filesz]); err != nil {
				return fmt.Errorf("read segment at %#x: %w", p.Vaddr, err)
			}
		}
		img.segs = append(img.segs, space.Segment{
			Addr: p.Vaddr,
			Data: data,
			Perm: space.Perm(p.Flags & 7),
		})
	}
	if len(img.segs) == 0 {
		return errors.New("image: no loadable segments")
	}

	img.min, img.max = img.segs[0].Addr, 0
	for _, seg := range img.segs {
		if seg.Addr < img.min {
			img.min = seg.Addr
		}
		if end := seg.Addr + uint64(len(seg.Data)) - 1; end > img.max {
			img.max = end
		}
	}
	return nil
}

// loadDynamicSymbols splits the dynamic symbol table into exports (defined
// here) and imports (undefined, to be bound elsewhere), and attaches each
// import's relocation slots.
func (img *Image) loadDynamicSymbols(f *elf.File) {
	dynsyms, err := f.DynamicSymbols()
	if err != nil {
		// Static binaries carry no dynamic table at all.
		return
	}

	sites := relocSites(f, dynsyms)
	for _, sym := range dynsyms {
		if sym.Name == "" {
			continue
		}
		kind := elf.ST_TYPE(sym.Info)
		if sym.Section == elf.SHN_UNDEF {
			img.imports = append(img.imports, space.Import{
				Name:  sym.Name,
				Sites: sites[sym.Name],
			})
			continue
		}
		img.exports = append(img.exports, space.Export{Name: sym.Name, Kind: kind.String()})
		if _, dup := img.exportM[sym.Name]; !dup {
			img.exportM[sym.Name] = exportSym{addr: sym.Value, kind: kind}
		}
	}
}

// relocSites collects, per symbol name, the virtual addresses of the
// relocation slots referring to it. RELA entries are 24 bytes, REL 16;
// the symbol index sits in the upper half of r_info, 1-indexed into the
// dynamic symbol table.
func relocSites(f *elf.File, dynsyms []elf.Symbol) map[string][]uint64 {
	sites := make(map[string][]uint64)
	for _, sec := range f.Sections {
		var entrySize int
		switch sec.Type {
		case elf.SHT_RELA:
			entrySize = 24
		case elf.SHT_REL:
			entrySize = 16
		default:
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		for off := 0; off+entrySize <= len(data); off += entrySize {
			rOffset := binary.LittleEndian.Uint64(data[off:])
			rInfo := binary.LittleEndian.Uint64(data[off+8:])
			symIndex := uint32(rInfo >> 32)
			if symIndex == 0 || int(symIndex) > len(dynsyms) {
				continue
			}
			name := dynsyms[symIndex-1].Name
			if name == "" {
				continue
			}
			sites[name] = append(sites[name], rOffset)
		}
	}
	return sites
}

func (img *Image) Path() string              { return img.path }
func (img *Image) Name() string              { return filepath.Base(img.path) }
func (img *Image) Arch() lift.Arch           { return img.arch }
func (img *Image) MinAddr() uint64           { return img.min }
func (img *Image) MaxAddr() uint64           { return img.max }
func (img *Image) Entry() uint64             { return img.entry }
func (img *Image) Deps() []string            { return img.deps }
func (img *Image) Segments() []space.Segment { return img.segs }
func (img *Image) Exports() []space.Export   { return img.exports }
func (img *Image) Imports() []space.Import   { return img.imports }

// ResolveExportAddr returns the current address of a defined dynamic
// symbol. Thread-local symbols have no process-wide address.
func (img *Image) ResolveExportAddr(name string) (uint64, error) {
	ex, ok := img.exportM[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", space.ErrNotFound, name)
	}
	if ex.kind == elf.STT_TLS {
		return 0, fmt.Errorf("thread-local export %s has no fixed address", name)
	}
	return ex.addr, nil
}

// PatchImport writes addr, little-endian, into every relocation slot of
// the named import.
func (img *Image) PatchImport(name string, addr uint64) error {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], addr)
	for _, im := range img.imports {
		if im.Name != name {
			continue
		}
		for _, site := range im.Sites {
			if err := img.WriteBytes(site, raw[:]); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: import %s", space.ErrNotFound, name)
}

// WriteBytes overwrites segment content at a virtual address.
func (img *Image) WriteBytes(addr uint64, p []byte) error {
	for _, seg := range img.segs {
		end := seg.Addr + uint64(len(seg.Data))
		if addr >= seg.Addr && addr+uint64(len(p)) <= end {
			copy(seg.Data[addr-seg.Addr:], p)
			return nil
		}
	}
	return fmt.Errorf("image: write of %d bytes at %#x outside segments", len(p), addr)
}

// Rebase shifts the whole image by delta. It may be applied once.
func (img *Image) Rebase(delta int64) error {
	if img.rebased {
		return errors.New("image: already rebased")
	}
	img.rebased = true

	shift := func(a uint64) uint64 { return uint64(int64(a) + delta) }
	img.min = shift(img.min)
	img.max = shift(img.max)
	if img.entry != 0 {
		img.entry = shift(img.entry)
	}
	for i := range img.segs {
		img.segs[i].Addr = shift(img.segs[i].Addr)
	}
	for name, ex := range img.exportM {
		ex.addr = shift(ex.addr)
		img.exportM[name] = ex
	}
	for i := range img.imports {
		for j := range img.imports[i].Sites {
			img.imports[i].Sites[j] = shift(img.imports[i].Sites[j])
		}
	}
	return nil
}
