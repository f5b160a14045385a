// Package space assembles a unified analysis address space from a main
// binary and its transitively discovered dependencies. Each image keeps its
// natural layout and is shifted as a whole so no two images overlap; imports
// are then bound against the exports of the declared dependencies, or
// replaced with synthetic stub addresses when no real library should run.
package space

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"xref/internal/lift"
)

const (
	// Granularity is the alignment unit for rebase placement and the
	// chunk size of the memory view.
	Granularity uint64 = 0x1000000
	// PermPage is the chunk size of the permission view.
	PermPage uint64 = 0x1000
)

// ErrNotFound reports a symbol with no resolvable address.
var ErrNotFound = errors.New("space: symbol not found")

// Perm holds segment permission flags, ELF p_flags bit layout.
type Perm uint8

const (
	PermExec  Perm = 0x1
	PermWrite Perm = 0x2
	PermRead  Perm = 0x4
)

func (p Perm) Executable() bool { return p&PermExec != 0 }

func (p Perm) String() string {
	b := [3]byte{'-', '-', '-'}
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b[:])
}

// Segment is one loadable range of an image, exposed to the views.
type Segment struct {
	Addr uint64
	Data []byte
	Perm Perm
}

// Export is one symbol an image makes visible to its dependents.
type Export struct {
	Name string
	Kind string
}

// Import is one symbol an image needs, with the addresses of the slots
// that hold its resolved value.
type Import struct {
	Name  string
	Sites []uint64
}

// Binary is the loaded-image surface the space consumes. Implementations
// are created once per file; Rebase mutates the address range exactly once.
type Binary interface {
	Path() string
	Name() string
	Arch() lift.Arch
	MinAddr() uint64
	MaxAddr() uint64
	Entry() uint64
	Deps() []string
	Segments() []Segment
	Exports() []Export
	ResolveExportAddr(name string) (uint64, error)
	Imports() []Import
	PatchImport(name string, addr uint64) error
	WriteBytes(addr uint64, p []byte) error
	Rebase(delta int64) error
}

// LoadFunc opens one binary file as an image.
type LoadFunc func(path string, arch lift.Arch) (Binary, error)

// Warning records one per-symbol or per-dependency resolution problem.
// These never abort assembly.
type Warning struct {
	Msg   string
	Image string
	Sym   string
}

// Options configure assembly.
type Options struct {
	Arch lift.Arch
	// LibDir is the dependency search directory. Empty means the
	// directory of the main binary.
	LibDir string
	// NoDeps skips transitive dependency loading.
	NoDeps bool
	// Stubs replaces import resolution with synthetic stub addresses.
	Stubs bool
	// Factory builds stub handles. Nil means DefaultFactory.
	Factory func(lib, sym string) StubFactory
	Log     *log.Logger
}

// Space is an ordered collection of non-overlapping images with the views
// and stub table built over them.
type Space struct {
	opts   Options
	images []Binary
	byName map[string]Binary

	min, max uint64

	mem   *MemView
	perms *PermView
	stubs *Stubs
	warns []Warning
}

// New returns an empty space. Images are installed with Add or Place.
func New(opts Options) *Space {
	return &Space{
		opts:   opts,
		byName: make(map[string]Binary),
		mem:    NewMemView(),
		perms:  NewPermView(),
		stubs:  NewStubs(),
	}
}

// Assemble loads the main binary, discovers and places its dependencies,
// binds imports (or synthesizes stubs), and materializes the views. This is
// the whole pipeline; the phase methods below are its pieces.
func Assemble(path string, load LoadFunc, opts Options) (*Space, error) {
	main, err := load(path, opts.Arch)
	if err != nil {
		return nil, fmt.Errorf("load main image: %w", err)
	}
	s := New(opts)
	if s.opts.LibDir == "" {
		s.opts.LibDir = filepath.Dir(path)
	}
	s.Add(main)

	if !s.opts.NoDeps {
		s.LoadDeps(load)
	}
	if s.opts.Stubs {
		if err := s.SynthesizeStubs(); err != nil {
			return nil, err
		}
	} else {
		s.Resolve()
	}
	s.Pull()
	return s, nil
}

// Add installs an image at its current addresses and grows the envelope.
// The first image added is the main one.
func (s *Space) Add(img Binary) {
	if len(s.images) == 0 {
		s.min, s.max = img.MinAddr(), img.MaxAddr()
		if s.opts.Arch == "" {
			s.opts.Arch = img.Arch()
		}
	} else {
		if img.MinAddr() < s.min {
			s.min = img.MinAddr()
		}
		if img.MaxAddr() > s.max {
			s.max = img.MaxAddr()
		}
	}
	s.images = append(s.images, img)
	s.byName[img.Name()] = img
}

// RebaseDelta computes the shift that places img in the next granularity
// slot strictly above the current envelope, preserving the image's own
// alignment offset within the granularity unit.
func (s *Space) RebaseDelta(img Binary) int64 {
	lo := img.MinAddr()
	offset := lo % Granularity
	newBase := Granularity*ceilDiv(s.max+Granularity, Granularity) + offset
	return int64(newBase - lo)
}

// Place rebases img into a fresh slot and installs it.
func (s *Space) Place(img Binary) error {
	if err := img.Rebase(s.RebaseDelta(img)); err != nil {
		return err
	}
	s.Add(img)
	return nil
}

// LoadDeps walks the declared dependency names transitively, loading and
// placing each file found in the search directory exactly once. A missing
// or unloadable dependency is a warning, never a failure; its symbols
// surface later as unresolved imports.
func (s *Space) LoadDeps(load LoadFunc) {
	if len(s.images) == 0 {
		return
	}
	remaining := append([]string(nil), s.images[0].Deps()...)
	done := make(map[string]bool)
	for _, img := range s.images {
		done[img.Name()] = true
	}

	for len(remaining) > 0 {
		name := remaining[0]
		remaining = remaining[1:]
		if done[name] {
			continue
		}
		done[name] = true

		path := filepath.Join(s.opts.LibDir, name)
		if _, err := os.Stat(path); err != nil {
			s.warn("dependency not found", name, "")
			continue
		}
		img, err := load(path, s.opts.Arch)
		if err != nil {
			s.warn(fmt.Sprintf("dependency failed to load: %v", err), name, "")
			continue
		}
		if err := s.Place(img); err != nil {
			s.warn(fmt.Sprintf("dependency failed to rebase: %v", err), name, "")
			continue
		}
		s.debugf("placed dependency", "name", name, "base", fmt.Sprintf("%#x", img.MinAddr()))
		remaining = append(remaining, img.Deps()...)
	}
}

// Pull materializes the memory and permission views from every installed
// image. Call it after imports are patched so the views see the patches.
func (s *Space) Pull() {
	s.mem.Pull(s.images...)
	s.perms.Pull(s.images...)
}

func (s *Space) Main() Binary {
	if len(s.images) == 0 {
		return nil
	}
	return s.images[0]
}

// Images returns the installed images in placement order.
func (s *Space) Images() []Binary { return s.images }

func (s *Space) Image(name string) (Binary, bool) {
	img, ok := s.byName[name]
	return img, ok
}

// ImageAt returns the image whose rebased range contains addr.
func (s *Space) ImageAt(addr uint64) (Binary, bool) {
	for _, img := range s.images {
		if addr >= img.MinAddr() && addr <= img.MaxAddr() {
			return img, true
		}
	}
	return nil, false
}

func (s *Space) MinAddr() uint64     { return s.min }
func (s *Space) MaxAddr() uint64     { return s.max }
func (s *Space) Arch() lift.Arch     { return s.opts.Arch }
func (s *Space) Mem() *MemView       { return s.mem }
func (s *Space) Perms() *PermView    { return s.perms }
func (s *Space) Stubs() *Stubs       { return s.stubs }
func (s *Space) Warnings() []Warning { return s.warns }

func (s *Space) warn(msg, image, sym string) {
	s.warns = append(s.warns, Warning{Msg: msg, Image: image, Sym: sym})
	if s.opts.Log != nil {
		if sym == "" {
			s.opts.Log.Warn(msg, "image", image)
		} else {
			s.opts.Log.Warn(msg, "image", image, "symbol", sym)
		}
	}
}

func (s *Space) debugf(msg string, keyvals ...any) {
	if s.opts.Log != nil {
		s.opts.Log.Debug(msg, keyvals...)
	}
}
