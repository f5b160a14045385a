package space

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"

	"xref/internal/exec"
)

// ErrCollision reports two distinct (library, symbol) pairs hashing to the
// same pseudo-address. The table refuses the second registration rather
// than silently overwriting the first.
var ErrCollision = errors.New("space: stub pseudo-address collision")

// Stub is a synthetic handler standing in for an imported function,
// bound to the machine state that reached it.
type Stub struct {
	Library string
	Symbol  string
	State   *exec.State
}

// StubFactory builds a fresh stub handle for one reaching state.
type StubFactory func(st *exec.State) *Stub

// DefaultFactory returns the plain handler constructor for a symbol.
func DefaultFactory(lib, sym string) StubFactory {
	return func(st *exec.State) *Stub {
		return &Stub{Library: lib, Symbol: sym, State: st}
	}
}

// PseudoAddr derives the deterministic synthetic address for a
// (library, symbol) pair: the first 8 bytes of md5("lib_sym"), read
// little-endian.
func PseudoAddr(lib, sym string) uint64 {
	return binary.LittleEndian.Uint64(pseudoBytes(lib, sym))
}

// pseudoBytes is the raw 8-byte form written into import slots. Reading
// the patched slot little-endian lands on PseudoAddr.
func pseudoBytes(lib, sym string) []byte {
	sum := md5.Sum([]byte(lib + "_" + sym))
	return sum[:8]
}

type stubEntry struct {
	lib, sym string
	factory  StubFactory
}

// Stubs maps pseudo-addresses to handler factories.
type Stubs struct {
	table map[uint64]stubEntry
}

func NewStubs() *Stubs {
	return &Stubs{table: make(map[uint64]stubEntry)}
}

// Register derives the pseudo-address for (lib, sym) and installs the
// factory under it. Re-registering the same pair refreshes the entry;
// a different pair at the same address is ErrCollision.
func (t *Stubs) Register(lib, sym string, f StubFactory) (uint64, error) {
	addr := PseudoAddr(lib, sym)
	if e, ok := t.table[addr]; ok && (e.lib != lib || e.sym != sym) {
		return 0, fmt.Errorf("%w: %s_%s and %s_%s both map to %#x",
			ErrCollision, e.lib, e.sym, lib, sym, addr)
	}
	t.table[addr] = stubEntry{lib: lib, sym: sym, factory: f}
	return addr, nil
}

// Is reports whether addr is a registered pseudo-address.
func (t *Stubs) Is(addr uint64) bool {
	_, ok := t.table[addr]
	return ok
}

// Stub invokes the factory registered at addr. An unknown address is a
// plain not-found, not an error.
func (t *Stubs) Stub(addr uint64, st *exec.State) (*Stub, bool) {
	e, ok := t.table[addr]
	if !ok {
		return nil, false
	}
	return e.factory(st), true
}

func (t *Stubs) Len() int { return len(t.table) }

// Each calls fn for every registered stub, in no particular order.
func (t *Stubs) Each(fn func(addr uint64, lib, sym string)) {
	for addr, e := range t.table {
		fn(addr, e.lib, e.sym)
	}
}

// SynthesizeStubs replaces import resolution: every import of every image
// gets a deterministic pseudo-address, and its slots are overwritten with
// the raw hash bytes so indirect calls through them land on the stub.
func (s *Space) SynthesizeStubs() error {
	factory := s.opts.Factory
	if factory == nil {
		factory = DefaultFactory
	}
	for _, img := range s.images {
		for _, im := range img.Imports() {
			lib := s.stubLibrary(img, im.Name)
			if _, err := s.stubs.Register(lib, im.Name, factory(lib, im.Name)); err != nil {
				return err
			}
			raw := pseudoBytes(lib, im.Name)
			for _, site := range im.Sites {
				if err := img.WriteBytes(site, raw); err != nil {
					s.warn(fmt.Sprintf("stub patch failed: %v", err), img.Name(), im.Name)
				}
			}
			s.debugf("stubbed import", "image", img.Name(), "symbol", im.Name,
				"lib", lib, "addr", fmt.Sprintf("%#x", PseudoAddr(lib, im.Name)))
		}
	}
	return nil
}

// stubLibrary attributes an imported symbol to a library name: the first
// declared dependency that exports it, else the first declared dependency,
// else a catch-all.
func (s *Space) stubLibrary(img Binary, sym string) string {
	deps := img.Deps()
	for _, dep := range deps {
		lib, ok := s.byName[dep]
		if !ok {
			continue
		}
		for _, ex := range lib.Exports() {
			if ex.Name == sym {
				return dep
			}
		}
	}
	if len(deps) > 0 {
		return deps[0]
	}
	return "extern"
}
