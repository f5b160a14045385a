// Package symbols resolves addresses to the nearest known name. The table
// is built once from a space's exports and stub registrations, sorted, and
// queried by binary search; display names are demangled through a bounded
// cache.
package symbols

import (
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ianlancetaylor/demangle"

	"xref/internal/space"
)

// Sym is one named address in the assembled space.
type Sym struct {
	Image string
	Name  string
	Addr  uint64
	Kind  string
}

// Table answers nearest-at-or-below symbol queries. It never changes after
// New, so reads need no locking.
type Table struct {
	syms []Sym
	dem  *Demangler
}

// New collects every resolvable export of every image plus every stub
// pseudo-address. Exports that cannot be resolved to a fixed address
// (thread-local storage, for one) are left out.
func New(sp *space.Space) *Table {
	var syms []Sym
	for _, img := range sp.Images() {
		for _, e := range img.Exports() {
			addr, err := img.ResolveExportAddr(e.Name)
			if err != nil {
				continue
			}
			syms = append(syms, Sym{Image: img.Name(), Name: e.Name, Addr: addr, Kind: e.Kind})
		}
	}
	sp.Stubs().Each(func(addr uint64, lib, sym string) {
		syms = append(syms, Sym{Image: lib, Name: sym, Addr: addr, Kind: "stub"})
	})
	sort.Slice(syms, func(i, j int) bool {
		if syms[i].Addr != syms[j].Addr {
			return syms[i].Addr < syms[j].Addr
		}
		return syms[i].Name < syms[j].Name
	})
	return &Table{syms: syms, dem: NewDemangler(4096)}
}

// Len returns the number of named addresses.
func (t *Table) Len() int { return len(t.syms) }

// Syms returns the sorted table. Callers must not mutate it.
func (t *Table) Syms() []Sym { return t.syms }

// Resolve returns the nearest symbol at or below addr and the distance to
// it. The second return is false when no symbol sits at or below addr.
func (t *Table) Resolve(addr uint64) (Sym, uint64, bool) {
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Addr > addr })
	if i == 0 {
		return Sym{}, 0, false
	}
	s := t.syms[i-1]
	return s, addr - s.Addr, true
}

// Format renders addr as image!name or image!name+0xoff, falling back to
// plain hex when nothing resolves. Names are demangled for display.
func (t *Table) Format(addr uint64) string {
	s, off, ok := t.Resolve(addr)
	if !ok {
		return fmt.Sprintf("%#x", addr)
	}
	name := t.dem.Demangle(s.Name)
	if off == 0 {
		return fmt.Sprintf("%s!%s", s.Image, name)
	}
	return fmt.Sprintf("%s!%s+%#x", s.Image, name, off)
}

// Demangler turns mangled linker names into readable ones, caching results.
// The cache is safe for concurrent use.
type Demangler struct {
	cache *lru.Cache[string, string]
}

// NewDemangler builds a cache of the given size; sizes below one get a
// sane default.
func NewDemangler(size int) *Demangler {
	if size < 1 {
		size = 4096
	}
	c, _ := lru.New[string, string](size)
	return &Demangler{cache: c}
}

// Demangle returns the display form of name. Non-mangled names pass
// through unchanged.
func (d *Demangler) Demangle(name string) string {
	if v, ok := d.cache.Get(name); ok {
		return v
	}
	out := demangle.Filter(name, demangle.NoClones)
	d.cache.Add(name, out)
	return out
}
