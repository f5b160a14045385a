package space

import (
	"encoding/binary"
	"testing"

	"xref/internal/lift"
)

func slotValue(t *testing.T, img *fakeImage, site uint64) uint64 {
	t.Helper()
	seg := img.segs[0]
	return binary.LittleEndian.Uint64(seg.Data[site-seg.Addr:])
}

func TestResolveBindsImports(t *testing.T) {
	libc := simpleImage("libc.so.6", 0x1000, 0x1fff)
	libc.exports = []Export{{Name: "open", Kind: "FUNC"}, {Name: "errno", Kind: "OBJECT"}}
	libc.addrs = map[string]uint64{"open": 0x1100, "errno": 0x1f00}

	main := simpleImage("prog", 0x400000, 0x401fff, "libc.so.6")
	main.imports = []Import{
		{Name: "open", Sites: []uint64{0x401000}},
		{Name: "nosuch", Sites: []uint64{0x401008}},
	}

	s := New(Options{Arch: lift.AMD64})
	s.Add(main)
	if err := s.Place(libc); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	s.Resolve()

	wantOpen, err := libc.ResolveExportAddr("open")
	if err != nil {
		t.Fatalf("ResolveExportAddr failed: %v", err)
	}
	if got := slotValue(t, main, 0x401000); got != wantOpen {
		t.Errorf("open slot = %#x, want %#x", got, wantOpen)
	}

	// The unmatched import stays unpatched and appears as a warning.
	if got := slotValue(t, main, 0x401008); got != 0 {
		t.Errorf("nosuch slot = %#x, want untouched zeros", got)
	}
	found := false
	for _, w := range s.Warnings() {
		if w.Sym == "nosuch" && w.Image == "prog" {
			found = true
		}
	}
	if !found {
		t.Errorf("unresolved import missing from warnings: %v", s.Warnings())
	}
}

func TestResolveOnlyDeclaredDeps(t *testing.T) {
	// libother exports the symbol but prog does not declare it.
	libother := simpleImage("libother.so", 0x1000, 0x1fff)
	libother.exports = []Export{{Name: "open", Kind: "FUNC"}}
	libother.addrs = map[string]uint64{"open": 0x1100}

	main := simpleImage("prog", 0x400000, 0x401fff, "libc.so.6")
	main.imports = []Import{{Name: "open", Sites: []uint64{0x401000}}}

	s := New(Options{})
	s.Add(main)
	if err := s.Place(libother); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	s.Resolve()

	if got := slotValue(t, main, 0x401000); got != 0 {
		t.Errorf("undeclared library satisfied an import: slot = %#x", got)
	}
	if len(s.Warnings()) == 0 {
		t.Error("expected an unresolved-import warning")
	}
}

func TestResolveFirstDeclaredDepWins(t *testing.T) {
	liba := simpleImage("liba.so", 0x1000, 0x1fff)
	liba.exports = []Export{{Name: "dup", Kind: "FUNC"}}
	liba.addrs = map[string]uint64{"dup": 0x1100}

	libb := simpleImage("libb.so", 0x1000, 0x1fff)
	libb.exports = []Export{{Name: "dup", Kind: "FUNC"}}
	libb.addrs = map[string]uint64{"dup": 0x1200}

	main := simpleImage("prog", 0x400000, 0x401fff, "liba.so", "libb.so")
	main.imports = []Import{{Name: "dup", Sites: []uint64{0x401000}}}

	s := New(Options{})
	s.Add(main)
	if err := s.Place(liba); err != nil {
		t.Fatalf("Place(liba) failed: %v", err)
	}
	if err := s.Place(libb); err != nil {
		t.Fatalf("Place(libb) failed: %v", err)
	}
	s.Resolve()

	want, err := liba.ResolveExportAddr("dup")
	if err != nil {
		t.Fatalf("ResolveExportAddr failed: %v", err)
	}
	if got := slotValue(t, main, 0x401000); got != want {
		t.Errorf("dup bound to %#x, want first declared dependency's %#x", got, want)
	}
}

func TestResolveSkipsUnreadableExport(t *testing.T) {
	// "broken" is listed as an export but has no resolvable address;
	// "good" must still bind.
	lib := simpleImage("libc.so.6", 0x1000, 0x1fff)
	lib.exports = []Export{{Name: "broken", Kind: "FUNC"}, {Name: "good", Kind: "FUNC"}}
	lib.addrs = map[string]uint64{"good": 0x1200}

	main := simpleImage("prog", 0x400000, 0x401fff, "libc.so.6")
	main.imports = []Import{
		{Name: "broken", Sites: []uint64{0x401000}},
		{Name: "good", Sites: []uint64{0x401008}},
	}

	s := New(Options{})
	s.Add(main)
	if err := s.Place(lib); err != nil {
		t.Fatalf("Place failed: %v", err)
	}
	s.Resolve()

	want, err := lib.ResolveExportAddr("good")
	if err != nil {
		t.Fatalf("ResolveExportAddr failed: %v", err)
	}
	if got := slotValue(t, main, 0x401008); got != want {
		t.Errorf("good slot = %#x, want %#x", got, want)
	}
	if got := slotValue(t, main, 0x401000); got != 0 {
		t.Errorf("broken slot = %#x, want untouched zeros", got)
	}

	var exportWarn, importWarn bool
	for _, w := range s.Warnings() {
		if w.Sym == "broken" && w.Image == "libc.so.6" {
			exportWarn = true
		}
		if w.Sym == "broken" && w.Image == "prog" {
			importWarn = true
		}
	}
	if !exportWarn || !importWarn {
		t.Errorf("expected export and import warnings for broken, got %v", s.Warnings())
	}
}
