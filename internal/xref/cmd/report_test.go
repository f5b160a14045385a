package cmd

import (
	"fmt"
	"strings"
	"testing"

	"xref/internal/crawl"
	"xref/internal/lift"
	"xref/internal/space"
	"xref/internal/symbols"
)

type fakeBin struct {
	entry   uint64
	deps    []string
	segs    []space.Segment
	exports []space.Export
	imports []space.Import
	addrs   map[string]uint64
}

func (f *fakeBin) Path() string                     { return "/fake/prog" }
func (f *fakeBin) Name() string                     { return "prog" }
func (f *fakeBin) Arch() lift.Arch                  { return lift.AMD64 }
func (f *fakeBin) Entry() uint64                    { return f.entry }
func (f *fakeBin) Deps() []string                   { return f.deps }
func (f *fakeBin) Segments() []space.Segment        { return f.segs }
func (f *fakeBin) Exports() []space.Export          { return f.exports }
func (f *fakeBin) Imports() []space.Import          { return f.imports }
func (f *fakeBin) Rebase(int64) error               { return nil }
func (f *fakeBin) PatchImport(string, uint64) error { return nil }
func (f *fakeBin) WriteBytes(uint64, []byte) error  { return nil }

func (f *fakeBin) MinAddr() uint64 { return f.segs[0].Addr }

func (f *fakeBin) MaxAddr() uint64 {
	hi := uint64(0)
	for _, s := range f.segs {
		if end := s.Addr + uint64(len(s.Data)) - 1; end > hi {
			hi = end
		}
	}
	return hi
}

func (f *fakeBin) ResolveExportAddr(name string) (uint64, error) {
	if addr, ok := f.addrs[name]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("%w: %s", space.ErrNotFound, name)
}

// analyzedFixture assembles a two-block program, crawls it, and returns
// all three pipeline results.
func analyzedFixture(t *testing.T) (*space.Space, *crawl.Tables, *symbols.Table) {
	t.Helper()

	data := make([]byte, 0x2000)
	copy(data[0:], []byte{0xe9, 0xfb, 0x0f, 0x00, 0x00}) // jmp 0x2000
	data[0x1000] = 0xc3                                  // ret

	bin := &fakeBin{
		entry: 0x1000,
		segs: []space.Segment{
			{Addr: 0x1000, Data: data, Perm: space.PermRead | space.PermExec},
		},
		exports: []space.Export{
			{Name: "start", Kind: "STT_FUNC"},
			{Name: "target", Kind: "STT_FUNC"},
		},
		addrs: map[string]uint64{"start": 0x1000, "target": 0x2000},
	}

	sp := space.New(space.Options{Arch: lift.AMD64})
	sp.Add(bin)
	sp.Pull()

	tabs, err := crawl.New(sp, nil).Crawl()
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	return sp, tabs, symbols.New(sp)
}

func TestParseArch(t *testing.T) {
	tests := []struct {
		in   string
		want lift.Arch
		ok   bool
	}{
		{"", "", true},
		{"amd64", lift.AMD64, true},
		{"x86_64", lift.AMD64, true},
		{"arm64", lift.ARM64, true},
		{"aarch64", lift.ARM64, true},
		{"mips", "", false},
	}
	for _, tt := range tests {
		got, err := parseArch(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("parseArch(%q) = %v, %v; want %v, ok=%v", tt.in, got, err, tt.want, tt.ok)
		}
	}
}

func TestTopCodeTargets(t *testing.T) {
	tabs := &crawl.Tables{
		CodeRefsTo: map[uint64][]crawl.Ref{
			0x3000: {{Addr: 1}, {Addr: 2}, {Addr: 3}},
			0x1000: {{Addr: 1}},
			0x2000: {{Addr: 1}},
			0x4000: {{Addr: 1}, {Addr: 2}},
		},
	}

	top := topCodeTargets(tabs, 3)
	if len(top) != 3 {
		t.Fatalf("got %d targets, want 3", len(top))
	}
	if top[0].addr != 0x3000 || top[0].count != 3 {
		t.Errorf("top[0] = %+v, want 0x3000 with 3", top[0])
	}
	if top[1].addr != 0x4000 {
		t.Errorf("top[1] = %+v, want 0x4000", top[1])
	}
	// Equal counts fall back to address order.
	if top[2].addr != 0x1000 {
		t.Errorf("top[2] = %+v, want 0x1000", top[2])
	}
}

func TestBuildReport(t *testing.T) {
	sp, tabs, syms := analyzedFixture(t)

	md := buildReport(sp, tabs, syms, "/fake/prog")
	for _, want := range []string{
		"# Xref Report",
		"| prog | 0x1000-0x2fff | 0x1000 |",
		"2 addresses analyzed",
		"## Entry block 0x1000",
		"jmp",
		"prog!target",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("report missing %q:\n%s", want, md)
		}
	}
}

func TestBlockListing(t *testing.T) {
	sp, tabs, syms := analyzedFixture(t)

	listing := blockListing(sp, tabs, syms, 0x1000)
	if !strings.Contains(listing, "1000:") {
		t.Errorf("listing has no address column:\n%s", listing)
	}
	if !strings.Contains(listing, "; code prog!target") {
		t.Errorf("listing missing outgoing annotation:\n%s", listing)
	}

	if out := blockListing(sp, tabs, syms, 0x9999999); !strings.Contains(out, "nothing mapped") {
		t.Errorf("unmapped listing = %q", out)
	}
}

func TestBlockListingStub(t *testing.T) {
	bin := &fakeBin{
		entry: 0x1000,
		deps:  []string{"libc.so"},
		segs: []space.Segment{
			{Addr: 0x1000, Data: []byte{0xc3}, Perm: space.PermRead | space.PermExec},
		},
		imports: []space.Import{{Name: "open"}},
	}
	sp := space.New(space.Options{Arch: lift.AMD64})
	sp.Add(bin)
	if err := sp.SynthesizeStubs(); err != nil {
		t.Fatalf("SynthesizeStubs failed: %v", err)
	}
	sp.Pull()

	tabs, err := crawl.New(sp, nil).Crawl()
	if err != nil {
		t.Fatalf("Crawl failed: %v", err)
	}
	syms := symbols.New(sp)

	out := blockListing(sp, tabs, syms, space.PseudoAddr("libc.so", "open"))
	if !strings.Contains(out, "synthetic stub libc.so!open") {
		t.Errorf("stub listing = %q", out)
	}
}

func TestBuildJSON(t *testing.T) {
	sp, tabs, _ := analyzedFixture(t)

	rep := buildJSON("/fake/prog", sp, tabs)
	if rep.Arch != "amd64" {
		t.Errorf("arch = %q", rep.Arch)
	}
	if len(rep.Analyzed) != 2 || rep.Analyzed[0] != "0x1000" || rep.Analyzed[1] != "0x2000" {
		t.Errorf("analyzed = %v", rep.Analyzed)
	}
	refs := rep.Tables["code_refs_to"]["0x2000"]
	if len(refs) != 1 || refs[0].Addr != "0x1000" {
		t.Errorf("code_refs_to[0x2000] = %v", refs)
	}
	if len(rep.Images) != 1 || rep.Images[0].Name != "prog" {
		t.Errorf("images = %v", rep.Images)
	}
}

func TestIncomingRefs(t *testing.T) {
	_, tabs, syms := analyzedFixture(t)

	lines := incomingRefs(tabs, syms, 0x2000)
	if len(lines) != 1 || !strings.Contains(lines[0], "code from 0x1000") {
		t.Errorf("incomingRefs(0x2000) = %v", lines)
	}
	if lines := incomingRefs(tabs, syms, 0x5000); len(lines) != 0 {
		t.Errorf("incomingRefs(unreferenced) = %v", lines)
	}
}
