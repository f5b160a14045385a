package space

import (
	"errors"
	"sort"
)

// ErrUnmapped reports an address outside every pulled range.
var ErrUnmapped = errors.New("space: address not mapped")

// span is one pulled [Start, End) range. Fields are exported for the
// snapshot encoder.
type span struct {
	Start, End uint64
}

// MemView maps virtual addresses to bytes in granularity-sized chunks.
// It is filled by explicit pulls, never implicitly.
type MemView struct {
	pages map[uint64][]byte
	spans []span
}

func NewMemView() *MemView {
	return &MemView{pages: make(map[uint64][]byte)}
}

// Pull copies every segment of the given images into the view.
func (v *MemView) Pull(imgs ...Binary) {
	for _, img := range imgs {
		for _, seg := range img.Segments() {
			v.Write(seg.Addr, seg.Data)
		}
	}
}

// Write materializes data at addr, allocating chunks as needed.
func (v *MemView) Write(addr uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	v.addSpan(addr, addr+uint64(len(data)))
	for len(data) > 0 {
		base := alignDown(addr, Granularity)
		pg, ok := v.pages[base]
		if !ok {
			pg = make([]byte, Granularity)
			v.pages[base] = pg
		}
		n := copy(pg[addr-base:], data)
		addr += uint64(n)
		data = data[n:]
	}
}

func (v *MemView) addSpan(start, end uint64) {
	v.spans = append(v.spans, span{Start: start, End: end})
	sort.Slice(v.spans, func(i, j int) bool { return v.spans[i].Start < v.spans[j].Start })
	merged := v.spans[:1]
	for _, sp := range v.spans[1:] {
		last := &merged[len(merged)-1]
		if sp.Start <= last.End {
			if sp.End > last.End {
				last.End = sp.End
			}
			continue
		}
		merged = append(merged, sp)
	}
	v.spans = merged
}

func (v *MemView) mapped(addr uint64) bool {
	i := sort.Search(len(v.spans), func(i int) bool { return v.spans[i].End > addr })
	return i < len(v.spans) && v.spans[i].Start <= addr
}

// Byte returns the byte at addr, or ErrUnmapped outside pulled ranges.
func (v *MemView) Byte(addr uint64) (byte, error) {
	if !v.mapped(addr) {
		return 0, ErrUnmapped
	}
	pg, ok := v.pages[alignDown(addr, Granularity)]
	if !ok {
		return 0, ErrUnmapped
	}
	return pg[addr%Granularity], nil
}

// Slice returns up to n bytes starting at addr, truncated at the first
// unmapped address. It is the byte source the execution analyzer sees.
func (v *MemView) Slice(addr uint64, n int) []byte {
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		b, err := v.Byte(addr + uint64(i))
		if err != nil {
			break
		}
		out = append(out, b)
	}
	return out
}

// PermView maps virtual addresses to permission flags in fixed pages.
type PermView struct {
	pages map[uint64]Perm
}

func NewPermView() *PermView {
	return &PermView{pages: make(map[uint64]Perm)}
}

// Pull marks every page a segment touches with the segment's flags.
// Overlapping segments union their flags.
func (v *PermView) Pull(imgs ...Binary) {
	for _, img := range imgs {
		for _, seg := range img.Segments() {
			if len(seg.Data) == 0 {
				continue
			}
			end := seg.Addr + uint64(len(seg.Data))
			for base := alignDown(seg.Addr, PermPage); base < end; base += PermPage {
				v.pages[base] |= seg.Perm
			}
		}
	}
}

// Set overrides the flags of the page containing addr.
func (v *PermView) Set(addr uint64, p Perm) {
	v.pages[alignDown(addr, PermPage)] = p
}

// Perm returns the flags of the page containing addr. The second result
// distinguishes an absent page from a present one with empty flags.
func (v *PermView) Perm(addr uint64) (Perm, bool) {
	p, ok := v.pages[alignDown(addr, PermPage)]
	return p, ok
}

// Executable reports whether addr sits in a mapped executable page.
func (v *PermView) Executable(addr uint64) bool {
	p, ok := v.Perm(addr)
	return ok && p.Executable()
}
