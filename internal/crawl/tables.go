package crawl

// Ref is one directed cross-reference edge. Size is the byte width of the
// access for data edges and zero for code and memory-reference edges.
type Ref struct {
	Addr uint64
	Size uint64
}

// Tables are the eight cross-reference indexes plus the set of analyzed
// addresses, produced as one snapshot per crawl.
//
// The From tables map an instruction to the addresses it touches; the To
// tables are the reverse indexes. Data To tables are keyed per byte, so a
// 4-byte read of 0x5000 answers lookups of 0x5000 through 0x5003.
type Tables struct {
	DataReadsFrom  map[uint64][]Ref
	DataReadsTo    map[uint64][]Ref
	DataWritesFrom map[uint64][]Ref
	DataWritesTo   map[uint64][]Ref
	CodeRefsFrom   map[uint64][]Ref
	CodeRefsTo     map[uint64][]Ref
	MemRefsFrom    map[uint64][]Ref
	MemRefsTo      map[uint64][]Ref

	Analyzed map[uint64]bool
}

func newTables() *Tables {
	return &Tables{
		DataReadsFrom:  make(map[uint64][]Ref),
		DataReadsTo:    make(map[uint64][]Ref),
		DataWritesFrom: make(map[uint64][]Ref),
		DataWritesTo:   make(map[uint64][]Ref),
		CodeRefsFrom:   make(map[uint64][]Ref),
		CodeRefsTo:     make(map[uint64][]Ref),
		MemRefsFrom:    make(map[uint64][]Ref),
		MemRefsTo:      make(map[uint64][]Ref),
		Analyzed:       make(map[uint64]bool),
	}
}

func (t *Tables) addRead(insn, target, size uint64) {
	t.DataReadsFrom[insn] = append(t.DataReadsFrom[insn], Ref{Addr: target, Size: size})
	for i := uint64(0); i < size; i++ {
		b := target + i
		t.DataReadsTo[b] = append(t.DataReadsTo[b], Ref{Addr: insn, Size: size})
	}
}

func (t *Tables) addWrite(insn, target, size uint64) {
	t.DataWritesFrom[insn] = append(t.DataWritesFrom[insn], Ref{Addr: target, Size: size})
	for i := uint64(0); i < size; i++ {
		b := target + i
		t.DataWritesTo[b] = append(t.DataWritesTo[b], Ref{Addr: insn, Size: size})
	}
}

func (t *Tables) addCode(insn, target uint64) {
	t.CodeRefsFrom[insn] = append(t.CodeRefsFrom[insn], Ref{Addr: target})
	t.CodeRefsTo[target] = append(t.CodeRefsTo[target], Ref{Addr: insn})
}

func (t *Tables) addMem(insn, target uint64) {
	t.MemRefsFrom[insn] = append(t.MemRefsFrom[insn], Ref{Addr: target})
	t.MemRefsTo[target] = append(t.MemRefsTo[target], Ref{Addr: insn})
}
