package exec

import (
	"encoding/binary"
	"errors"
	"testing"

	"xref/internal/lift"
)

// sliceMem backs the analyzer with a fixed byte window, standing in for an
// assembled address space.
type sliceMem struct {
	base uint64
	data []byte
}

func (m sliceMem) Slice(addr uint64, n int) []byte {
	if addr < m.base || addr-m.base >= uint64(len(m.data)) {
		return nil
	}
	off := addr - m.base
	end := off + uint64(n)
	if end > uint64(len(m.data)) {
		end = uint64(len(m.data))
	}
	return m.data[off:end]
}

func analyze(t *testing.T, arch lift.Arch, code []byte, base uint64, mem Memory) *Outcome {
	t.Helper()
	b, err := lift.Lift(arch, code, base, 0)
	if err != nil {
		t.Fatalf("Lift failed: %v", err)
	}
	st, err := NewState(arch)
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}
	a := &Analyzer{Mem: mem, Min: 0x1000, Max: 0xffff}
	out, err := a.AnalyzeStatic(b, st)
	if err != nil {
		t.Fatalf("AnalyzeStatic failed: %v", err)
	}
	return out
}

func checkAccesses(t *testing.T, got, want []Access) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d accesses, want %d\ngot: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("access %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestNewState(t *testing.T) {
	for _, arch := range []lift.Arch{lift.AMD64, lift.ARM64} {
		st, err := NewState(arch)
		if err != nil {
			t.Fatalf("NewState(%s) failed: %v", arch, err)
		}
		if st.Arch != arch {
			t.Errorf("Arch = %q, want %q", st.Arch, arch)
		}
		if st.SP == 0 {
			t.Error("SP not initialized")
		}
	}

	if _, err := NewState("mips"); !errors.Is(err, ErrUnsupportedArch) {
		t.Errorf("NewState(mips) = %v, want ErrUnsupportedArch", err)
	}
}

func TestStateClone(t *testing.T) {
	st, err := NewState(lift.AMD64)
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}
	cl := st.Clone()
	cl.SP = 0x1234
	if st.SP == cl.SP {
		t.Error("Clone shares state with original")
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindRead, "read"},
		{KindWrite, "write"},
		{KindCode, "code"},
		{KindMem, "mem"},
		{Kind(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}

func TestAnalyzeStaticAMD64(t *testing.T) {
	tests := []struct {
		name string
		code []byte
		want []Access
	}{
		{
			name: "direct jump",
			code: []byte{0xe9, 0xfb, 0x0f, 0x00, 0x00}, // jmp 0x2000
			want: []Access{{Kind: KindCode, Insn: 0x1000, Target: 0x2000}},
		},
		{
			name: "conditional jump",
			code: []byte{0x74, 0x10}, // je 0x1012
			want: []Access{{Kind: KindCode, Insn: 0x1000, Target: 0x1012}},
		},
		{
			name: "direct call",
			code: []byte{0xe8, 0xfb, 0x0f, 0x00, 0x00, 0xc3}, // call 0x2000; ret
			want: []Access{{Kind: KindCode, Insn: 0x1000, Target: 0x2000}},
		},
		{
			name: "absolute load",
			code: []byte{0x8b, 0x04, 0x25, 0x00, 0x50, 0x00, 0x00}, // mov eax, [0x5000]
			want: []Access{{Kind: KindRead, Insn: 0x1000, Target: 0x5000, Size: 4}},
		},
		{
			name: "absolute store",
			code: []byte{0x89, 0x04, 0x25, 0x00, 0x50, 0x00, 0x00}, // mov [0x5000], eax
			want: []Access{{Kind: KindWrite, Insn: 0x1000, Target: 0x5000, Size: 4}},
		},
		{
			name: "rip relative load",
			code: []byte{0x8b, 0x05, 0xfa, 0x2f, 0x00, 0x00}, // mov eax, [rip+0x2ffa] = [0x4000]
			want: []Access{{Kind: KindRead, Insn: 0x1000, Target: 0x4000, Size: 4}},
		},
		{
			name: "read modify write",
			code: []byte{0x83, 0x04, 0x25, 0x00, 0x50, 0x00, 0x00, 0x01}, // add dword [0x5000], 1
			want: []Access{
				{Kind: KindWrite, Insn: 0x1000, Target: 0x5000, Size: 4},
				{Kind: KindRead, Insn: 0x1000, Target: 0x5000, Size: 4},
			},
		},
		{
			name: "compare is load only",
			code: []byte{0x39, 0x04, 0x25, 0x00, 0x50, 0x00, 0x00}, // cmp [0x5000], eax
			want: []Access{{Kind: KindRead, Insn: 0x1000, Target: 0x5000, Size: 4}},
		},
		{
			name: "lea forms address",
			code: []byte{0x48, 0x8d, 0x05, 0xf9, 0x2f, 0x00, 0x00}, // lea rax, [rip+0x2ff9] = 0x4000
			want: []Access{{Kind: KindMem, Insn: 0x1000, Target: 0x4000}},
		},
		{
			name: "immediate inside space",
			code: []byte{0x48, 0xb8, 0x00, 0x20, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}, // mov rax, 0x2000
			want: []Access{{Kind: KindMem, Insn: 0x1000, Target: 0x2000}},
		},
		{
			name: "immediate outside space",
			code: []byte{0x48, 0xb8, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00}, // mov rax, 0x100000
			want: nil,
		},
		{
			name: "register jump is symbolic",
			code: []byte{0xff, 0xe0}, // jmp rax
			want: []Access{{Kind: KindCode, Insn: 0x1000, Symbolic: true}},
		},
		{
			name: "register call is symbolic",
			code: []byte{0xff, 0xd0, 0xc3}, // call rax; ret
			want: []Access{{Kind: KindCode, Insn: 0x1000, Symbolic: true}},
		},
		{
			name: "register load is symbolic",
			code: []byte{0x8b, 0x00}, // mov eax, [rax]
			want: []Access{{Kind: KindRead, Insn: 0x1000, Size: 4, Symbolic: true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := analyze(t, lift.AMD64, tt.code, 0x1000, nil)
			checkAccesses(t, out.Accesses, tt.want)
			if out.Exit == nil {
				t.Error("Outcome has no exit state")
			}
		})
	}
}

func TestAnalyzeStaticAMD64IndirectSlot(t *testing.T) {
	// An 8-byte slot at 0x4000 holding 0x2000, the shape of a patched
	// import entry.
	slot := make([]byte, 8)
	binary.LittleEndian.PutUint64(slot, 0x2000)
	mem := sliceMem{base: 0x4000, data: slot}

	tests := []struct {
		name string
		code []byte
	}{
		{
			name: "call through slot",
			code: []byte{0xff, 0x15, 0xfa, 0x2f, 0x00, 0x00, 0xc3}, // call [rip+0x2ffa]; ret
		},
		{
			name: "jump through slot",
			code: []byte{0xff, 0x25, 0xfa, 0x2f, 0x00, 0x00}, // jmp [rip+0x2ffa]
		},
	}
	want := []Access{
		{Kind: KindRead, Insn: 0x1000, Target: 0x4000, Size: 8},
		{Kind: KindCode, Insn: 0x1000, Target: 0x2000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := analyze(t, lift.AMD64, tt.code, 0x1000, mem)
			checkAccesses(t, out.Accesses, want)
		})
	}

	t.Run("unreadable slot goes symbolic", func(t *testing.T) {
		out := analyze(t, lift.AMD64, []byte{0xff, 0x25, 0xfa, 0x2f, 0x00, 0x00}, 0x1000, nil)
		checkAccesses(t, out.Accesses, []Access{
			{Kind: KindRead, Insn: 0x1000, Target: 0x4000, Size: 8},
			{Kind: KindCode, Insn: 0x1000, Symbolic: true},
		})
	})
}

func TestAnalyzeStaticRejects(t *testing.T) {
	st, err := NewState(lift.AMD64)
	if err != nil {
		t.Fatalf("NewState failed: %v", err)
	}
	a := &Analyzer{Min: 0x1000, Max: 0xffff}

	if _, err := a.AnalyzeStatic(nil, st); err == nil {
		t.Error("AnalyzeStatic(nil) did not fail")
	}
	if _, err := a.AnalyzeStatic(&lift.Block{Arch: lift.AMD64}, st); err == nil {
		t.Error("AnalyzeStatic(empty block) did not fail")
	}

	b := &lift.Block{Arch: "mips", Insns: make([]lift.Insn, 1)}
	if _, err := a.AnalyzeStatic(b, st); !errors.Is(err, ErrUnsupportedArch) {
		t.Errorf("AnalyzeStatic(mips) = %v, want ErrUnsupportedArch", err)
	}
}
