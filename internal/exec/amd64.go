package exec

import (
	"golang.org/x/arch/x86/x86asm"

	"xref/internal/lift"
)

// amd64 ops whose first operand, when memory, is only stored to.
var amd64StoreOps = map[x86asm.Op]bool{
	x86asm.MOV:       true,
	x86asm.MOVQ:      true,
	x86asm.MOVD:      true,
	x86asm.MOVAPS:    true,
	x86asm.MOVUPS:    true,
	x86asm.MOVDQA:    true,
	x86asm.MOVDQU:    true,
	x86asm.MOVSS:     true,
	x86asm.MOVSD_XMM: true,
}

// amd64 ops whose first operand, when memory, is only loaded.
var amd64LoadOnlyOps = map[x86asm.Op]bool{
	x86asm.CMP:  true,
	x86asm.TEST: true,
	x86asm.PUSH: true,
}

func amd64IsBranch(op x86asm.Op) bool {
	switch op {
	case x86asm.JMP, x86asm.LJMP, x86asm.CALL, x86asm.LCALL,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return true
	}
	return false
}

// amd64MemAddr resolves a memory operand to a concrete address when it has
// no runtime-dependent component: either an absolute displacement or a
// RIP-relative one. end is the address of the following instruction.
func amd64MemAddr(m x86asm.Mem, end uint64) (uint64, bool) {
	if m.Segment != 0 {
		return 0, false
	}
	if m.Base == x86asm.RIP && m.Index == 0 {
		return uint64(int64(end) + m.Disp), true
	}
	if m.Base == 0 && m.Index == 0 {
		return uint64(m.Disp), true
	}
	return 0, false
}

func (a *Analyzer) analyzeAMD64(b *lift.Block, st *State) *Outcome {
	out := &Outcome{Exit: st.Clone()}
	for i := range b.Insns {
		in := &b.Insns[i]
		inst := in.X86
		if inst == nil {
			continue
		}
		end := in.Addr + uint64(in.Len)

		if amd64IsBranch(inst.Op) {
			a.amd64Branch(out, in.Addr, inst, end)
			continue
		}

		if inst.Op == x86asm.LEA {
			if m, ok := inst.Args[1].(x86asm.Mem); ok {
				if addr, ok := amd64MemAddr(m, end); ok {
					out.Accesses = append(out.Accesses, Access{Kind: KindMem, Insn: in.Addr, Target: addr})
				} else {
					out.Accesses = append(out.Accesses, Access{Kind: KindMem, Insn: in.Addr, Symbolic: true})
				}
			}
			continue
		}

		for argIdx, arg := range inst.Args {
			if arg == nil {
				break
			}
			switch t := arg.(type) {
			case x86asm.Mem:
				a.amd64Data(out, in.Addr, inst, argIdx, t, end)
			case x86asm.Imm:
				if amd64AddrImm(inst.Op) && a.inSpace(uint64(t)) {
					out.Accesses = append(out.Accesses, Access{Kind: KindMem, Insn: in.Addr, Target: uint64(t)})
				}
			}
		}
	}
	return out
}

// amd64Branch classifies a jump or call. Indirect transfers through a
// concrete memory slot surface both the slot load and the loaded target,
// which is how patched import slots lead the crawl to their handlers.
func (a *Analyzer) amd64Branch(out *Outcome, pc uint64, inst *x86asm.Inst, end uint64) {
	switch t := inst.Args[0].(type) {
	case x86asm.Rel:
		target := uint64(int64(end) + int64(t))
		out.Accesses = append(out.Accesses, Access{Kind: KindCode, Insn: pc, Target: target})
	case x86asm.Mem:
		addr, ok := amd64MemAddr(t, end)
		if !ok {
			out.Accesses = append(out.Accesses, Access{Kind: KindCode, Insn: pc, Symbolic: true})
			return
		}
		out.Accesses = append(out.Accesses, Access{Kind: KindRead, Insn: pc, Target: addr, Size: 8})
		v, ok := a.readPtr(addr)
		if !ok {
			a.debugf("indirect branch slot unreadable", "insn", pc, "slot", addr)
			out.Accesses = append(out.Accesses, Access{Kind: KindCode, Insn: pc, Symbolic: true})
			return
		}
		out.Accesses = append(out.Accesses, Access{Kind: KindCode, Insn: pc, Target: v})
	case x86asm.Reg:
		out.Accesses = append(out.Accesses, Access{Kind: KindCode, Insn: pc, Symbolic: true})
	}
}

// amd64Data classifies one memory operand of a non-branch instruction.
func (a *Analyzer) amd64Data(out *Outcome, pc uint64, inst *x86asm.Inst, argIdx int, m x86asm.Mem, end uint64) {
	size := uint64(inst.MemBytes)
	if size == 0 {
		return
	}
	addr, ok := amd64MemAddr(m, end)
	if !ok {
		out.Accesses = append(out.Accesses, Access{Kind: KindRead, Insn: pc, Size: size, Symbolic: true})
		return
	}
	if argIdx == 0 && !amd64LoadOnlyOps[inst.Op] {
		out.Accesses = append(out.Accesses, Access{Kind: KindWrite, Insn: pc, Target: addr, Size: size})
		// Read-modify-write ops load the destination before storing it.
		if !amd64StoreOps[inst.Op] {
			out.Accesses = append(out.Accesses, Access{Kind: KindRead, Insn: pc, Target: addr, Size: size})
		}
		return
	}
	out.Accesses = append(out.Accesses, Access{Kind: KindRead, Insn: pc, Target: addr, Size: size})
}

// amd64AddrImm reports ops whose immediate plausibly carries an address.
func amd64AddrImm(op x86asm.Op) bool {
	return op == x86asm.MOV || op == x86asm.PUSH
}
