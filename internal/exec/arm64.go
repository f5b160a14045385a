package exec

import (
	"strconv"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"

	"xref/internal/lift"
)

// analyzeARM64 walks a block tracking concrete register values through the
// ADRP/ADD/LDR address-formation idioms, so loads through formed addresses
// and indirect branches through loaded pointers classify concretely.
func (a *Analyzer) analyzeARM64(b *lift.Block, st *State) *Outcome {
	out := &Outcome{Exit: st.Clone()}
	regs := map[string]uint64{}

	for i := range b.Insns {
		in := &b.Insns[i]
		inst := in.A64
		if inst == nil {
			continue
		}
		pc := in.Addr

		switch inst.Op {
		case arm64asm.ADRP:
			if rel, ok := inst.Args[1].(arm64asm.PCRel); ok {
				if dst, ok := regName(inst.Args[0]); ok {
					page := uint64(int64(pc)+int64(rel)) &^ uint64(0xfff)
					regs[dst] = page
					out.Accesses = append(out.Accesses, Access{Kind: KindMem, Insn: pc, Target: page})
				}
			}

		case arm64asm.ADR:
			if rel, ok := inst.Args[1].(arm64asm.PCRel); ok {
				if dst, ok := regName(inst.Args[0]); ok {
					addr := uint64(int64(pc) + int64(rel))
					regs[dst] = addr
					out.Accesses = append(out.Accesses, Access{Kind: KindMem, Insn: pc, Target: addr})
				}
			}

		case arm64asm.ADD, arm64asm.SUB:
			a.arm64AddSub(out, regs, pc, inst)

		case arm64asm.MOV:
			dst, ok := regName(inst.Args[0])
			if !ok {
				break
			}
			if v, ok := immValue(inst.Args[1]); ok {
				regs[dst] = v
				if a.inSpace(v) {
					out.Accesses = append(out.Accesses, Access{Kind: KindMem, Insn: pc, Target: v})
				}
			} else if src, ok := regName(inst.Args[1]); ok {
				if v, tracked := regs[src]; tracked {
					regs[dst] = v
				} else {
					delete(regs, dst)
				}
			} else {
				delete(regs, dst)
			}

		case arm64asm.MOVZ:
			if dst, ok := regName(inst.Args[0]); ok {
				if v, ok := immValue(inst.Args[1]); ok {
					regs[dst] = v
					if a.inSpace(v) {
						out.Accesses = append(out.Accesses, Access{Kind: KindMem, Insn: pc, Target: v})
					}
				} else {
					delete(regs, dst)
				}
			}

		case arm64asm.MOVK, arm64asm.MOVN:
			if dst, ok := regName(inst.Args[0]); ok {
				delete(regs, dst)
			}

		case arm64asm.LDR, arm64asm.LDUR, arm64asm.LDRSW,
			arm64asm.LDRB, arm64asm.LDRH, arm64asm.LDRSB, arm64asm.LDRSH:
			a.arm64Load(out, regs, pc, inst)

		case arm64asm.STR, arm64asm.STUR, arm64asm.STRB, arm64asm.STRH:
			a.arm64Store(out, regs, pc, inst)

		case arm64asm.LDP, arm64asm.STP:
			a.arm64Pair(out, regs, pc, inst)

		case arm64asm.B, arm64asm.BL:
			if target, ok := pcRelTarget(inst, pc); ok {
				out.Accesses = append(out.Accesses, Access{Kind: KindCode, Insn: pc, Target: target})
			}

		case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
			if target, ok := pcRelTarget(inst, pc); ok {
				out.Accesses = append(out.Accesses, Access{Kind: KindCode, Insn: pc, Target: target})
			}

		case arm64asm.BR, arm64asm.BLR:
			if r, ok := regName(inst.Args[0]); ok {
				if v, tracked := regs[r]; tracked {
					out.Accesses = append(out.Accesses, Access{Kind: KindCode, Insn: pc, Target: v})
				} else {
					out.Accesses = append(out.Accesses, Access{Kind: KindCode, Insn: pc, Symbolic: true})
				}
			}

		case arm64asm.RET, arm64asm.NOP:
			// no accesses

		default:
			// Unmodeled op: its destination register is no longer known.
			if dst, ok := regName(inst.Args[0]); ok {
				delete(regs, dst)
			}
		}
	}
	return out
}

// arm64AddSub tracks the 3-operand immediate form, emitting a memory
// reference when an ADD completes an ADRP-formed address.
func (a *Analyzer) arm64AddSub(out *Outcome, regs map[string]uint64, pc uint64, inst *arm64asm.Inst) {
	dst, dstOK := regName(inst.Args[0])
	if !dstOK {
		return
	}
	src, srcOK := regName(inst.Args[1])
	imm, immOK := immValue(inst.Args[2])
	if !srcOK || !immOK {
		delete(regs, dst)
		return
	}
	base, tracked := regs[src]
	if !tracked {
		delete(regs, dst)
		return
	}
	if inst.Op == arm64asm.SUB {
		regs[dst] = base - imm
		return
	}
	val := base + imm
	regs[dst] = val
	out.Accesses = append(out.Accesses, Access{Kind: KindMem, Insn: pc, Target: val})
}

func (a *Analyzer) arm64Load(out *Outcome, regs map[string]uint64, pc uint64, inst *arm64asm.Inst) {
	dst, dstOK := regName(inst.Args[0])
	size := arm64AccessSize(inst.Op, dst)

	target, concrete := a.arm64Target(regs, pc, inst.Args[1])
	if !concrete {
		out.Accesses = append(out.Accesses, Access{Kind: KindRead, Insn: pc, Size: size, Symbolic: true})
		if dstOK {
			delete(regs, dst)
		}
		return
	}
	out.Accesses = append(out.Accesses, Access{Kind: KindRead, Insn: pc, Target: target, Size: size})
	if !dstOK {
		return
	}
	if size == 8 {
		if v, ok := a.readPtr(target); ok {
			regs[dst] = v
			return
		}
	}
	delete(regs, dst)
}

func (a *Analyzer) arm64Store(out *Outcome, regs map[string]uint64, pc uint64, inst *arm64asm.Inst) {
	src, _ := regName(inst.Args[0])
	size := arm64AccessSize(inst.Op, src)

	target, concrete := a.arm64Target(regs, pc, inst.Args[1])
	if !concrete {
		out.Accesses = append(out.Accesses, Access{Kind: KindWrite, Insn: pc, Size: size, Symbolic: true})
		return
	}
	out.Accesses = append(out.Accesses, Access{Kind: KindWrite, Insn: pc, Target: target, Size: size})
}

// arm64Pair handles LDP/STP: two registers, double-width access.
func (a *Analyzer) arm64Pair(out *Outcome, regs map[string]uint64, pc uint64, inst *arm64asm.Inst) {
	r0, ok0 := regName(inst.Args[0])
	r1, ok1 := regName(inst.Args[1])
	size := uint64(16)
	if ok0 {
		size = 2 * regWidth(r0)
	}

	kind := KindRead
	if inst.Op == arm64asm.STP {
		kind = KindWrite
	}
	target, concrete := a.arm64Target(regs, pc, inst.Args[2])
	if concrete {
		out.Accesses = append(out.Accesses, Access{Kind: kind, Insn: pc, Target: target, Size: size})
	} else {
		out.Accesses = append(out.Accesses, Access{Kind: kind, Insn: pc, Size: size, Symbolic: true})
	}
	if inst.Op == arm64asm.LDP {
		if ok0 {
			delete(regs, r0)
		}
		if ok1 {
			delete(regs, r1)
		}
	}
}

// arm64Target resolves a load/store operand to a concrete address: a
// literal-pool PCRel, or an immediate offset from a tracked base register.
// Pre- and post-indexed forms write the updated base back into tracking.
func (a *Analyzer) arm64Target(regs map[string]uint64, pc uint64, arg arm64asm.Arg) (uint64, bool) {
	switch m := arg.(type) {
	case arm64asm.PCRel:
		return uint64(int64(pc) + int64(m)), true
	case arm64asm.MemImmediate:
		base := strings.ToLower(m.Base.String())
		bv, tracked := regs[base]
		if !tracked {
			return 0, false
		}
		off := memOffset(m)
		target := uint64(int64(bv) + off)
		if m.Mode == arm64asm.AddrPostIndex {
			target = bv
		}
		if m.Mode == arm64asm.AddrPostIndex || m.Mode == arm64asm.AddrPreIndex {
			regs[base] = uint64(int64(bv) + off)
		}
		return target, true
	}
	return 0, false
}

// memOffset extracts the immediate displacement from a memory operand's
// printed form. The decoded offset is not exported by the decoder, so the
// text is the only way at it.
func memOffset(m arm64asm.MemImmediate) int64 {
	s := m.String()
	i := strings.Index(s, "#")
	if i < 0 {
		return 0
	}
	s = s[i+1:]
	if j := strings.IndexAny(s, "],!"); j >= 0 {
		s = s[:j]
	}
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var v uint64
	var err error
	if strings.HasPrefix(s, "0x") {
		v, err = strconv.ParseUint(s[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0
	}
	if neg {
		return -int64(v)
	}
	return int64(v)
}

func regName(arg arm64asm.Arg) (string, bool) {
	switch r := arg.(type) {
	case arm64asm.Reg:
		return strings.ToLower(r.String()), true
	case arm64asm.RegSP:
		return strings.ToLower(arm64asm.Reg(r).String()), true
	}
	return "", false
}

// immValue extracts a plain immediate; shifted forms stay opaque.
func immValue(arg arm64asm.Arg) (uint64, bool) {
	switch v := arg.(type) {
	case arm64asm.Imm:
		return uint64(v.Imm), true
	case arm64asm.Imm64:
		return uint64(v.Imm), true
	case arm64asm.ImmShift:
		s := v.String()
		if strings.HasPrefix(s, "#0x") {
			if n, err := strconv.ParseUint(s[3:], 16, 64); err == nil {
				return n, true
			}
		} else if strings.HasPrefix(s, "#") {
			if n, err := strconv.ParseInt(s[1:], 10, 64); err == nil {
				return uint64(n), true
			}
		}
	}
	return 0, false
}

func pcRelTarget(inst *arm64asm.Inst, pc uint64) (uint64, bool) {
	for i := len(inst.Args) - 1; i >= 0; i-- {
		if inst.Args[i] == nil {
			continue
		}
		if rel, ok := inst.Args[i].(arm64asm.PCRel); ok {
			return uint64(int64(pc) + int64(rel)), true
		}
	}
	return 0, false
}

func regWidth(name string) uint64 {
	if name == "" {
		return 8
	}
	switch name[0] {
	case 'x':
		return 8
	case 'w':
		return 4
	case 'q':
		return 16
	case 'd':
		return 8
	case 's':
		return 4
	case 'h':
		return 2
	case 'b':
		return 1
	}
	return 8
}

func arm64AccessSize(op arm64asm.Op, reg string) uint64 {
	switch op {
	case arm64asm.LDRB, arm64asm.LDRSB, arm64asm.STRB:
		return 1
	case arm64asm.LDRH, arm64asm.LDRSH, arm64asm.STRH:
		return 2
	case arm64asm.LDRSW:
		return 4
	}
	return regWidth(reg)
}
