// Package lift decodes raw machine code into analyzable instruction blocks.
// A block runs from its start address to the first unconditional control
// transfer; calls and conditional branches do not end a block.
package lift

import (
	"errors"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Arch selects the instruction set used for decoding and analysis.
type Arch string

const (
	AMD64 Arch = "amd64"
	ARM64 Arch = "arm64"
)

// ErrDecode reports that no instruction decodes at a block start.
var ErrDecode = errors.New("lift: undecodable instruction")

// Insn is one decoded instruction. Exactly one of X86 or A64 is set,
// matching the block's architecture.
type Insn struct {
	Addr uint64
	Len  int
	Text string
	X86  *x86asm.Inst
	A64  *arm64asm.Inst
}

// Block is a straight run of instructions starting at Addr.
type Block struct {
	Arch  Arch
	Addr  uint64
	Insns []Insn
}

// End returns the address just past the last instruction.
func (b *Block) End() uint64 {
	if len(b.Insns) == 0 {
		return b.Addr
	}
	last := b.Insns[len(b.Insns)-1]
	return last.Addr + uint64(last.Len)
}

// Lift decodes instructions from buf, which holds the bytes at base.
// Decoding stops at the first unconditional transfer, at maxInsns
// instructions (0 means unbounded), or when buf runs out. A decode failure
// on the first instruction is ErrDecode; mid-block failures truncate the
// block instead.
func Lift(arch Arch, buf []byte, base uint64, maxInsns int) (*Block, error) {
	switch arch {
	case AMD64:
		return liftAMD64(buf, base, maxInsns)
	case ARM64:
		return liftARM64(buf, base, maxInsns)
	default:
		return nil, fmt.Errorf("lift: unknown architecture %q", arch)
	}
}

func liftAMD64(buf []byte, base uint64, maxInsns int) (*Block, error) {
	b := &Block{Arch: AMD64, Addr: base}
	off := 0
	for off < len(buf) {
		if maxInsns > 0 && len(b.Insns) >= maxInsns {
			break
		}
		inst, err := x86asm.Decode(buf[off:], 64)
		if err != nil {
			break
		}
		pc := base + uint64(off)
		decoded := inst
		b.Insns = append(b.Insns, Insn{
			Addr: pc,
			Len:  inst.Len,
			Text: x86asm.GNUSyntax(inst, pc, nil),
			X86:  &decoded,
		})
		off += inst.Len
		if endsBlockAMD64(inst.Op) {
			break
		}
	}
	if len(b.Insns) == 0 {
		return nil, fmt.Errorf("%w at %#x", ErrDecode, base)
	}
	return b, nil
}

func endsBlockAMD64(op x86asm.Op) bool {
	switch op {
	case x86asm.JMP, x86asm.LJMP, x86asm.RET, x86asm.LRET,
		x86asm.IRET, x86asm.IRETD, x86asm.IRETQ, x86asm.UD2, x86asm.HLT:
		return true
	}
	return false
}

func liftARM64(buf []byte, base uint64, maxInsns int) (*Block, error) {
	b := &Block{Arch: ARM64, Addr: base}
	off := 0
	for off+4 <= len(buf) {
		if maxInsns > 0 && len(b.Insns) >= maxInsns {
			break
		}
		inst, err := arm64asm.Decode(buf[off : off+4])
		if err != nil {
			break
		}
		pc := base + uint64(off)
		decoded := inst
		b.Insns = append(b.Insns, Insn{
			Addr: pc,
			Len:  4,
			Text: inst.String(),
			A64:  &decoded,
		})
		off += 4
		if endsBlockARM64(&decoded) {
			break
		}
	}
	if len(b.Insns) == 0 {
		return nil, fmt.Errorf("%w at %#x", ErrDecode, base)
	}
	return b, nil
}

func endsBlockARM64(inst *arm64asm.Inst) bool {
	switch inst.Op {
	case arm64asm.RET, arm64asm.ERET, arm64asm.BR:
		return true
	case arm64asm.B:
		// B.cond carries a Cond first argument; plain B is unconditional.
		if len(inst.Args) > 0 {
			if _, ok := inst.Args[0].(arm64asm.Cond); ok {
				return false
			}
		}
		return true
	}
	return false
}
