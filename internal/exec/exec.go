// Package exec performs non-mutating static analysis of lifted blocks,
// classifying every memory and control-flow access an instruction makes.
package exec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"xref/internal/lift"
)

// ErrUnsupportedArch is returned when no entry state can be built for an
// architecture. It is the only construction-time failure in the package.
var ErrUnsupportedArch = errors.New("exec: unsupported architecture")

// initialSP seeds the synthetic stack pointer for fresh states.
const initialSP = 0xfffffffffff0000

// State is the minimal machine state threaded through a crawl.
type State struct {
	Arch lift.Arch
	SP   uint64
}

// NewState builds the entry state for arch.
func NewState(arch lift.Arch) (*State, error) {
	switch arch {
	case lift.AMD64, lift.ARM64:
		return &State{Arch: arch, SP: initialSP}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedArch, arch)
	}
}

// Clone returns an independent copy of the state.
func (s *State) Clone() *State {
	c := *s
	return &c
}

// Kind classifies one access reported by static analysis.
type Kind int

const (
	// KindRead is a data load from memory.
	KindRead Kind = iota
	// KindWrite is a data store to memory.
	KindWrite
	// KindCode is a jump or call target.
	KindCode
	// KindMem is an address-valued use that is not necessarily code.
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	case KindCode:
		return "code"
	case KindMem:
		return "mem"
	}
	return "unknown"
}

// Access is one classified touch an instruction performs. Symbolic accesses
// have no usable Target: the address depends on runtime values the static
// analysis cannot see.
type Access struct {
	Kind     Kind
	Insn     uint64
	Target   uint64
	Size     uint64
	Symbolic bool
}

// Outcome is the result of analyzing one block.
type Outcome struct {
	Accesses []Access
	Exit     *State
}

// Memory is the byte source the analysis may see through: indirect branch
// slots and literal pools are read from it to follow loaded pointers.
type Memory interface {
	Slice(addr uint64, n int) []byte
}

// Analyzer classifies the accesses of lifted blocks. Min and Max bound the
// assembled address space; immediates inside the bounds are treated as
// address-valued.
type Analyzer struct {
	Mem      Memory
	Min, Max uint64
	Log      *log.Logger
}

// AnalyzeStatic walks the block without executing it and reports every
// access it can classify, together with the block's exit state.
func (a *Analyzer) AnalyzeStatic(b *lift.Block, st *State) (*Outcome, error) {
	if b == nil || len(b.Insns) == 0 {
		return nil, errors.New("exec: empty block")
	}
	switch b.Arch {
	case lift.AMD64:
		return a.analyzeAMD64(b, st), nil
	case lift.ARM64:
		return a.analyzeARM64(b, st), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedArch, b.Arch)
	}
}

func (a *Analyzer) inSpace(addr uint64) bool {
	return addr >= a.Min && addr <= a.Max
}

// readPtr loads a 64-bit little-endian value, e.g. a GOT slot.
func (a *Analyzer) readPtr(addr uint64) (uint64, bool) {
	if a.Mem == nil {
		return 0, false
	}
	b := a.Mem.Slice(addr, 8)
	if len(b) < 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

func (a *Analyzer) debugf(msg string, keyvals ...any) {
	if a.Log != nil {
		a.Log.Debug(msg, keyvals...)
	}
}
