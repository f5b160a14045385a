package crawl

import (
	"xref/internal/lift"
	"xref/internal/space"
)

// Run is what a worklist address resolves to before dispatch: a synthetic
// stub handle or a lifted block of real instructions. The distinction is
// made once per address, not re-inspected during analysis.
type Run interface {
	isRun()
}

// StubRun is a visit to a registered pseudo-address.
type StubRun struct {
	Stub *space.Stub
}

// BlockRun is a visit to real code.
type BlockRun struct {
	Block *lift.Block
}

func (StubRun) isRun()  {}
func (BlockRun) isRun() {}
