// Package crawl discovers cross-references by walking every reachable
// address of an assembled space, lifting the code there and classifying
// the accesses it performs.
package crawl

import (
	"fmt"

	"github.com/charmbracelet/log"

	"xref/internal/exec"
	"xref/internal/lift"
	"xref/internal/space"
)

// MaxBlockBytes bounds how many bytes a single block may be lifted from.
const MaxBlockBytes = 400

// job is one queued visit: an address and the machine state it is
// entered with.
type job struct {
	addr uint64
	st   *exec.State
}

// Crawler owns the complete crawl state: the worklist, the seen set and
// the tables under construction. One Crawler performs one crawl.
type Crawler struct {
	// MaxVisits, when positive, stops the crawl after that many
	// analyzed addresses. Zero means drain the worklist.
	MaxVisits int

	sp  *space.Space
	an  *exec.Analyzer
	log *log.Logger

	queue []job
	seen  map[uint64]bool
	tabs  *Tables
}

// New builds a crawler over an assembled space.
func New(sp *space.Space, logger *log.Logger) *Crawler {
	return &Crawler{
		sp: sp,
		an: &exec.Analyzer{
			Mem: sp.Mem(),
			Min: sp.MinAddr(),
			Max: sp.MaxAddr(),
			Log: logger,
		},
		log:  logger,
		seen: make(map[uint64]bool),
		tabs: newTables(),
	}
}

// Crawl seeds the worklist with the main entry point and drains it,
// returning the tables snapshot. A per-address failure drops only that
// address; the one fatal condition is an unsupported architecture.
func (c *Crawler) Crawl() (*Tables, error) {
	st, err := exec.NewState(c.sp.Arch())
	if err != nil {
		return nil, err
	}
	main := c.sp.Main()
	if main == nil {
		return nil, fmt.Errorf("crawl: empty space")
	}
	c.push(main.Entry(), st)

	for len(c.queue) > 0 {
		if c.MaxVisits > 0 && len(c.tabs.Analyzed) >= c.MaxVisits {
			c.debugf("visit budget exhausted", "visits", len(c.tabs.Analyzed), "queued", len(c.queue))
			break
		}
		j := c.queue[len(c.queue)-1]
		c.queue = c.queue[:len(c.queue)-1]
		c.visit(j)
	}
	return c.tabs, nil
}

// push marks addr seen and queues it. An address enters the queue at
// most once in the crawler's lifetime.
func (c *Crawler) push(addr uint64, st *exec.State) {
	if c.seen[addr] {
		return
	}
	c.seen[addr] = true
	c.queue = append(c.queue, job{addr: addr, st: st})
}

func (c *Crawler) visit(j job) {
	run, err := c.resolve(j)
	if err != nil {
		c.warnf("lift failed, dropping address", "addr", hex(j.addr), "err", err)
		return
	}

	var out *exec.Outcome
	switch r := run.(type) {
	case StubRun:
		// A stub models a foreign function; it contributes no
		// references of its own.
		c.debugf("visited stub", "addr", hex(j.addr), "lib", r.Stub.Library, "symbol", r.Stub.Symbol)
		out = &exec.Outcome{Exit: r.Stub.State}
	case BlockRun:
		out, err = c.an.AnalyzeStatic(r.Block, j.st)
		if err != nil {
			c.warnf("analysis failed, dropping address", "addr", hex(j.addr), "err", err)
			return
		}
	}

	c.tabs.Analyzed[j.addr] = true
	for _, acc := range out.Accesses {
		c.record(acc, out.Exit)
	}
}

// resolve decides, once, whether an address is a registered stub or real
// code to lift.
func (c *Crawler) resolve(j job) (Run, error) {
	if stub, ok := c.sp.Stubs().Stub(j.addr, j.st); ok {
		return StubRun{Stub: stub}, nil
	}
	buf := c.sp.Mem().Slice(j.addr, MaxBlockBytes)
	blk, err := lift.Lift(c.sp.Arch(), buf, j.addr, 0)
	if err != nil {
		return nil, err
	}
	return BlockRun{Block: blk}, nil
}

// record files one classified access into the tables and applies the
// queueing policy. Symbolic targets carry no usable address and are
// skipped outright.
func (c *Crawler) record(acc exec.Access, exit *exec.State) {
	if acc.Symbolic {
		c.debugf("symbolic target skipped", "insn", hex(acc.Insn), "kind", acc.Kind)
		return
	}
	switch acc.Kind {
	case exec.KindRead:
		c.tabs.addRead(acc.Insn, acc.Target, acc.Size)
	case exec.KindWrite:
		c.tabs.addWrite(acc.Insn, acc.Target, acc.Size)
	case exec.KindCode:
		c.tabs.addCode(acc.Insn, acc.Target)
		c.push(acc.Target, exit.Clone())
	case exec.KindMem:
		c.tabs.addMem(acc.Insn, acc.Target)
		c.queueMemRef(acc.Target, exit)
	}
}

// queueMemRef queues a memory-reference target only when it is unseen,
// present in the permission view and executable. Absent and present but
// non-executable differ only in logging, never in control flow.
func (c *Crawler) queueMemRef(target uint64, exit *exec.State) {
	if c.seen[target] {
		return
	}
	p, ok := c.sp.Perms().Perm(target)
	if !ok {
		c.debugf("memory ref outside permission map", "target", hex(target))
		return
	}
	if !p.Executable() {
		c.debugf("memory ref to non-executable page", "target", hex(target), "perm", p)
		return
	}
	c.push(target, exit.Clone())
}

func hex(v uint64) string { return fmt.Sprintf("%#x", v) }

func (c *Crawler) warnf(msg string, keyvals ...any) {
	if c.log != nil {
		c.log.Warn(msg, keyvals...)
	}
}

func (c *Crawler) debugf(msg string, keyvals ...any) {
	if c.log != nil {
		c.log.Debug(msg, keyvals...)
	}
}
