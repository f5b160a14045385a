package cmd

import (
	"fmt"
	"strings"

	"xref/internal/crawl"
	"xref/internal/lift"
	"xref/internal/space"
	"xref/internal/symbols"
)

// blockListing disassembles the block at addr and annotates every
// instruction with what the crawl recorded for it.
func blockListing(sp *space.Space, tabs *crawl.Tables, syms *symbols.Table, addr uint64) string {
	if stub, ok := sp.Stubs().Stub(addr, nil); ok {
		return fmt.Sprintf("; synthetic stub %s!%s\n; pseudo-address %#x carries no code\n",
			stub.Library, stub.Symbol, addr)
	}

	buf := sp.Mem().Slice(addr, crawl.MaxBlockBytes)
	if len(buf) == 0 {
		return fmt.Sprintf("; nothing mapped at %#x\n", addr)
	}
	b, err := lift.Lift(sp.Arch(), buf, addr, 0)
	if err != nil {
		return fmt.Sprintf("; no instruction decodes at %#x\n", addr)
	}

	var sb strings.Builder
	for i := range b.Insns {
		in := &b.Insns[i]
		line := fmt.Sprintf("  %8x:  %-36s", in.Addr, in.Text)
		if note := describe(tabs, syms, in.Addr); note != "" {
			line += "  ; " + note
		}
		sb.WriteString(strings.TrimRight(line, " "))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// describe renders the outgoing references of one instruction.
func describe(tabs *crawl.Tables, syms *symbols.Table, insn uint64) string {
	var notes []string
	for _, r := range tabs.CodeRefsFrom[insn] {
		notes = append(notes, "code "+syms.Format(r.Addr))
	}
	for _, r := range tabs.DataReadsFrom[insn] {
		notes = append(notes, fmt.Sprintf("read %s (%d)", syms.Format(r.Addr), r.Size))
	}
	for _, r := range tabs.DataWritesFrom[insn] {
		notes = append(notes, fmt.Sprintf("write %s (%d)", syms.Format(r.Addr), r.Size))
	}
	for _, r := range tabs.MemRefsFrom[insn] {
		notes = append(notes, "addr "+syms.Format(r.Addr))
	}
	return strings.Join(notes, ", ")
}

// incomingRefs renders everything known to target addr, one line per
// referencing instruction.
func incomingRefs(tabs *crawl.Tables, syms *symbols.Table, addr uint64) []string {
	var lines []string
	for _, r := range tabs.CodeRefsTo[addr] {
		lines = append(lines, fmt.Sprintf("code from %#x %s", r.Addr, syms.Format(r.Addr)))
	}
	for _, r := range tabs.DataReadsTo[addr] {
		lines = append(lines, fmt.Sprintf("read by %#x %s (%d)", r.Addr, syms.Format(r.Addr), r.Size))
	}
	for _, r := range tabs.DataWritesTo[addr] {
		lines = append(lines, fmt.Sprintf("written by %#x %s (%d)", r.Addr, syms.Format(r.Addr), r.Size))
	}
	for _, r := range tabs.MemRefsTo[addr] {
		lines = append(lines, fmt.Sprintf("address taken by %#x %s", r.Addr, syms.Format(r.Addr)))
	}
	return lines
}
