package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"xref/internal/crawl"
	"xref/internal/space"
	"xref/internal/symbols"
	"xref/internal/ui/colorize"
	"xref/internal/xref/styles"
)

var reportCmd = &cobra.Command{
	Use:   "report [binary]",
	Short: "Analyze a binary and print the result as a report",
	Long: `Report runs the full analysis non-interactively and prints a rendered
summary: the assembled images, resolution warnings, crawl statistics, the
most referenced code addresses, and an annotated listing of the entry block.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !term.IsTerminal(os.Stdout.Fd()) {
			os.Setenv("XREF_NO_COLOR", "1")
		}
		return runReport(args[0], optionsFromFlags(cmd), os.Stdout, 0)
	},
}

// runReport renders the markdown report, through glamour when stdout is a
// styled terminal and as plain markdown otherwise.
func runReport(path string, o options, w io.Writer, width int) error {
	sp, tabs, syms, err := analyze(path, o)
	if err != nil {
		return err
	}

	md := buildReport(sp, tabs, syms, path)
	if !colorize.Enabled() {
		_, err := io.WriteString(w, md)
		return err
	}

	if width <= 0 {
		width = 100
	}
	rendered, err := styles.GetMarkdownRenderer(width).Render(md)
	if err != nil {
		_, err := io.WriteString(w, md)
		return err
	}
	_, err = io.WriteString(w, rendered)
	return err
}

// buildReport assembles the report markdown. Pure text so it can be tested
// without a terminal.
func buildReport(sp *space.Space, tabs *crawl.Tables, syms *symbols.Table, path string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Xref Report\n\n`%s` (%s)\n\n", path, sp.Arch())

	sb.WriteString("## Images\n\n")
	sb.WriteString("| image | range | entry |\n|---|---|---|\n")
	for _, img := range sp.Images() {
		entry := "-"
		if img.Entry() != 0 {
			entry = fmt.Sprintf("%#x", img.Entry())
		}
		fmt.Fprintf(&sb, "| %s | %#x-%#x | %s |\n", img.Name(), img.MinAddr(), img.MaxAddr(), entry)
	}
	sb.WriteString("\n")

	if warns := sp.Warnings(); len(warns) > 0 {
		fmt.Fprintf(&sb, "## Warnings (%d)\n\n", len(warns))
		for _, wn := range warns {
			line := wn.Msg
			if wn.Image != "" {
				line = wn.Image + ": " + line
			}
			if wn.Sym != "" {
				line += " (" + wn.Sym + ")"
			}
			fmt.Fprintf(&sb, "- %s\n", line)
		}
		sb.WriteString("\n")
	}

	if n := sp.Stubs().Len(); n > 0 {
		fmt.Fprintf(&sb, "## Stubs (%d)\n\n", n)
		for _, line := range stubLines(sp, 20) {
			fmt.Fprintf(&sb, "- %s\n", line)
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Crawl\n\n")
	fmt.Fprintf(&sb, "%d addresses analyzed, %d symbols known.\n\n", len(tabs.Analyzed), syms.Len())
	sb.WriteString("| table | entries |\n|---|---|\n")
	for _, row := range tableStats(tabs) {
		fmt.Fprintf(&sb, "| %s | %d |\n", row.name, row.entries)
	}
	sb.WriteString("\n")

	if top := topCodeTargets(tabs, 10); len(top) > 0 {
		sb.WriteString("## Most referenced code\n\n")
		for _, t := range top {
			fmt.Fprintf(&sb, "- %#x %s, %d sites\n", t.addr, syms.Format(t.addr), t.count)
		}
		sb.WriteString("\n")
	}

	if main := sp.Main(); main != nil && main.Entry() != 0 {
		fmt.Fprintf(&sb, "## Entry block %#x\n\n", main.Entry())
		sb.WriteString("```\n")
		sb.WriteString(blockListing(sp, tabs, syms, main.Entry()))
		sb.WriteString("```\n")
	}

	return sb.String()
}

type statRow struct {
	name    string
	entries int
}

func tableStats(tabs *crawl.Tables) []statRow {
	return []statRow{
		{"data reads from", len(tabs.DataReadsFrom)},
		{"data reads to", len(tabs.DataReadsTo)},
		{"data writes from", len(tabs.DataWritesFrom)},
		{"data writes to", len(tabs.DataWritesTo)},
		{"code refs from", len(tabs.CodeRefsFrom)},
		{"code refs to", len(tabs.CodeRefsTo)},
		{"memory refs from", len(tabs.MemRefsFrom)},
		{"memory refs to", len(tabs.MemRefsTo)},
	}
}

type codeTarget struct {
	addr  uint64
	count int
}

// topCodeTargets ranks addresses by how many distinct sites jump or call
// there.
func topCodeTargets(tabs *crawl.Tables, n int) []codeTarget {
	targets := make([]codeTarget, 0, len(tabs.CodeRefsTo))
	for addr, refs := range tabs.CodeRefsTo {
		targets = append(targets, codeTarget{addr: addr, count: len(refs)})
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].count != targets[j].count {
			return targets[i].count > targets[j].count
		}
		return targets[i].addr < targets[j].addr
	})
	if len(targets) > n {
		targets = targets[:n]
	}
	return targets
}

// stubLines renders up to limit stubs, sorted by library and symbol.
func stubLines(sp *space.Space, limit int) []string {
	type stub struct {
		lib, sym string
		addr     uint64
	}
	var all []stub
	sp.Stubs().Each(func(addr uint64, lib, sym string) {
		all = append(all, stub{lib: lib, sym: sym, addr: addr})
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].lib != all[j].lib {
			return all[i].lib < all[j].lib
		}
		return all[i].sym < all[j].sym
	})

	lines := make([]string, 0, limit+1)
	for i, s := range all {
		if i == limit {
			lines = append(lines, fmt.Sprintf("and %d more", len(all)-limit))
			break
		}
		lines = append(lines, fmt.Sprintf("%s!%s at %#x", s.lib, s.sym, s.addr))
	}
	return lines
}

// JSON output, stable enough to diff in regression tests.

type jsonRef struct {
	Addr string `json:"addr"`
	Size uint64 `json:"size,omitempty"`
}

type jsonImage struct {
	Name  string   `json:"name"`
	Min   string   `json:"min"`
	Max   string   `json:"max"`
	Entry string   `json:"entry,omitempty"`
	Deps  []string `json:"deps,omitempty"`
}

type jsonStub struct {
	Library string `json:"library"`
	Symbol  string `json:"symbol"`
	Addr    string `json:"addr"`
}

type jsonReport struct {
	Binary   string                          `json:"binary"`
	Arch     string                          `json:"arch"`
	Images   []jsonImage                     `json:"images"`
	Warnings []string                        `json:"warnings,omitempty"`
	Stubs    []jsonStub                      `json:"stubs,omitempty"`
	Analyzed []string                        `json:"analyzed"`
	Tables   map[string]map[string][]jsonRef `json:"tables"`
}

func runJSON(path string, o options, w io.Writer) error {
	sp, tabs, _, err := analyze(path, o)
	if err != nil {
		return err
	}
	return writeJSON(w, buildJSON(path, sp, tabs))
}

func buildJSON(path string, sp *space.Space, tabs *crawl.Tables) jsonReport {
	out := jsonReport{
		Binary: path,
		Arch:   string(sp.Arch()),
		Tables: map[string]map[string][]jsonRef{
			"data_reads_from":  jsonTable(tabs.DataReadsFrom),
			"data_reads_to":    jsonTable(tabs.DataReadsTo),
			"data_writes_from": jsonTable(tabs.DataWritesFrom),
			"data_writes_to":   jsonTable(tabs.DataWritesTo),
			"code_refs_from":   jsonTable(tabs.CodeRefsFrom),
			"code_refs_to":     jsonTable(tabs.CodeRefsTo),
			"mem_refs_from":    jsonTable(tabs.MemRefsFrom),
			"mem_refs_to":      jsonTable(tabs.MemRefsTo),
		},
	}
	for _, img := range sp.Images() {
		ji := jsonImage{
			Name: img.Name(),
			Min:  fmt.Sprintf("%#x", img.MinAddr()),
			Max:  fmt.Sprintf("%#x", img.MaxAddr()),
			Deps: img.Deps(),
		}
		if img.Entry() != 0 {
			ji.Entry = fmt.Sprintf("%#x", img.Entry())
		}
		out.Images = append(out.Images, ji)
	}
	for _, wn := range sp.Warnings() {
		out.Warnings = append(out.Warnings, strings.TrimSpace(wn.Image+" "+wn.Msg+" "+wn.Sym))
	}
	sp.Stubs().Each(func(addr uint64, lib, sym string) {
		out.Stubs = append(out.Stubs, jsonStub{Library: lib, Symbol: sym, Addr: fmt.Sprintf("%#x", addr)})
	})
	sort.Slice(out.Stubs, func(i, j int) bool { return out.Stubs[i].Addr < out.Stubs[j].Addr })

	analyzed := make([]uint64, 0, len(tabs.Analyzed))
	for addr := range tabs.Analyzed {
		analyzed = append(analyzed, addr)
	}
	sort.Slice(analyzed, func(i, j int) bool { return analyzed[i] < analyzed[j] })
	for _, addr := range analyzed {
		out.Analyzed = append(out.Analyzed, fmt.Sprintf("%#x", addr))
	}
	return out
}

func writeJSON(w io.Writer, rep jsonReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func jsonTable(m map[uint64][]crawl.Ref) map[string][]jsonRef {
	out := make(map[string][]jsonRef, len(m))
	for key, refs := range m {
		rs := make([]jsonRef, 0, len(refs))
		for _, r := range refs {
			rs = append(rs, jsonRef{Addr: fmt.Sprintf("%#x", r.Addr), Size: r.Size})
		}
		out[fmt.Sprintf("%#x", key)] = rs
	}
	return out
}
