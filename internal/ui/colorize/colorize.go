// Package colorize highlights disassembly listings for terminal display.
// Lines are expected in listing form: a hex address column, the instruction
// text, and an optional ; annotation.
package colorize

import (
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/xyproto/env/v2"

	"xref/internal/lift"
)

// Enabled reports whether colors should be emitted at all. XREF_NO_COLOR
// wins over everything; piped output sets it in the command layer.
func Enabled() bool {
	return !env.Bool("XREF_NO_COLOR")
}

// lexerFor picks a lexer that tokenizes the syntax we print: GNU syntax for
// amd64 maps well onto the nasm lexer, arm64 onto the arm lexers.
func lexerFor(arch lift.Arch) chroma.Lexer {
	var candidates []string
	switch arch {
	case lift.ARM64:
		candidates = []string{"armasm", "gas", "GAS", "nasm"}
	default:
		candidates = []string{"nasm", "gas", "GAS"}
	}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

func listingStyle() *chroma.Style {
	for _, name := range []string{"xref-dark", "dracula", "monokai"} {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Listing highlights a whole multi-line listing at once.
func Listing(arch lift.Arch, code string) string {
	if !Enabled() {
		return code
	}
	return runChroma(arch, code)
}

// Line highlights one listing line, keeping the address column in gray so
// the instruction text stands out.
func Line(arch lift.Arch, line string) string {
	if !Enabled() {
		return line
	}

	addr, rest, ok := splitAddr(line)
	if !ok {
		return runChroma(arch, line)
	}
	return fmt.Sprintf("\x1b[38;2;110;110;110m%s\x1b[0m%s", addr, runChroma(arch, rest))
}

// splitAddr peels a leading colon-terminated hex address column off a
// listing line. The colon keeps hex-only mnemonics like add from being
// mistaken for addresses.
func splitAddr(line string) (addr, rest string, ok bool) {
	trimmed := strings.TrimLeft(line, " ")
	indent := line[:len(line)-len(trimmed)]

	i := 0
	for i < len(trimmed) && isHexDigit(trimmed[i]) {
		i++
	}
	if i == 0 || i >= len(trimmed) || trimmed[i] != ':' {
		return "", "", false
	}
	i++
	return indent + trimmed[:i], trimmed[i:], true
}

func isHexDigit(ch byte) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}

func runChroma(arch lift.Arch, src string) string {
	lexer := lexerFor(arch)
	if lexer == nil {
		return src
	}

	_ = XrefDark // force style registration

	iterator, err := lexer.Tokenise(nil, src)
	if err != nil {
		return src
	}
	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, listingStyle(), iterator); err != nil {
		return src
	}
	return buf.String()
}
