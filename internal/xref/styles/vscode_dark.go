package styles

import (
	"github.com/charmbracelet/glamour/ansi"
)

// VS Code dark palette, the alternate report theme (XREF_THEME=vscode).
const (
	vscodeForeground = "#D4D4D4"
	vscodeLink       = "#4FC1FF"
	vscodeInlineCode = "#EACD53"
	vscodeComment    = "#6A9955"
	vscodeHeading    = "#569CD6"
	vscodeGray       = "#858585"
)

// GetVSCodeDarkStyle returns a glamour style configuration matching the
// VS Code dark editor theme.
func GetVSCodeDarkStyle() ansi.StyleConfig {
	heading := func(prefix string, bold bool) ansi.StyleBlock {
		return ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{
				Prefix: prefix,
				Color:  stringPtr(vscodeHeading),
				Bold:   boolPtr(bold),
			},
		}
	}
	return ansi.StyleConfig{
		Document: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{
				Color: stringPtr(vscodeForeground),
			},
		},
		BlockQuote: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{
				Color:  stringPtr(vscodeComment),
				Italic: boolPtr(true),
			},
			Indent:      uintPtr(1),
			IndentToken: stringPtr("│ "),
		},
		List: ansi.StyleList{
			LevelIndent: 2,
		},
		Heading: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{
				BlockSuffix: "\n",
				Color:       stringPtr(vscodeHeading),
				Bold:        boolPtr(true),
			},
		},
		H1: heading("# ", true),
		H2: heading("## ", true),
		H3: heading("### ", true),
		H4: heading("#### ", false),
		H5: heading("##### ", false),
		H6: heading("###### ", false),
		Strikethrough: ansi.StylePrimitive{
			CrossedOut: boolPtr(true),
		},
		Emph: ansi.StylePrimitive{
			Italic: boolPtr(true),
		},
		Strong: ansi.StylePrimitive{
			Bold:  boolPtr(true),
			Color: stringPtr(vscodeForeground),
		},
		HorizontalRule: ansi.StylePrimitive{
			Color:  stringPtr(vscodeGray),
			Format: "\n────────────────────────────────────────\n",
		},
		Item: ansi.StylePrimitive{
			BlockPrefix: "• ",
		},
		Enumeration: ansi.StylePrimitive{
			BlockPrefix: ". ",
		},
		Task: ansi.StyleTask{
			StylePrimitive: ansi.StylePrimitive{},
			Ticked:         "[✓] ",
			Unticked:       "[ ] ",
		},
		Link: ansi.StylePrimitive{
			Color:     stringPtr(vscodeLink),
			Underline: boolPtr(true),
		},
		LinkText: ansi.StylePrimitive{
			Color: stringPtr(vscodeLink),
		},
		Code: ansi.StyleBlock{
			StylePrimitive: ansi.StylePrimitive{
				Color: stringPtr(vscodeInlineCode),
			},
		},
		CodeBlock: ansi.StyleCodeBlock{
			StyleBlock: ansi.StyleBlock{
				StylePrimitive: ansi.StylePrimitive{
					Color: stringPtr(vscodeForeground),
				},
				Margin: uintPtr(1),
			},
		},
		Table: ansi.StyleTable{
			StyleBlock: ansi.StyleBlock{
				StylePrimitive: ansi.StylePrimitive{
					Color: stringPtr(vscodeForeground),
				},
			},
		},
		Text: ansi.StylePrimitive{
			Color: stringPtr(vscodeForeground),
		},
	}
}
