package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// XrefDark is the listing style: instructions plain, registers teal,
// addresses and immediates pink, and the ; xref annotations in green so
// they read as commentary rather than code.
var XrefDark = styles.Register(chroma.MustNewStyle("xref-dark", chroma.StyleEntries{
	chroma.Text:           "#D4D4D4",
	chroma.Background:     "bg:#1e1e1e",
	chroma.Comment:        "#6A9955",
	chroma.CommentPreproc: "#6A9955",

	chroma.Keyword:       "#D4D4D4",
	chroma.KeywordPseudo: "#D4D4D4",
	chroma.Name:          "#7C9C9D",
	chroma.NameBuiltin:   "#7C9C9D",
	chroma.NameVariable:  "#7C9C9D",

	chroma.LiteralNumber:        "#FF5F87",
	chroma.LiteralNumberHex:     "#FF5F87",
	chroma.LiteralNumberBin:     "#FF5F87",
	chroma.LiteralNumberOct:     "#FF5F87",
	chroma.LiteralNumberInteger: "#FF5F87",
	chroma.LiteralNumberFloat:   "#FF5F87",

	chroma.NameLabel:    "#FFD700",
	chroma.NameFunction: "#D4D4D4",

	chroma.Operator:    "#D4D4D4",
	chroma.Punctuation: "#D4D4D4",

	chroma.String: "#EACD53",
}))
