// Package colorize provides terminal highlighting for disassembly, hook
// and signature reports.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// Palette
const (
	colorAddress  = "#FFC800" // yellow
	colorMnemonic = "#FFFFFF"
	colorRegister = "#87CEEB" // light blue
	colorNumber   = "#FF80C0" // light pink
	colorComment  = "#FF8000" // orange
	colorBytes    = "#B4B4B4" // light gray
)

// StyleName is the chroma style registered by this package.
const StyleName = "gancho-dark"

// Dark is the disassembly style used by Instruction.
var Dark = styles.Register(chroma.MustNewStyle(StyleName, chroma.StyleEntries{
	chroma.Text:           colorMnemonic,
	chroma.Background:     "bg:#000000",
	chroma.Comment:        colorComment,
	chroma.CommentPreproc: colorComment,

	chroma.Keyword:       colorMnemonic,
	chroma.KeywordPseudo: colorMnemonic,
	chroma.NameFunction:  colorMnemonic,
	chroma.Name:          colorRegister,
	chroma.NameBuiltin:   colorRegister,
	chroma.NameVariable:  colorRegister,
	chroma.NameLabel:     colorAddress,

	chroma.LiteralNumber:        colorNumber,
	chroma.LiteralNumberHex:     colorNumber,
	chroma.LiteralNumberInteger: colorNumber,

	chroma.Operator:    colorMnemonic,
	chroma.Punctuation: colorMnemonic,
}))
