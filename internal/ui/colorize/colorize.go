package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"

	"github.com/zboralski/gancho/internal/trace"
)

// getAssemblyLexer returns an assembly lexer with fallbacks
func getAssemblyLexer() chroma.Lexer {
	for _, name := range []string{"armasm", "gas", "nasm"} {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getTerminalFormatter returns a terminal formatter with fallbacks
func getTerminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment
func IsDisabled() bool {
	return os.Getenv("GANCHO_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

func rgb(hex, s string) string {
	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "#%02x%02x%02x", &r, &g, &b); err != nil {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Instruction colorizes a disassembled instruction
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	lexer := getAssemblyLexer()
	if lexer == nil {
		return insn
	}

	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, Dark, iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Address formats an address in yellow
func Address(addr uint64) string {
	s := fmt.Sprintf("%08X", addr)
	if IsDisabled() {
		return s
	}
	return rgb(colorAddress, s)
}

// HexBytes formats opcode bytes in light gray
func HexBytes(s string) string {
	if IsDisabled() {
		return s
	}
	return rgb(colorBytes, s)
}

// Tag formats a trace tag in light pink
func Tag(tag string) string {
	if IsDisabled() {
		return tag
	}
	return rgb(colorNumber, tag)
}

// Name formats a symbol or signature name in yellow
func Name(name string) string {
	if IsDisabled() {
		return name
	}
	return rgb(colorAddress, name)
}

// Detail formats labels and secondary text in light gray
func Detail(s string) string {
	if IsDisabled() {
		return s
	}
	return rgb(colorBytes, s)
}

// Header formats header text in blue
func Header(s string) string {
	if IsDisabled() {
		return s
	}
	return rgb("#569CD6", s)
}

// Error formats error messages in red
func Error(s string) string {
	if IsDisabled() {
		return s
	}
	return rgb("#FF5050", s)
}

// Status renders found/missing markers
func Status(found bool) string {
	if found {
		if IsDisabled() {
			return "ok"
		}
		return rgb("#50FF50", "ok")
	}
	return Error("missing")
}

// Line renders one listing line: address, word, instruction.
func Line(pc uint64, word uint32, insn string) string {
	return fmt.Sprintf("%s  %s  %s", Address(pc), HexBytes(fmt.Sprintf("%08x", word)), Instruction(insn))
}

// Event renders a trace event as a listing line followed by its tags.
func Event(ev trace.Event) string {
	line := Line(ev.PC, ev.Word, ev.Text)
	for _, t := range ev.Tags.Strings() {
		line += "  " + Tag(t)
	}
	return line
}
