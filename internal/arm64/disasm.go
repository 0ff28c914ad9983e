package arm64

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

// Disassemble renders one word in GNU syntax. Direct branches get their
// absolute destination appended so output is readable without context.
func Disassemble(w uint32, pc uint64) string {
	inst, err := arm64asm.Decode(PutWords(w))
	if err != nil {
		return fmt.Sprintf(".inst 0x%08x", w)
	}
	text := strings.ToLower(strings.TrimSpace(arm64asm.GNUSyntax(inst)))
	if target, ok := BranchTarget(w, pc); ok {
		text = fmt.Sprintf("%s\t// 0x%x", text, target)
	}
	return text
}

// Listing disassembles code starting at pc, one line per word.
func Listing(code []byte, pc uint64) []string {
	words := Words(code)
	lines := make([]string, len(words))
	for i, w := range words {
		addr := pc + uint64(i*InstructionSize)
		lines[i] = fmt.Sprintf("0x%x: %08x  %s", addr, w, Disassemble(w, addr))
	}
	return lines
}
