package hook

import (
	"fmt"

	"github.com/zboralski/gancho/internal/arm64"
	"github.com/zboralski/gancho/internal/log"
	"github.com/zboralski/gancho/internal/memory"
	"go.uber.org/zap"
)

// TrampolineSize returns the bytes a trampoline occupies: the saved
// prologue plus the return jump.
func TrampolineSize(absolute bool) int {
	if absolute {
		return PrologueSize + arm64.AbsoluteJumpSize
	}
	return PrologueSize + arm64.InstructionSize
}

// buildTrampoline copies the saved prologue into a fresh executable block
// and appends a jump back to target+PrologueSize. Prologues containing
// pc-relative instructions are refused, since a verbatim copy would compute
// the wrong addresses.
func (e *Engine) buildTrampoline(target memory.Addr, saved []byte) (memory.Addr, int, error) {
	for i, w := range arm64.Words(saved) {
		if arm64.IsPCRelative(w) {
			pc := uint64(target) + uint64(i*arm64.InstructionSize)
			return 0, 0, fmt.Errorf("%w: %s+%d is pc-relative (%s)",
				ErrTrampoline, target, i*arm64.InstructionSize, arm64.Disassemble(w, pc))
		}
	}

	size := TrampolineSize(e.absoluteReturn)
	tramp, err := e.mem.Alloc(target, size)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrTrampoline, err)
	}

	back := target + PrologueSize
	code := make([]byte, 0, size)
	code = append(code, saved...)
	w, err := arm64.EncodeBranch(back.Sub(tramp + PrologueSize))
	switch {
	case err == nil:
		code = append(code, arm64.PutWords(w)...)
	case e.absoluteReturn:
		code = append(code, arm64.AbsoluteJump(uint64(back))...)
	default:
		e.freeTrampoline(tramp, size)
		return 0, 0, fmt.Errorf("%w: return branch from %s: %w", ErrTrampoline, tramp, err)
	}

	if err := memory.WriteCode(e.mem, tramp, code); err != nil {
		e.freeTrampoline(tramp, size)
		return 0, 0, fmt.Errorf("%w: %w", ErrTrampoline, err)
	}
	e.log.Debug("trampoline built", log.Ptr("trampoline", uint64(tramp)), log.Size(uint64(len(code))))
	return tramp, size, nil
}

func (e *Engine) freeTrampoline(addr memory.Addr, size int) {
	if err := e.mem.Free(addr, size); err != nil {
		e.log.Warn("free trampoline", log.Ptr("trampoline", uint64(addr)), zap.Error(err))
	}
}
