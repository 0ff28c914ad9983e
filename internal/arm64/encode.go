package arm64

import "fmt"

// EncodeBranch returns an unconditional B with the given byte offset.
// The offset must be 4-byte aligned and inside ±128 MiB; nothing is ever
// truncated to fit.
func EncodeBranch(offset int64) (uint32, error) {
	imm, err := branchImm(offset)
	if err != nil {
		return 0, err
	}
	return 0x14000000 | imm, nil
}

// EncodeBranchLink returns a BL with the given byte offset.
func EncodeBranchLink(offset int64) (uint32, error) {
	imm, err := branchImm(offset)
	if err != nil {
		return 0, err
	}
	return 0x94000000 | imm, nil
}

func branchImm(offset int64) (uint32, error) {
	if offset%InstructionSize != 0 {
		return 0, fmt.Errorf("branch offset %d: %w", offset, ErrMisaligned)
	}
	if !BranchInRange(offset) {
		return 0, fmt.Errorf("branch offset %d: %w", offset, ErrBranchRange)
	}
	return uint32(offset>>2) & 0x03FFFFFF, nil
}

// BranchInRange reports whether a direct branch can cover offset bytes.
func BranchInRange(offset int64) bool {
	return offset >= MinBranchOffset && offset <= MaxBranchOffset
}

// DecodeBranchOffset extracts the sign-extended imm26 of a B or BL and
// scales it to bytes.
func DecodeBranchOffset(w uint32) int64 {
	imm := int64(w & 0x03FFFFFF)
	if imm&0x02000000 != 0 {
		imm -= 1 << 26
	}
	return imm * InstructionSize
}

// BranchTarget returns the destination of a B or BL executing at pc.
func BranchTarget(w uint32, pc uint64) (uint64, bool) {
	switch Classify(w) {
	case Branch, BranchWithLink:
		return uint64(int64(pc) + DecodeBranchOffset(w)), true
	}
	return 0, false
}

// EncodeNoOp returns NOP.
func EncodeNoOp() uint32 {
	return nopWord
}

// EncodeReturn returns RET (X30).
func EncodeReturn() uint32 {
	return retWord
}

// EncodeMoveRegister returns MOV Xd, Xm (ORR Xd, XZR, Xm).
func EncodeMoveRegister(dst, src Reg) (uint32, error) {
	if !dst.valid() || !src.valid() {
		return 0, fmt.Errorf("mov x%d, x%d: %w", dst, src, ErrRegister)
	}
	return 0xAA0003E0 | uint32(src)<<16 | uint32(dst), nil
}

// EncodeMoveImmediate returns MOVZ Xd, #imm, LSL #shift.
func EncodeMoveImmediate(dst Reg, imm uint16, shift uint) (uint32, error) {
	if !dst.valid() {
		return 0, fmt.Errorf("movz x%d: %w", dst, ErrRegister)
	}
	if shift%16 != 0 || shift > 48 {
		return 0, fmt.Errorf("movz lsl #%d: %w", shift, ErrShift)
	}
	hw := uint32(shift / 16)
	return 0xD2800000 | hw<<21 | uint32(imm)<<5 | uint32(dst), nil
}

// EncodeLoadLiteral returns LDR Xt, label where label is offset bytes from
// the instruction (±1 MiB).
func EncodeLoadLiteral(rt Reg, offset int64) (uint32, error) {
	if !rt.valid() {
		return 0, fmt.Errorf("ldr x%d: %w", rt, ErrRegister)
	}
	if offset%InstructionSize != 0 {
		return 0, fmt.Errorf("literal offset %d: %w", offset, ErrMisaligned)
	}
	if offset < -(1<<20) || offset >= 1<<20 {
		return 0, fmt.Errorf("literal offset %d: %w", offset, ErrBranchRange)
	}
	imm19 := uint32(offset>>2) & 0x7FFFF
	return 0x58000000 | imm19<<5 | uint32(rt), nil
}

// EncodeBranchRegister returns BR Xn.
func EncodeBranchRegister(rn Reg) (uint32, error) {
	if !rn.valid() {
		return 0, fmt.Errorf("br x%d: %w", rn, ErrRegister)
	}
	return 0xD61F0000 | uint32(rn)<<5, nil
}

// AbsoluteJump returns the 16-byte sequence
//
//	ldr x17, #8
//	br  x17
//	.quad target
//
// X17 is the intra-procedure-call scratch register, free at a call boundary.
func AbsoluteJump(target uint64) []byte {
	ldr, _ := EncodeLoadLiteral(X17, 8)
	br, _ := EncodeBranchRegister(X17)
	out := PutWords(ldr, br)
	return append(out, PutPointer(target)...)
}

// AbsoluteJumpSize is len(AbsoluteJump(x)).
const AbsoluteJumpSize = 2*InstructionSize + PointerSize
