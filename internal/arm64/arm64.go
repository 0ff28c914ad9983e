// Package arm64 classifies, decodes and synthesizes the fixed-width AArch64
// instruction words needed for hooking.
//
// Classification is mask based: each Class is recognized by the fixed
// opcode bits of its encoding class, not by a full decode table. Anything
// outside the handful of classes the hook engine cares about is Other.
package arm64

import "errors"

// InstructionSize is the width of every AArch64 instruction in bytes.
const InstructionSize = 4

// PointerSize is the width of a data pointer in bytes.
const PointerSize = 8

// Branch immediate limits. imm26 is scaled by 4, giving ±128 MiB.
const (
	MaxBranchOffset = 1<<27 - InstructionSize
	MinBranchOffset = -(1 << 27)
)

var (
	// ErrBranchRange means the offset does not fit the branch immediate.
	ErrBranchRange = errors.New("branch offset out of range")
	// ErrMisaligned means the offset is not a multiple of the instruction size.
	ErrMisaligned = errors.New("offset not instruction aligned")
	// ErrRegister means a register number outside 0..31.
	ErrRegister = errors.New("invalid register")
	// ErrShift means a MOVZ shift other than 0, 16, 32 or 48.
	ErrShift = errors.New("invalid move shift")
	// ErrNotPageRelative means the word is not an ADRP instruction.
	ErrNotPageRelative = errors.New("not a page-relative address instruction")
	// ErrNotPaired means the instruction following ADRP does not consume its result.
	ErrNotPaired = errors.New("instruction does not pair with adrp")
)

// Class is a coarse instruction category.
type Class int

const (
	Other Class = iota
	Branch
	BranchWithLink
	CompareAndBranchOnZero
	TestAndBranchOnZero
	PageRelativeAddress
	Add
	Load
	NoOp
	Return
)

var classNames = [...]string{
	Other:                  "other",
	Branch:                 "b",
	BranchWithLink:         "bl",
	CompareAndBranchOnZero: "cbz",
	TestAndBranchOnZero:    "tbz",
	PageRelativeAddress:    "adrp",
	Add:                    "add",
	Load:                   "ldr",
	NoOp:                   "nop",
	Return:                 "ret",
}

func (c Class) String() string {
	if c < 0 || int(c) >= len(classNames) {
		return "unknown"
	}
	return classNames[c]
}

// Fixed encodings
const (
	nopWord = 0xD503201F
	retWord = 0xD65F03C0 // RET X30
)

// Reg is a general purpose register number. 31 encodes XZR in the
// instructions synthesized here.
type Reg uint8

const (
	X0  Reg = 0
	X1  Reg = 1
	X2  Reg = 2
	X8  Reg = 8
	X16 Reg = 16 // IP0
	X17 Reg = 17 // IP1
	FP  Reg = 29
	LR  Reg = 30
	XZR Reg = 31
)

func (r Reg) valid() bool {
	return r <= 31
}

// Classify returns the class of a single instruction word.
func Classify(w uint32) Class {
	switch {
	case w == nopWord:
		return NoOp
	case w&0xFFFFFC1F == 0xD65F0000: // RET Xn
		return Return
	case w&0xFC000000 == 0x14000000:
		return Branch
	case w&0xFC000000 == 0x94000000:
		return BranchWithLink
	case w&0x7E000000 == 0x34000000: // CBZ/CBNZ
		return CompareAndBranchOnZero
	case w&0x7E000000 == 0x36000000: // TBZ/TBNZ
		return TestAndBranchOnZero
	case w&0x9F000000 == 0x90000000:
		return PageRelativeAddress
	case isAddImmediate(w), w&0x7F000000 == 0x0B000000: // imm, shifted/extended reg
		return Add
	case isLoad(w):
		return Load
	}
	return Other
}

func isAddImmediate(w uint32) bool {
	return w&0x7F800000 == 0x11000000
}

func isLoad(w uint32) bool {
	switch {
	case w&0xBF000000 == 0x18000000: // LDR (literal) W/X
		return true
	case w&0xFF000000 == 0x98000000: // LDRSW (literal)
		return true
	case w&0xBFC00000 == 0xB9400000: // LDR (unsigned offset)
		return true
	case w&0xBFE00400 == 0xB8400400: // LDR (pre/post-index)
		return true
	case w&0xBFE00C00 == 0xB8600800: // LDR (register)
		return true
	}
	return false
}

// IsPCRelative reports whether the meaning of w depends on the address it
// executes from. Such words cannot be copied verbatim into a trampoline.
func IsPCRelative(w uint32) bool {
	switch {
	case w&0x1F000000 == 0x10000000: // ADR, ADRP
		return true
	case w&0x7C000000 == 0x14000000: // B, BL
		return true
	case w&0xFF000010 == 0x54000000: // B.cond
		return true
	case w&0x7C000000 == 0x34000000: // CBZ/CBNZ, TBZ/TBNZ
		return true
	case w&0x3B000000 == 0x18000000: // LDR/LDRSW/PRFM (literal), incl. SIMD
		return true
	}
	return false
}
