package arm64

import "fmt"

// ResolvePageRelativeAddress reassembles the address built by an
// ADRP/ADD pair, where adrp executes at pc.
//
// Only for reading. The result must never be used to relocate code.
func ResolvePageRelativeAddress(adrp, add uint32, pc uint64) (uint64, error) {
	page, err := adrpPage(adrp, pc)
	if err != nil {
		return 0, err
	}
	if !isAddImmediate(add) {
		return 0, fmt.Errorf("%#08x is not add (immediate): %w", add, ErrNotPaired)
	}
	if rn := (add >> 5) & 0x1F; rn != adrp&0x1F {
		return 0, fmt.Errorf("add reads x%d, adrp writes x%d: %w", rn, adrp&0x1F, ErrNotPaired)
	}
	imm12 := uint64((add >> 10) & 0xFFF)
	if add&(1<<22) != 0 {
		imm12 <<= 12
	}
	return page + imm12, nil
}

// ResolvePageRelativeLoad returns the address read by an ADRP/LDR pair
// (LDR with unsigned scaled offset).
func ResolvePageRelativeLoad(adrp, ldr uint32, pc uint64) (uint64, error) {
	page, err := adrpPage(adrp, pc)
	if err != nil {
		return 0, err
	}
	if ldr&0xBFC00000 != 0xB9400000 {
		return 0, fmt.Errorf("%#08x is not ldr (unsigned offset): %w", ldr, ErrNotPaired)
	}
	if rn := (ldr >> 5) & 0x1F; rn != adrp&0x1F {
		return 0, fmt.Errorf("ldr reads x%d, adrp writes x%d: %w", rn, adrp&0x1F, ErrNotPaired)
	}
	scale := ldr >> 30 // 2 for W, 3 for X
	imm12 := uint64((ldr >> 10) & 0xFFF)
	return page + imm12<<scale, nil
}

// adrpPage returns the 4 KiB page an ADRP at pc refers to.
func adrpPage(w uint32, pc uint64) (uint64, error) {
	if Classify(w) != PageRelativeAddress {
		return 0, fmt.Errorf("%#08x: %w", w, ErrNotPageRelative)
	}
	immlo := int64((w >> 29) & 0x3)
	immhi := int64((w >> 5) & 0x7FFFF)
	imm := immhi<<2 | immlo
	if imm&(1<<20) != 0 {
		imm -= 1 << 21
	}
	return uint64(int64(pc&^0xFFF) + imm<<12), nil
}

// EncodePageRelativeAddress returns ADRP Xd for the page of target as seen
// from pc. Used to build fixtures; the hook engine never emits it.
func EncodePageRelativeAddress(rd Reg, pc, target uint64) (uint32, error) {
	if !rd.valid() {
		return 0, fmt.Errorf("adrp x%d: %w", rd, ErrRegister)
	}
	delta := (int64(target&^0xFFF) - int64(pc&^0xFFF)) >> 12
	if delta < -(1<<20) || delta >= 1<<20 {
		return 0, fmt.Errorf("adrp page delta %d: %w", delta, ErrBranchRange)
	}
	imm := uint32(delta) & 0x1FFFFF
	return 0x90000000 | (imm&0x3)<<29 | (imm>>2)<<5 | uint32(rd), nil
}

// EncodeAddImmediate returns ADD Xd, Xn, #imm12.
func EncodeAddImmediate(rd, rn Reg, imm12 uint16) (uint32, error) {
	if !rd.valid() || !rn.valid() {
		return 0, fmt.Errorf("add x%d, x%d: %w", rd, rn, ErrRegister)
	}
	if imm12 > 0xFFF {
		return 0, fmt.Errorf("add immediate %#x: %w", imm12, ErrBranchRange)
	}
	return 0x91000000 | uint32(imm12)<<10 | uint32(rn)<<5 | uint32(rd), nil
}
