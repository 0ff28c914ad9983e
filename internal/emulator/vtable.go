package emulator

import (
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"github.com/zboralski/gancho/internal/arm64"
)

// Object is a polymorphic object laid out the Itanium C++ ABI way: the
// first word of the object points at its dispatch table, whose slots hold
// function addresses.
type Object struct {
	Addr   uint64 // object base, holds the vtable pointer
	VTable uint64 // address of slot 0
	Slots  int
}

// SlotAddr returns the address of a dispatch table slot.
func (o Object) SlotAddr(slot int) uint64 {
	return o.VTable + uint64(slot)*arm64.PointerSize
}

// BuildObject allocates a dispatch table holding entries and an object
// pointing at it. The table is made read-only, the way it is in a loaded
// library's .data.rel.ro.
func (e *Emulator) BuildObject(entries ...uint64) (Object, error) {
	if len(entries) == 0 {
		return Object{}, fmt.Errorf("build object: no vtable entries")
	}

	table := make([]byte, 0, len(entries)*arm64.PointerSize)
	for _, fn := range entries {
		table = append(table, arm64.PutPointer(fn)...)
	}

	// The table gets pages of its own so protecting it leaves other data
	// writable.
	vt := e.mallocPages(uint64(len(table)))
	if err := e.mu.MemWrite(vt, table); err != nil {
		return Object{}, fmt.Errorf("write vtable at 0x%x: %w", vt, err)
	}
	if err := e.mu.MemProtect(vt, pageRound(uint64(len(table))), uc.PROT_READ); err != nil {
		return Object{}, fmt.Errorf("protect vtable at 0x%x: %w", vt, err)
	}

	obj := e.Malloc(arm64.PointerSize * 2)
	if err := e.MemWriteU64(obj, vt); err != nil {
		return Object{}, fmt.Errorf("write object at 0x%x: %w", obj, err)
	}
	return Object{Addr: obj, VTable: vt, Slots: len(entries)}, nil
}

// ReadSlot returns the function a dispatch table slot currently holds.
func (e *Emulator) ReadSlot(o Object, slot int) (uint64, error) {
	return e.MemReadU64(o.SlotAddr(slot))
}

// mallocPages is Malloc rounded out to whole pages.
func (e *Emulator) mallocPages(size uint64) uint64 {
	e.allocMu.Lock()
	e.dataPtr = pageRound(e.dataPtr)
	e.allocMu.Unlock()
	return e.Malloc(pageRound(size))
}

func pageRound(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}
