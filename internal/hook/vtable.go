package hook

import (
	"fmt"

	"github.com/zboralski/gancho/internal/arm64"
	"github.com/zboralski/gancho/internal/memory"
)

// VTableSlot returns the address of entry slot in the dispatch table that
// object points to.
func (e *Engine) VTableSlot(object memory.Addr, slot int) (memory.Addr, error) {
	if slot < 0 {
		return 0, fmt.Errorf("%w: %d", ErrSlot, slot)
	}
	raw, err := e.mem.Read(object, arm64.PointerSize)
	if err != nil {
		return 0, fmt.Errorf("read vtable pointer: %w", err)
	}
	vtable := memory.Addr(arm64.Pointer(raw))
	if vtable.IsNull() {
		return 0, fmt.Errorf("%w: object %s", ErrNullVTable, object)
	}
	return vtable + memory.Addr(slot*arm64.PointerSize), nil
}

// InstallVTable points entry slot of object's dispatch table at replacement
// and returns the function pointer it replaced. Only that slot changes;
// every object sharing the table is affected. The hook is registered under
// the original function pointer, so it also blocks an inline hook on that
// function and is removed with Uninstall(original).
func (e *Engine) InstallVTable(object memory.Addr, slot int, replacement memory.Addr) (memory.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	slotAddr, err := e.VTableSlot(object, slot)
	if err != nil {
		e.log.Refused("install vtable", uint64(object), err)
		return 0, err
	}
	if key, ok := e.slotKeyLocked(slotAddr); ok {
		err := fmt.Errorf("%w: vtable slot %s (hook on %s)", ErrAlreadyHooked, slotAddr, key)
		e.log.Refused("install vtable", uint64(slotAddr), err)
		return 0, err
	}

	saved, err := e.mem.Read(slotAddr, arm64.PointerSize)
	if err != nil {
		return 0, fmt.Errorf("read vtable slot: %w", err)
	}
	original := memory.Addr(arm64.Pointer(saved))
	if original.IsNull() {
		err := fmt.Errorf("%w: slot %d of object %s is null", ErrNullVTable, slot, object)
		e.log.Refused("install vtable", uint64(slotAddr), err)
		return 0, err
	}
	if _, ok := e.hooks[original]; ok {
		err := fmt.Errorf("%w: %s", ErrAlreadyHooked, original)
		e.log.Refused("install vtable", uint64(original), err)
		return 0, err
	}

	if err := memory.WriteData(e.mem, slotAddr, arm64.PutPointer(uint64(replacement))); err != nil {
		return 0, fmt.Errorf("write vtable slot: %w", err)
	}

	e.hooks[original] = &Record{
		Kind:        VTableSlot,
		Target:      original,
		Replacement: replacement,
		Slot:        slotAddr,
		Saved:       saved,
	}
	e.log.HookInstall(VTableSlot.String(), uint64(original), uint64(replacement), 0)
	return original, nil
}

// UninstallVTable restores entry slot of object's dispatch table.
func (e *Engine) UninstallVTable(object memory.Addr, slot int) error {
	slotAddr, err := e.VTableSlot(object, slot)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key, ok := e.slotKeyLocked(slotAddr)
	if !ok {
		return fmt.Errorf("%w: vtable slot %s", ErrNotFound, slotAddr)
	}
	return e.uninstallLocked(key)
}

// slotKeyLocked finds the vtable hook that patched slotAddr.
func (e *Engine) slotKeyLocked(slotAddr memory.Addr) (memory.Addr, bool) {
	for key, rec := range e.hooks {
		if rec.Kind == VTableSlot && rec.Slot == slotAddr {
			return key, true
		}
	}
	return 0, false
}
