package hook

import (
	"fmt"

	"github.com/zboralski/gancho/internal/memory"
)

// Kind distinguishes how a hook mutates memory.
type Kind int

const (
	// InlineBranch overwrites a function prologue with a direct branch.
	InlineBranch Kind = iota
	// VTableSlot swaps one function pointer in a dispatch table.
	VTableSlot
)

func (k Kind) String() string {
	switch k {
	case InlineBranch:
		return "inline"
	case VTableSlot:
		return "vtable"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Record is an active hook. Callers receive copies; the engine owns the
// registered one.
type Record struct {
	Kind Kind
	// Target is the hooked function. For vtable hooks it is the original
	// function pointer read from the slot.
	Target      memory.Addr
	Replacement memory.Addr
	// Trampoline runs the relocated prologue and branches back into Target.
	// Zero for vtable hooks.
	Trampoline memory.Addr
	// Slot is the patched dispatch table entry. Zero for inline hooks.
	Slot memory.Addr
	// Saved holds the bytes overwritten at install time.
	Saved []byte

	trampSize int
}

// Key returns the registry key. Both kinds are keyed by Target.
func (r Record) Key() memory.Addr {
	return r.Target
}

func (r *Record) clone() Record {
	c := *r
	c.Saved = append([]byte(nil), r.Saved...)
	return c
}

func (r Record) String() string {
	if r.Kind == VTableSlot {
		return fmt.Sprintf("vtable slot %s: %s -> %s", r.Slot, r.Target, r.Replacement)
	}
	return fmt.Sprintf("inline %s -> %s (trampoline %s)", r.Target, r.Replacement, r.Trampoline)
}
