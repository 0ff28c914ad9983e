package hook

import "errors"

var (
	// ErrAlreadyHooked means the address already carries a hook.
	ErrAlreadyHooked = errors.New("already hooked")
	// ErrNotFound means no hook is registered at the address.
	ErrNotFound = errors.New("hook not found")
	// ErrOffsetTooLarge means the replacement is outside direct branch range of the target.
	ErrOffsetTooLarge = errors.New("branch offset too large")
	// ErrTrampoline means the trampoline could not be built.
	ErrTrampoline = errors.New("trampoline failed")
	// ErrNullVTable means the object's dispatch table pointer is null.
	ErrNullVTable = errors.New("null vtable")
	// ErrSlot means the vtable slot index is negative.
	ErrSlot = errors.New("invalid vtable slot")
)
