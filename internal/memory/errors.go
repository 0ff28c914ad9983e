package memory

import (
	"errors"
	"fmt"
)

var (
	// ErrRead means a range could not be read, usually because it is unmapped.
	ErrRead = errors.New("memory read failed")
	// ErrWrite means a range could not be written or its protection could not be changed.
	ErrWrite = errors.New("memory write failed")
	// ErrAlloc means no executable block could be mapped.
	ErrAlloc = errors.New("memory allocation failed")
	// ErrModuleNotFound means no mapping path contains the module name.
	ErrModuleNotFound = errors.New("module not found")
	// ErrSymbolNotFound means the module does not export the symbol.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrUnsupported means the live-process backend is not available on this platform.
	ErrUnsupported = errors.New("in-process patching not supported on this platform")
)

// AccessError describes a failed memory operation.
type AccessError struct {
	Op   string // "read", "write", "protect", "alloc", "free"
	Addr Addr
	Len  int
	Kind error // ErrRead, ErrWrite or ErrAlloc
	Err  error // underlying cause, may be nil
}

func (e *AccessError) Error() string {
	msg := fmt.Sprintf("%s %s+%d: %v", e.Op, e.Addr, e.Len, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *AccessError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func readError(addr Addr, n int, cause error) error {
	return &AccessError{Op: "read", Addr: addr, Len: n, Kind: ErrRead, Err: cause}
}

func writeError(op string, addr Addr, n int, cause error) error {
	return &AccessError{Op: op, Addr: addr, Len: n, Kind: ErrWrite, Err: cause}
}

func allocError(near Addr, n int, cause error) error {
	return &AccessError{Op: "alloc", Addr: near, Len: n, Kind: ErrAlloc, Err: cause}
}
