// Package gancho hooks ARM64 code in the running process: it finds
// functions by wildcard byte signatures, redirects their entry to
// replacement code, and builds trampolines that still run the original.
//
// Most callers use an explicit Engine from NewEngine. The package-level
// functions operate on a process-wide engine created on first use.
package gancho

import (
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/gancho/internal/hook"
	"github.com/zboralski/gancho/internal/log"
	"github.com/zboralski/gancho/internal/memory"
	"github.com/zboralski/gancho/internal/pattern"
)

type (
	// Addr is an address in the patched address space.
	Addr = memory.Addr
	// Region is a module's mapped extent.
	Region = memory.Region
	// Memory is an address space the engine can patch.
	Memory = memory.Memory
	// Pattern is a parsed wildcard byte signature.
	Pattern = pattern.Pattern
	// Engine owns a registry of active hooks.
	Engine = hook.Engine
	// Record describes one active hook.
	Record = hook.Record
	// Option configures an Engine.
	Option = hook.Option
)

// Failure reasons, checked with errors.Is.
var (
	ErrRead           = memory.ErrRead
	ErrWrite          = memory.ErrWrite
	ErrModuleNotFound = memory.ErrModuleNotFound
	ErrPatternInvalid = pattern.ErrInvalid
	ErrAlreadyHooked  = hook.ErrAlreadyHooked
	ErrNotFound       = hook.ErrNotFound
	ErrOffsetTooLarge = hook.ErrOffsetTooLarge
	ErrTrampoline     = hook.ErrTrampoline
	ErrNullVTable     = hook.ErrNullVTable
)

// NewEngine returns an engine patching m.
func NewEngine(m Memory, opts ...Option) *Engine {
	return hook.New(m, opts...)
}

// WithLogger makes the engine log through z.
func WithLogger(z *zap.Logger) Option {
	return hook.WithLogger(log.Wrap(z))
}

// WithAbsoluteReturn lets a trampoline jump back through a register when
// the target is out of direct branch range.
func WithAbsoluteReturn() Option {
	return hook.WithAbsoluteReturn()
}

var (
	defaultOnce   sync.Once
	defaultEngine *Engine
	defaultErr    error
)

// Default returns the engine for this process's own address space.
func Default() (*Engine, error) {
	defaultOnce.Do(func() {
		m, err := memory.Self()
		if err != nil {
			defaultErr = err
			return
		}
		defaultEngine = hook.New(m)
	})
	return defaultEngine, defaultErr
}

// ParsePattern parses signature text such as "DE AD ?? EF".
func ParsePattern(text string) (Pattern, error) {
	return pattern.Parse(text)
}

// ResolveModule returns the mapped extent of the first loaded module whose
// path contains name.
func ResolveModule(name string) (Region, error) {
	return memory.ResolveModule(name)
}

// Scan returns the offset of the first match of signature in data.
// No match is not an error.
func Scan(data []byte, signature string) (int, bool, error) {
	p, err := pattern.Parse(signature)
	if err != nil {
		return 0, false, err
	}
	off, ok := pattern.Scan(data, p)
	return off, ok, nil
}

// ScanModule returns the address of the first match of signature in the
// loaded module matching name.
func ScanModule(module, signature string) (Addr, bool, error) {
	p, err := pattern.Parse(signature)
	if err != nil {
		return 0, false, err
	}
	e, err := Default()
	if err != nil {
		return 0, false, err
	}
	maps, err := memory.ReadMaps(0)
	if err != nil {
		return 0, false, err
	}
	return pattern.ScanModule(e.Memory(), maps, module, p)
}

// InstallInlineHook redirects target to replacement and returns the
// trampoline that runs the original function.
func InstallInlineHook(target, replacement Addr) (Addr, error) {
	e, err := Default()
	if err != nil {
		return 0, err
	}
	return e.InstallInline(target, replacement)
}

// InstallVTableHook replaces one dispatch table slot of object and returns
// the function it held.
func InstallVTableHook(object Addr, slot int, replacement Addr) (Addr, error) {
	e, err := Default()
	if err != nil {
		return 0, err
	}
	return e.InstallVTable(object, slot, replacement)
}

// Uninstall removes the hook on addr: the target of an inline hook or the
// original function pointer returned by InstallVTableHook.
func Uninstall(addr Addr) error {
	e, err := Default()
	if err != nil {
		return err
	}
	return e.Uninstall(addr)
}

// UninstallAll removes every hook of the default engine.
func UninstallAll() error {
	e, err := Default()
	if err != nil {
		return err
	}
	return e.UninstallAll()
}

// IsHooked reports whether addr carries a hook of the default engine.
func IsHooked(addr Addr) bool {
	e, err := Default()
	if err != nil {
		return false
	}
	return e.IsHooked(addr)
}
