// Package hook installs and removes inline branch hooks and vtable slot
// hooks, and keeps the registry that ties every live mutation to the bytes
// needed to undo it.
package hook

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zboralski/gancho/internal/arm64"
	"github.com/zboralski/gancho/internal/log"
	"github.com/zboralski/gancho/internal/memory"
	"go.uber.org/zap"
)

// PrologueSize is how many bytes an inline hook overwrites: one branch
// followed by three NOPs.
const PrologueSize = 4 * arm64.InstructionSize

// Engine owns a hook registry over one address space. All methods are safe
// for concurrent use; installs and removals are serialized.
type Engine struct {
	mem            memory.Memory
	log            *log.Logger
	absoluteReturn bool

	mu    sync.Mutex
	hooks map[memory.Addr]*Record
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is the package-global logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithAbsoluteReturn lets a trampoline return to its target through an
// absolute jump (ldr x17 / br x17) when the trampoline lands out of direct
// branch range. The target patch itself is always a direct branch.
func WithAbsoluteReturn() Option {
	return func(e *Engine) { e.absoluteReturn = true }
}

// New returns an engine patching m.
func New(m memory.Memory, opts ...Option) *Engine {
	e := &Engine{
		mem:   m,
		hooks: make(map[memory.Addr]*Record),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = log.Default()
	}
	e.log = e.log.WithComponent("hook")
	return e
}

// Memory returns the address space the engine patches.
func (e *Engine) Memory() memory.Memory {
	return e.mem
}

// InstallInline redirects target to replacement and returns a trampoline
// that runs the original function. On any error the target bytes are left
// as they were, except when a rollback itself fails; then the hook stays
// registered so Uninstall can retry, and both errors are returned.
func (e *Engine) InstallInline(target, replacement memory.Addr) (memory.Addr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.hooks[target]; ok {
		err := fmt.Errorf("%w: %s", ErrAlreadyHooked, target)
		e.log.Refused("install inline", uint64(target), err)
		return 0, err
	}

	saved, err := e.mem.Read(target, PrologueSize)
	if err != nil {
		return 0, fmt.Errorf("read prologue: %w", err)
	}

	tramp, trampSize, err := e.buildTrampoline(target, saved)
	if err != nil {
		e.log.Refused("install inline", uint64(target), err)
		return 0, err
	}

	branch, err := arm64.EncodeBranch(replacement.Sub(target))
	if err != nil {
		e.freeTrampoline(tramp, trampSize)
		err = fmt.Errorf("%w: %s -> %s: %w", ErrOffsetTooLarge, target, replacement, err)
		e.log.Refused("install inline", uint64(target), err)
		return 0, err
	}

	// Branch word first, then the NOP tail.
	if err := memory.WriteCode(e.mem, target, arm64.PutWords(branch)); err != nil {
		e.freeTrampoline(tramp, trampSize)
		return 0, fmt.Errorf("write branch: %w", err)
	}
	if err := memory.WriteCode(e.mem, target+arm64.InstructionSize, arm64.NoOps(3)); err != nil {
		tailErr := fmt.Errorf("write prologue tail: %w", err)
		if rerr := memory.WriteCode(e.mem, target, saved); rerr != nil {
			e.hooks[target] = &Record{
				Kind:        InlineBranch,
				Target:      target,
				Replacement: replacement,
				Trampoline:  tramp,
				Saved:       saved,
				trampSize:   trampSize,
			}
			e.log.Error("prologue rollback failed, hook left registered",
				log.Addr(uint64(target)), zap.Error(rerr))
			return 0, errors.Join(tailErr, fmt.Errorf("restore prologue: %w", rerr))
		}
		e.freeTrampoline(tramp, trampSize)
		return 0, tailErr
	}

	e.hooks[target] = &Record{
		Kind:        InlineBranch,
		Target:      target,
		Replacement: replacement,
		Trampoline:  tramp,
		Saved:       saved,
		trampSize:   trampSize,
	}
	e.log.HookInstall(InlineBranch.String(), uint64(target), uint64(replacement), uint64(tramp))
	return tramp, nil
}

// Uninstall restores the bytes saved for the hook on key (the hooked
// function, which for vtable hooks is the original slot value). The hook stays
// registered if the restore fails.
func (e *Engine) Uninstall(key memory.Addr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uninstallLocked(key)
}

func (e *Engine) uninstallLocked(key memory.Addr) error {
	rec, ok := e.hooks[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	var err error
	switch rec.Kind {
	case VTableSlot:
		err = memory.WriteData(e.mem, rec.Slot, rec.Saved)
	default:
		err = memory.WriteCode(e.mem, rec.Target, rec.Saved)
	}
	if err != nil {
		return fmt.Errorf("uninstall %s hook at %s: %w", rec.Kind, key, err)
	}

	delete(e.hooks, key)
	if rec.Trampoline != 0 {
		e.freeTrampoline(rec.Trampoline, rec.trampSize)
	}
	e.log.HookRemove(rec.Kind.String(), uint64(key))
	return nil
}

// UninstallAll removes every hook in address order. Failures do not stop
// the sweep; they are joined into the returned error and the failed hooks
// stay registered.
func (e *Engine) UninstallAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for _, key := range e.keysLocked() {
		if err := e.uninstallLocked(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsHooked reports whether key carries a hook.
func (e *Engine) IsHooked(key memory.Addr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.hooks[key]
	return ok
}

// Lookup returns a copy of the hook registered at key.
func (e *Engine) Lookup(key memory.Addr) (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.hooks[key]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Records returns copies of every hook, in address order.
func (e *Engine) Records() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	keys := e.keysLocked()
	out := make([]Record, len(keys))
	for i, k := range keys {
		out[i] = e.hooks[k].clone()
	}
	return out
}

// Len returns the number of active hooks.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.hooks)
}

func (e *Engine) keysLocked() []memory.Addr {
	keys := make([]memory.Addr, 0, len(e.hooks))
	for k := range e.hooks {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
