// Package emulator provides ARM64 emulation using Unicorn Engine. The
// emulated address space implements memory.Memory, so hooks can be
// installed into it and executed end to end.
package emulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"github.com/zboralski/gancho/internal/arm64"
	"github.com/zboralski/gancho/internal/log"
	"github.com/zboralski/gancho/internal/trace"
)

// Memory layout constants
const (
	CodeBase       = 0x00010000
	CodeSize       = 0x01000000 // 16MB for code
	TrampolineBase = CodeBase + CodeSize
	TrampolineSize = 0x00100000 // 1MB, within branch range of all code
	DataBase       = 0x40000000
	DataSize       = 0x01000000 // objects and dispatch tables
	StackBase      = 0x80000000
	StackSize      = 0x00100000 // 1MB stack
	ReturnAddress  = 0xDEAD0000 // LR sentinel; Call stops when it is reached
	PageSize       = 0x1000
)

// DefaultMaxSteps bounds the instructions one Run may execute.
const DefaultMaxSteps = 1_000_000

// ErrStepLimit means emulation was stopped after MaxSteps instructions.
var ErrStepLimit = errors.New("instruction limit reached")

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint64, size uint32)

// AddressHookFunc is called before the instruction at its address runs.
// Returning true stops emulation.
type AddressHookFunc func(emu *Emulator) bool

// Emulator wraps Unicorn for ARM64 emulation
type Emulator struct {
	mu  uc.Unicorn
	log *log.Logger

	// Memory management
	dataPtr  uint64
	trampPtr uint64
	allocs   map[uint64]uint64
	allocMu  sync.Mutex

	// Hooks
	codeHooks []CodeHookFunc
	addrHooks map[uint64][]AddressHookFunc

	// Trace collection
	traceEnabled bool
	traceEvents  []trace.Event
	labels       *trace.Labels
	traceMu      sync.Mutex

	// Step accounting
	MaxSteps  uint64
	steps     uint64
	limitHit  bool
	stopped   bool
	stopMutex sync.Mutex
}

// New creates a new ARM64 emulator
func New() (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM64, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	emu := &Emulator{
		mu:        mu,
		log:       log.Default().WithComponent("emulator"),
		dataPtr:   DataBase,
		trampPtr:  TrampolineBase,
		allocs:    make(map[uint64]uint64),
		addrHooks: make(map[uint64][]AddressHookFunc),
		MaxSteps:  DefaultMaxSteps,
	}

	if err := emu.mapMemory(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := emu.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return emu, nil
}

// mapMemory sets up the memory layout. The trampoline arena is left
// unmapped; Alloc maps blocks out of it on demand.
func (e *Emulator) mapMemory() error {
	regions := []struct {
		base uint64
		size uint64
		prot int
		name string
	}{
		{CodeBase, CodeSize, uc.PROT_READ | uc.PROT_EXEC, "code"},
		{DataBase, DataSize, uc.PROT_READ | uc.PROT_WRITE, "data"},
		{StackBase, StackSize, uc.PROT_READ | uc.PROT_WRITE, "stack"},
		{ReturnAddress, PageSize, uc.PROT_READ | uc.PROT_EXEC, "return"},
	}

	for _, r := range regions {
		if err := e.mu.MemMapProt(r.base, r.size, r.prot); err != nil {
			return fmt.Errorf("map %s (0x%x): %w", r.name, r.base, err)
		}
	}

	// Spin at the sentinel in case execution ever gets there without the
	// stop address taking effect; the code hook stops it.
	if err := e.mu.MemWrite(ReturnAddress, arm64.PutWords(0x14000000)); err != nil {
		return fmt.Errorf("init return page: %w", err)
	}
	return e.resetStack()
}

func (e *Emulator) resetStack() error {
	sp := uint64(StackBase + StackSize - 0x1000)
	if err := e.mu.RegWrite(uc.ARM64_REG_SP, sp); err != nil {
		return fmt.Errorf("set SP: %w", err)
	}
	return nil
}

// setupHooks initializes Unicorn hooks
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		if e.isStopped() || addr == ReturnAddress {
			e.mu.Stop()
			return
		}

		e.steps++
		if e.MaxSteps > 0 && e.steps > e.MaxSteps {
			e.limitHit = true
			e.Stop()
			return
		}

		if e.traceEnabled {
			e.record(addr)
		}
		for _, h := range e.codeHooks {
			h(e, addr, size)
		}
		for _, h := range e.addrHooks[addr] {
			if h(e) {
				e.Stop()
				return
			}
		}
	}, 1, 0)

	return err
}

func (e *Emulator) record(addr uint64) {
	data, err := e.mu.MemRead(addr, arm64.InstructionSize)
	if err != nil {
		return
	}
	w := arm64.Word(data)
	ev := trace.Event{PC: addr, Word: w, Text: arm64.Disassemble(w, addr)}

	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	ev.Tags = e.labels.Lookup(addr)
	e.traceEvents = append(e.traceEvents, ev)
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// LoadCode writes code at the code base
func (e *Emulator) LoadCode(code []byte) error {
	return e.LoadCodeAt(CodeBase, code)
}

// LoadCodeAt writes code at addr regardless of page protection.
func (e *Emulator) LoadCodeAt(addr uint64, code []byte) error {
	if err := e.mu.MemWrite(addr, code); err != nil {
		return fmt.Errorf("load code at 0x%x: %w", addr, err)
	}
	return nil
}

// MemReadU64 reads a uint64 from memory (little endian)
func (e *Emulator) MemReadU64(addr uint64) (uint64, error) {
	data, err := e.mu.MemRead(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(data), nil
}

// MemWriteU64 writes a uint64 to memory (little endian) regardless of
// page protection.
func (e *Emulator) MemWriteU64(addr, val uint64) error {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, val)
	return e.mu.MemWrite(addr, data)
}

// X reads general-purpose register X0-X30
func (e *Emulator) X(n int) uint64 {
	if n < 0 || n > 30 {
		return 0
	}
	val, _ := e.mu.RegRead(uc.ARM64_REG_X0 + n)
	return val
}

// SetX writes general-purpose register X0-X30
func (e *Emulator) SetX(n int, val uint64) error {
	if n < 0 || n > 30 {
		return fmt.Errorf("invalid register X%d", n)
	}
	return e.mu.RegWrite(uc.ARM64_REG_X0+n, val)
}

// PC returns the program counter
func (e *Emulator) PC() uint64 {
	pc, _ := e.mu.RegRead(uc.ARM64_REG_PC)
	return pc
}

// SP returns the stack pointer
func (e *Emulator) SP() uint64 {
	sp, _ := e.mu.RegRead(uc.ARM64_REG_SP)
	return sp
}

// LR returns the link register
func (e *Emulator) LR() uint64 {
	lr, _ := e.mu.RegRead(uc.ARM64_REG_LR)
	return lr
}

// SetLR sets the link register
func (e *Emulator) SetLR(val uint64) error {
	return e.mu.RegWrite(uc.ARM64_REG_LR, val)
}

// Malloc allocates zeroed memory from the data region (bump allocator).
// Panics if the region is exhausted - this indicates a fundamental emulation problem.
func (e *Emulator) Malloc(size uint64) uint64 {
	// Align to 16 bytes
	size = (size + 15) & ^uint64(15)

	e.allocMu.Lock()
	addr := e.dataPtr
	e.dataPtr += size
	e.allocMu.Unlock()

	if addr+size > DataBase+DataSize {
		panic("data region exhausted")
	}
	return addr
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) {
	e.codeHooks = append(e.codeHooks, fn)
}

// HookAddress adds a hook called when execution reaches addr
func (e *Emulator) HookAddress(addr uint64, fn AddressHookFunc) {
	e.addrHooks[addr] = append(e.addrHooks[addr], fn)
}

// EnableTrace enables instruction tracing. Events are tagged with labels.
func (e *Emulator) EnableTrace(labels *trace.Labels) {
	e.traceMu.Lock()
	e.labels = labels
	e.traceMu.Unlock()
	e.traceEnabled = true
}

// DisableTrace disables instruction tracing
func (e *Emulator) DisableTrace() {
	e.traceEnabled = false
}

// TraceEvents returns collected trace events
func (e *Emulator) TraceEvents() []trace.Event {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	return append([]trace.Event{}, e.traceEvents...)
}

// ClearTrace clears trace events
func (e *Emulator) ClearTrace() {
	e.traceMu.Lock()
	defer e.traceMu.Unlock()
	e.traceEvents = nil
}

// Run executes from start until end is reached, Stop is called, or
// MaxSteps instructions have run.
func (e *Emulator) Run(start, end uint64) error {
	e.stopMutex.Lock()
	e.stopped = false
	e.stopMutex.Unlock()
	e.steps = 0
	e.limitHit = false

	if err := e.mu.Start(start, end); err != nil {
		return fmt.Errorf("emulate from 0x%x: %w", start, err)
	}
	if e.limitHit {
		return fmt.Errorf("emulate from 0x%x: %w (%d)", start, ErrStepLimit, e.MaxSteps)
	}
	return nil
}

// Call runs the function at addr with up to eight integer arguments in
// X0-X7 and returns X0. The function must return through LR.
func (e *Emulator) Call(addr uint64, args ...uint64) (uint64, error) {
	if len(args) > 8 {
		return 0, fmt.Errorf("call 0x%x: %d arguments, at most 8 fit in registers", addr, len(args))
	}
	for i, a := range args {
		if err := e.SetX(i, a); err != nil {
			return 0, err
		}
	}
	if err := e.resetStack(); err != nil {
		return 0, err
	}
	if err := e.SetLR(ReturnAddress); err != nil {
		return 0, fmt.Errorf("set LR: %w", err)
	}

	if err := e.Run(addr, ReturnAddress); err != nil {
		return 0, fmt.Errorf("call 0x%x: %w", addr, err)
	}
	if pc := e.PC(); pc != ReturnAddress {
		return 0, fmt.Errorf("call 0x%x: stopped at 0x%x before returning", addr, pc)
	}
	e.log.Debug("call returned", log.Addr(addr), log.Ptr("x0", e.X(0)), log.Size(e.steps))
	return e.X(0), nil
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.stopMutex.Lock()
	e.stopped = true
	e.stopMutex.Unlock()
	e.mu.Stop()
}

func (e *Emulator) isStopped() bool {
	e.stopMutex.Lock()
	defer e.stopMutex.Unlock()
	return e.stopped
}
