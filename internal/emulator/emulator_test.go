package emulator

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/zboralski/gancho/internal/arm64"
	"github.com/zboralski/gancho/internal/hook"
	"github.com/zboralski/gancho/internal/log"
	"github.com/zboralski/gancho/internal/memory"
	"github.com/zboralski/gancho/internal/trace"
)

// ARM64 test code: MOV X0, #5; MOV X1, #3; ADD X2, X0, X1; RET
var addTestCode = []byte{
	0xa0, 0x00, 0x80, 0xd2, // MOV X0, #5
	0x61, 0x00, 0x80, 0xd2, // MOV X1, #3
	0x02, 0x00, 0x01, 0x8b, // ADD X2, X0, X1
	0xc0, 0x03, 0x5f, 0xd6, // RET
}

// addOne has a frame so its prologue is the usual 16 bytes:
// stp x29, x30, [sp, #-16]!; mov x29, sp; add x0, x0, #1; ldp x29, x30, [sp], #16; ret
var addOne = arm64.PutWords(0xA9BF7BFD, 0x910003FD, 0x91000400, 0xA8C17BFD, 0xD65F03C0)

func newEmulator(t *testing.T) *Emulator {
	t.Helper()
	emu, err := New()
	if err != nil {
		t.Fatalf("Failed to create emulator: %v", err)
	}
	t.Cleanup(func() { emu.Close() })
	return emu
}

func load(t *testing.T, emu *Emulator, addr uint64, code []byte) {
	t.Helper()
	if err := emu.LoadCodeAt(addr, code); err != nil {
		t.Fatalf("Failed to load code: %v", err)
	}
}

func TestEmulatorBasic(t *testing.T) {
	emu := newEmulator(t)
	load(t, emu, CodeBase, addTestCode)

	if _, err := emu.Call(CodeBase); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if x2 := emu.X(2); x2 != 8 {
		t.Errorf("Expected X2=8, got X2=%d", x2)
	}
	if emu.X(0) != 5 || emu.X(1) != 3 {
		t.Errorf("Expected X0=5 X1=3, got X0=%d X1=%d", emu.X(0), emu.X(1))
	}
	if emu.PC() != ReturnAddress {
		t.Errorf("PC = 0x%x, want return sentinel", emu.PC())
	}
}

func TestCallArguments(t *testing.T) {
	emu := newEmulator(t)
	load(t, emu, CodeBase, addOne)

	got, err := emu.Call(CodeBase, 41)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != 42 {
		t.Errorf("addOne(41) = %d", got)
	}

	if _, err := emu.Call(CodeBase, 1, 2, 3, 4, 5, 6, 7, 8, 9); err == nil {
		t.Errorf("nine register arguments accepted")
	}
}

func TestStepLimit(t *testing.T) {
	emu := newEmulator(t)
	load(t, emu, CodeBase, arm64.PutWords(0x14000000)) // b .
	emu.MaxSteps = 100

	if _, err := emu.Call(CodeBase); !errors.Is(err, ErrStepLimit) {
		t.Fatalf("Call on infinite loop = %v, want ErrStepLimit", err)
	}
}

func TestMemoryOperations(t *testing.T) {
	emu := newEmulator(t)

	addr := emu.Malloc(16)
	if err := emu.MemWriteU64(addr, 0x123456789ABCDEF0); err != nil {
		t.Fatalf("MemWriteU64: %v", err)
	}
	val, err := emu.MemReadU64(addr)
	if err != nil {
		t.Fatalf("MemReadU64: %v", err)
	}
	if val != 0x123456789ABCDEF0 {
		t.Errorf("Expected 0x123456789ABCDEF0, got 0x%x", val)
	}
}

func TestMalloc(t *testing.T) {
	emu := newEmulator(t)

	addr1 := emu.Malloc(100)
	addr2 := emu.Malloc(200)
	addr3 := emu.Malloc(50)

	if addr1%16 != 0 || addr2%16 != 0 || addr3%16 != 0 {
		t.Errorf("Allocations not 16-byte aligned: 0x%x, 0x%x, 0x%x", addr1, addr2, addr3)
	}
	if addr2 < addr1+112 { // 100 rounded to 16
		t.Errorf("addr2 overlaps addr1")
	}
	if addr3 < addr2+208 { // 200 rounded to 16
		t.Errorf("addr3 overlaps addr2")
	}
}

func TestMemoryInterface(t *testing.T) {
	emu := newEmulator(t)
	load(t, emu, CodeBase, addTestCode)

	got, err := emu.Read(CodeBase, len(addTestCode))
	if err != nil || !bytes.Equal(got, addTestCode) {
		t.Fatalf("Read = %x, %v", got, err)
	}
	if _, err := emu.Read(0x100, 4); !errors.Is(err, memory.ErrRead) {
		t.Errorf("Read unmapped = %v, want ErrRead", err)
	}
	if err := emu.Write(CodeBase, []byte{0}); !errors.Is(err, memory.ErrWrite) {
		t.Errorf("Write to r-x code = %v, want ErrWrite", err)
	}

	if err := memory.WriteCode(emu, CodeBase, arm64.PutWords(arm64.EncodeNoOp())); err != nil {
		t.Fatalf("WriteCode: %v", err)
	}
	if w, _ := emu.Read(CodeBase, 4); arm64.Word(w) != arm64.EncodeNoOp() {
		t.Errorf("word after WriteCode = %x", w)
	}

	block, err := emu.Alloc(CodeBase, 20)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if uint64(block) < TrampolineBase || uint64(block) >= TrampolineBase+TrampolineSize {
		t.Errorf("Alloc = %s, outside the trampoline arena", block)
	}
	if err := emu.Write(block, addTestCode); err != nil {
		t.Errorf("Write to allocated block: %v", err)
	}
	if err := emu.Free(block, 20); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := emu.Read(block, 4); !errors.Is(err, memory.ErrRead) {
		t.Errorf("Read after Free = %v, want ErrRead", err)
	}
	if err := emu.Free(block, 20); err == nil {
		t.Errorf("double Free accepted")
	}
}

func TestMappings(t *testing.T) {
	emu := newEmulator(t)
	maps, err := emu.Mappings()
	if err != nil {
		t.Fatalf("Mappings: %v", err)
	}
	m, ok := memory.FindMapping(maps, CodeBase)
	if !ok {
		t.Fatalf("code region missing from %v", maps)
	}
	if m.Perms != "r-xp" || m.Size() != CodeSize {
		t.Errorf("code mapping = %s", m)
	}
}

func TestAddressHook(t *testing.T) {
	emu := newEmulator(t)
	load(t, emu, CodeBase, addTestCode)

	calls := 0
	emu.HookAddress(CodeBase+12, func(e *Emulator) bool {
		calls++
		return true
	})

	_, err := emu.Call(CodeBase)
	if err == nil {
		t.Fatalf("Call returned after hook stopped it")
	}
	if calls != 1 {
		t.Errorf("hook called %d times", calls)
	}
	// Hooks run before the instruction, so everything up to RET is done.
	if emu.X(2) != 8 {
		t.Errorf("X2 = %d, want 8", emu.X(2))
	}
}

func TestCodeHook(t *testing.T) {
	emu := newEmulator(t)
	load(t, emu, CodeBase, addTestCode)

	instrCount := 0
	emu.HookCode(func(e *Emulator, addr uint64, size uint32) {
		instrCount++
	})
	if _, err := emu.Call(CodeBase); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if instrCount != 4 {
		t.Errorf("Expected 4 instructions, got %d", instrCount)
	}
}

// TestInlineHookExecution runs a hooked function: the patched prologue
// branches to a replacement that adds 100 and tail calls the trampoline,
// which runs the saved prologue and resumes the original body.
func TestInlineHookExecution(t *testing.T) {
	emu := newEmulator(t)
	const (
		target      = CodeBase
		replacement = CodeBase + 0x100
	)
	load(t, emu, target, addOne)

	ldr, _ := arm64.EncodeLoadLiteral(arm64.X16, 8)
	br, _ := arm64.EncodeBranchRegister(arm64.X16)
	// add x0, x0, #100; nop; ldr x16, #8; br x16; .quad trampoline
	repl := arm64.PutWords(0x91019000, arm64.EncodeNoOp(), ldr, br)
	load(t, emu, replacement, repl)

	eng := hook.New(emu, hook.WithLogger(log.NewNop()))
	tramp, err := eng.InstallInline(target, replacement)
	if err != nil {
		t.Fatalf("InstallInline: %v", err)
	}
	if err := emu.MemWriteU64(replacement+uint64(len(repl)), uint64(tramp)); err != nil {
		t.Fatalf("patch trampoline literal: %v", err)
	}

	var labels trace.Labels
	labels.Add(target, hook.PrologueSize, trace.Target)
	labels.Add(target+hook.PrologueSize, uint64(len(addOne))-hook.PrologueSize, trace.Resume)
	labels.Add(replacement, uint64(len(repl))+arm64.PointerSize, trace.Replacement)
	labels.Add(uint64(tramp), uint64(hook.TrampolineSize(false)), trace.Trampoline)
	emu.EnableTrace(&labels)

	got, err := emu.Call(target, 1)
	if err != nil {
		t.Fatalf("Call hooked: %v", err)
	}
	if got != 102 {
		t.Errorf("hooked addOne(1) = %d, want 102", got)
	}

	want := []trace.Tag{trace.Target, trace.Replacement, trace.Trampoline, trace.Resume}
	if path := trace.Path(emu.TraceEvents()); !reflect.DeepEqual(path, want) {
		for _, ev := range emu.TraceEvents() {
			t.Log(ev)
		}
		t.Errorf("path = %v, want %v", path, want)
	}

	if err := eng.Uninstall(target); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	emu.ClearTrace()
	got, err = emu.Call(target, 1)
	if err != nil {
		t.Fatalf("Call after uninstall: %v", err)
	}
	if got != 2 {
		t.Errorf("addOne(1) after uninstall = %d, want 2", got)
	}
	if n := emu.Allocations(); n != 0 {
		t.Errorf("%d trampolines left after uninstall", n)
	}
}

func TestVTableHookExecution(t *testing.T) {
	emu := newEmulator(t)
	const (
		first    = CodeBase + 0x200
		second   = CodeBase + 0x300
		override = CodeBase + 0x400
		dispatch = CodeBase + 0x500
	)
	load(t, emu, first, arm64.PutWords(0x91000400, arm64.EncodeReturn()))    // add x0, x0, #1
	load(t, emu, second, arm64.PutWords(0x91000800, arm64.EncodeReturn()))   // add x0, x0, #2
	load(t, emu, override, arm64.PutWords(0x9100C800, arm64.EncodeReturn())) // add x0, x0, #50
	// ldr x8, [x0]; ldr x9, [x8, #8]; mov x0, x1; br x9
	load(t, emu, dispatch, arm64.PutWords(0xF9400008, 0xF9400509, 0xAA0103E0, 0xD61F0120))

	obj, err := emu.BuildObject(first, second)
	if err != nil {
		t.Fatalf("BuildObject: %v", err)
	}
	if got, _ := emu.Call(dispatch, obj.Addr, 10); got != 12 {
		t.Fatalf("virtual call = %d, want 12", got)
	}

	eng := hook.New(emu, hook.WithLogger(log.NewNop()))
	orig, err := eng.InstallVTable(memory.Addr(obj.Addr), 1, override)
	if err != nil {
		t.Fatalf("InstallVTable: %v", err)
	}
	if orig != second {
		t.Errorf("original = %s, want 0x%x", orig, second)
	}
	if got, _ := emu.Call(dispatch, obj.Addr, 10); got != 60 {
		t.Errorf("hooked virtual call = %d, want 60", got)
	}
	if slot, _ := emu.ReadSlot(obj, 0); slot != first {
		t.Errorf("slot 0 = 0x%x, changed by a slot 1 hook", slot)
	}

	if err := eng.UninstallVTable(memory.Addr(obj.Addr), 1); err != nil {
		t.Fatalf("UninstallVTable: %v", err)
	}
	if got, _ := emu.Call(dispatch, obj.Addr, 10); got != 12 {
		t.Errorf("virtual call after uninstall = %d, want 12", got)
	}
}
