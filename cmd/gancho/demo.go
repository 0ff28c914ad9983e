package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zboralski/gancho/internal/arm64"
	"github.com/zboralski/gancho/internal/emulator"
	"github.com/zboralski/gancho/internal/hook"
	glog "github.com/zboralski/gancho/internal/log"
	"github.com/zboralski/gancho/internal/memory"
	"github.com/zboralski/gancho/internal/trace"
	"github.com/zboralski/gancho/internal/ui/colorize"
)

// Demo layout inside the emulator code region.
const (
	demoTarget      = emulator.CodeBase
	demoReplacement = emulator.CodeBase + 0x100
	demoFirst       = emulator.CodeBase + 0x200
	demoSecond      = emulator.CodeBase + 0x300
	demoOverride    = emulator.CodeBase + 0x400
	demoDispatch    = emulator.CodeBase + 0x500
)

// addOne: stp x29, x30, [sp, #-16]!; mov x29, sp; add x0, x0, #1; ldp x29, x30, [sp], #16; ret
var demoAddOne = []uint32{0xA9BF7BFD, 0x910003FD, 0x91000400, 0xA8C17BFD, 0xD65F03C0}

func runDemo(cmd *cobra.Command, args []string) error {
	emu, err := emulator.New()
	if err != nil {
		return err
	}
	defer emu.Close()

	eng := hook.New(emu, hook.WithLogger(glog.Default()))
	defer func() {
		if err := eng.UninstallAll(); err != nil {
			fmt.Println(colorize.Error(err.Error()))
		}
	}()

	if err := demoInline(emu, eng); err != nil {
		return err
	}
	fmt.Println()
	return demoVTable(emu, eng)
}

func demoInline(emu *emulator.Emulator, eng *hook.Engine) error {
	ldr, err := arm64.EncodeLoadLiteral(arm64.X16, 8)
	if err != nil {
		return err
	}
	br, err := arm64.EncodeBranchRegister(arm64.X16)
	if err != nil {
		return err
	}
	// add x0, x0, #100; nop; ldr x16, #8; br x16; .quad trampoline
	repl := arm64.PutWords(0x91019000, arm64.EncodeNoOp(), ldr, br)

	if err := emu.LoadCodeAt(demoTarget, arm64.PutWords(demoAddOne...)); err != nil {
		return err
	}
	if err := emu.LoadCodeAt(demoReplacement, repl); err != nil {
		return err
	}

	fmt.Printf("%s inline hook\n", colorize.Header("▶"))
	before, err := emu.Call(demoTarget, 1)
	if err != nil {
		return err
	}
	fmt.Printf("  %s addOne(1) = %d\n", colorize.Detail("before:"), before)

	tramp, err := eng.InstallInline(demoTarget, demoReplacement)
	if err != nil {
		return err
	}
	if err := emu.MemWriteU64(demoReplacement+uint64(len(repl)), uint64(tramp)); err != nil {
		return err
	}

	var labels trace.Labels
	labels.Add(demoTarget, hook.PrologueSize, trace.Target)
	labels.Add(demoTarget+hook.PrologueSize, uint64(len(demoAddOne)*arm64.InstructionSize)-hook.PrologueSize, trace.Resume)
	labels.Add(demoReplacement, uint64(len(repl))+arm64.PointerSize, trace.Replacement)
	labels.Add(uint64(tramp), uint64(hook.TrampolineSize(false)), trace.Trampoline)
	emu.EnableTrace(&labels)
	defer emu.DisableTrace()

	after, err := emu.Call(demoTarget, 1)
	if err != nil {
		return err
	}
	for _, ev := range emu.TraceEvents() {
		fmt.Println("  " + colorize.Event(ev))
	}
	fmt.Printf("  %s addOne(1) = %d  %s %s\n", colorize.Detail("hooked:"), after,
		colorize.Detail("trampoline"), colorize.Address(uint64(tramp)))

	if err := eng.Uninstall(demoTarget); err != nil {
		return err
	}
	restored, err := emu.Call(demoTarget, 1)
	if err != nil {
		return err
	}
	fmt.Printf("  %s addOne(1) = %d\n", colorize.Detail("restored:"), restored)
	return nil
}

func demoVTable(emu *emulator.Emulator, eng *hook.Engine) error {
	code := []struct {
		addr  uint64
		words []uint32
	}{
		{demoFirst, []uint32{0x91000400, arm64.EncodeReturn()}},    // add x0, x0, #1
		{demoSecond, []uint32{0x91000800, arm64.EncodeReturn()}},   // add x0, x0, #2
		{demoOverride, []uint32{0x9100C800, arm64.EncodeReturn()}}, // add x0, x0, #50
		// ldr x8, [x0]; ldr x9, [x8, #8]; mov x0, x1; br x9
		{demoDispatch, []uint32{0xF9400008, 0xF9400509, 0xAA0103E0, 0xD61F0120}},
	}
	for _, c := range code {
		if err := emu.LoadCodeAt(c.addr, arm64.PutWords(c.words...)); err != nil {
			return err
		}
	}

	obj, err := emu.BuildObject(demoFirst, demoSecond)
	if err != nil {
		return err
	}
	fmt.Printf("%s vtable hook  %s %s  %s %s\n", colorize.Header("▶"),
		colorize.Detail("object"), colorize.Address(obj.Addr),
		colorize.Detail("vtable"), colorize.Address(obj.VTable))

	before, err := emu.Call(demoDispatch, obj.Addr, 10)
	if err != nil {
		return err
	}
	fmt.Printf("  %s obj->slot1(10) = %d\n", colorize.Detail("before:"), before)

	orig, err := eng.InstallVTable(memory.Addr(obj.Addr), 1, demoOverride)
	if err != nil {
		return err
	}
	after, err := emu.Call(demoDispatch, obj.Addr, 10)
	if err != nil {
		return err
	}
	fmt.Printf("  %s obj->slot1(10) = %d  %s %s\n", colorize.Detail("hooked:"), after,
		colorize.Detail("original"), colorize.Address(uint64(orig)))

	for _, r := range eng.Records() {
		fmt.Println("  " + colorize.Detail(r.String()))
	}
	return nil
}
