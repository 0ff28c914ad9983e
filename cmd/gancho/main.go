package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zboralski/gancho/internal/arm64"
	"github.com/zboralski/gancho/internal/emulator"
	glog "github.com/zboralski/gancho/internal/log"
	"github.com/zboralski/gancho/internal/memory"
	"github.com/zboralski/gancho/internal/pattern"
	"github.com/zboralski/gancho/internal/sigdb"
	"github.com/zboralski/gancho/internal/ui/colorize"
)

var (
	verbose bool
	rawScan bool
	pid     int
	process string
	symbol  string
	pcBase  uint64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gancho",
		Short: "Find and hook ARM64 functions by byte signature",
		Long: `Gancho locates ARM64 functions with wildcard byte signatures and hooks
them in place: the entry is rewritten to branch to replacement code and a
trampoline keeps the original callable.

These commands are the offline side of the toolkit: scanning binaries,
checking signature databases, inspecting mapping tables and decoding words.
The demo command runs the hook engine inside an emulated address space.

Examples:
  gancho scan libgame.so "FD 7B BF A9 ?? ?? ?? 91"
  gancho sigs signatures.yaml libgame.so
  gancho maps libc.so --process surfaceflinger
  gancho decode 94000010 --pc 0x1000
  gancho demo`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			glog.Init(verbose)
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose debug output")

	scanCmd := &cobra.Command{
		Use:   "scan <file> <signature>...",
		Short: "Print every match of each signature in a file",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runScan,
	}

	sigsCmd := &cobra.Command{
		Use:   "sigs <db.yaml> <file>",
		Short: "Resolve a signature database against a binary",
		Args:  cobra.ExactArgs(2),
		RunE:  runSigs,
	}
	sigsCmd.Flags().BoolVar(&rawScan, "raw", false, "scan file bytes instead of the loaded ELF image")

	mapsCmd := &cobra.Command{
		Use:   "maps <module>",
		Short: "Resolve a module in a process mapping table",
		Args:  cobra.ExactArgs(1),
		RunE:  runMaps,
	}
	mapsCmd.Flags().IntVar(&pid, "pid", 0, "process id (default: this process)")
	mapsCmd.Flags().StringVar(&process, "process", "", "process name, resolved to a pid")
	mapsCmd.Flags().StringVar(&symbol, "symbol", "", "also resolve this exported symbol")

	decodeCmd := &cobra.Command{
		Use:   "decode <hexword>...",
		Short: "Classify and disassemble instruction words",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runDecode,
	}
	decodeCmd.Flags().Uint64Var(&pcBase, "pc", 0, "address of the first word")

	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Install inline and vtable hooks in an emulator and run them",
		Args:  cobra.NoArgs,
		RunE:  runDemo,
	}

	rootCmd.AddCommand(scanCmd, sigsCmd, mapsCmd, decodeCmd, demoCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, colorize.Error(err.Error()))
		os.Exit(1)
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	for _, sig := range args[1:] {
		p, err := pattern.Parse(sig)
		if err != nil {
			return err
		}
		matches := pattern.ScanAll(data, p)
		fmt.Printf("%s %s  %s\n", colorize.Header("▶"), p, colorize.Detail(fmt.Sprintf("%d matches", len(matches))))
		for _, off := range matches {
			fmt.Println("  " + line(data, off, uint64(off)))
		}
	}
	return nil
}

// line renders the word at data[off:] as a listing line at pc.
func line(data []byte, off int, pc uint64) string {
	if off+arm64.InstructionSize > len(data) {
		return colorize.Address(pc)
	}
	w := arm64.Word(data[off:])
	return colorize.Line(pc, w, arm64.Disassemble(w, pc))
}

func runSigs(cmd *cobra.Command, args []string) error {
	db, err := sigdb.Load(args[0])
	if err != nil {
		return err
	}
	data, err := os.ReadFile(args[1])
	if err != nil {
		return err
	}

	var rs sigdb.Results
	if rawScan || !bytes.HasPrefix(data, []byte("\x7fELF")) {
		rs = db.ScanBytes(data, 0)
	} else {
		emu, err := emulator.New()
		if err != nil {
			return err
		}
		defer emu.Close()
		img, err := emu.LoadELF(args[1])
		if err != nil {
			return err
		}
		// The image stands in for the module the database names.
		maps := img.Mappings()
		for i := range maps {
			maps[i].Path = db.Module
		}
		if rs, err = db.ScanMemory(emu, maps); err != nil {
			return err
		}
	}

	for _, r := range rs {
		status := colorize.Status(r.Found)
		switch {
		case r.Found:
			fmt.Printf("%-6s %s  %s\n", status, colorize.Address(uint64(r.Addr)), colorize.Name(r.Name))
		case r.Err != nil:
			fmt.Printf("%-6s %s  %s\n", status, colorize.Name(r.Name), colorize.Detail(r.Err.Error()))
		default:
			fmt.Printf("%-6s %s\n", status, colorize.Name(r.Name))
		}
	}
	return rs.Err()
}

func runMaps(cmd *cobra.Command, args []string) error {
	target := pid
	if process != "" {
		p, err := memory.FindProcess(process)
		if err != nil {
			return err
		}
		target = p
	}
	maps, err := memory.ReadMaps(target)
	if err != nil {
		return err
	}
	r, err := memory.FindModule(maps, args[0])
	if err != nil {
		return err
	}

	name := "self"
	if target != 0 {
		if n, err := memory.ProcessName(target); err == nil {
			name = fmt.Sprintf("%s (%d)", n, target)
		}
	}
	fmt.Printf("%s %s in %s\n", colorize.Header("▶"), colorize.Name(args[0]), name)
	fmt.Printf("  %s %s  %s %s\n", colorize.Detail("Base:"), colorize.Address(uint64(r.Base)),
		colorize.Detail("Size:"), fmt.Sprintf("0x%x", r.Size))
	for _, m := range memory.ModuleMappings(maps, args[0]) {
		fmt.Println("  " + colorize.Detail(m.String()))
	}

	if symbol != "" {
		addr, err := memory.LookupSymbolIn(maps, args[0], symbol)
		if err != nil {
			return err
		}
		fmt.Printf("  %s %s\n", colorize.Address(uint64(addr)), colorize.Name(symbol))
	}
	return nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	pc := pcBase
	for _, arg := range args {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(arg), "0x"), 16, 32)
		if err != nil {
			return fmt.Errorf("bad word %q: %w", arg, err)
		}
		w := uint32(v)
		out := colorize.Line(pc, w, arm64.Disassemble(w, pc))
		out += "  " + colorize.Detail(arm64.Classify(w).String())
		if target, ok := arm64.BranchTarget(w, pc); ok {
			out += " " + colorize.Detail("→") + " " + colorize.Address(target)
		}
		if arm64.IsPCRelative(w) {
			out += "  " + colorize.Tag("#pcrel")
		}
		fmt.Println(out)
		pc += arm64.InstructionSize
	}
	return nil
}
