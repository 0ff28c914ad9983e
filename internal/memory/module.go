package memory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
)

// ResolveModule finds name in this process's mapping table.
func ResolveModule(name string) (Region, error) {
	maps, err := ReadMaps(0)
	if err != nil {
		return Region{}, err
	}
	return FindModule(maps, name)
}

// ResolveModuleIn finds name in the mapping table of pid.
func ResolveModuleIn(pid int, name string) (Region, error) {
	maps, err := ReadMaps(pid)
	if err != nil {
		return Region{}, err
	}
	return FindModule(maps, name)
}

// IsModuleLoaded reports whether name is mapped in this process.
// Any failure to read the table counts as not loaded.
func IsModuleLoaded(name string) bool {
	_, err := ResolveModule(name)
	return err == nil
}

// LookupSymbol resolves an exported symbol of a module loaded in this process.
func LookupSymbol(module, symbol string) (Addr, error) {
	maps, err := ReadMaps(0)
	if err != nil {
		return 0, err
	}
	return LookupSymbolIn(maps, module, symbol)
}

// ErrProcessNotFound means no running process has the requested name.
var ErrProcessNotFound = errors.New("process not found")

// ProcessName returns the executable name of pid.
func ProcessName(pid int) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", fmt.Errorf("process %d: %w", pid, err)
	}
	name, err := p.Name()
	if err != nil {
		return "", fmt.Errorf("process %d name: %w", pid, err)
	}
	return name, nil
}

// FindProcess returns the pid of the first running process whose name
// equals name, or whose command line contains it.
func FindProcess(name string) (int, error) {
	procs, err := process.Processes()
	if err != nil {
		return 0, fmt.Errorf("list processes: %w", err)
	}
	for _, p := range procs {
		if n, err := p.Name(); err == nil && n == name {
			return int(p.Pid), nil
		}
	}
	for _, p := range procs {
		if cmd, err := p.Cmdline(); err == nil && strings.Contains(cmd, name) {
			return int(p.Pid), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrProcessNotFound, name)
}
