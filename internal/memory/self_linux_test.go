//go:build linux

package memory

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"
	"unsafe"
)

func self(t *testing.T) Memory {
	t.Helper()
	m, err := Self()
	if err != nil {
		t.Fatalf("Self: %v", err)
	}
	return m
}

func TestSelfReadOwnMemory(t *testing.T) {
	m := self(t)
	buf := []byte("gancho reads itself")
	addr := Addr(uintptr(unsafe.Pointer(&buf[0])))

	got, err := m.Read(addr, len(buf))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, buf) {
		t.Errorf("Read = %q, want %q", got, buf)
	}
	runtime.KeepAlive(buf)
}

func TestSelfReadNull(t *testing.T) {
	m := self(t)
	if _, err := m.Read(0, 4); !errors.Is(err, ErrRead) {
		t.Errorf("Read(0) error = %v, want ErrRead", err)
	}
}

func TestSelfAllocWriteFree(t *testing.T) {
	m := self(t)
	maps, err := ReadMaps(0)
	if err != nil {
		t.Skipf("no mapping table: %v", err)
	}
	near := maps[0].Start

	addr, err := m.Alloc(near, 64)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	data := []byte{0x1F, 0x20, 0x03, 0xD5, 0xC0, 0x03, 0x5F, 0xD6}
	if err := m.Write(addr, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := m.Read(addr, len(data))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Read = %x, want %x", got, data)
	}

	if err := m.Protect(addr, len(data), ProtRX); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if err := WriteCode(m, addr, data); err != nil {
		t.Errorf("WriteCode: %v", err)
	}

	if err := m.Free(addr, 64); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := m.Read(addr, 1); !errors.Is(err, ErrRead) {
		t.Errorf("Read after Free error = %v, want ErrRead", err)
	}
}

func TestResolveOwnModule(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("os.Executable: %v", err)
	}
	name := filepath.Base(exe)

	r, err := ResolveModule(name)
	if err != nil {
		t.Fatalf("ResolveModule(%q): %v", name, err)
	}
	if r.Size == 0 {
		t.Errorf("module size is zero")
	}
	pc := reflect.ValueOf(symbolProbe).Pointer()
	if !r.Contains(Addr(pc)) {
		t.Errorf("region %v does not hold own code at %#x", r, pc)
	}
	if !IsModuleLoaded(name) {
		t.Errorf("IsModuleLoaded(%q) = false", name)
	}
	if IsModuleLoaded("libdefinitely-not-loaded.so") {
		t.Errorf("IsModuleLoaded found a missing module")
	}
}

//go:noinline
func symbolProbe() int { return 42 }

func TestLookupOwnSymbol(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("os.Executable: %v", err)
	}
	module := filepath.Base(exe)
	if _, err := LookupSymbol(module, "no_such_symbol_anywhere"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("missing symbol error = %v", err)
	}

	pc := reflect.ValueOf(symbolProbe).Pointer()
	name := runtime.FuncForPC(pc).Name()
	st, err := ReadSymbols(exe)
	if err != nil {
		t.Skipf("ReadSymbols: %v", err)
	}
	if _, ok := st.Lookup(name); !ok {
		t.Skipf("test binary has no %s symbol (%d symbols)", name, len(st.Symbols))
	}

	got, err := LookupSymbol(module, name)
	if err != nil {
		t.Fatalf("LookupSymbol(%q): %v", name, err)
	}
	if uintptr(got) != pc {
		t.Errorf("LookupSymbol(%q) = %s, want %#x", name, got, pc)
	}
}

func TestProcessName(t *testing.T) {
	name, err := ProcessName(os.Getpid())
	if err != nil {
		t.Fatalf("ProcessName: %v", err)
	}
	if name == "" {
		t.Errorf("empty process name")
	}
}
