package gancho

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/zboralski/gancho/internal/arm64"
	"github.com/zboralski/gancho/internal/memory"
)

func TestScan(t *testing.T) {
	data := []byte{0x00, 0xDE, 0xAD, 0x11, 0xEF, 0xDE, 0xAD, 0x22, 0xEF}

	tests := []struct {
		sig    string
		offset int
		found  bool
	}{
		{"DE AD ?? EF", 1, true},
		{"de ad 22 ef", 5, true},
		{"DE AD 33 EF", 0, false},
		{"DE AD ?? EF 00 00 00 00 00 00", 0, false},
	}
	for _, tc := range tests {
		off, ok, err := Scan(data, tc.sig)
		if err != nil {
			t.Fatalf("Scan(%q): %v", tc.sig, err)
		}
		if ok != tc.found || (ok && off != tc.offset) {
			t.Errorf("Scan(%q) = %d, %v; want %d, %v", tc.sig, off, ok, tc.offset, tc.found)
		}
	}

	if _, _, err := Scan(data, "DE A"); !errors.Is(err, ErrPatternInvalid) {
		t.Errorf("Scan with bad signature = %v", err)
	}
}

func TestParsePattern(t *testing.T) {
	p, err := ParsePattern("48 ?? ?? ?? 21 ?? ?? 91")
	if err != nil {
		t.Fatalf("ParsePattern: %v", err)
	}
	if p.Len() != 8 || p.String() != "48 ?? ?? ?? 21 ?? ?? 91" {
		t.Errorf("pattern = %s", p)
	}
}

func TestEngineOverSim(t *testing.T) {
	const (
		target      = Addr(0x4000_0000)
		replacement = Addr(0x4000_0800)
	)
	m := memory.NewSim()
	m.Map(target, 0x1000, memory.ProtRX)
	if err := m.Load(target, arm64.PutWords(0xA9BF7BFD, 0x910003FD, 0xD28000A0, 0xD65F03C0)); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(m, WithLogger(zap.NewNop()))
	tramp, err := e.InstallInline(target, replacement)
	if err != nil {
		t.Fatalf("InstallInline: %v", err)
	}
	if tramp == 0 || !e.IsHooked(target) {
		t.Errorf("hook not registered")
	}
	if _, err := e.InstallInline(target, replacement); !errors.Is(err, ErrAlreadyHooked) {
		t.Errorf("second install = %v", err)
	}
	if err := e.UninstallAll(); err != nil {
		t.Fatalf("UninstallAll: %v", err)
	}
	if err := e.Uninstall(target); !errors.Is(err, ErrNotFound) {
		t.Errorf("Uninstall after sweep = %v", err)
	}
}
