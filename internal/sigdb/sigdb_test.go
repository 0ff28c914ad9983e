package sigdb

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zboralski/gancho/internal/arm64"
	"github.com/zboralski/gancho/internal/memory"
	"github.com/zboralski/gancho/internal/pattern"
)

const base = memory.Addr(0x10000)

const testDB = `
module: libgame.so
signatures:
  - name: prologue
    pattern: "FD 7B BF A9 FD 03 00 91"
    required: true
  - name: global
    pattern: "FD 7B BF A9 FD 03 00 91"
    offset: 8
    resolve: adrp
  - name: call
    pattern: "10 00 00 94"
    resolve: branch
  - name: absent
    pattern: "DE AD BE EF"
`

// image: prologue; adrp x0, 0x12000; add x0, x0, #0x123; bl +0x40
func image(t *testing.T) []byte {
	t.Helper()
	adrp, err := arm64.EncodePageRelativeAddress(arm64.X0, uint64(base)+8, uint64(base)+0x2000)
	if err != nil {
		t.Fatal(err)
	}
	add, err := arm64.EncodeAddImmediate(arm64.X0, arm64.X0, 0x123)
	if err != nil {
		t.Fatal(err)
	}
	bl, err := arm64.EncodeBranchLink(0x40)
	if err != nil {
		t.Fatal(err)
	}
	return arm64.PutWords(0xA9BF7BFD, 0x910003FD, adrp, add, bl, arm64.EncodeReturn())
}

func TestParse(t *testing.T) {
	db, err := Parse([]byte(testDB))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if db.Module != "libgame.so" || len(db.Signatures) != 4 {
		t.Fatalf("db = %+v", db)
	}
	s, ok := db.Lookup("global")
	if !ok {
		t.Fatalf("global missing")
	}
	if s.Offset != 8 || s.Resolve != ResolveADRP || s.Required || s.Line != 7 {
		t.Errorf("global = %+v", s)
	}
	if !s.Pattern.Equal(pattern.MustParse("FD 7B BF A9 FD 03 00 91")) {
		t.Errorf("pattern = %s", s.Pattern)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"empty", "", "empty"},
		{"no signatures", "module: x\n", "no signatures"},
		{"unknown top-level field", "module: x\nsigs: []\n", "sigs"},
		{"unknown signature field", "signatures:\n  - name: a\n    pattern: \"00\"\n    mask: xx\n", "line 4"},
		{"bad pattern", "signatures:\n  - name: a\n    pattern: \"0G\"\n", "line 2"},
		{"no name", "signatures:\n  - pattern: \"00\"\n", "no name"},
		{"bad resolve", "signatures:\n  - name: a\n    pattern: \"00\"\n    resolve: ldr\n", "unknown resolve"},
		{"duplicate", "signatures:\n  - name: a\n    pattern: \"00\"\n  - name: a\n    pattern: \"01\"\n", "already defined on line 2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatalf("Parse accepted %q", tc.doc)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %v, want mention of %q", err, tc.want)
			}
		})
	}

	_, err := Parse([]byte("signatures:\n  - name: a\n    pattern: \"0G\"\n"))
	if !errors.Is(err, pattern.ErrInvalid) {
		t.Errorf("bad pattern error = %v, want ErrInvalid", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sigs.yaml")
	if err := os.WriteFile(path, []byte(testDB), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load missing = %v", err)
	}
}

func TestScanBytes(t *testing.T) {
	db, err := Parse([]byte(testDB))
	if err != nil {
		t.Fatal(err)
	}
	rs := db.ScanBytes(image(t), base)

	want := map[string]memory.Addr{
		"prologue": base,
		"global":   base + 0x2123,
		"call":     base + 0x10 + 0x40,
	}
	for name, addr := range want {
		got, ok := rs.Lookup(name)
		if !ok || got != addr {
			t.Errorf("%s = %s, %v; want %s", name, got, ok, addr)
		}
	}
	if _, ok := rs.Lookup("absent"); ok {
		t.Errorf("absent signature found")
	}
	if m := rs.Missing(false); len(m) != 1 || m[0] != "absent" {
		t.Errorf("Missing(false) = %v", m)
	}
	if err := rs.Err(); err != nil {
		t.Errorf("Err with only optional misses = %v", err)
	}
}

func TestRequiredMissing(t *testing.T) {
	db, err := Parse([]byte(`
module: libgame.so
signatures:
  - name: needed
    pattern: "DE AD BE EF"
    required: true
  - name: bad-branch
    pattern: "FD 7B BF A9"
    required: true
    resolve: branch
`))
	if err != nil {
		t.Fatal(err)
	}
	rs := db.ScanBytes(image(t), base)
	err = rs.Err()
	if !errors.Is(err, ErrMissing) {
		t.Fatalf("Err = %v, want ErrMissing", err)
	}
	if !strings.Contains(err.Error(), "needed") || !strings.Contains(err.Error(), "bad-branch") {
		t.Errorf("Err = %v", err)
	}
	if r := rs[1]; r.Found || r.Err == nil || r.Match != base {
		t.Errorf("bad-branch result = %+v", r)
	}
}

func TestScanMemory(t *testing.T) {
	db, err := Parse([]byte(testDB))
	if err != nil {
		t.Fatal(err)
	}
	m := memory.NewSim()
	m.Map(base, 0x1000, memory.ProtRX)
	if err := m.Load(base, image(t)); err != nil {
		t.Fatal(err)
	}
	maps := []memory.Mapping{
		{Start: base, End: base + 0x1000, Perms: "r-xp", Path: "/data/app/lib/arm64/libgame.so"},
	}

	rs, err := db.ScanMemory(m, maps)
	if err != nil {
		t.Fatalf("ScanMemory: %v", err)
	}
	if got, ok := rs.Lookup("global"); !ok || got != base+0x2123 {
		t.Errorf("global = %s, %v", got, ok)
	}
	if err := rs.Err(); err != nil {
		t.Errorf("Err = %v", err)
	}

	maps[0].Path = "/data/app/lib/arm64/libother.so"
	if _, err := db.ScanMemory(m, maps); !errors.Is(err, memory.ErrModuleNotFound) {
		t.Errorf("ScanMemory without module = %v", err)
	}
}
