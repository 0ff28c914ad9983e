package sigdb

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zboralski/gancho/internal/arm64"
	"github.com/zboralski/gancho/internal/log"
	"github.com/zboralski/gancho/internal/memory"
	"github.com/zboralski/gancho/internal/pattern"
)

// Result is the outcome of one signature.
type Result struct {
	Name     string
	Required bool
	Found    bool
	Match    memory.Addr // where the pattern matched
	Addr     memory.Addr // Match+Offset, then resolved
	Err      error       // scan or resolve failure
}

// Results holds one Result per signature, in database order.
type Results []Result

// Lookup returns the resolved address of name.
func (rs Results) Lookup(name string) (memory.Addr, bool) {
	for _, r := range rs {
		if r.Name == name && r.Found {
			return r.Addr, true
		}
	}
	return 0, false
}

// Missing returns the names of signatures that were not found and whose
// Required flag equals required.
func (rs Results) Missing(required bool) []string {
	var out []string
	for _, r := range rs {
		if !r.Found && r.Required == required {
			out = append(out, r.Name)
		}
	}
	return out
}

// Err reports missing required signatures. Optional ones never fail.
func (rs Results) Err() error {
	var errs []error
	if missing := rs.Missing(true); len(missing) > 0 {
		errs = append(errs, fmt.Errorf("%w: %s", ErrMissing, strings.Join(missing, ", ")))
	}
	for _, r := range rs {
		if r.Required && r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return errors.Join(errs...)
}

// reader fetches instruction words for resolution.
type reader func(addr memory.Addr, n int) ([]byte, error)

// ScanBytes matches every signature against data, which is taken to be
// loaded at base.
func (db *DB) ScanBytes(data []byte, base memory.Addr) Results {
	read := func(addr memory.Addr, n int) ([]byte, error) {
		off := addr.Sub(base)
		if off < 0 || off+int64(n) > int64(len(data)) {
			return nil, fmt.Errorf("%w: %s outside image", memory.ErrRead, addr)
		}
		return data[off : off+int64(n)], nil
	}

	lg := logger()
	out := make(Results, 0, len(db.Signatures))
	for _, s := range db.Signatures {
		r := Result{Name: s.Name, Required: s.Required}
		if off, ok := pattern.Scan(data, s.Pattern); ok {
			r.Match = base.Add(int64(off))
			r.Addr, r.Err = s.resolve(r.Match, read)
			r.Found = r.Err == nil
		}
		lg.Signature(s.Name, uint64(r.Addr), r.Found)
		out = append(out, r)
	}
	return out
}

// ScanMemory matches every signature against the readable mappings of
// db.Module. A module that is not loaded fails the whole scan.
func (db *DB) ScanMemory(m memory.Memory, maps []memory.Mapping) (Results, error) {
	if _, err := memory.FindModule(maps, db.Module); err != nil {
		return nil, err
	}
	read := func(addr memory.Addr, n int) ([]byte, error) { return m.Read(addr, n) }

	lg := logger()
	out := make(Results, 0, len(db.Signatures))
	for _, s := range db.Signatures {
		r := Result{Name: s.Name, Required: s.Required}
		match, ok, err := pattern.ScanModule(m, maps, db.Module, s.Pattern)
		switch {
		case err != nil:
			r.Err = err
		case ok:
			r.Match = match
			r.Addr, r.Err = s.resolve(match, read)
			r.Found = r.Err == nil
		}
		lg.Signature(s.Name, uint64(r.Addr), r.Found)
		out = append(out, r)
	}
	return out, nil
}

func (s Signature) resolve(match memory.Addr, read reader) (memory.Addr, error) {
	addr := match.Add(s.Offset)
	switch s.Resolve {
	case ResolveADRP:
		b, err := read(addr, 2*arm64.InstructionSize)
		if err != nil {
			return 0, err
		}
		words := arm64.Words(b)
		v, err := arm64.ResolvePageRelativeAddress(words[0], words[1], uint64(addr))
		if err != nil {
			return 0, fmt.Errorf("resolve %s at %s: %w", s.Resolve, addr, err)
		}
		return memory.Addr(v), nil
	case ResolveBranch:
		b, err := read(addr, arm64.InstructionSize)
		if err != nil {
			return 0, err
		}
		w := arm64.Word(b)
		v, ok := arm64.BranchTarget(w, uint64(addr))
		if !ok {
			return 0, fmt.Errorf("resolve %s at %s: %08x is %s", s.Resolve, addr, w, arm64.Classify(w))
		}
		return memory.Addr(v), nil
	}
	return addr, nil
}

func logger() *log.Logger {
	return log.Default().WithComponent("sigdb")
}
