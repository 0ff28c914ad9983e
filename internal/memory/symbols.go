package memory

import (
	"debug/elf"
	"fmt"
	"math"
	"strings"
)

// SymbolTable holds the defined symbols of one ELF image, keyed by name
// with version suffixes stripped. Values are link-time addresses.
type SymbolTable struct {
	Path     string
	FileBase uint64 // lowest PT_LOAD vaddr, page aligned
	Symbols  map[string]uint64
}

// ReadSymbols loads .dynsym and .symtab from the ELF file at path.
// Missing sections are not an error; the table is just smaller.
func ReadSymbols(path string) (*SymbolTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	base := uint64(math.MaxUint64)
	for _, prog := range f.Progs {
		if prog.Type == elf.PT_LOAD && prog.Vaddr < base {
			align := prog.Align
			if align == 0 {
				align = 1
			}
			base = prog.Vaddr &^ (align - 1)
		}
	}
	if base == math.MaxUint64 {
		return nil, fmt.Errorf("%s: no PT_LOAD segments", path)
	}

	st := &SymbolTable{Path: path, FileBase: base, Symbols: make(map[string]uint64)}
	if syms, err := f.DynamicSymbols(); err == nil {
		st.add(syms)
	}
	if syms, err := f.Symbols(); err == nil {
		st.add(syms)
	}
	return st, nil
}

func (st *SymbolTable) add(syms []elf.Symbol) {
	for _, sym := range syms {
		if sym.Value == 0 || sym.Name == "" || sym.Section == elf.SHN_UNDEF {
			continue
		}
		name := sym.Name
		if idx := strings.Index(name, "@"); idx != -1 {
			name = name[:idx]
		}
		if _, ok := st.Symbols[name]; !ok {
			st.Symbols[name] = sym.Value
		}
	}
}

// Lookup returns the link-time address of name.
func (st *SymbolTable) Lookup(name string) (uint64, bool) {
	v, ok := st.Symbols[name]
	return v, ok
}

// LookupSymbolIn resolves symbol in module against a mapping table. The load
// bias is the distance between the module's offset-zero mapping and the
// image's first PT_LOAD page.
func LookupSymbolIn(maps []Mapping, module, symbol string) (Addr, error) {
	mods := ModuleMappings(maps, module)
	if len(mods) == 0 {
		return 0, fmt.Errorf("%w: %q", ErrModuleNotFound, module)
	}
	head := mods[0]
	for _, m := range mods {
		if m.Offset == 0 {
			head = m
			break
		}
	}
	if head.Path == "" || !strings.HasPrefix(head.Path, "/") {
		return 0, fmt.Errorf("%w: %q has no backing file", ErrSymbolNotFound, module)
	}

	st, err := ReadSymbols(head.Path)
	if err != nil {
		return 0, err
	}
	value, ok := st.Lookup(symbol)
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", ErrSymbolNotFound, symbol, module)
	}
	bias := uint64(head.Start) - st.FileBase
	return Addr(value + bias), nil
}
