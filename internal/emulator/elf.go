package emulator

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/zboralski/gancho/internal/log"
	"github.com/zboralski/gancho/internal/memory"
)

// ImageBase is where position-independent images are loaded. It sits
// after the trampoline arena so hooks in the image stay within branch
// range of their trampolines.
const ImageBase = 0x02000000

// Image is an ELF file mapped into the emulator.
type Image struct {
	Path     string
	Entry    uint64
	Base     uint64 // first mapped page
	End      uint64 // end of the last segment, page aligned
	Bias     uint64 // added to every link-time address
	Symbols  map[string]uint64
	Segments []Segment
}

// Segment is one PT_LOAD segment after relocation.
type Segment struct {
	VAddr  uint64
	Offset uint64
	Size   uint64 // file size
	MemSz  uint64 // memory size, larger than Size when there is .bss
	Flags  elf.ProgFlag
}

// Prot returns the segment protection.
func (s Segment) Prot() memory.Prot {
	var p memory.Prot
	if s.Flags&elf.PF_R != 0 {
		p |= memory.ProtRead
	}
	if s.Flags&elf.PF_W != 0 {
		p |= memory.ProtWrite
	}
	if s.Flags&elf.PF_X != 0 {
		p |= memory.ProtExec
	}
	return p
}

// LoadELF maps the ARM64 ELF file at path. Images linked at a low address
// are moved to ImageBase; others load at their link address.
func (e *Emulator) LoadELF(path string) (*Image, error) {
	return e.LoadELFAt(path, 0)
}

// LoadELFAt maps the ELF file at path with its first page at base. A zero
// base picks the address the way LoadELF does.
func (e *Emulator) LoadELFAt(path string, base uint64) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ELF: %w", err)
	}
	defer f.Close()

	if f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("%s: expected ARM64 (EM_AARCH64), got %v", path, f.Machine)
	}

	st, err := memory.ReadSymbols(path)
	if err != nil {
		return nil, err
	}

	var bias uint64
	switch {
	case base != 0:
		bias = base - st.FileBase
	case st.FileBase < 0x10000:
		bias = ImageBase - st.FileBase
	}

	img := &Image{
		Path:    path,
		Entry:   f.Entry + bias,
		Base:    st.FileBase + bias,
		Bias:    bias,
		Symbols: make(map[string]uint64, len(st.Symbols)),
	}
	for name, v := range st.Symbols {
		img.Symbols[name] = v + bias
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	// Segments may share a page; the page gets the union of their flags.
	pages := make(map[uint64]memory.Prot)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		seg := Segment{
			VAddr:  prog.Vaddr + bias,
			Offset: prog.Off,
			Size:   prog.Filesz,
			MemSz:  prog.Memsz,
			Flags:  prog.Flags,
		}
		img.Segments = append(img.Segments, seg)

		start, n := memory.PageSpan(memory.Addr(seg.VAddr), int(seg.MemSz), PageSize)
		for p := uint64(start); p < uint64(start)+uint64(n); p += PageSize {
			pages[p] |= seg.Prot()
		}
		if end := uint64(start) + uint64(n); end > img.End {
			img.End = end
		}
	}
	if err := e.mapPages(pages); err != nil {
		return nil, fmt.Errorf("map %s: %w", path, err)
	}

	for _, seg := range img.Segments {
		if seg.Size == 0 {
			continue
		}
		if seg.Offset+seg.Size > uint64(len(fileData)) {
			return nil, fmt.Errorf("segment at 0x%x: file data truncated", seg.VAddr)
		}
		if err := e.mu.MemWrite(seg.VAddr, fileData[seg.Offset:seg.Offset+seg.Size]); err != nil {
			return nil, fmt.Errorf("write segment at 0x%x: %w", seg.VAddr, err)
		}
	}

	if err := e.applyRelocations(f, bias); err != nil {
		return nil, fmt.Errorf("apply relocations: %w", err)
	}

	e.log.Debug("image loaded", log.Module(path), log.Addr(img.Base), log.Size(img.End-img.Base))
	return img, nil
}

// mapPages maps runs of adjacent pages that share a protection.
func (e *Emulator) mapPages(pages map[uint64]memory.Prot) error {
	addrs := make([]uint64, 0, len(pages))
	for p := range pages {
		addrs = append(addrs, p)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	for i := 0; i < len(addrs); {
		start, prot := addrs[i], pages[addrs[i]]
		j := i + 1
		for j < len(addrs) && addrs[j] == addrs[j-1]+PageSize && pages[addrs[j]] == prot {
			j++
		}
		size := addrs[j-1] + PageSize - start
		if err := e.mu.MemMapProt(start, size, ucProt(prot)); err != nil {
			return fmt.Errorf("0x%x+0x%x: %w", start, size, err)
		}
		i = j
	}
	return nil
}

// applyRelocations resolves the dynamic relocations of the image against
// its own symbols. Imports stay unresolved.
func (e *Emulator) applyRelocations(f *elf.File, bias uint64) error {
	// DynamicSymbols skips the null symbol, so relocation index i is
	// element i-1.
	dynSyms, _ := f.DynamicSymbols()

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return fmt.Errorf("%s: %w", sec.Name, err)
		}

		// r_offset, r_info, r_addend
		const entrySize = 24
		for i := 0; i+entrySize <= len(data); i += entrySize {
			rOffset := binary.LittleEndian.Uint64(data[i:])
			rInfo := binary.LittleEndian.Uint64(data[i+8:])
			rAddend := binary.LittleEndian.Uint64(data[i+16:])

			var symValue uint64
			if idx := int(rInfo>>32) - 1; idx >= 0 && idx < len(dynSyms) {
				symValue = dynSyms[idx].Value
			}

			var resolved uint64
			switch elf.R_AARCH64(rInfo & 0xFFFFFFFF) {
			case elf.R_AARCH64_RELATIVE:
				resolved = bias + rAddend
			case elf.R_AARCH64_GLOB_DAT, elf.R_AARCH64_JUMP_SLOT:
				if symValue == 0 {
					continue
				}
				resolved = symValue + bias
			case elf.R_AARCH64_ABS64:
				if symValue == 0 {
					continue
				}
				resolved = symValue + bias + rAddend
			default:
				continue
			}
			if err := e.MemWriteU64(rOffset+bias, resolved); err != nil {
				return fmt.Errorf("relocate 0x%x: %w", rOffset+bias, err)
			}
		}
	}
	return nil
}

// Lookup returns the loaded address of a symbol.
func (img *Image) Lookup(name string) (memory.Addr, error) {
	v, ok := img.Symbols[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s in %s", memory.ErrSymbolNotFound, name, img.Path)
	}
	return memory.Addr(v), nil
}

// Region returns the address range the image occupies.
func (img *Image) Region() memory.Region {
	return memory.Region{Base: memory.Addr(img.Base), Size: img.End - img.Base}
}

// Mappings describes the image as /proc/<pid>/maps lines so module scans
// and symbol lookups can treat it like a loaded library.
func (img *Image) Mappings() []memory.Mapping {
	out := make([]memory.Mapping, 0, len(img.Segments))
	for _, seg := range img.Segments {
		start, n := memory.PageSpan(memory.Addr(seg.VAddr), int(seg.MemSz), PageSize)
		out = append(out, memory.Mapping{
			Start:  start,
			End:    start.Add(int64(n)),
			Perms:  seg.Prot().String() + "p",
			Offset: seg.Offset &^ (PageSize - 1),
			Path:   img.Path,
		})
	}
	return out
}
