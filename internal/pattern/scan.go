package pattern

import (
	"fmt"

	"github.com/zboralski/gancho/internal/memory"
)

// chunkSize is how much of a region ScanRegion reads at a time.
const chunkSize = 64 * 1024

// Scan returns the offset of the first match of p in data. A pattern longer
// than data never matches.
func Scan(data []byte, p Pattern) (int, bool) {
	if len(p) == 0 || len(p) > len(data) {
		return 0, false
	}
	for i := 0; i <= len(data)-len(p); i++ {
		if p.Match(data[i:]) {
			return i, true
		}
	}
	return 0, false
}

// ScanAll returns the offsets of every match of p in data, overlapping
// matches included.
func ScanAll(data []byte, p Pattern) []int {
	if len(p) == 0 || len(p) > len(data) {
		return nil
	}
	var out []int
	for i := 0; i <= len(data)-len(p); i++ {
		if p.Match(data[i:]) {
			out = append(out, i)
		}
	}
	return out
}

// ScanRegion searches r in m for the first match of p. The region is read
// in chunks that overlap by len(p)-1 bytes so no match is split. An
// unreadable chunk fails the scan with memory.ErrRead.
func ScanRegion(m memory.Memory, r memory.Region, p Pattern) (memory.Addr, bool, error) {
	if len(p) == 0 || uint64(len(p)) > r.Size {
		return 0, false, nil
	}
	overlap := len(p) - 1
	step := chunkSize
	if step <= overlap {
		step = overlap + 1
	}

	for off := uint64(0); off+uint64(len(p)) <= r.Size; off += uint64(step) {
		n := uint64(step + overlap)
		if rest := r.Size - off; n > rest {
			n = rest
		}
		chunk, err := m.Read(r.Base+memory.Addr(off), int(n))
		if err != nil {
			return 0, false, fmt.Errorf("scan %v: %w", r, err)
		}
		if i, ok := Scan(chunk, p); ok {
			return r.Base + memory.Addr(off) + memory.Addr(i), true, nil
		}
	}
	return 0, false, nil
}

// ScanModule searches the readable mappings of module in address order.
// Adjacent readable mappings are scanned as one span, so a match may cross
// a permission boundary but never an unmapped or unreadable gap.
func ScanModule(m memory.Memory, maps []memory.Mapping, module string, p Pattern) (memory.Addr, bool, error) {
	mods := memory.ModuleMappings(maps, module)
	if len(mods) == 0 {
		return 0, false, fmt.Errorf("%w: %q", memory.ErrModuleNotFound, module)
	}
	for _, r := range readableSpans(mods) {
		addr, ok, err := ScanRegion(m, r, p)
		if err != nil || ok {
			return addr, ok, err
		}
	}
	return 0, false, nil
}

func readableSpans(maps []memory.Mapping) []memory.Region {
	var out []memory.Region
	for _, mp := range maps {
		if mp.Prot()&memory.ProtRead == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].End() == mp.Start {
			out[n-1].Size += mp.Size()
			continue
		}
		out = append(out, memory.Region{Base: mp.Start, Size: mp.Size()})
	}
	return out
}
