package memory

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Mapping is one line of a /proc/<pid>/maps table.
type Mapping struct {
	Start  Addr
	End    Addr
	Perms  string // e.g. "r-xp"
	Offset uint64
	Dev    string
	Inode  uint64
	Path   string
}

// Size returns the length of the mapping in bytes.
func (m Mapping) Size() uint64 {
	return uint64(m.End - m.Start)
}

// Prot decodes the permission column.
func (m Mapping) Prot() Prot {
	var p Prot
	if len(m.Perms) > 0 && m.Perms[0] == 'r' {
		p |= ProtRead
	}
	if len(m.Perms) > 1 && m.Perms[1] == 'w' {
		p |= ProtWrite
	}
	if len(m.Perms) > 2 && m.Perms[2] == 'x' {
		p |= ProtExec
	}
	return p
}

// Contains reports whether a lies inside the mapping.
func (m Mapping) Contains(a Addr) bool {
	return a >= m.Start && a < m.End
}

func (m Mapping) String() string {
	return fmt.Sprintf("%s-%s %s %08x %s", m.Start, m.End, m.Perms, m.Offset, m.Path)
}

// ParseMaps reads a mapping table in the /proc/<pid>/maps format.
// Malformed lines are skipped.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var out []Mapping
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		m, ok := parseMapsLine(sc.Text())
		if ok {
			out = append(out, m)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("parse maps: %w", err)
	}
	return out, nil
}

// parseMapsLine parses "start-end perms offset dev inode [path]".
// The path may contain spaces, so it is everything after the fifth field.
func parseMapsLine(line string) (Mapping, bool) {
	rest := line
	var fields [5]string
	for i := range fields {
		rest = strings.TrimLeft(rest, " \t")
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			if i < 4 {
				return Mapping{}, false
			}
			end = len(rest)
		}
		fields[i], rest = rest[:end], rest[end:]
	}

	lo, hi, ok := strings.Cut(fields[0], "-")
	if !ok {
		return Mapping{}, false
	}
	start, err := strconv.ParseUint(lo, 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	end, err := strconv.ParseUint(hi, 16, 64)
	if err != nil || end < start {
		return Mapping{}, false
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return Mapping{}, false
	}

	return Mapping{
		Start:  Addr(start),
		End:    Addr(end),
		Perms:  fields[1],
		Offset: offset,
		Dev:    fields[3],
		Inode:  inode,
		Path:   strings.TrimSpace(rest),
	}, true
}

// MapsPath returns the mapping table path for pid. Zero means this process.
func MapsPath(pid int) string {
	if pid == 0 {
		return "/proc/self/maps"
	}
	return fmt.Sprintf("/proc/%d/maps", pid)
}

// ReadMaps reads the mapping table of pid. Zero means this process.
func ReadMaps(pid int) ([]Mapping, error) {
	f, err := os.Open(MapsPath(pid))
	if err != nil {
		return nil, fmt.Errorf("read maps: %w", err)
	}
	defer f.Close()
	return ParseMaps(f)
}

// ModuleMappings returns the mappings whose path contains name, in table order.
func ModuleMappings(maps []Mapping, name string) []Mapping {
	if name == "" {
		return nil
	}
	var out []Mapping
	for _, m := range maps {
		if strings.Contains(m.Path, name) {
			out = append(out, m)
		}
	}
	return out
}

// FindModule resolves name against a mapping table. The base is the start
// of the first mapping whose path contains name. The size is the sum of
// the extents of all such mappings.
func FindModule(maps []Mapping, name string) (Region, error) {
	mods := ModuleMappings(maps, name)
	if len(mods) == 0 {
		return Region{}, fmt.Errorf("%w: %q", ErrModuleNotFound, name)
	}
	r := Region{Base: mods[0].Start}
	for _, m := range mods {
		r.Size += m.Size()
	}
	return r, nil
}

// FindMapping returns the mapping holding addr.
func FindMapping(maps []Mapping, addr Addr) (Mapping, bool) {
	for _, m := range maps {
		if m.Contains(addr) {
			return m, true
		}
	}
	return Mapping{}, false
}

// FreeGaps lists page-aligned addresses where a block of size bytes fits
// between mappings, within radius of near. Candidates are ordered by
// distance from near.
func FreeGaps(maps []Mapping, near Addr, size uint64, pageSize int, radius uint64) []Addr {
	sorted := make([]Mapping, len(maps))
	copy(sorted, maps)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	ps := Addr(pageSize)
	var out []Addr
	for i := 0; i+1 < len(sorted); i++ {
		lo := (sorted[i].End + ps - 1) &^ (ps - 1)
		hi := sorted[i+1].Start
		if hi <= lo || uint64(hi-lo) < size {
			continue
		}
		var cand Addr
		switch {
		case near >= lo && near < hi && uint64(hi-near) >= size:
			cand = PageAlign(near, pageSize)
		case near < lo:
			cand = lo
		default:
			cand = PageAlign(hi-Addr(size), pageSize)
		}
		if cand < lo {
			cand = lo
		}
		if distance(cand, near) <= radius {
			out = append(out, cand)
		}
	}
	sort.Slice(out, func(i, j int) bool { return distance(out[i], near) < distance(out[j], near) })
	return out
}

func distance(a, b Addr) uint64 {
	if a > b {
		return uint64(a - b)
	}
	return uint64(b - a)
}
