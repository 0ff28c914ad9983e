package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultPageSize is the page size of a Sim unless WithPageSize overrides it.
const DefaultPageSize = 0x1000

// allocRadius bounds how far from the hint Alloc searches for free pages.
const allocRadius = 1 << 27

// defaultArena is where Sim places blocks when no hint is usable.
const defaultArena Addr = 0x7f00_0000_0000

// Sim is an in-memory address space with page protections. It behaves like
// a process for the purposes of patching, without touching real code.
type Sim struct {
	mu       sync.Mutex
	pageSize int
	pages    map[Addr]*simPage
	allocs   map[Addr]int
	arena    Addr
	useArena bool
	allocErr error
}

type simPage struct {
	data   []byte
	prot   Prot
	locked bool
}

// SimOption configures a Sim.
type SimOption func(*Sim)

// WithPageSize sets the protection granule. size must be a power of two.
func WithPageSize(size int) SimOption {
	return func(s *Sim) { s.pageSize = size }
}

// WithArena makes Alloc hand out blocks sequentially from base, ignoring
// the hint. Useful for exercising out-of-range trampolines.
func WithArena(base Addr) SimOption {
	return func(s *Sim) {
		s.arena = base
		s.useArena = true
	}
}

// WithAllocError makes every Alloc fail with err.
func WithAllocError(err error) SimOption {
	return func(s *Sim) { s.allocErr = err }
}

// NewSim returns an empty address space.
func NewSim(opts ...SimOption) *Sim {
	s := &Sim{
		pageSize: DefaultPageSize,
		pages:    make(map[Addr]*simPage),
		allocs:   make(map[Addr]int),
		arena:    defaultArena,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Memory = (*Sim)(nil)

// PageSize implements Memory.
func (s *Sim) PageSize() int {
	return s.pageSize
}

// Map creates zeroed pages covering [base, base+size) with prot.
// Already-mapped pages are left as they are.
func (s *Sim) Map(base Addr, size int, prot Prot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapLocked(base, size, prot)
}

func (s *Sim) mapLocked(base Addr, size int, prot Prot) {
	start, length := PageSpan(base, size, s.pageSize)
	for p := start; p < start+Addr(length); p += Addr(s.pageSize) {
		if _, ok := s.pages[p]; ok {
			continue
		}
		s.pages[p] = &simPage{data: make([]byte, s.pageSize), prot: prot}
	}
}

// Unmap removes the pages covering [base, base+size).
func (s *Sim) Unmap(base Addr, size int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unmapLocked(base, size)
}

func (s *Sim) unmapLocked(base Addr, size int) {
	start, length := PageSpan(base, size, s.pageSize)
	for p := start; p < start+Addr(length); p += Addr(s.pageSize) {
		delete(s.pages, p)
	}
}

// Load copies data to addr regardless of protection. Every byte must be
// mapped. It is meant for placing fixtures.
func (s *Sim) Load(addr Addr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(addr, len(data), ProtNone); err != nil {
		return writeError("load", addr, len(data), err)
	}
	s.copyIn(addr, data)
	return nil
}

// Lock makes protection changes on the page holding addr fail, the way a
// sealed or policy-protected mapping would.
func (s *Sim) Lock(addr Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pg, ok := s.pages[PageAlign(addr, s.pageSize)]; ok {
		pg.locked = true
	}
}

// ProtAt returns the protection of the page holding addr.
func (s *Sim) ProtAt(addr Addr) (Prot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pg, ok := s.pages[PageAlign(addr, s.pageSize)]
	if !ok {
		return ProtNone, false
	}
	return pg.prot, true
}

// Allocations returns the number of live Alloc blocks.
func (s *Sim) Allocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.allocs)
}

// Read implements Memory.
func (s *Sim) Read(addr Addr, n int) ([]byte, error) {
	if n < 0 {
		return nil, readError(addr, n, errors.New("negative length"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(addr, n, ProtRead); err != nil {
		return nil, readError(addr, n, err)
	}
	out := make([]byte, n)
	ps := Addr(s.pageSize)
	for i := 0; i < n; {
		a := addr + Addr(i)
		pg := s.pages[PageAlign(a, s.pageSize)]
		off := int(a % ps)
		i += copy(out[i:], pg.data[off:])
	}
	return out, nil
}

// Write implements Memory. Nothing is written unless the whole range is
// mapped writable.
func (s *Sim) Write(addr Addr, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(addr, len(data), ProtWrite); err != nil {
		return writeError("write", addr, len(data), err)
	}
	s.copyIn(addr, data)
	return nil
}

// Protect implements Memory.
func (s *Sim) Protect(addr Addr, n int, prot Prot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	start, length := PageSpan(addr, n, s.pageSize)
	for p := start; p < start+Addr(length); p += Addr(s.pageSize) {
		pg, ok := s.pages[p]
		if !ok {
			return writeError("protect", addr, n, fmt.Errorf("page %s not mapped", p))
		}
		if pg.locked {
			return writeError("protect", addr, n, fmt.Errorf("page %s is locked", p))
		}
	}
	for p := start; p < start+Addr(length); p += Addr(s.pageSize) {
		s.pages[p].prot = prot
	}
	return nil
}

// Alloc implements Memory. Blocks are page-rounded and mapped RWX. Without
// WithArena, the free pages nearest to near within branch range are used.
func (s *Sim) Alloc(near Addr, n int) (Addr, error) {
	if s.allocErr != nil {
		return 0, allocError(near, n, s.allocErr)
	}
	if n <= 0 {
		return 0, allocError(near, n, errors.New("non-positive size"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, size := PageSpan(0, n, s.pageSize)
	addr, ok := Addr(0), false
	if !s.useArena && near != 0 {
		addr, ok = s.nearestFree(near, size)
	}
	if !ok {
		addr = s.arena
		for !s.free(addr, size) {
			addr += Addr(s.pageSize)
		}
		s.arena = addr + Addr(size)
	}
	s.mapLocked(addr, size, ProtRWX)
	s.allocs[addr] = size
	return addr, nil
}

// Free implements Memory.
func (s *Sim) Free(addr Addr, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	size, ok := s.allocs[addr]
	if !ok {
		return writeError("free", addr, n, errors.New("not an allocated block"))
	}
	s.unmapLocked(addr, size)
	delete(s.allocs, addr)
	return nil
}

// Mappings returns the mapped extents in address order, with adjacent
// pages of equal protection merged.
func (s *Sim) Mappings() []Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Addr, 0, len(s.pages))
	for p := range s.pages {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var out []Mapping
	for _, p := range keys {
		prot := s.pages[p].prot
		if n := len(out); n > 0 && out[n-1].End == p && out[n-1].Prot() == prot {
			out[n-1].End += Addr(s.pageSize)
			continue
		}
		out = append(out, Mapping{Start: p, End: p + Addr(s.pageSize), Perms: prot.String() + "p"})
	}
	return out
}

func (s *Sim) nearestFree(near Addr, size int) (Addr, bool) {
	base := PageAlign(near, s.pageSize)
	ps := Addr(s.pageSize)
	for d := ps; d < allocRadius; d += ps {
		if up := base + d; s.free(up, size) {
			return up, true
		}
		if base > d {
			if down := base - d; s.free(down, size) {
				return down, true
			}
		}
	}
	return 0, false
}

func (s *Sim) free(addr Addr, size int) bool {
	for p := addr; p < addr+Addr(size); p += Addr(s.pageSize) {
		if _, ok := s.pages[p]; ok {
			return false
		}
	}
	return true
}

// check verifies every page under [addr, addr+n) is mapped and carries want.
func (s *Sim) check(addr Addr, n int, want Prot) error {
	if n == 0 {
		return nil
	}
	start, length := PageSpan(addr, n, s.pageSize)
	for p := start; p < start+Addr(length); p += Addr(s.pageSize) {
		pg, ok := s.pages[p]
		if !ok {
			return fmt.Errorf("page %s not mapped", p)
		}
		if pg.prot&want != want {
			return fmt.Errorf("page %s is %s", p, pg.prot)
		}
	}
	return nil
}

func (s *Sim) copyIn(addr Addr, data []byte) {
	ps := Addr(s.pageSize)
	for i := 0; i < len(data); {
		a := addr + Addr(i)
		pg := s.pages[PageAlign(a, s.pageSize)]
		off := int(a % ps)
		i += copy(pg.data[off:], data[i:])
	}
}
