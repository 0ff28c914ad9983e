package emulator

import (
	"errors"
	"fmt"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"github.com/zboralski/gancho/internal/memory"
)

var _ memory.Memory = (*Emulator)(nil)

// PageSize implements memory.Memory.
func (e *Emulator) PageSize() int {
	return PageSize
}

// Read implements memory.Memory.
func (e *Emulator) Read(addr memory.Addr, n int) ([]byte, error) {
	if n < 0 {
		return nil, accessError("read", addr, n, memory.ErrRead, errors.New("negative length"))
	}
	if n == 0 {
		return []byte{}, nil
	}
	if err := e.checkProt(addr, n, uc.PROT_READ); err != nil {
		return nil, accessError("read", addr, n, memory.ErrRead, err)
	}
	data, err := e.mu.MemRead(uint64(addr), uint64(n))
	if err != nil {
		return nil, accessError("read", addr, n, memory.ErrRead, err)
	}
	return data, nil
}

// Write implements memory.Memory. Unlike LoadCodeAt it honours page
// protection, the way a store from the patched process would.
func (e *Emulator) Write(addr memory.Addr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := e.checkProt(addr, len(data), uc.PROT_WRITE); err != nil {
		return accessError("write", addr, len(data), memory.ErrWrite, err)
	}
	if err := e.mu.MemWrite(uint64(addr), data); err != nil {
		return accessError("write", addr, len(data), memory.ErrWrite, err)
	}
	return nil
}

// Protect implements memory.Memory.
func (e *Emulator) Protect(addr memory.Addr, n int, prot memory.Prot) error {
	start, length := memory.PageSpan(addr, n, PageSize)
	if err := e.mu.MemProtect(uint64(start), uint64(length), ucProt(prot)); err != nil {
		return accessError("protect", addr, n, memory.ErrWrite, err)
	}
	return nil
}

// Alloc implements memory.Memory. Blocks come from the trampoline arena,
// which sits directly after the code region, so near is always in range.
// Freed blocks are not reused.
func (e *Emulator) Alloc(near memory.Addr, n int) (memory.Addr, error) {
	if n <= 0 {
		return 0, accessError("alloc", near, n, memory.ErrAlloc, errors.New("non-positive size"))
	}
	_, length := memory.PageSpan(0, n, PageSize)
	size := uint64(length)

	e.allocMu.Lock()
	defer e.allocMu.Unlock()
	addr := e.trampPtr
	if addr+size > TrampolineBase+TrampolineSize {
		return 0, accessError("alloc", near, n, memory.ErrAlloc, errors.New("trampoline arena exhausted"))
	}
	if err := e.mu.MemMapProt(addr, size, uc.PROT_ALL); err != nil {
		return 0, accessError("alloc", near, n, memory.ErrAlloc, err)
	}
	e.trampPtr += size
	e.allocs[addr] = size
	return memory.Addr(addr), nil
}

// Free implements memory.Memory.
func (e *Emulator) Free(addr memory.Addr, n int) error {
	e.allocMu.Lock()
	defer e.allocMu.Unlock()
	size, ok := e.allocs[uint64(addr)]
	if !ok {
		return accessError("free", addr, n, memory.ErrWrite, errors.New("not an allocated block"))
	}
	if err := e.mu.MemUnmap(uint64(addr), size); err != nil {
		return accessError("free", addr, n, memory.ErrWrite, err)
	}
	delete(e.allocs, uint64(addr))
	return nil
}

// Allocations returns the number of live Alloc blocks.
func (e *Emulator) Allocations() int {
	e.allocMu.Lock()
	defer e.allocMu.Unlock()
	return len(e.allocs)
}

// Mappings describes the emulated address space in the /proc/<pid>/maps
// shape, so module scans can run against it.
func (e *Emulator) Mappings() ([]memory.Mapping, error) {
	regions, err := e.mu.MemRegions()
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	out := make([]memory.Mapping, 0, len(regions))
	for _, r := range regions {
		out = append(out, memory.Mapping{
			Start: memory.Addr(r.Begin),
			End:   memory.Addr(r.End + 1),
			Perms: protFromUC(r.Prot).String() + "p",
		})
	}
	return out, nil
}

// checkProt verifies every page under [addr, addr+n) is mapped with want.
func (e *Emulator) checkProt(addr memory.Addr, n int, want int) error {
	regions, err := e.mu.MemRegions()
	if err != nil {
		return err
	}
	start, length := memory.PageSpan(addr, n, PageSize)
	for p := uint64(start); p < uint64(start)+uint64(length); p += PageSize {
		found := false
		for _, r := range regions {
			if p >= r.Begin && p <= r.End {
				if r.Prot&want != want {
					return fmt.Errorf("page 0x%x is %s", p, protFromUC(r.Prot))
				}
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("page 0x%x not mapped", p)
		}
	}
	return nil
}

func accessError(op string, addr memory.Addr, n int, kind, cause error) error {
	return &memory.AccessError{Op: op, Addr: addr, Len: n, Kind: kind, Err: cause}
}

func ucProt(p memory.Prot) int {
	var out int
	if p&memory.ProtRead != 0 {
		out |= uc.PROT_READ
	}
	if p&memory.ProtWrite != 0 {
		out |= uc.PROT_WRITE
	}
	if p&memory.ProtExec != 0 {
		out |= uc.PROT_EXEC
	}
	return out
}

func protFromUC(p int) memory.Prot {
	var out memory.Prot
	if p&uc.PROT_READ != 0 {
		out |= memory.ProtRead
	}
	if p&uc.PROT_WRITE != 0 {
		out |= memory.ProtWrite
	}
	if p&uc.PROT_EXEC != 0 {
		out |= memory.ProtExec
	}
	return out
}
