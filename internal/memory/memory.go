// Package memory provides read, write and protection access to an address
// space, plus resolution of loaded modules from the process mapping table.
//
// Addresses are opaque Addr handles. Nothing in this package interprets the
// bytes it moves; typed decoding lives with the instruction layer.
package memory

import (
	"fmt"
	"strings"
)

// Addr is an address in the patched address space.
type Addr uint64

// Add returns a displaced by off bytes.
func (a Addr) Add(off int64) Addr {
	return Addr(int64(a) + off)
}

// Sub returns the signed distance a - b.
func (a Addr) Sub(b Addr) int64 {
	return int64(a) - int64(b)
}

// IsNull reports whether a is the zero address.
func (a Addr) IsNull() bool {
	return a == 0
}

func (a Addr) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Prot is a set of page protection flags.
type Prot int

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2

	ProtRW  = ProtRead | ProtWrite
	ProtRX  = ProtRead | ProtExec
	ProtRWX = ProtRead | ProtWrite | ProtExec
)

// String renders p the way the mapping table does, e.g. "r-x".
func (p Prot) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit Prot
		c   byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// Region is the mapped extent of a module. It is a snapshot: resolve it
// again when mappings may have changed.
type Region struct {
	Base Addr
	Size uint64
}

// End returns the first address past the region.
func (r Region) End() Addr {
	return r.Base + Addr(r.Size)
}

// Contains reports whether a lies inside the region.
func (r Region) Contains(a Addr) bool {
	return a >= r.Base && a < r.End()
}

func (r Region) String() string {
	return fmt.Sprintf("%s-%s", r.Base, r.End())
}

// Memory is an address space the hook engine can patch.
type Memory interface {
	// Read copies n bytes at addr. It fails with ErrRead if any byte is unmapped.
	Read(addr Addr, n int) ([]byte, error)
	// Write stores data at addr without touching protections.
	Write(addr Addr, data []byte) error
	// Protect changes the protection of every page overlapping [addr, addr+n).
	Protect(addr Addr, n int, prot Prot) error
	// Alloc maps an executable block of at least n bytes, close to near when
	// the backend can arrange it.
	Alloc(near Addr, n int) (Addr, error)
	// Free releases a block returned by Alloc.
	Free(addr Addr, n int) error
	// PageSize returns the protection granule.
	PageSize() int
}

// PageAlign rounds addr down to its page boundary.
func PageAlign(addr Addr, pageSize int) Addr {
	return addr &^ Addr(pageSize-1)
}

// PageSpan returns the page-aligned start and the length covering
// [addr, addr+n), rounded up to whole pages.
func PageSpan(addr Addr, n int, pageSize int) (Addr, int) {
	start := PageAlign(addr, pageSize)
	end := uint64(addr) + uint64(n)
	length := int(end - uint64(start))
	if rem := length % pageSize; rem != 0 {
		length += pageSize - rem
	}
	if length == 0 {
		length = pageSize
	}
	return start, length
}

// ReadBytes reads n bytes at addr.
func ReadBytes(m Memory, addr Addr, n int) ([]byte, error) {
	return m.Read(addr, n)
}

// WriteCode raises the pages under [addr, addr+len(data)) to
// read+write+execute and writes data. The stricter protection is not
// restored: code pages may be entered by other threads at any moment.
func WriteCode(m Memory, addr Addr, data []byte) error {
	if err := m.Protect(addr, len(data), ProtRWX); err != nil {
		return err
	}
	return m.Write(addr, data)
}

// WriteData raises the pages under [addr, addr+len(data)) to read+write and
// writes data.
func WriteData(m Memory, addr Addr, data []byte) error {
	if err := m.Protect(addr, len(data), ProtRW); err != nil {
		return err
	}
	return m.Write(addr, data)
}
