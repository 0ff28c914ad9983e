//go:build linux

package memory

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// liveProcess is the live address space of the calling process.
type liveProcess struct {
	pid      int
	pageSize int

	mu     sync.Mutex
	allocs map[Addr]int
}

var _ Memory = (*liveProcess)(nil)

// Self returns the address space of the calling process.
func Self() (Memory, error) {
	return &liveProcess{
		pid:      os.Getpid(),
		pageSize: unix.Getpagesize(),
		allocs:   make(map[Addr]int),
	}, nil
}

func (p *liveProcess) PageSize() int {
	return p.pageSize
}

// Read goes through process_vm_readv so an unmapped address comes back as
// EFAULT instead of a fault in the caller.
func (p *liveProcess) Read(addr Addr, n int) ([]byte, error) {
	if n < 0 {
		return nil, readError(addr, n, errors.New("negative length"))
	}
	if n == 0 {
		return []byte{}, nil
	}
	if addr.IsNull() {
		return nil, readError(addr, n, unix.EFAULT)
	}
	buf := make([]byte, n)
	local := []unix.Iovec{{Base: &buf[0]}}
	local[0].SetLen(n)
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: n}}

	got, err := unix.ProcessVMReadv(p.pid, local, remote, 0)
	if err != nil {
		return nil, readError(addr, n, err)
	}
	if got != n {
		return nil, readError(addr, n, fmt.Errorf("short read: %d of %d bytes", got, n))
	}
	return buf, nil
}

func (p *liveProcess) Write(addr Addr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if addr.IsNull() {
		return writeError("write", addr, len(data), unix.EFAULT)
	}
	local := []unix.Iovec{{Base: &data[0]}}
	local[0].SetLen(len(data))
	remote := []unix.RemoteIovec{{Base: uintptr(addr), Len: len(data)}}

	got, err := unix.ProcessVMWritev(p.pid, local, remote, 0)
	if err != nil {
		return writeError("write", addr, len(data), err)
	}
	if got != len(data) {
		return writeError("write", addr, len(data), fmt.Errorf("short write: %d of %d bytes", got, len(data)))
	}
	flushICache(addr, len(data))
	return nil
}

func (p *liveProcess) Protect(addr Addr, n int, prot Prot) error {
	start, length := PageSpan(addr, n, p.pageSize)
	_, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(start), uintptr(length), uintptr(unixProt(prot)))
	if errno != 0 {
		return writeError("protect", addr, n, errno)
	}
	return nil
}

// Alloc tries the free gaps nearest to near first, so the block stays in
// direct branch range of near. When none of them take, the kernel picks.
func (p *liveProcess) Alloc(near Addr, n int) (Addr, error) {
	if n <= 0 {
		return 0, allocError(near, n, errors.New("non-positive size"))
	}
	_, size := PageSpan(0, n, p.pageSize)

	var hints []Addr
	if near != 0 {
		if maps, err := ReadMaps(0); err == nil {
			hints = FreeGaps(maps, near, uint64(size), p.pageSize, allocRadius)
		}
	}
	const maxHints = 8
	if len(hints) > maxHints {
		hints = hints[:maxHints]
	}

	for _, hint := range hints {
		addr, err := mmap(hint, size)
		if err != nil {
			continue
		}
		if distance(addr, near) <= allocRadius {
			p.track(addr, size)
			return addr, nil
		}
		munmap(addr, size)
	}

	addr, err := mmap(0, size)
	if err != nil {
		return 0, allocError(near, n, err)
	}
	p.track(addr, size)
	return addr, nil
}

func (p *liveProcess) Free(addr Addr, n int) error {
	p.mu.Lock()
	size, ok := p.allocs[addr]
	delete(p.allocs, addr)
	p.mu.Unlock()
	if !ok {
		return writeError("free", addr, n, errors.New("not an allocated block"))
	}
	if err := munmap(addr, size); err != nil {
		return writeError("free", addr, n, err)
	}
	return nil
}

func (p *liveProcess) track(addr Addr, size int) {
	p.mu.Lock()
	p.allocs[addr] = size
	p.mu.Unlock()
}

func mmap(hint Addr, size int) (Addr, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MMAP,
		uintptr(hint), uintptr(size),
		uintptr(unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS),
		^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return Addr(r), nil
}

func munmap(addr Addr, size int) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(size), 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func unixProt(p Prot) int {
	var out int
	if p&ProtRead != 0 {
		out |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		out |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		out |= unix.PROT_EXEC
	}
	return out
}
