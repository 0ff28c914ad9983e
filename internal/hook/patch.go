package hook

import (
	"fmt"
	"sync"

	"github.com/zboralski/gancho/internal/arm64"
	"github.com/zboralski/gancho/internal/memory"
)

// Patch is a standalone byte patch outside the hook registry, e.g. NOPing
// out a call. The original bytes are captured when the patch is created.
type Patch struct {
	mem  memory.Memory
	addr memory.Addr

	mu       sync.Mutex
	bytes    []byte
	original []byte
	applied  bool
}

// NewPatch prepares to write data at addr.
func NewPatch(m memory.Memory, addr memory.Addr, data []byte) (*Patch, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("patch at %s: empty", addr)
	}
	orig, err := m.Read(addr, len(data))
	if err != nil {
		return nil, fmt.Errorf("patch at %s: %w", addr, err)
	}
	return &Patch{
		mem:      m,
		addr:     addr,
		bytes:    append([]byte(nil), data...),
		original: orig,
	}, nil
}

// NewNopPatch prepares to replace count instructions at addr with NOPs.
func NewNopPatch(m memory.Memory, addr memory.Addr, count int) (*Patch, error) {
	return NewPatch(m, addr, arm64.NoOps(count))
}

// Addr returns the patched address.
func (p *Patch) Addr() memory.Addr { return p.addr }

// Original returns a copy of the bytes the patch replaces.
func (p *Patch) Original() []byte {
	return append([]byte(nil), p.original...)
}

// Applied reports whether the patch is currently written.
func (p *Patch) Applied() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}

// Apply writes the patch. Applying twice is a no-op.
func (p *Patch) Apply() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.applied {
		return nil
	}
	if err := memory.WriteCode(p.mem, p.addr, p.bytes); err != nil {
		return fmt.Errorf("apply patch at %s: %w", p.addr, err)
	}
	p.applied = true
	return nil
}

// Restore writes the original bytes back. Restoring an unapplied patch is a
// no-op.
func (p *Patch) Restore() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.applied {
		return nil
	}
	if err := memory.WriteCode(p.mem, p.addr, p.original); err != nil {
		return fmt.Errorf("restore patch at %s: %w", p.addr, err)
	}
	p.applied = false
	return nil
}
