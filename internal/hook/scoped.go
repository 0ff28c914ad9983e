package hook

import (
	"sync"

	"github.com/zboralski/gancho/internal/memory"
)

// Scoped is an inline hook tied to a lexical scope:
//
//	s, err := eng.Scoped(target, replacement)
//	if err != nil { ... }
//	defer s.Close()
type Scoped struct {
	eng        *Engine
	target     memory.Addr
	trampoline memory.Addr

	mu     sync.Mutex
	active bool
}

// Scoped installs an inline hook that Close removes.
func (e *Engine) Scoped(target, replacement memory.Addr) (*Scoped, error) {
	tramp, err := e.InstallInline(target, replacement)
	if err != nil {
		return nil, err
	}
	return &Scoped{eng: e, target: target, trampoline: tramp, active: true}, nil
}

// Trampoline returns the address that runs the original function.
func (s *Scoped) Trampoline() memory.Addr { return s.trampoline }

// Release detaches the hook from the scope. Close will leave it installed.
func (s *Scoped) Release() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Close uninstalls the hook unless it was released. It is safe to call
// more than once.
func (s *Scoped) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	if err := s.eng.Uninstall(s.target); err != nil {
		return err
	}
	s.active = false
	return nil
}
