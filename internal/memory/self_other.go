//go:build !linux

package memory

// Self returns the address space of the calling process.
func Self() (Memory, error) {
	return nil, ErrUnsupported
}
