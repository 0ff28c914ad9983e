//go:build !arm64

package memory

// flushICache is a no-op where instruction fetch is coherent with stores.
func flushICache(addr Addr, n int) {}
