package memory

// flushStride is one instruction, which is never larger than a cache line.
const flushStride = 4

// flushLine cleans the data cache line holding addr to the point of
// unification and invalidates the matching instruction cache line.
func flushLine(addr uintptr)

// flushICache makes freshly written code visible to instruction fetch.
func flushICache(addr Addr, n int) {
	end := uintptr(addr) + uintptr(n)
	for a := uintptr(addr) &^ (flushStride - 1); a < end; a += flushStride {
		flushLine(a)
	}
}
