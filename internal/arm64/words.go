package arm64

import "encoding/binary"

// Words splits little-endian machine code into instruction words.
// Trailing bytes that do not fill a word are ignored.
func Words(b []byte) []uint32 {
	out := make([]uint32, len(b)/InstructionSize)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*InstructionSize:])
	}
	return out
}

// Word returns the first instruction word of b.
func Word(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

// PutWords encodes instruction words as little-endian machine code.
func PutWords(words ...uint32) []byte {
	out := make([]byte, len(words)*InstructionSize)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*InstructionSize:], w)
	}
	return out
}

// Pointer decodes a data pointer from the first PointerSize bytes of b.
func Pointer(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

// PutPointer encodes a data pointer.
func PutPointer(v uint64) []byte {
	out := make([]byte, PointerSize)
	binary.LittleEndian.PutUint64(out, v)
	return out
}

// NoOps returns n NOP words as machine code.
func NoOps(n int) []byte {
	words := make([]uint32, n)
	for i := range words {
		words[i] = nopWord
	}
	return PutWords(words...)
}
