package memory

import (
	"bytes"
	"errors"
	"testing"
)

func TestSimReadWrite(t *testing.T) {
	s := NewSim()
	s.Map(0x10000, 0x2000, ProtRW)

	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	// Straddle the page boundary.
	addr := Addr(0x10FFC)
	if err := s.Write(addr, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := s.Read(addr, len(data))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Read = %x, want %x", got, data)
	}
}

func TestSimReadUnmapped(t *testing.T) {
	s := NewSim()
	s.Map(0x10000, 0x1000, ProtRW)

	tests := []struct {
		name string
		addr Addr
		n    int
	}{
		{"null", 0, 4},
		{"unmapped", 0x20000, 4},
		{"runs off the end", 0x10FFE, 4},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Read(tc.addr, tc.n)
			if !errors.Is(err, ErrRead) {
				t.Fatalf("Read error = %v, want ErrRead", err)
			}
			var ae *AccessError
			if !errors.As(err, &ae) || ae.Addr != tc.addr {
				t.Errorf("AccessError = %+v", ae)
			}
		})
	}
}

func TestSimWriteRespectsProtection(t *testing.T) {
	s := NewSim()
	s.Map(0x10000, 0x1000, ProtRX)
	if err := s.Load(0x10000, []byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := s.Write(0x10000, []byte{0, 0}); !errors.Is(err, ErrWrite) {
		t.Fatalf("Write to r-x error = %v, want ErrWrite", err)
	}
	got, _ := s.Read(0x10000, 2)
	if !bytes.Equal(got, []byte{0xAA, 0xBB}) {
		t.Errorf("bytes changed after refused write: %x", got)
	}

	if err := WriteCode(s, 0x10000, []byte{1, 2}); err != nil {
		t.Fatalf("WriteCode: %v", err)
	}
	if prot, _ := s.ProtAt(0x10000); prot != ProtRWX {
		t.Errorf("prot after WriteCode = %v, want rwx", prot)
	}
	got, _ = s.Read(0x10000, 2)
	if !bytes.Equal(got, []byte{1, 2}) {
		t.Errorf("Read after WriteCode = %x", got)
	}
}

func TestSimWriteData(t *testing.T) {
	s := NewSim()
	s.Map(0x10000, 0x1000, ProtRead)
	if err := WriteData(s, 0x10008, []byte{9}); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if prot, _ := s.ProtAt(0x10000); prot != ProtRW {
		t.Errorf("prot after WriteData = %v, want rw-", prot)
	}
}

func TestSimLockedPage(t *testing.T) {
	s := NewSim()
	s.Map(0x10000, 0x1000, ProtRX)
	s.Lock(0x10000)

	if err := WriteCode(s, 0x10010, []byte{1}); !errors.Is(err, ErrWrite) {
		t.Fatalf("WriteCode on locked page error = %v, want ErrWrite", err)
	}
	if prot, _ := s.ProtAt(0x10000); prot != ProtRX {
		t.Errorf("locked page prot changed to %v", prot)
	}
}

func TestSimProtectSpansPages(t *testing.T) {
	s := NewSim()
	s.Map(0x10000, 0x3000, ProtRX)
	if err := s.Protect(0x10FFE, 4, ProtRWX); err != nil {
		t.Fatalf("Protect: %v", err)
	}
	for addr, want := range map[Addr]Prot{0x10000: ProtRWX, 0x11000: ProtRWX, 0x12000: ProtRX} {
		if got, _ := s.ProtAt(addr); got != want {
			t.Errorf("ProtAt(%s) = %v, want %v", addr, got, want)
		}
	}
	if err := s.Protect(0x12FFE, 4, ProtRWX); !errors.Is(err, ErrWrite) {
		t.Errorf("Protect past mapping error = %v, want ErrWrite", err)
	}
}

func TestSimAllocNear(t *testing.T) {
	s := NewSim()
	s.Map(0x4000_0000, 0x1000, ProtRX)

	addr, err := s.Alloc(0x4000_0100, 20)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if d := addr.Sub(0x4000_0000); d < -(1<<27) || d > 1<<27 {
		t.Errorf("Alloc placed block %s out of branch range", addr)
	}
	if addr == 0x4000_0000 {
		t.Errorf("Alloc reused a mapped page")
	}
	if prot, _ := s.ProtAt(addr); prot != ProtRWX {
		t.Errorf("allocated prot = %v, want rwx", prot)
	}
	if s.Allocations() != 1 {
		t.Errorf("Allocations = %d", s.Allocations())
	}

	if err := s.Free(addr, 20); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, ok := s.ProtAt(addr); ok {
		t.Errorf("page still mapped after Free")
	}
	if err := s.Free(addr, 20); !errors.Is(err, ErrWrite) {
		t.Errorf("double Free error = %v", err)
	}
}

func TestSimAllocArena(t *testing.T) {
	s := NewSim(WithArena(0x7000_0000_0000))
	a, _ := s.Alloc(0x1000, 8)
	b, _ := s.Alloc(0x1000, 8)
	if a != 0x7000_0000_0000 || b != 0x7000_0000_1000 {
		t.Errorf("arena allocs = %s, %s", a, b)
	}
}

func TestSimAllocError(t *testing.T) {
	cause := errors.New("no space")
	s := NewSim(WithAllocError(cause))
	_, err := s.Alloc(0x1000, 8)
	if !errors.Is(err, ErrAlloc) || !errors.Is(err, cause) {
		t.Errorf("Alloc error = %v", err)
	}
}

func TestSimMappings(t *testing.T) {
	s := NewSim()
	s.Map(0x10000, 0x2000, ProtRX)
	s.Map(0x12000, 0x1000, ProtRW)
	s.Map(0x20000, 0x1000, ProtRX)

	maps := s.Mappings()
	if len(maps) != 3 {
		t.Fatalf("Mappings = %v", maps)
	}
	if maps[0].Start != 0x10000 || maps[0].End != 0x12000 || maps[0].Perms != "r-xp" {
		t.Errorf("maps[0] = %v", maps[0])
	}
	if maps[1].Prot() != ProtRW {
		t.Errorf("maps[1] = %v", maps[1])
	}
}

func TestPageSpan(t *testing.T) {
	tests := []struct {
		addr      Addr
		n         int
		wantStart Addr
		wantLen   int
	}{
		{0x1000, 4, 0x1000, 0x1000},
		{0x1FFE, 4, 0x1000, 0x2000},
		{0x1000, 0x1000, 0x1000, 0x1000},
		{0x1234, 0, 0x1000, 0x1000},
	}
	for _, tc := range tests {
		start, length := PageSpan(tc.addr, tc.n, 0x1000)
		if start != tc.wantStart || length != tc.wantLen {
			t.Errorf("PageSpan(%s, %d) = %s, %#x", tc.addr, tc.n, start, length)
		}
	}
}
