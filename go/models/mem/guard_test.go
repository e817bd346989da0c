package mem

import (
	"testing"
)

func TestGuardRestore(t *testing.T) {
	s := NewSpace(32)
	s.Map(0x1000, 0x1000, PROT_READ|PROT_EXEC, "text")
	s.Map(0x2000, 0x1000, PROT_READ, "rdata")
	g, err := s.MakeWritable(0x1800, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WriteProt(0x1800, make([]byte, 0x1000), PROT_WRITE); err != nil {
		t.Fatalf("guarded range not writable: %v", err)
	}
	if err := g.Restore(); err != nil {
		t.Fatal(err)
	}
	if err := g.Restore(); err != nil {
		t.Fatal("second restore should be a no-op")
	}
	want := map[uint64]int{0x1000: PROT_READ | PROT_EXEC, 0x1800: PROT_READ | PROT_EXEC, 0x2000: PROT_READ, 0x2800: PROT_READ}
	for _, page := range s.Regions() {
		for addr, prot := range want {
			if page.Contains(addr) && page.Prot != prot {
				t.Errorf("%#x: prot %s, want %s", addr, ProtString(page.Prot), ProtString(prot))
			}
		}
	}
	if err := s.WriteProt(0x2000, []byte{1}, PROT_WRITE); err == nil {
		t.Fatal("restored range still writable")
	}
}

func TestGuardUnmapped(t *testing.T) {
	s := NewSpace(32)
	if _, err := s.MakeWritable(0x1000, 0x10); err == nil {
		t.Fatal("MakeWritable on unmapped memory should fail")
	}
}
