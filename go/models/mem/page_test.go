package mem

import (
	"testing"
)

func TestPageFind(t *testing.T) {
	pages := Pages{
		&Page{Addr: 0x1000, Size: 0x1000},
		&Page{Addr: 0x2000, Size: 0x1000},
		&Page{Addr: 0x4000, Size: 0x2000},
		&Page{Addr: 0x6000, Size: 0x2000},
	}
	if pages.Find(0x1000) != pages[0] ||
		pages.Find(0x1001) != pages[0] ||
		pages.Find(0x1fff) != pages[0] ||
		pages.Find(0x7fff) != pages[3] {
		t.Error("Find() failed")
	}
	if pages.Find(0x3000) != nil ||
		pages.Find(0x1) != nil ||
		pages.Find(0x10000) != nil {
		t.Error("Find() negative failed")
	}
}

func TestPageSplit(t *testing.T) {
	p := &Page{Addr: 0x1000, Size: 0x3000, Data: pattern(0x3000)}
	left, right := p.Split(0x2000, 0x1000)
	if left == nil || left.Addr != 0x1000 || left.Size != 0x1000 || len(left.Data) != 0x1000 {
		t.Fatalf("bad left split: %v", left)
	}
	if right == nil || right.Addr != 0x3000 || right.Size != 0x1000 || len(right.Data) != 0x1000 {
		t.Fatalf("bad right split: %v", right)
	}
	if p.Addr != 0x2000 || len(p.Data) != 0x1000 || p.Data[0] != pattern(0x3000)[0x1000] {
		t.Fatalf("bad middle split: %v", p)
	}
}

func TestAlign(t *testing.T) {
	if Align(uint64(0x1001), PageSize) != 0x2000 || Align(uint32(0x1000), 0x1000) != 0x1000 {
		t.Error("Align() failed")
	}
	if AlignDown(uint64(0x1fff), PageSize) != 0x1000 {
		t.Error("AlignDown() failed")
	}
}
