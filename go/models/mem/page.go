package mem

import (
	"fmt"
	"strings"
)

// Page is one contiguous mapping with a single protection.
type Page struct {
	Addr uint64
	Size uint64
	Prot int
	Data []byte

	Desc string
}

func (p *Page) String() string {
	desc := fmt.Sprintf("0x%x-0x%x %s", p.Addr, p.Addr+p.Size, ProtString(p.Prot))
	if p.Desc != "" {
		desc += fmt.Sprintf(" [%s]", p.Desc)
	}
	return desc
}

func (p *Page) End() uint64 { return p.Addr + p.Size }

func (p *Page) Contains(addr uint64) bool {
	return addr >= p.Addr && addr < p.End()
}

// start = max(s1, s2), end = min(e1, e2), ok = end > start
func (p *Page) Intersect(addr, size uint64) (uint64, uint64, bool) {
	start, end := p.Addr, p.End()
	if e2 := addr + size; end > e2 {
		end = e2
	}
	if start < addr {
		start = addr
	}
	return start, end - start, end > start
}

func (p *Page) Overlaps(addr, size uint64) bool {
	_, _, ok := p.Intersect(addr, size)
	return ok
}

func (p *Page) slice(addr, size uint64) *Page {
	o := addr - p.Addr
	return &Page{Addr: addr, Size: size, Prot: p.Prot, Data: p.Data[o : o+size], Desc: p.Desc}
}

// Split trims p down to [addr, addr+size), which must lie inside p,
// and returns the pieces cut off on either side.
//
//	[-left-][---p---][-right-]
//	        |        |
//	        addr     addr+size
func (p *Page) Split(addr, size uint64) (left, right *Page) {
	if end := addr + size; end < p.End() {
		right = p.slice(end, p.End()-end)
		p.Data = p.Data[:end-p.Addr]
	}
	if addr > p.Addr {
		left = p.slice(p.Addr, addr-p.Addr)
		p.Data = p.Data[addr-p.Addr:]
	}
	p.Addr, p.Size = addr, size
	return left, right
}

type Pages []*Page

func (p Pages) Len() int           { return len(p) }
func (p Pages) Swap(i, j int)      { p[i], p[j] = p[j], p[i] }
func (p Pages) Less(i, j int) bool { return p[i].Addr < p[j].Addr }

func (p Pages) String() string {
	s := make([]string, len(p))
	for i, v := range p {
		s[i] = v.String()
	}
	return strings.Join(s, "\n")
}

// binary search to find index of first region containing addr, if any, else -1
func (p Pages) bsearch(addr uint64) int {
	l, r := 0, len(p)-1
	for l <= r {
		mid := (l + r) / 2
		e := p[mid]
		if addr < e.Addr {
			r = mid - 1
		} else if addr < e.End() {
			return mid
		} else {
			l = mid + 1
		}
	}
	return -1
}

func (p Pages) Find(addr uint64) *Page {
	if i := p.bsearch(addr); i >= 0 {
		return p[i]
	}
	return nil
}
