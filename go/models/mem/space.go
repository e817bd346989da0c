package mem

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

var (
	ErrOverlap   = errors.New("region overlaps an existing mapping")
	ErrNoSpace   = errors.New("no free region large enough")
	ErrRange     = errors.New("region outside memory range")
	ErrNotMapped = errors.New("range not mapped")
)

type MemError struct {
	Addr uint64
	Size int
	Enum int
}

func (m *MemError) Error() string {
	reason := "memory error"
	switch m.Enum {
	case MEM_WRITE_UNMAPPED:
		reason = "unmapped write"
	case MEM_READ_UNMAPPED:
		reason = "unmapped read"
	case MEM_FETCH_UNMAPPED:
		reason = "unmapped fetch"
	case MEM_WRITE_PROT:
		reason = "protected write"
	case MEM_READ_PROT:
		reason = "protected read"
	case MEM_FETCH_PROT:
		reason = "protected exec"
	}
	return fmt.Sprintf("%s at %#x(%d)", reason, m.Addr, m.Size)
}

// Space is a simulated little-endian virtual address space. It stands in for
// the host's image mapping and page protection primitives; every loaded
// module, relay stub and TLS buffer lives in one.
type Space struct {
	mu    sync.RWMutex
	bits  uint
	mask  uint64
	// always little-endian; ReadUint relies on it
	order binary.ByteOrder
	pages Pages
}

func NewSpace(bits uint) *Space {
	return &Space{
		bits:  bits,
		mask:  ^uint64(0) >> (64 - bits),
		order: binary.LittleEndian,
	}
}

func (s *Space) Bits() uint                  { return s.bits }
func (s *Space) PointerSize() int            { return int(s.bits / 8) }
func (s *Space) ByteOrder() binary.ByteOrder { return s.order }

func (s *Space) inRange(addr, size uint64) bool {
	end := addr + size
	return size > 0 && end > addr && end-1 <= s.mask
}

// Checks whether the address range exists in the currently-mapped memory.
// If prot > 0, ensures that each region has the entire protection mask provided.
func (s *Space) rangeValid(addr, size uint64, prot int) (mapGood bool, protGood bool) {
	first := s.pages.bsearch(addr)
	if first == -1 {
		return false, false
	}
	protGood = true
	end := addr + size
	for _, mm := range s.pages[first:] {
		if !mm.Contains(addr) {
			break
		}
		if prot > 0 && mm.Prot&prot != prot {
			protGood = false
		}
		addr = mm.End()
		if addr >= end {
			break
		}
	}
	return addr >= end, protGood
}

func (s *Space) Mapped(addr, size uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ok, _ := s.rangeValid(addr, size, 0)
	return ok
}

// Map creates a zeroed mapping at addr. Unlike a host mmap it refuses to
// replace anything already mapped there.
func (s *Space) Map(addr, size uint64, prot int, desc string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapLocked(addr, size, prot, desc)
}

func (s *Space) mapLocked(addr, size uint64, prot int, desc string) error {
	if !s.inRange(addr, size) {
		return errors.Wrapf(ErrRange, "map %#x+%#x", addr, size)
	}
	for _, mm := range s.pages {
		if mm.Overlaps(addr, size) {
			return errors.Wrapf(ErrOverlap, "map %#x+%#x over %s", addr, size, mm)
		}
	}
	s.pages = append(s.pages, &Page{Addr: addr, Size: size, Prot: prot, Data: make([]byte, size), Desc: desc})
	sort.Sort(s.pages)
	return nil
}

// FindFree returns the lowest page-aligned address at or above hint where
// size bytes are unmapped.
func (s *Space) FindFree(hint, size uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findFree(hint, size)
}

func (s *Space) findFree(hint, size uint64) (uint64, error) {
	size = Align(size, PageSize)
	addr := Align(hint, PageSize)
	for _, mm := range s.pages {
		if mm.End() <= addr {
			continue
		}
		if addr+size <= mm.Addr {
			break
		}
		addr = Align(mm.End(), PageSize)
	}
	if !s.inRange(addr, size) {
		return 0, errors.Wrapf(ErrNoSpace, "%#x bytes above %#x", size, hint)
	}
	return addr, nil
}

// MapFree maps size bytes at the first free address at or above hint.
func (s *Space) MapFree(hint, size uint64, prot int, desc string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, err := s.findFree(hint, size)
	if err != nil {
		return 0, err
	}
	return addr, s.mapLocked(addr, Align(size, PageSize), prot, desc)
}

// rewrite every page overlapping addr/size through fn, splitting pages at the range boundary
func (s *Space) carve(addr, size uint64, fn func(mid *Page) bool) {
	tmp := make(Pages, 0, len(s.pages)+2)
	for _, mm := range s.pages {
		oaddr, osize, ok := mm.Intersect(addr, size)
		if !ok {
			tmp = append(tmp, mm)
			continue
		}
		left, right := mm.Split(oaddr, osize)
		if left != nil {
			tmp = append(tmp, left)
		}
		if fn(mm) {
			tmp = append(tmp, mm)
		}
		if right != nil {
			tmp = append(tmp, right)
		}
	}
	s.pages = tmp
}

func (s *Space) Unmap(addr, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, _ := s.rangeValid(addr, size, 0); !ok {
		return errors.Wrapf(ErrNotMapped, "unmap %#x+%#x", addr, size)
	}
	s.carve(addr, size, func(*Page) bool { return false })
	return nil
}

func (s *Space) Protect(addr, size uint64, prot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, _ := s.rangeValid(addr, size, 0); !ok {
		return errors.Wrapf(ErrNotMapped, "protect %#x+%#x", addr, size)
	}
	s.carve(addr, size, func(mid *Page) bool {
		mid.Prot = prot
		return true
	})
	return nil
}

// Regions returns a copy of the mapping list without page contents.
func (s *Space) Regions() Pages {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Pages, len(s.pages))
	for i, mm := range s.pages {
		out[i] = &Page{Addr: mm.Addr, Size: mm.Size, Prot: mm.Prot, Desc: mm.Desc}
	}
	return out
}

func (s *Space) fault(addr uint64, size, prot int, write, mapped bool) error {
	enum := MEM_READ_PROT
	switch {
	case write && !mapped:
		enum = MEM_WRITE_UNMAPPED
	case write:
		enum = MEM_WRITE_PROT
	case prot&PROT_EXEC != 0 && !mapped:
		enum = MEM_FETCH_UNMAPPED
	case prot&PROT_EXEC != 0:
		enum = MEM_FETCH_PROT
	case !mapped:
		enum = MEM_READ_UNMAPPED
	}
	return &MemError{Addr: addr, Size: size, Enum: enum}
}

// ReadProt fills p from addr. A non-zero prot requires every touched page to carry it.
func (s *Space) ReadProt(addr uint64, p []byte, prot int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if gmap, gprot := s.rangeValid(addr, uint64(len(p)), prot); !gmap || !gprot {
		return s.fault(addr, len(p), prot, false, gmap)
	}
	for _, mm := range s.pages[s.pages.bsearch(addr):] {
		if len(p) == 0 || !mm.Contains(addr) {
			break
		}
		n := copy(p, mm.Data[addr-mm.Addr:])
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}

func (s *Space) WriteProt(addr uint64, p []byte, prot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gmap, gprot := s.rangeValid(addr, uint64(len(p)), prot); !gmap || !gprot {
		return s.fault(addr, len(p), prot, true, gmap)
	}
	for _, mm := range s.pages[s.pages.bsearch(addr):] {
		if len(p) == 0 || !mm.Contains(addr) {
			break
		}
		n := copy(mm.Data[addr-mm.Addr:], p)
		addr, p = addr+uint64(n), p[n:]
	}
	return nil
}

// Read and Write ignore page protections, the way a kernel copies into a
// mapping it is building.
func (s *Space) Read(addr uint64, p []byte) error  { return s.ReadProt(addr, p, 0) }
func (s *Space) Write(addr uint64, p []byte) error { return s.WriteProt(addr, p, 0) }

func (s *Space) ReadBytes(addr, size uint64) ([]byte, error) {
	p := make([]byte, size)
	if err := s.Read(addr, p); err != nil {
		return nil, err
	}
	return p, nil
}

// uintWidth accepts the integer widths a pointer or import slot can have.
func uintWidth(size int) error {
	switch size {
	case 1, 2, 4, 8:
		return nil
	}
	return errors.Errorf("unsupported integer width %d", size)
}

// ReadUint reads a size-byte little-endian integer, faulting like Read.
func (s *Space) ReadUint(addr uint64, size, prot int) (uint64, error) {
	if err := uintWidth(size); err != nil {
		return 0, err
	}
	var buf [8]byte
	if err := s.ReadProt(addr, buf[:size], prot); err != nil {
		return 0, err
	}
	// the unread high bytes stay zero
	return s.order.Uint64(buf[:]), nil
}

// WriteUint stores the low size bytes of val. Bits above the width are dropped.
func (s *Space) WriteUint(addr uint64, size, prot int, val uint64) error {
	if err := uintWidth(size); err != nil {
		return err
	}
	var buf [8]byte
	s.order.PutUint64(buf[:], val)
	return s.WriteProt(addr, buf[:size], prot)
}

// ReadAt lets absolute addresses be consumed as an io.ReaderAt.
func (s *Space) ReadAt(p []byte, off int64) (int, error) {
	if err := s.Read(uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Reader returns an io.ReaderAt whose offset 0 is base.
func (s *Space) Reader(base uint64) io.ReaderAt {
	return &offsetReader{s: s, base: base}
}

type offsetReader struct {
	s    *Space
	base uint64
}

func (r *offsetReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Errorf("negative offset %d", off)
	}
	if err := r.s.Read(r.base+uint64(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}
