package mem

import (
	"github.com/pkg/errors"
)

type protSpan struct {
	addr, size uint64
	prot       int
}

// Guard remembers the protections a range had before MakeWritable changed them.
type Guard struct {
	s     *Space
	spans []protSpan
	done  bool
}

// MakeWritable adds PROT_WRITE to every page in [addr, addr+size) and
// returns a Guard that puts the previous protections back. Callers defer
// Restore immediately so the range is restored on every return path.
func (s *Space) MakeWritable(addr, size uint64) (*Guard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok, _ := s.rangeValid(addr, size, 0); !ok {
		return nil, errors.Wrapf(ErrNotMapped, "make writable %#x+%#x", addr, size)
	}
	g := &Guard{s: s}
	for _, mm := range s.pages {
		if oaddr, osize, ok := mm.Intersect(addr, size); ok {
			g.spans = append(g.spans, protSpan{oaddr, osize, mm.Prot})
		}
	}
	s.carve(addr, size, func(mid *Page) bool {
		mid.Prot |= PROT_WRITE
		return true
	})
	return g, nil
}

// Restore is idempotent. It reports the first protection it failed to
// restore, which only happens if the range was unmapped underneath it.
func (g *Guard) Restore() error {
	if g == nil || g.done {
		return nil
	}
	g.done = true
	var first error
	for _, span := range g.spans {
		if err := g.s.Protect(span.addr, span.size, span.prot); err != nil && first == nil {
			first = err
		}
	}
	return first
}
