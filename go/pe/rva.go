package pe

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

func addOffset[O constraints.Integer](base uint64, off O) uint64 {
	return base + uint64(off)
}

func sectionHas(s *SectionHeader, rva uint32) bool {
	return rva >= s.VirtualAddress && rva-s.VirtualAddress < s.SizeOfRawData
}

// Translate maps rva to the address of its bytes in a file image loaded
// unmapped at base: the section whose [VirtualAddress, VirtualAddress+SizeOfRawData)
// holds rva gives base + PointerToRawData + (rva - VirtualAddress).
// Callers check for an absent directory before translating its location.
func Translate(h *Header, base uint64, rva uint32) (uint64, error) {
	for i := range h.Sections {
		s := &h.Sections[i]
		if sectionHas(s, rva) {
			return addOffset(base, s.PointerToRawData+(rva-s.VirtualAddress)), nil
		}
	}
	return 0, errors.Wrapf(ErrRVANotFound, "%#x", rva)
}

// Translator is Translate with a one-entry cache of the last section hit,
// which pays off when walking tables that sit in one section. It is not
// safe for concurrent use.
type Translator struct {
	h    *Header
	base uint64
	last int
}

func NewTranslator(h *Header, base uint64) *Translator {
	return &Translator{h: h, base: base, last: -1}
}

func (t *Translator) Translate(rva uint32) (uint64, error) {
	if t.last >= 0 {
		s := &t.h.Sections[t.last]
		if sectionHas(s, rva) {
			return addOffset(t.base, s.PointerToRawData+(rva-s.VirtualAddress)), nil
		}
	}
	for i := range t.h.Sections {
		s := &t.h.Sections[i]
		if sectionHas(s, rva) {
			t.last = i
			return addOffset(t.base, s.PointerToRawData+(rva-s.VirtualAddress)), nil
		}
	}
	// headers are not in any section but sit at the same offset on disk
	if rva < t.h.SizeOfHeaders {
		return addOffset(t.base, rva), nil
	}
	return 0, errors.Wrapf(ErrRVANotFound, "%#x", rva)
}
