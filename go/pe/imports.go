package pe

import (
	"strconv"

	"github.com/pkg/errors"
)

const (
	importDescriptorSize = 20
	maxThunks            = 0x10000
)

type ImportDescriptor struct {
	ImportDescriptorRaw
	// Module is the imported module name as written in the image.
	Module string
	// OriginalThunks is false when only the bound table is usable.
	OriginalThunks bool
}

// ImportEntry is one thunk of a descriptor.
type ImportEntry struct {
	ByOrdinal bool
	Ordinal   uint32
	Hint      uint16
	Name      string
	// rva of the slot the resolved address is written to
	Slot uint32
}

func (e ImportEntry) String() string {
	if e.ByOrdinal {
		return "#" + strconv.FormatUint(uint64(e.Ordinal), 10)
	}
	return e.Name
}

// Imports walks the import descriptor array. It stops at a descriptor with
// no module name. Borland linkers leave the characteristics field zero on
// every descriptor; when the first one is nonzero the image is not from such
// a linker, so a zero characteristics field also ends the array.
//
// A descriptor that cannot be read ends the walk with ErrMalformedImports;
// the descriptors before it are still returned.
func (img *Image) Imports() ([]ImportDescriptor, error) {
	dir, ok := img.Directory(DirImport)
	if !ok {
		return nil, nil
	}
	var out []ImportDescriptor
	zeroTerminates := false
	for i := uint32(0); ; i++ {
		rva := dir.VirtualAddress + i*importDescriptorSize
		var raw ImportDescriptorRaw
		if err := img.unpack(rva, &raw); err != nil {
			return out, errors.Wrapf(ErrMalformedImports, "descriptor %d: %v", i, err)
		}
		if raw.Name == 0 {
			break
		}
		if i == 0 {
			zeroTerminates = raw.OriginalFirstThunk != 0
		} else if zeroTerminates && raw.OriginalFirstThunk == 0 {
			break
		}
		if raw.FirstThunk == 0 {
			return out, errors.Wrapf(ErrMalformedImports, "descriptor %d has no thunk table", i)
		}
		name, err := img.CString(raw.Name)
		if err != nil {
			return out, errors.Wrapf(ErrMalformedImports, "descriptor %d name: %v", i, err)
		}
		out = append(out, ImportDescriptor{
			ImportDescriptorRaw: raw,
			Module:              name,
			OriginalThunks:      zeroTerminates,
		})
	}
	return out, nil
}

func (img *Image) ordinalFlag() uint64 {
	if img.Is64 {
		return 1 << 63
	}
	return 1 << 31
}

// Thunks decodes a descriptor's entries, reading names from the unbound
// table when there is one and the bound table otherwise.
func (img *Image) Thunks(d *ImportDescriptor) ([]ImportEntry, error) {
	table := d.FirstThunk
	if d.OriginalThunks {
		table = d.OriginalFirstThunk
	}
	ptr := uint32(img.PointerSize())
	flag := img.ordinalFlag()
	var out []ImportEntry
	for i := uint32(0); ; i++ {
		if i >= maxThunks {
			return out, errors.Wrapf(ErrMalformedImports, "%s: unterminated thunk table", d.Module)
		}
		v, err := img.Pointer(table + i*ptr)
		if err != nil {
			return out, errors.Wrapf(ErrMalformedImports, "%s thunk %d: %v", d.Module, i, err)
		}
		if v == 0 {
			break
		}
		e := ImportEntry{Slot: d.FirstThunk + i*ptr}
		if v&flag != 0 {
			e.ByOrdinal = true
			e.Ordinal = uint32(v & 0xffff)
		} else {
			nameRVA := uint32(v & 0x7fffffff)
			if e.Hint, err = img.Uint16(nameRVA); err != nil {
				return out, errors.Wrapf(ErrMalformedImports, "%s thunk %d hint: %v", d.Module, i, err)
			}
			if e.Name, err = img.CString(nameRVA + 2); err != nil {
				return out, errors.Wrapf(ErrMalformedImports, "%s thunk %d name: %v", d.Module, i, err)
			}
		}
		out = append(out, e)
	}
	return out, nil
}
