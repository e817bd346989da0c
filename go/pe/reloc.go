package pe

import (
	"github.com/pkg/errors"
)

const (
	RelAbsolute = 0
	RelHighLow  = 3
	RelDir64    = 10
)

type Reloc struct {
	RVA  uint32
	Type uint8
}

// Relocations flattens the base relocation directory, dropping padding entries.
func (img *Image) Relocations() ([]Reloc, error) {
	dir, ok := img.Directory(DirBaseReloc)
	if !ok {
		return nil, nil
	}
	var out []Reloc
	for off := uint32(0); off+8 <= dir.Size; {
		var block BaseRelocationBlock
		if err := img.unpack(dir.VirtualAddress+off, &block); err != nil {
			return nil, errors.Wrap(err, "reading relocation block")
		}
		if block.SizeOfBlock < 8 || block.SizeOfBlock > dir.Size-off {
			return nil, errors.Errorf("bad relocation block size %#x at %#x", block.SizeOfBlock, off)
		}
		entries, err := img.uint16s(dir.VirtualAddress+off+8, int(block.SizeOfBlock-8)/2)
		if err != nil {
			return nil, errors.Wrap(err, "reading relocation entries")
		}
		for _, e := range entries {
			typ := uint8(e >> 12)
			switch typ {
			case RelAbsolute:
				continue
			case RelHighLow, RelDir64:
				out = append(out, Reloc{RVA: block.VirtualAddress + uint32(e&0xfff), Type: typ})
			default:
				return nil, errors.Wrapf(ErrUnsupportedReloc, "type %d at %#x", typ, block.VirtualAddress+uint32(e&0xfff))
			}
		}
		off += block.SizeOfBlock
	}
	return out, nil
}
