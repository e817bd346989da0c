package loader

import (
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/pecorn/go/models"
	"github.com/lunixbochs/pecorn/go/models/mem"
	"github.com/lunixbochs/pecorn/go/pe"
)

// Mapper places an image file in memory as an executable image.
type Mapper interface {
	MapImage(src io.ReaderAt, name string) (base, size uint64, err error)
	UnmapImage(base, size uint64) error
}

// SpaceMapper maps images into a mem.Space, at their preferred base if it
// is free and otherwise at the first free range from LibBase, applying base
// relocations when the image moved.
type SpaceMapper struct {
	Space   *mem.Space
	LibBase uint64
}

func (s *SpaceMapper) MapImage(src io.ReaderAt, name string) (uint64, uint64, error) {
	log := models.Logger().Named("map")
	img, err := pe.NewImage(src, 0, pe.LayoutFile)
	if err != nil {
		return 0, 0, err
	}
	if img.Is64 != (s.Space.Bits() == 64) {
		return 0, 0, errors.Wrapf(pe.ErrBadSignature, "%s: %d-bit image in %d-bit space", name, img.PointerSize()*8, s.Space.Bits())
	}
	size := mem.Align(uint64(img.SizeOfImage), mem.PageSize)
	if size == 0 {
		return 0, 0, errors.Wrapf(pe.ErrBadSignature, "%s: empty image", name)
	}
	base := img.ImageBase
	if err := s.Space.Map(base, size, mem.PROT_READ|mem.PROT_WRITE, name); err != nil {
		if base, err = s.Space.MapFree(s.LibBase, size, mem.PROT_READ|mem.PROT_WRITE, name); err != nil {
			return 0, 0, errors.Wrapf(ErrOutOfMemory, "%s: %#x bytes: %v", name, size, err)
		}
		log.Debug("preferred base taken", zap.String("module", name),
			zap.String("preferred", hex(img.ImageBase)), zap.String("base", hex(base)))
	}
	if err := s.load(img, src, base, size); err != nil {
		s.Space.Unmap(base, size)
		return 0, 0, errors.Wrap(err, name)
	}
	return base, size, nil
}

func (s *SpaceMapper) load(img *pe.Image, src io.ReaderAt, base, size uint64) error {
	hdr := make([]byte, min(uint64(img.SizeOfHeaders), size))
	if _, err := src.ReadAt(hdr, 0); err != nil && err != io.EOF {
		return errors.Wrap(err, "reading headers")
	}
	if err := s.Space.Write(base, hdr); err != nil {
		return err
	}
	for _, sec := range img.Sections {
		n := min(sec.SizeOfRawData, sec.VirtualSize)
		if sec.VirtualSize == 0 {
			n = sec.SizeOfRawData
		}
		if n == 0 || sec.PointerToRawData == 0 {
			continue
		}
		if uint64(sec.VirtualAddress)+uint64(n) > size {
			return errors.Wrapf(pe.ErrTruncated, "section %s past end of image", sec.Name)
		}
		data := make([]byte, n)
		if _, err := src.ReadAt(data, int64(sec.PointerToRawData)); err != nil && err != io.EOF {
			return errors.Wrapf(err, "reading section %s", sec.Name)
		}
		if err := s.Space.Write(base+uint64(sec.VirtualAddress), data); err != nil {
			return err
		}
	}
	if base != img.ImageBase {
		if err := s.relocate(img, base); err != nil {
			return err
		}
	}
	return s.protect(img, base, size)
}

func (s *SpaceMapper) relocate(img *pe.Image, base uint64) error {
	relocs, err := img.Relocations()
	if err != nil {
		return err
	}
	if len(relocs) == 0 && !img.Is64 {
		models.Logger().Named("map").Warn("image moved without relocations", zap.String("base", hex(base)))
	}
	delta := base - img.ImageBase
	for _, rel := range relocs {
		addr := base + uint64(rel.RVA)
		size := 4
		if rel.Type == pe.RelDir64 {
			size = 8
		}
		v, err := s.Space.ReadUint(addr, size, 0)
		if err != nil {
			return errors.Wrapf(err, "relocation at %#x", rel.RVA)
		}
		if err := s.Space.WriteUint(addr, size, 0, v+delta); err != nil {
			return errors.Wrapf(err, "relocation at %#x", rel.RVA)
		}
	}
	return nil
}

func (s *SpaceMapper) protect(img *pe.Image, base, size uint64) error {
	if err := s.Space.Protect(base, mem.Align(uint64(img.SizeOfHeaders), mem.PageSize), mem.PROT_READ); err != nil {
		return err
	}
	for _, sec := range img.Sections {
		prot := 0
		if sec.Characteristics&pe.ScnMemRead != 0 {
			prot |= mem.PROT_READ
		}
		if sec.Characteristics&pe.ScnMemWrite != 0 {
			prot |= mem.PROT_WRITE
		}
		if sec.Characteristics&pe.ScnMemExecute != 0 {
			prot |= mem.PROT_EXEC
		}
		start := base + uint64(sec.VirtualAddress)
		end := min(mem.Align(start+uint64(sec.Size()), mem.PageSize), base+size)
		if end <= start {
			continue
		}
		if err := s.Space.Protect(start, end-start, prot); err != nil {
			return err
		}
	}
	return nil
}

func (s *SpaceMapper) UnmapImage(base, size uint64) error {
	return s.Space.Unmap(base, size)
}
