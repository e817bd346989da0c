package pe

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

type Layout int

const (
	// sections sit at their virtual addresses: addr = base + rva
	LayoutMapped Layout = iota
	// raw file bytes: addresses go through the section table
	LayoutFile
)

// Image is a parsed header over bytes that can be read by address.
type Image struct {
	*Header
	Base   uint64
	Layout Layout

	// r reads relative to Base
	r  io.ReaderAt
	tr *Translator
}

// NewImage parses the header found at offset 0 of r. For LayoutMapped, r
// must expose the mapped image with offset 0 at base.
func NewImage(r io.ReaderAt, base uint64, layout Layout) (*Image, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	img := &Image{Header: h, Base: base, Layout: layout, r: r}
	if layout == LayoutFile {
		img.tr = NewTranslator(h, base)
	}
	return img, nil
}

// Addr converts an rva to an absolute address in this image's layout.
func (img *Image) Addr(rva uint32) (uint64, error) {
	if img.Layout == LayoutFile {
		return img.tr.Translate(rva)
	}
	return addOffset(img.Base, rva), nil
}

// ContainsAddr reports whether addr falls inside the image as mapped.
func (img *Image) ContainsAddr(addr uint64) bool {
	return addr >= img.Base && addr-img.Base < uint64(img.SizeOfImage)
}

// ReadAddr reads absolute addresses belonging to this image.
func (img *Image) ReadAddr(addr uint64, p []byte) error {
	if addr < img.Base {
		return errors.Errorf("address %#x below image base %#x", addr, img.Base)
	}
	n, err := img.r.ReadAt(p, int64(addr-img.Base))
	if n == len(p) {
		return nil
	}
	if err == nil || err == io.EOF {
		err = ErrTruncated
	}
	return errors.Wrapf(err, "read %d bytes at %#x", len(p), addr)
}

func (img *Image) Read(rva uint32, p []byte) error {
	addr, err := img.Addr(rva)
	if err != nil {
		return err
	}
	return img.ReadAddr(addr, p)
}

func (img *Image) Uint16(rva uint32) (uint16, error) {
	var buf [2]byte
	if err := img.Read(rva, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (img *Image) Uint32(rva uint32) (uint32, error) {
	var buf [4]byte
	if err := img.Read(rva, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Pointer reads a pointer-sized value at rva.
func (img *Image) Pointer(rva uint32) (uint64, error) {
	if !img.Is64 {
		v, err := img.Uint32(rva)
		return uint64(v), err
	}
	var buf [8]byte
	if err := img.Read(rva, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// PointerAt reads a pointer-sized value at an absolute address.
func (img *Image) PointerAt(addr uint64) (uint64, error) {
	buf := make([]byte, img.PointerSize())
	if err := img.ReadAddr(addr, buf); err != nil {
		return 0, err
	}
	if img.Is64 {
		return binary.LittleEndian.Uint64(buf), nil
	}
	return uint64(binary.LittleEndian.Uint32(buf)), nil
}

const maxCString = 0x1000

// CString reads a NUL-terminated string at rva.
func (img *Image) CString(rva uint32) (string, error) {
	addr, err := img.Addr(rva)
	if err != nil {
		return "", err
	}
	var out []byte
	chunk := make([]byte, 64)
	for len(out) < maxCString {
		if err := img.ReadAddr(addr, chunk); err != nil {
			// near the end of a mapping, fall back to single bytes
			if len(chunk) == 1 {
				return "", err
			}
			chunk = chunk[:1]
			continue
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk...)
		addr += uint64(len(chunk))
	}
	return "", errors.Errorf("unterminated string at rva %#x", rva)
}

func (img *Image) unpack(rva uint32, v interface{}) error {
	addr, err := img.Addr(rva)
	if err != nil {
		return err
	}
	return unpackAt(img.r, v, int64(addr-img.Base))
}

func (img *Image) uint32s(rva uint32, n int) ([]uint32, error) {
	buf := make([]byte, n*4)
	if err := img.Read(rva, buf); err != nil {
		return nil, err
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return out, nil
}

func (img *Image) uint16s(rva uint32, n int) ([]uint16, error) {
	buf := make([]byte, n*2)
	if err := img.Read(rva, buf); err != nil {
		return nil, err
	}
	out := make([]uint16, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}
	return out, nil
}
