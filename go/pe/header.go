// Package pe reads the parts of a PE image a module loader needs: the
// header, the section table, exports, imports, TLS and base relocations.
package pe

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

var (
	ErrBadSignature      = errors.New("bad image signature")
	ErrTruncated         = errors.New("image truncated")
	ErrRVANotFound       = errors.New("rva not inside any section")
	ErrOrdinalOutOfRange = errors.New("ordinal out of range")
	ErrNameNotFound      = errors.New("export name not found")
	ErrMalformedImports  = errors.New("malformed import table")
	ErrUnsupportedReloc  = errors.New("unsupported relocation type")
)

type DirectoryKind int

const (
	DirExport DirectoryKind = iota
	DirImport
	DirResource
	DirException
	DirSecurity
	DirBaseReloc
	DirDebug
	DirArchitecture
	DirGlobalPtr
	DirTLS
	DirLoadConfig
	DirBoundImport
	DirIAT
	DirDelayImport
	DirCOMDescriptor
	DirReserved

	NumDirectories = 16
)

var dirNames = [NumDirectories]string{
	"export", "import", "resource", "exception", "security", "basereloc", "debug", "architecture",
	"globalptr", "tls", "loadconfig", "boundimport", "iat", "delayimport", "com", "reserved",
}

func (d DirectoryKind) String() string {
	if d >= 0 && d < NumDirectories {
		return dirNames[d]
	}
	return fmt.Sprintf("dir(%d)", int(d))
}

// directories the loader consumes itself, or hands to the mapper
var consumed = map[DirectoryKind]bool{
	DirExport: true, DirImport: true, DirTLS: true, DirIAT: true, DirBaseReloc: true,
}

// Header is the normalized view over PE32 and PE32+ headers.
type Header struct {
	File FileHeader

	Magic              uint16
	Is64               bool
	ImageBase          uint64
	SizeOfImage        uint32
	SizeOfHeaders      uint32
	EntryPoint         uint32
	CheckSum           uint32
	Subsystem          uint16
	DllCharacteristics uint16
	SectionAlignment   uint32
	FileAlignment      uint32

	Directories [NumDirectories]DataDirectory
	Sections    []SectionHeader
}

func (h *Header) PointerSize() int {
	if h.Is64 {
		return 8
	}
	return 4
}

// Directory returns the entry for kind, and whether it is present at all.
func (h *Header) Directory(kind DirectoryKind) (DataDirectory, bool) {
	if kind < 0 || kind >= NumDirectories {
		return DataDirectory{}, false
	}
	d := h.Directories[kind]
	return d, d.Size != 0 && d.VirtualAddress != 0
}

// IgnoredDirectories lists directories the image carries that nothing here processes.
func (h *Header) IgnoredDirectories() []DirectoryKind {
	var out []DirectoryKind
	for kind := DirectoryKind(0); kind < NumDirectories; kind++ {
		if _, ok := h.Directory(kind); ok && !consumed[kind] {
			out = append(out, kind)
		}
	}
	return out
}

func (h *Header) SectionFor(rva uint32) *SectionHeader {
	for i := range h.Sections {
		s := &h.Sections[i]
		if rva >= s.VirtualAddress && rva-s.VirtualAddress < s.Size() {
			return s
		}
	}
	return nil
}

func unpackAt(r io.ReaderAt, i interface{}, at int64) error {
	size, err := struc.Sizeof(i)
	if err != nil {
		return err
	}
	if err := struc.UnpackWithOrder(io.NewSectionReader(r, at, int64(size)), i, binary.LittleEndian); err != nil {
		if errors.Cause(err) == io.EOF || errors.Cause(err) == io.ErrUnexpectedEOF {
			return errors.Wrapf(ErrTruncated, "%d bytes at %#x", size, at)
		}
		return err
	}
	return nil
}

// ReadHeader parses the DOS, NT, optional and section headers from the start of r.
func ReadHeader(r io.ReaderAt) (*Header, error) {
	var dos DosHeader
	if err := unpackAt(r, &dos, 0); err != nil {
		return nil, errors.Wrap(ErrBadSignature, err.Error())
	}
	if dos.Magic != dosMagic {
		return nil, errors.Wrapf(ErrBadSignature, "dos magic %#x", dos.Magic)
	}
	var nt struct {
		Signature uint32
		File      FileHeader
		Magic     uint16
	}
	off := int64(dos.Lfanew)
	if err := unpackAt(r, &nt, off); err != nil {
		return nil, errors.Wrap(ErrBadSignature, err.Error())
	}
	if nt.Signature != ntMagic {
		return nil, errors.Wrapf(ErrBadSignature, "nt signature %#x", nt.Signature)
	}
	h := &Header{File: nt.File, Magic: nt.Magic}
	opt := off + 24
	var ndirs uint32
	switch nt.Magic {
	case Magic32:
		var oh OptionalHeader32
		if err := unpackAt(r, &oh, opt); err != nil {
			return nil, err
		}
		h.ImageBase = uint64(oh.ImageBase)
		h.SizeOfImage, h.SizeOfHeaders = oh.SizeOfImage, oh.SizeOfHeaders
		h.EntryPoint, h.CheckSum = oh.AddressOfEntryPoint, oh.CheckSum
		h.Subsystem, h.DllCharacteristics = oh.Subsystem, oh.DllCharacteristics
		h.SectionAlignment, h.FileAlignment = oh.SectionAlignment, oh.FileAlignment
		ndirs = oh.NumberOfRvaAndSizes
		opt += OptionalHeader32Size
	case Magic64:
		var oh OptionalHeader64
		if err := unpackAt(r, &oh, opt); err != nil {
			return nil, err
		}
		h.Is64 = true
		h.ImageBase = oh.ImageBase
		h.SizeOfImage, h.SizeOfHeaders = oh.SizeOfImage, oh.SizeOfHeaders
		h.EntryPoint, h.CheckSum = oh.AddressOfEntryPoint, oh.CheckSum
		h.Subsystem, h.DllCharacteristics = oh.Subsystem, oh.DllCharacteristics
		h.SectionAlignment, h.FileAlignment = oh.SectionAlignment, oh.FileAlignment
		ndirs = oh.NumberOfRvaAndSizes
		opt += OptionalHeader64Size
	default:
		return nil, errors.Wrapf(ErrBadSignature, "optional header magic %#x", nt.Magic)
	}
	if ndirs > NumDirectories {
		ndirs = NumDirectories
	}
	for i := uint32(0); i < ndirs; i++ {
		if err := unpackAt(r, &h.Directories[i], opt+int64(i)*dataDirectorySize); err != nil {
			return nil, err
		}
	}
	if nt.File.NumberOfSections > 0 {
		sections := make([]SectionHeader, nt.File.NumberOfSections)
		// section table follows the optional header as declared, not as parsed
		scn := off + 24 + int64(nt.File.SizeOfOptionalHeader)
		for i := range sections {
			if err := unpackAt(r, &sections[i], scn+int64(i)*sectionHeaderSize); err != nil {
				return nil, err
			}
			sections[i].Name = strings.TrimRight(sections[i].Name, "\x00")
		}
		h.Sections = sections
	}
	return h, nil
}
