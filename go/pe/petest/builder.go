// Package petest synthesizes small PE32 and PE32+ DLL images for tests and demos.
package petest

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/lunixbochs/pecorn/go/pe"
)

const (
	fileAlign  = 0x200
	sectAlign  = 0x1000
	headerSize = 0x400

	Base32 = 0x10000000
	Base64 = 0x180000000
)

type Export struct {
	// empty for an ordinal-only export
	Name string
	// 0 assigns OrdinalBase + position
	Ordinal uint32
	// "Module.Symbol" or "Module.#N" makes this a forwarder
	Forward string
	// function body in .text, a lone ret by default
	Code []byte
	// place the export in .data instead of .text
	Data bool
}

type Symbol struct {
	Name    string
	Ordinal uint32
	Hint    uint16
}

type Import struct {
	Module  string
	Symbols []Symbol
}

type TLS struct {
	Template  []byte
	ZeroFill  uint32
	Callbacks int
}

type Builder struct {
	Name        string
	Is64        bool
	ImageBase   uint64
	OrdinalBase uint32

	Exports []Export
	Imports []Import
	TLS     *TLS

	// emit base relocations for every absolute pointer the builder writes
	Relocs bool
	// write the export name table in reverse order
	UnsortedNames bool
	// export directory version, for corrupt directory fixtures
	ExportMajorVersion uint16
	// zero the characteristics field of every import descriptor, as Borland linkers do
	NoOriginalThunks bool
	// add an (unparsed) resource directory
	Resource bool
}

type section struct {
	name  string
	va    uint32
	raw   uint32
	chars uint32
	data  bytes.Buffer
}

func (s *section) rva() uint32 { return s.va + uint32(s.data.Len()) }

func (s *section) align(n int) {
	for s.data.Len()%n != 0 {
		s.data.WriteByte(0)
	}
}

func (s *section) put(p []byte) uint32 {
	rva := s.rva()
	s.data.Write(p)
	return rva
}

func (s *section) pack(v interface{}) uint32 {
	rva := s.rva()
	if err := struc.PackWithOrder(&s.data, v, binary.LittleEndian); err != nil {
		panic(err)
	}
	return rva
}

func (s *section) cstring(str string) uint32 {
	return s.put(append([]byte(str), 0))
}

func (s *section) patch(rva uint32, p []byte) {
	copy(s.data.Bytes()[rva-s.va:], p)
}

func (s *section) end() uint32 {
	size := uint32(s.data.Len())
	if size == 0 {
		size = 1
	}
	return (s.va + size + sectAlign - 1) &^ (sectAlign - 1)
}

type builder struct {
	*Builder
	base   uint64
	ptr    int
	relocs []uint32
}

func (b *builder) pointer(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf[:b.ptr]
}

// absolute writes base+rva into s and records a relocation for it
func (b *builder) absolute(s *section, rva uint32) uint32 {
	at := s.put(b.pointer(b.base + uint64(rva)))
	b.relocs = append(b.relocs, at)
	return at
}

func (b *Builder) MustBuild() []byte {
	img, err := b.Build()
	if err != nil {
		panic(err)
	}
	return img
}

// Build lays out .text, .data, .rdata and optionally .reloc, and returns the file bytes.
func (b *Builder) Build() ([]byte, error) {
	bb := &builder{Builder: b, base: b.ImageBase, ptr: 4}
	if b.Is64 {
		bb.ptr = 8
	}
	if bb.base == 0 {
		bb.base = Base32
		if b.Is64 {
			bb.base = Base64
		}
	}
	ordBase := b.OrdinalBase
	if ordBase == 0 {
		ordBase = 1
	}

	text := &section{name: ".text", va: sectAlign, chars: pe.ScnCntCode | pe.ScnMemExecute | pe.ScnMemRead}
	exportRVA := make([]uint32, len(b.Exports))
	for i, e := range b.Exports {
		if e.Forward != "" || e.Data {
			continue
		}
		text.align(16)
		code := e.Code
		if code == nil {
			code = []byte{0xc3}
		}
		exportRVA[i] = text.put(code)
	}
	if text.data.Len() == 0 {
		text.put([]byte{0xc3})
	}

	data := &section{name: ".data", va: text.end(), chars: pe.ScnCntInitializedData | pe.ScnMemRead | pe.ScnMemWrite}
	for i, e := range b.Exports {
		if e.Data && e.Forward == "" {
			data.align(8)
			body := e.Code
			if body == nil {
				body = make([]byte, 8)
			}
			exportRVA[i] = data.put(body)
		}
	}
	var tlsDir pe.DataDirectory
	if b.TLS != nil {
		data.align(16)
		start := data.put(b.TLS.Template)
		end := data.rva()
		data.align(8)
		index := data.put(make([]byte, 4))
		data.align(8)
		callbacks := data.rva()
		for i := 0; i < b.TLS.Callbacks; i++ {
			bb.absolute(data, text.va)
		}
		data.put(bb.pointer(0))
		data.align(16)
		tlsDir.VirtualAddress = data.rva()
		for _, rva := range []uint32{start, end, index, callbacks} {
			bb.absolute(data, rva)
		}
		data.put(binary.LittleEndian.AppendUint32(nil, b.TLS.ZeroFill))
		data.put(make([]byte, 4))
		tlsDir.Size = data.rva() - tlsDir.VirtualAddress
	}
	if data.data.Len() == 0 {
		data.put(make([]byte, 8))
	}

	rdata := &section{name: ".rdata", va: data.end(), chars: pe.ScnCntInitializedData | pe.ScnMemRead}
	var dirs [pe.NumDirectories]pe.DataDirectory
	dirs[pe.DirTLS] = tlsDir
	if len(b.Exports) > 0 {
		dirs[pe.DirExport] = bb.exports(rdata, exportRVA, ordBase)
	}
	if len(b.Imports) > 0 {
		var err error
		if dirs[pe.DirImport], dirs[pe.DirIAT], err = bb.imports(rdata); err != nil {
			return nil, err
		}
	}
	if b.Resource {
		rdata.align(4)
		dirs[pe.DirResource] = pe.DataDirectory{VirtualAddress: rdata.put(make([]byte, 16)), Size: 16}
	}
	sections := []*section{text, data, rdata}
	if b.Relocs && len(bb.relocs) > 0 {
		reloc := &section{name: ".reloc", va: rdata.end(), chars: pe.ScnCntInitializedData | pe.ScnMemRead}
		dirs[pe.DirBaseReloc] = bb.relocations(reloc)
		sections = append(sections, reloc)
	}
	return bb.assemble(sections, dirs)
}

// export directory, arrays and strings all sit inside the directory range,
// so forwarder strings are recognizable by containment
func (b *builder) exports(rdata *section, exportRVA []uint32, ordBase uint32) pe.DataDirectory {
	rdata.align(4)
	dirStart := rdata.rva()

	ordinals := make([]uint32, len(b.Exports))
	count := uint32(0)
	for i, e := range b.Exports {
		ordinals[i] = e.Ordinal
		if ordinals[i] == 0 {
			ordinals[i] = ordBase + uint32(i)
		}
		if n := ordinals[i] - ordBase + 1; n > count {
			count = n
		}
	}
	var named []int
	for i, e := range b.Exports {
		if e.Name != "" {
			named = append(named, i)
		}
	}
	sort.Slice(named, func(i, j int) bool {
		less := b.Exports[named[i]].Name < b.Exports[named[j]].Name
		if b.UnsortedNames {
			return !less
		}
		return less
	})

	funcs := dirStart + 40
	names := funcs + 4*count
	nameOrds := names + 4*uint32(len(named))
	strs := &section{va: nameOrds + 2*uint32(len(named))}
	nameRVA := strs.cstring(b.Name)
	funcTable := make([]uint32, count)
	for i, e := range b.Exports {
		rva := exportRVA[i]
		if e.Forward != "" {
			rva = strs.cstring(e.Forward)
		}
		funcTable[ordinals[i]-ordBase] = rva
	}
	nameTable := make([]uint32, len(named))
	ordTable := make([]uint16, len(named))
	for i, idx := range named {
		nameTable[i] = strs.cstring(b.Exports[idx].Name)
		ordTable[i] = uint16(ordinals[idx] - ordBase)
	}

	rdata.pack(&pe.ExportDirectory{
		MajorVersion:          b.ExportMajorVersion,
		Name:                  nameRVA,
		Base:                  ordBase,
		NumberOfFunctions:     count,
		NumberOfNames:         uint32(len(named)),
		AddressOfFunctions:    funcs,
		AddressOfNames:        names,
		AddressOfNameOrdinals: nameOrds,
	})
	for _, rva := range funcTable {
		rdata.put(binary.LittleEndian.AppendUint32(nil, rva))
	}
	for _, rva := range nameTable {
		rdata.put(binary.LittleEndian.AppendUint32(nil, rva))
	}
	for _, ord := range ordTable {
		rdata.put(binary.LittleEndian.AppendUint16(nil, ord))
	}
	// strs was laid out at the same rvas the padding below produces
	for rdata.rva() < strs.va {
		rdata.put([]byte{0})
	}
	rdata.put(strs.data.Bytes())
	return pe.DataDirectory{VirtualAddress: dirStart, Size: rdata.rva() - dirStart}
}

func (b *builder) imports(rdata *section) (dir, iat pe.DataDirectory, err error) {
	rdata.align(8)
	descStart := rdata.rva()
	rdata.put(make([]byte, (len(b.Imports)+1)*20))
	ilt := make([]uint32, len(b.Imports))
	for i, imp := range b.Imports {
		ilt[i] = rdata.put(make([]byte, (len(imp.Symbols)+1)*b.ptr))
	}
	iat.VirtualAddress = rdata.rva()
	iats := make([]uint32, len(b.Imports))
	for i, imp := range b.Imports {
		iats[i] = rdata.put(make([]byte, (len(imp.Symbols)+1)*b.ptr))
	}
	iat.Size = rdata.rva() - iat.VirtualAddress

	flag := uint64(1) << 31
	if b.Is64 {
		flag = 1 << 63
	}
	for i, imp := range b.Imports {
		if imp.Module == "" {
			return dir, iat, errors.Errorf("import %d has no module name", i)
		}
		name := rdata.cstring(imp.Module)
		for j, sym := range imp.Symbols {
			var v uint64
			if sym.Name == "" {
				v = flag | uint64(sym.Ordinal)
			} else {
				rdata.align(2)
				v = uint64(rdata.put(binary.LittleEndian.AppendUint16(nil, sym.Hint)))
				rdata.cstring(sym.Name)
			}
			off := uint32(j * b.ptr)
			rdata.patch(ilt[i]+off, b.pointer(v))
			rdata.patch(iats[i]+off, b.pointer(v))
		}
		desc := pe.ImportDescriptorRaw{OriginalFirstThunk: ilt[i], Name: name, FirstThunk: iats[i]}
		if b.NoOriginalThunks {
			desc.OriginalFirstThunk = 0
		}
		var buf bytes.Buffer
		if err := struc.PackWithOrder(&buf, &desc, binary.LittleEndian); err != nil {
			return dir, iat, err
		}
		rdata.patch(descStart+uint32(i*20), buf.Bytes())
	}
	dir = pe.DataDirectory{VirtualAddress: descStart, Size: uint32(len(b.Imports)+1) * 20}
	return dir, iat, nil
}

func (b *builder) relocations(s *section) pe.DataDirectory {
	typ := uint16(pe.RelHighLow)
	if b.Is64 {
		typ = pe.RelDir64
	}
	sort.Slice(b.relocs, func(i, j int) bool { return b.relocs[i] < b.relocs[j] })
	pages := make(map[uint32][]uint16)
	var order []uint32
	for _, rva := range b.relocs {
		page := rva &^ 0xfff
		if _, ok := pages[page]; !ok {
			order = append(order, page)
		}
		pages[page] = append(pages[page], typ<<12|uint16(rva&0xfff))
	}
	start := s.rva()
	for _, page := range order {
		entries := pages[page]
		if len(entries)%2 != 0 {
			entries = append(entries, 0)
		}
		s.pack(&pe.BaseRelocationBlock{VirtualAddress: page, SizeOfBlock: uint32(8 + 2*len(entries))})
		for _, e := range entries {
			s.put(binary.LittleEndian.AppendUint16(nil, e))
		}
	}
	return pe.DataDirectory{VirtualAddress: start, Size: s.rva() - start}
}

func (b *builder) assemble(sections []*section, dirs [pe.NumDirectories]pe.DataDirectory) ([]byte, error) {
	raw := uint32(headerSize)
	for _, s := range sections {
		s.raw = raw
		raw += (uint32(s.data.Len()) + fileAlign - 1) &^ (fileAlign - 1)
	}
	last := sections[len(sections)-1]
	sizeOfImage := last.end()

	var out bytes.Buffer
	pack := func(v interface{}) error {
		return struc.PackWithOrder(&out, v, binary.LittleEndian)
	}
	if err := pack(&pe.DosHeader{Magic: 0x5a4d, Lfanew: 0x40}); err != nil {
		return nil, err
	}
	out.Write([]byte("PE\x00\x00"))
	fh := pe.FileHeader{
		Machine:              0x14c,
		NumberOfSections:     uint16(len(sections)),
		SizeOfOptionalHeader: pe.OptionalHeader32Size + pe.NumDirectories*8,
		Characteristics:      0x2102,
	}
	if b.Is64 {
		fh.Machine = 0x8664
		fh.SizeOfOptionalHeader = pe.OptionalHeader64Size + pe.NumDirectories*8
		fh.Characteristics = 0x2022
	}
	if err := pack(&fh); err != nil {
		return nil, err
	}
	entry := sections[0].va
	var err error
	if b.Is64 {
		err = pack(&pe.OptionalHeader64{
			Magic: pe.Magic64, AddressOfEntryPoint: entry, BaseOfCode: entry,
			ImageBase: b.base, SectionAlignment: sectAlign, FileAlignment: fileAlign,
			MajorSubsystemVersion: 6, SizeOfImage: sizeOfImage, SizeOfHeaders: headerSize,
			Subsystem: 2, NumberOfRvaAndSizes: pe.NumDirectories,
		})
	} else {
		err = pack(&pe.OptionalHeader32{
			Magic: pe.Magic32, AddressOfEntryPoint: entry, BaseOfCode: entry,
			ImageBase: uint32(b.base), SectionAlignment: sectAlign, FileAlignment: fileAlign,
			MajorSubsystemVersion: 6, SizeOfImage: sizeOfImage, SizeOfHeaders: headerSize,
			Subsystem: 2, NumberOfRvaAndSizes: pe.NumDirectories,
		})
	}
	if err != nil {
		return nil, err
	}
	for i := range dirs {
		if err := pack(&dirs[i]); err != nil {
			return nil, err
		}
	}
	for _, s := range sections {
		sh := pe.SectionHeader{
			Name:             s.name,
			VirtualSize:      uint32(s.data.Len()),
			VirtualAddress:   s.va,
			SizeOfRawData:    (uint32(s.data.Len()) + fileAlign - 1) &^ (fileAlign - 1),
			PointerToRawData: s.raw,
			Characteristics:  s.chars,
		}
		if err := pack(&sh); err != nil {
			return nil, err
		}
	}
	if out.Len() > headerSize {
		return nil, errors.Errorf("headers overflow %#x bytes", headerSize)
	}
	out.Write(make([]byte, headerSize-out.Len()))
	for _, s := range sections {
		out.Write(s.data.Bytes())
		out.Write(make([]byte, int(s.raw)+int((uint32(s.data.Len())+fileAlign-1)&^(fileAlign-1))-out.Len()))
	}
	return out.Bytes(), nil
}
