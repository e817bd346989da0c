package pe

// On-disk structures, decoded with struc in little-endian order.

const (
	dosMagic = 0x5a4d
	ntMagic  = 0x00004550

	Magic32 = 0x10b
	Magic64 = 0x20b
)

type DosHeader struct {
	Magic  uint16
	Pad    [58]byte
	Lfanew uint32
}

type FileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

// optional headers stop before the data directory array, which is decoded
// separately since NumberOfRvaAndSizes may be less than 16
type OptionalHeader32 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	BaseOfData              uint32
	ImageBase               uint32
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint32
	SizeOfStackCommit       uint32
	SizeOfHeapReserve       uint32
	SizeOfHeapCommit        uint32
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
}

type OptionalHeader64 struct {
	Magic                   uint16
	MajorLinkerVersion      uint8
	MinorLinkerVersion      uint8
	SizeOfCode              uint32
	SizeOfInitializedData   uint32
	SizeOfUninitializedData uint32
	AddressOfEntryPoint     uint32
	BaseOfCode              uint32
	ImageBase               uint64
	SectionAlignment        uint32
	FileAlignment           uint32
	MajorOSVersion          uint16
	MinorOSVersion          uint16
	MajorImageVersion       uint16
	MinorImageVersion       uint16
	MajorSubsystemVersion   uint16
	MinorSubsystemVersion   uint16
	Win32VersionValue       uint32
	SizeOfImage             uint32
	SizeOfHeaders           uint32
	CheckSum                uint32
	Subsystem               uint16
	DllCharacteristics      uint16
	SizeOfStackReserve      uint64
	SizeOfStackCommit       uint64
	SizeOfHeapReserve       uint64
	SizeOfHeapCommit        uint64
	LoaderFlags             uint32
	NumberOfRvaAndSizes     uint32
}

const (
	OptionalHeader32Size = 96
	OptionalHeader64Size = 112

	dataDirectorySize = 8
	sectionHeaderSize = 40
)

type DataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

func (d DataDirectory) Contains(rva uint32) bool {
	return rva >= d.VirtualAddress && rva-d.VirtualAddress < d.Size
}

type SectionHeader struct {
	Name                 string `struc:"[8]byte"`
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// section characteristics
const (
	ScnCntCode              = 0x00000020
	ScnCntInitializedData   = 0x00000040
	ScnCntUninitializedData = 0x00000080
	ScnMemExecute           = 0x20000000
	ScnMemRead              = 0x40000000
	ScnMemWrite             = 0x80000000
)

func (s *SectionHeader) Executable() bool {
	return s.Characteristics&(ScnMemExecute|ScnCntCode) != 0
}

// Size is the larger of the virtual and raw sizes, which is what gets mapped.
func (s *SectionHeader) Size() uint32 {
	if s.VirtualSize > s.SizeOfRawData {
		return s.VirtualSize
	}
	return s.SizeOfRawData
}

type ExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

type ImportDescriptorRaw struct {
	// Characteristics in old headers, the unbound thunk table in new ones
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

// raw TLS directory layouts; TLSDirectory is the normalized form
type TLSDirectory32 struct {
	StartAddressOfRawData uint32
	EndAddressOfRawData   uint32
	AddressOfIndex        uint32
	AddressOfCallBacks    uint32
	SizeOfZeroFill        uint32
	Characteristics       uint32
}

type TLSDirectory64 struct {
	StartAddressOfRawData uint64
	EndAddressOfRawData   uint64
	AddressOfIndex        uint64
	AddressOfCallBacks    uint64
	SizeOfZeroFill        uint32
	Characteristics       uint32
}

type BaseRelocationBlock struct {
	VirtualAddress uint32
	SizeOfBlock    uint32
}
