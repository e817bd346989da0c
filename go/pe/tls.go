package pe

// TLSDirectory holds the TLS directory with PE32 fields widened. Every
// address in it is a virtual address computed against the preferred base.
type TLSDirectory struct {
	StartAddressOfRawData uint64
	EndAddressOfRawData   uint64
	AddressOfIndex        uint64
	AddressOfCallBacks    uint64
	SizeOfZeroFill        uint32
	Characteristics       uint32
}

func (d *TLSDirectory) TemplateSize() uint64 {
	if d.EndAddressOfRawData < d.StartAddressOfRawData {
		return 0
	}
	return d.EndAddressOfRawData - d.StartAddressOfRawData
}

// TLS returns the image's TLS directory, or nil if it has none.
func (img *Image) TLS() (*TLSDirectory, error) {
	dir, ok := img.Directory(DirTLS)
	if !ok {
		return nil, nil
	}
	if img.Is64 {
		var raw TLSDirectory64
		if err := img.unpack(dir.VirtualAddress, &raw); err != nil {
			return nil, err
		}
		return &TLSDirectory{
			StartAddressOfRawData: raw.StartAddressOfRawData,
			EndAddressOfRawData:   raw.EndAddressOfRawData,
			AddressOfIndex:        raw.AddressOfIndex,
			AddressOfCallBacks:    raw.AddressOfCallBacks,
			SizeOfZeroFill:        raw.SizeOfZeroFill,
			Characteristics:       raw.Characteristics,
		}, nil
	}
	var raw TLSDirectory32
	if err := img.unpack(dir.VirtualAddress, &raw); err != nil {
		return nil, err
	}
	return &TLSDirectory{
		StartAddressOfRawData: uint64(raw.StartAddressOfRawData),
		EndAddressOfRawData:   uint64(raw.EndAddressOfRawData),
		AddressOfIndex:        uint64(raw.AddressOfIndex),
		AddressOfCallBacks:    uint64(raw.AddressOfCallBacks),
		SizeOfZeroFill:        raw.SizeOfZeroFill,
		Characteristics:       raw.Characteristics,
	}, nil
}
