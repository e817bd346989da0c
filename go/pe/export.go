package pe

import (
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/pecorn/go/models"
)

// limits past which an export directory is considered corrupt
const (
	maxExportVersion = 0xff
	maxExportCount   = 0x10000
)

// ExportTable is built once per module and never modified afterwards,
// so lookups need no locking.
type ExportTable struct {
	Name string
	Base uint32
	// function rvas, indexed by ordinal - Base
	Functions []uint32
	// Names[i] exports Functions[NameOrdinals[i]]
	Names        []string
	NameOrdinals []uint16

	// the directory's own range; function rvas inside it are forwarder strings
	Dir DataDirectory

	fallbacks atomic.Uint64
}

type Export struct {
	Ordinal   uint32
	Name      string
	RVA       uint32
	Forwarder bool
}

// ReadExports indexes the image's export directory. An absent or
// implausible directory yields nil: corrupt metadata means no exports.
func ReadExports(img *Image) *ExportTable {
	log := models.Logger().Named("export")
	dir, ok := img.Directory(DirExport)
	if !ok {
		return nil
	}
	var ed ExportDirectory
	if err := img.unpack(dir.VirtualAddress, &ed); err != nil {
		log.Warn("unreadable export directory", zap.Error(err))
		return nil
	}
	if ed.MajorVersion > maxExportVersion || ed.MinorVersion > maxExportVersion ||
		ed.NumberOfFunctions > maxExportCount || ed.NumberOfNames > maxExportCount {
		log.Warn("corrupt export directory, ignoring exports",
			zap.Uint16("major", ed.MajorVersion), zap.Uint16("minor", ed.MinorVersion),
			zap.Uint32("functions", ed.NumberOfFunctions), zap.Uint32("names", ed.NumberOfNames))
		return nil
	}
	t := &ExportTable{Base: ed.Base, Dir: dir}
	if ed.Name != 0 {
		if name, err := img.CString(ed.Name); err == nil {
			t.Name = name
		}
	}
	if ed.NumberOfFunctions > 0 {
		var err error
		if t.Functions, err = img.uint32s(ed.AddressOfFunctions, int(ed.NumberOfFunctions)); err != nil {
			log.Warn("unreadable export function table", zap.String("module", t.Name), zap.Error(err))
			return nil
		}
	}
	if ed.NumberOfNames > 0 {
		nameRVAs, err := img.uint32s(ed.AddressOfNames, int(ed.NumberOfNames))
		if err != nil {
			log.Warn("unreadable export name table", zap.String("module", t.Name), zap.Error(err))
			return nil
		}
		if t.NameOrdinals, err = img.uint16s(ed.AddressOfNameOrdinals, int(ed.NumberOfNames)); err != nil {
			log.Warn("unreadable export ordinal table", zap.String("module", t.Name), zap.Error(err))
			return nil
		}
		t.Names = make([]string, ed.NumberOfNames)
		for i, rva := range nameRVAs {
			name, err := img.CString(rva)
			if err != nil {
				log.Warn("unreadable export name", zap.String("module", t.Name), zap.Int("index", i), zap.Error(err))
				return nil
			}
			if int(t.NameOrdinals[i]) >= len(t.Functions) {
				log.Warn("export name points past function table",
					zap.String("module", t.Name), zap.String("name", name), zap.Uint16("index", t.NameOrdinals[i]))
				return nil
			}
			t.Names[i] = name
		}
	}
	return t
}

func (t *ExportTable) Len() int { return len(t.Functions) }

// ByOrdinal returns the rva exported at ord.
func (t *ExportTable) ByOrdinal(ord uint32) (uint32, error) {
	if ord < t.Base || ord-t.Base >= uint32(len(t.Functions)) {
		return 0, errors.Wrapf(ErrOrdinalOutOfRange, "%d not in [%d, %d)", ord, t.Base, t.Base+uint32(len(t.Functions)))
	}
	rva := t.Functions[ord-t.Base]
	if rva == 0 {
		return 0, errors.Wrapf(ErrOrdinalOutOfRange, "ordinal %d is unused", ord)
	}
	return rva, nil
}

// ByName finds the ordinal exported under name. The name table is meant to
// be sorted; when binary search misses, a linear scan runs and a hit there
// is counted and logged, since it means the table was not sorted.
func (t *ExportTable) ByName(name string) (uint32, error) {
	i := sort.SearchStrings(t.Names, name)
	if i < len(t.Names) && t.Names[i] == name {
		return t.Base + uint32(t.NameOrdinals[i]), nil
	}
	for i, n := range t.Names {
		if n == name {
			t.fallbacks.Add(1)
			models.Logger().Named("export").Warn("export name table is not sorted",
				zap.String("module", t.Name), zap.String("symbol", name))
			return t.Base + uint32(t.NameOrdinals[i]), nil
		}
	}
	return 0, errors.Wrapf(ErrNameNotFound, "%s!%s", t.Name, name)
}

// ByHint checks the importer's guess at the name table position.
func (t *ExportTable) ByHint(hint uint16, name string) (uint32, bool) {
	if int(hint) < len(t.Names) && t.Names[hint] == name {
		return t.Base + uint32(t.NameOrdinals[hint]), true
	}
	return 0, false
}

func (t *ExportTable) IsForwarder(rva uint32) bool {
	return t.Dir.Contains(rva)
}

// LinearFallbacks counts ByName lookups that binary search missed but a scan found.
func (t *ExportTable) LinearFallbacks() uint64 {
	return t.fallbacks.Load()
}

// Exports lists every used ordinal with the names that point at it.
func (t *ExportTable) Exports() []Export {
	names := make(map[uint16][]string)
	for i, idx := range t.NameOrdinals {
		names[idx] = append(names[idx], t.Names[i])
	}
	var out []Export
	for i, rva := range t.Functions {
		if rva == 0 {
			continue
		}
		e := Export{Ordinal: t.Base + uint32(i), RVA: rva, Forwarder: t.IsForwarder(rva)}
		aliases := names[uint16(i)]
		if len(aliases) == 0 {
			out = append(out, e)
		}
		for _, name := range aliases {
			e.Name = name
			out = append(out, e)
		}
	}
	return out
}
