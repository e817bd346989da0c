package loader

import (
	"io"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lunixbochs/pecorn/go/models"
	"github.com/lunixbochs/pecorn/go/models/mem"
	"github.com/lunixbochs/pecorn/go/pe/petest"
)

type countingMapper struct {
	Mapper
	maps, unmaps atomic.Int32
}

func (c *countingMapper) MapImage(src io.ReaderAt, name string) (uint64, uint64, error) {
	c.maps.Add(1)
	return c.Mapper.MapImage(src, name)
}

func (c *countingMapper) UnmapImage(base, size uint64) error {
	c.unmaps.Add(1)
	return c.Mapper.UnmapImage(base, size)
}

// hookFinder runs hook before every open, under the registry lock.
type hookFinder struct {
	Finder
	hook func(name string)
}

func (h *hookFinder) Open(name string) (io.ReaderAt, string, error) {
	if h.hook != nil {
		h.hook(name)
	}
	return h.Finder.Open(name)
}

type fixture struct {
	reg    *Registry
	space  *mem.Space
	fs     *MemFS
	mapper *countingMapper
	logs   *observer.ObservedLogs
}

// observe swaps the process logger for an in-memory one for the test's duration.
func observe(t *testing.T) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.DebugLevel)
	old := models.Logger()
	models.SetLogger(zap.New(core))
	t.Cleanup(func() { models.SetLogger(old) })
	return logs
}

func newFixture(t *testing.T, bits uint, cfg *models.Config, dlls ...*petest.Builder) *fixture {
	logs := observe(t)
	if cfg == nil {
		cfg = &models.Config{}
	}
	cfg.Bits = bits
	space := mem.NewSpace(bits)
	fs := NewMemFS()
	for _, b := range dlls {
		b.Is64 = bits == 64
		fs.Add(b.Name, b.MustBuild())
	}
	cm := &countingMapper{Mapper: &SpaceMapper{Space: space, LibBase: models.DefaultLibBase}}
	return &fixture{
		reg:    NewRegistry(cfg, space, fs, WithMapper(cm)),
		space:  space,
		fs:     fs,
		mapper: cm,
		logs:   logs,
	}
}

func (f *fixture) acquire(t *testing.T, name string) *Module {
	t.Helper()
	m, err := f.reg.Acquire(name)
	if err != nil {
		t.Fatalf("Acquire(%s): %v", name, err)
	}
	return m
}

// exportAddr looks an export up directly in the table, without forwarding.
func exportAddr(t *testing.T, m *Module, name string) uint64 {
	t.Helper()
	ord, err := m.Exports.ByName(name)
	if err != nil {
		t.Fatal(err)
	}
	rva, err := m.Exports.ByOrdinal(ord)
	if err != nil {
		t.Fatal(err)
	}
	return m.Base + uint64(rva)
}

// slots reads back every import slot of m, grouped per descriptor.
func slots(t *testing.T, m *Module) map[string][]uint64 {
	t.Helper()
	descs, err := m.Image.Imports()
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string][]uint64)
	ptr := m.Image.PointerSize()
	for i := range descs {
		entries, err := m.Image.Thunks(&descs[i])
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			v, err := m.reg.space.ReadUint(m.Base+uint64(e.Slot), ptr, 0)
			if err != nil {
				t.Fatal(err)
			}
			out[descs[i].Module] = append(out[descs[i].Module], v)
		}
	}
	return out
}
