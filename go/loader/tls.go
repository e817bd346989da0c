package loader

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/pecorn/go/models/mem"
)

type PointerKind int

const (
	// already points into the module as mapped
	PointerRaw PointerKind = iota
	// still computed against the preferred base; needs the load delta
	PointerPreferredBaseRelative
)

// TLSPointer is an address read from the TLS directory, tagged with whether
// it still needs the relocation delta applied.
type TLSPointer struct {
	Kind PointerKind
	Addr uint64
}

func (p TLSPointer) Resolve(delta uint64) uint64 {
	if p.Kind == PointerPreferredBaseRelative {
		return p.Addr + delta
	}
	return p.Addr
}

func (p TLSPointer) String() string {
	if p.Kind == PointerPreferredBaseRelative {
		return fmt.Sprintf("pref(%#x)", p.Addr)
	}
	return fmt.Sprintf("%#x", p.Addr)
}

// classify tags addr as preferred-base relative when it lies in the window
// the image would occupy at its preferred base. A module loaded at its
// preferred base has a zero delta, so either tag resolves the same.
func (m *Module) classify(addr uint64) TLSPointer {
	lo := m.Image.ImageBase
	if addr >= lo && addr-lo < uint64(m.Image.SizeOfImage) {
		return TLSPointer{Kind: PointerPreferredBaseRelative, Addr: addr}
	}
	return TLSPointer{Kind: PointerRaw, Addr: addr}
}

// TLSRecord is a module's thread-local storage description. The slot is
// allocated on first initialization and kept for the module's lifetime.
type TLSRecord struct {
	slot         atomic.Int32
	Template     TLSPointer
	TemplateSize uint64
	ZeroFill     uint32
	Index        TLSPointer
	Callbacks    TLSPointer
}

// Slot is -1 until the record has been initialized once.
func (t *TLSRecord) Slot() int { return int(t.slot.Load()) }

// inside reports whether [addr, addr+size) lies within the mapped module.
func (m *Module) inside(addr, size uint64) bool {
	return addr >= m.Base && addr-m.Base <= m.Size && size <= m.Size-(addr-m.Base)
}

// readTLS reads m's TLS directory. A directory whose template or index cell
// falls outside the module, or whose zero fill is larger than the image,
// is ignored with a warning: the module loads as if it had no TLS.
func (r *Registry) readTLS(m *Module) (*TLSRecord, error) {
	dir, err := m.Image.TLS()
	if err != nil || dir == nil {
		return nil, err
	}
	rec := &TLSRecord{
		Template:     m.classify(dir.StartAddressOfRawData),
		TemplateSize: dir.TemplateSize(),
		ZeroFill:     dir.SizeOfZeroFill,
		Index:        m.classify(dir.AddressOfIndex),
	}
	rec.slot.Store(-1)
	if dir.AddressOfCallBacks != 0 {
		rec.Callbacks = m.classify(dir.AddressOfCallBacks)
	}
	delta := m.Delta()
	var bad string
	switch {
	case rec.TemplateSize > 0 && !m.inside(rec.Template.Resolve(delta), rec.TemplateSize):
		bad = "template outside image"
	case uint64(rec.ZeroFill) > m.Size:
		bad = "zero fill larger than image"
	case rec.Index.Addr != 0 && !m.inside(rec.Index.Resolve(delta), 4):
		bad = "index outside image"
	}
	if bad != "" {
		r.log.Named("tls").Warn("corrupt TLS directory, ignoring TLS",
			zap.String("module", m.Name), zap.String("reason", bad), stringer("template", rec.Template),
			zap.Uint64("size", rec.TemplateSize), zap.Uint32("zerofill", rec.ZeroFill), stringer("index", rec.Index))
		return nil, nil
	}
	r.log.Named("tls").Debug("directory",
		zap.String("module", m.Name), stringer("template", rec.Template),
		zap.Uint64("size", rec.TemplateSize), zap.Uint32("zerofill", rec.ZeroFill), stringer("index", rec.Index))
	return rec, nil
}

const maxTLSCallbacks = 64

// TLSCallbacks lists the callback addresses m registers. They are reported
// only; nothing here calls them.
func (r *Registry) TLSCallbacks(m *Module) ([]uint64, error) {
	if m.tls == nil || m.tls.Callbacks.Addr == 0 {
		return nil, nil
	}
	delta := m.Delta()
	at := m.tls.Callbacks.Resolve(delta)
	ptr := m.Image.PointerSize()
	var out []uint64
	for i := 0; i < maxTLSCallbacks; i++ {
		v, err := r.space.ReadUint(at+uint64(i*ptr), ptr, 0)
		if err != nil {
			return out, errors.Wrapf(err, "%s: TLS callback %d", m.Name, i)
		}
		if v == 0 {
			break
		}
		out = append(out, m.classify(v).Resolve(delta))
	}
	return out, nil
}

// Slots hands out process-wide TLS slot indices.
type Slots struct {
	mu   sync.Mutex
	used []bool
}

func NewSlots(n int) *Slots {
	return &Slots{used: make([]bool, n)}
}

func (s *Slots) Alloc() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.used {
		if !u {
			s.used[i] = true
			return i, nil
		}
	}
	return -1, errors.Wrapf(ErrNoTLSSlots, "%d in use", len(s.used))
}

func (s *Slots) Free(slot int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slot >= 0 && slot < len(s.used) {
		s.used[slot] = false
	}
}

// ExecContext stands for one thread: it owns a TLS buffer per slot.
type ExecContext struct {
	ID uint64

	mu      sync.Mutex
	buffers map[int]uint64
}

func NewExecContext(id uint64) *ExecContext {
	return &ExecContext{ID: id, buffers: make(map[int]uint64)}
}

// Buffer returns the context's TLS buffer for slot.
func (c *ExecContext) Buffer(slot int) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr, ok := c.buffers[slot]
	return addr, ok
}

// InitTLS gives ctx its copy of m's TLS template and returns the buffer
// address. The module's slot is allocated on the first call from any
// context; a context that already has a buffer gets the same one back.
// A module without a TLS directory returns 0.
func (r *Registry) InitTLS(ctx *ExecContext, m *Module) (uint64, error) {
	return r.initTLS(r.token(), ctx, m)
}

func (r *Registry) initTLS(tok *lockToken, ctx *ExecContext, m *Module) (uint64, error) {
	r.lock.Lock(tok)
	defer r.lock.Unlock(tok)
	log := r.log.Named("tls")
	if m.State() != StateConstructed {
		return 0, errors.Wrapf(ErrNotConstructed, "%s is %s", m.Name, m.State())
	}
	rec := m.tls
	if rec == nil {
		return 0, nil
	}
	delta := m.Delta()
	if rec.Slot() < 0 {
		slot, err := r.slots.Alloc()
		if err != nil {
			return 0, errors.Wrap(err, m.Name)
		}
		if idx := rec.Index.Resolve(delta); idx != 0 {
			if err := r.space.WriteUint(idx, 4, 0, uint64(slot)); err != nil {
				r.slots.Free(slot)
				return 0, errors.Wrapf(err, "%s: TLS index", m.Name)
			}
		}
		rec.slot.Store(int32(slot))
		log.Debug("slot allocated", zap.String("module", m.Name), zap.Int("slot", slot))
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if addr, ok := ctx.buffers[rec.Slot()]; ok {
		return addr, nil
	}
	size := rec.TemplateSize + uint64(rec.ZeroFill)
	if size == 0 {
		ctx.buffers[rec.Slot()] = 0
		return 0, nil
	}
	addr, err := r.space.MapFree(r.cfg.LibBase, size, mem.PROT_READ|mem.PROT_WRITE, fmt.Sprintf("tls %s ctx %d", m.Name, ctx.ID))
	if err != nil {
		return 0, errors.Wrapf(ErrOutOfMemory, "%s: TLS buffer: %v", m.Name, err)
	}
	if rec.TemplateSize > 0 {
		tmpl, err := r.space.ReadBytes(rec.Template.Resolve(delta), rec.TemplateSize)
		if err != nil {
			r.space.Unmap(addr, mem.Align(size, mem.PageSize))
			return 0, errors.Wrapf(err, "%s: TLS template", m.Name)
		}
		if err := r.space.Write(addr, tmpl); err != nil {
			r.space.Unmap(addr, mem.Align(size, mem.PageSize))
			return 0, err
		}
	}
	// the rest of a fresh mapping is already zero
	ctx.buffers[rec.Slot()] = addr
	log.Debug("buffer", zap.String("module", m.Name), zap.Uint64("ctx", ctx.ID), zap.String("addr", hex(addr)))
	return addr, nil
}

// AttachThread initializes TLS for every constructed module in ctx.
func (r *Registry) AttachThread(ctx *ExecContext) error {
	tok := r.token()
	r.lock.Lock(tok)
	defer r.lock.Unlock(tok)
	for _, m := range r.modules() {
		if m.State() != StateConstructed || m.tls == nil {
			continue
		}
		if _, err := r.initTLS(tok, ctx, m); err != nil {
			return err
		}
	}
	return nil
}
