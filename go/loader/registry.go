// Package loader maps PE modules into a simulated address space, binds
// their imports against other modules' exports and sets up their TLS.
package loader

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/lunixbochs/pecorn/go/models"
	"github.com/lunixbochs/pecorn/go/models/mem"
	"github.com/lunixbochs/pecorn/go/pe"
	"github.com/lunixbochs/pecorn/go/relay"
)

// Poison is written to import slots that could not be resolved. Neither
// value can be a mapped address: the 32-bit one sits on a reserved page and
// the 64-bit one is non-canonical.
const (
	Poison32 = 0xdeadbeef
	Poison64 = 0xdeadbeefdeadbeef
)

func stringer(key string, v fmt.Stringer) zap.Field {
	return zap.Stringer(key, v)
}

// Registry owns every module loaded into one address space. All mutation
// happens under a single reentrant lock; see lockToken.
type Registry struct {
	lock   recursiveMutex
	tokens atomic.Uint64

	cfg    *models.Config
	space  *mem.Space
	mapper Mapper
	finder Finder
	relay  *relay.Registry
	slots  *Slots

	byBase map[uint64]*Module
	byName map[string]*Module

	log *zap.Logger
}

type Option func(*Registry)

func WithMapper(m Mapper) Option          { return func(r *Registry) { r.mapper = m } }
func WithRelay(rr *relay.Registry) Option { return func(r *Registry) { r.relay = rr } }
func WithSlots(s *Slots) Option           { return func(r *Registry) { r.slots = s } }

func NewRegistry(cfg *models.Config, space *mem.Space, finder Finder, opts ...Option) *Registry {
	if cfg == nil {
		cfg = &models.Config{}
	}
	cfg.Init()
	r := &Registry{
		cfg:    cfg,
		space:  space,
		finder: finder,
		byBase: make(map[uint64]*Module),
		byName: make(map[string]*Module),
		log:    models.Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.mapper == nil {
		r.mapper = &SpaceMapper{Space: space, LibBase: cfg.LibBase}
	}
	if r.slots == nil {
		r.slots = NewSlots(cfg.MaxTLSSlots)
	}
	if space.Bits() == 32 {
		// calls through a poisoned 32-bit slot must fault, not land in a module
		space.Map(mem.AlignDown(uint64(Poison32), mem.PageSize), mem.PageSize, mem.PROT_NONE, "poison")
	}
	return r
}

func (r *Registry) token() *lockToken {
	return &lockToken{id: r.tokens.Add(1)}
}

func (r *Registry) Space() *mem.Space     { return r.space }
func (r *Registry) Config() *models.Config { return r.cfg }
func (r *Registry) Relay() *relay.Registry { return r.relay }

// Acquire returns the module called name, loading it through the finder if
// it is not registered yet. A module still under construction is returned
// as is; this is what lets import cycles terminate. Each successful Acquire
// holds a reference dropped by Release.
func (r *Registry) Acquire(name string) (*Module, error) {
	return r.acquire(r.token(), name)
}

func (r *Registry) acquire(tok *lockToken, name string) (*Module, error) {
	m, _, err := r.findOrLoad(tok, name, true)
	return m, err
}

// findOrLoad reports whether it constructed the module. With ref unset an
// existing module is returned without taking a reference.
func (r *Registry) findOrLoad(tok *lockToken, name string, ref bool) (*Module, bool, error) {
	r.lock.Lock(tok)
	defer r.lock.Unlock(tok)
	key := models.ModuleName(name)
	if m, ok := r.byName[key]; ok {
		if ref {
			m.refs++
		}
		return m, false, nil
	}
	if r.finder == nil {
		return nil, false, errors.Wrap(ErrModuleNotFound, key)
	}
	src, path, err := r.finder.Open(key)
	if err != nil {
		return nil, false, err
	}
	if c, ok := src.(io.Closer); ok {
		defer c.Close()
	}
	m, err := r.create(tok, src, key, path, 0)
	return m, err == nil, err
}

// Create maps src and constructs it as a module called name. The result
// carries one reference.
func (r *Registry) Create(src io.ReaderAt, name, path string, flags Flags) (*Module, error) {
	tok := r.token()
	r.lock.Lock(tok)
	defer r.lock.Unlock(tok)
	key := models.ModuleName(name)
	if _, ok := r.byName[key]; ok {
		return nil, errors.Errorf("module %s already loaded", key)
	}
	return r.create(tok, src, key, path, flags)
}

// AddBuiltin registers an image supplied by the embedder. Builtins are
// pinned: Release never unloads them.
func (r *Registry) AddBuiltin(name string, image io.ReaderAt) (*Module, error) {
	return r.Create(image, name, "<builtin>", FlagBuiltin)
}

func (r *Registry) create(tok *lockToken, src io.ReaderAt, name, path string, flags Flags) (*Module, error) {
	log := r.log.Named("module")
	base, size, err := r.mapper.MapImage(src, name)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %s", name)
	}
	img, err := pe.NewImage(r.space.Reader(base), base, pe.LayoutMapped)
	if err != nil {
		r.mapper.UnmapImage(base, size)
		return nil, errors.Wrapf(err, "reading mapped %s", name)
	}
	m := &Module{
		Base:      base,
		Size:      size,
		Name:      name,
		Path:      path,
		Timestamp: img.File.TimeDateStamp,
		Checksum:  img.CheckSum,
		Flags:     flags,
		Image:     img,
		reg:       r,
		refs:      1,
	}
	m.state.Store(int32(StateMapped))
	// visible by name from here on, before imports are bound
	r.byBase[base] = m
	r.byName[name] = m
	log.Info("mapped", zap.String("module", name), zap.String("base", fmt.Sprintf("%#x", base)), zap.String("path", path))

	m.setState(StateHeaderParsed)
	for _, kind := range img.IgnoredDirectories() {
		log.Debug("ignoring directory", zap.String("module", name), stringer("directory", kind))
	}

	m.Exports = pe.ReadExports(img)
	m.setState(StateExportsIndexed)
	r.registerRelay(m)

	m.setState(StateImportsFixing)
	if flags&FlagSkipResolve == 0 {
		m.bound = true
		if err := r.fixupImports(tok, m); err != nil {
			m.importErr = err
			if r.cfg.StrictImports {
				r.fail(tok, m, err)
				return nil, err
			}
			log.Warn("imports incomplete", zap.String("module", name), zap.Error(err))
		}
	}
	if m.tls, err = r.readTLS(m); err != nil {
		log.Warn("unreadable TLS directory", zap.String("module", name), zap.Error(err))
	}
	m.setState(StateConstructed)
	return m, nil
}

func (r *Registry) registerRelay(m *Module) {
	if r.relay == nil || m.Exports == nil {
		return
	}
	if err := r.relay.Register(m.relayID(), m.Name, m.Exports.Base, m.Exports.Len()); err != nil {
		r.log.Named("relay").Warn("not relaying module", zap.String("module", m.Name), zap.Error(err))
		return
	}
	m.relayed = true
}

// fail unwinds a module whose construction cannot finish. Other modules
// that already recorded it as a dependency keep the stale pointer.
func (r *Registry) fail(tok *lockToken, m *Module, err error) {
	r.log.Named("module").Error("construction failed", zap.String("module", m.Name), zap.Error(err))
	m.setState(StateFailed)
	r.unload(tok, m)
}

func (r *Registry) unload(tok *lockToken, m *Module) {
	if r.byBase[m.Base] == m {
		delete(r.byBase, m.Base)
	}
	if r.byName[m.Name] == m {
		delete(r.byName, m.Name)
	}
	if m.relayed {
		r.relay.Unregister(m.relayID())
		m.relayed = false
	}
	if m.tls != nil {
		if slot := m.tls.Slot(); slot >= 0 {
			r.slots.Free(slot)
			m.tls.slot.Store(-1)
		}
	}
	deps := m.deps
	m.deps = nil
	m.refs = 0
	for _, dep := range deps {
		r.release(tok, dep)
	}
	if err := r.mapper.UnmapImage(m.Base, m.Size); err != nil {
		r.log.Named("module").Warn("unmap failed", zap.String("module", m.Name), zap.Error(err))
	}
}

// Release drops one reference; the last one unloads the module and
// releases its dependencies in turn.
func (r *Registry) Release(m *Module) error {
	return r.release(r.token(), m)
}

func (r *Registry) release(tok *lockToken, m *Module) error {
	r.lock.Lock(tok)
	defer r.lock.Unlock(tok)
	if m.Flags&FlagBuiltin != 0 {
		return nil
	}
	if m.refs <= 0 {
		// already unloaded, e.g. through a dependency cycle
		return nil
	}
	m.refs--
	if m.refs > 0 {
		return nil
	}
	r.log.Named("module").Info("unloading", zap.String("module", m.Name))
	r.unload(tok, m)
	return nil
}

func (r *Registry) Lookup(name string) *Module {
	tok := r.token()
	r.lock.Lock(tok)
	defer r.lock.Unlock(tok)
	return r.byName[models.ModuleName(name)]
}

// ByAddress finds the module whose image contains addr.
func (r *Registry) ByAddress(addr uint64) *Module {
	tok := r.token()
	r.lock.Lock(tok)
	defer r.lock.Unlock(tok)
	for _, m := range r.byBase {
		if addr >= m.Base && addr-m.Base < m.Size {
			return m
		}
	}
	return nil
}

// Modules lists registered modules by base address.
func (r *Registry) Modules() []*Module {
	tok := r.token()
	r.lock.Lock(tok)
	defer r.lock.Unlock(tok)
	return r.modules()
}

func (r *Registry) modules() []*Module {
	out := make([]*Module, 0, len(r.byBase))
	for _, m := range r.byBase {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *Module) int {
		switch {
		case a.Base < b.Base:
			return -1
		case a.Base > b.Base:
			return 1
		}
		return 0
	})
	return out
}

func (r *Registry) poison(m *Module) uint64 {
	if m.Image.Is64 {
		return Poison64
	}
	return Poison32
}
