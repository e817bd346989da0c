// Package relay intercepts calls into loaded modules. A module registers its
// ordinal range once; resolving a traced export then hands out a small stub
// that records the call before continuing to the real target.
package relay

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/lunixbochs/pecorn/go/models"
	"github.com/lunixbochs/pecorn/go/models/mem"
)

var (
	ErrExcluded      = errors.New("module excluded from relay")
	ErrRegistryFull  = errors.New("relay registry full")
	ErrUnknownModule = errors.New("module not registered for relay")
	ErrUnknownThunk  = errors.New("address is not a relay thunk")
)

// ModuleID identifies a module to the relay; the loader uses the base address.
type ModuleID uint64

type Options struct {
	// when set, only these modules are relayed
	Include []string
	Exclude []string
	// 0 means no limit
	MaxModules int
	// lowest address stub pages are placed at, DefaultStubBase if 0
	StubBase uint64
}

type module struct {
	id     ModuleID
	name   string
	base   uint32
	count  int
	thunks map[uint32]uint64
}

type stub struct {
	mod     *module
	ordinal uint32
	symbol  string
	target  uint64
}

type Registry struct {
	mu      sync.Mutex
	space   *mem.Space
	opts    Options
	tracer  Tracer
	include map[string]bool
	exclude map[string]bool

	modules map[ModuleID]*module
	stubs   map[uint64]*stub

	// the current stub page, and the dispatcher address at its start
	page, used, dispatcher uint64
	next                   uint32
	log                    *zap.Logger
}

const (
	stubSize        = 32
	DefaultStubBase = 0x70000000
)

func NewRegistry(space *mem.Space, tracer Tracer, opts Options) *Registry {
	if opts.StubBase == 0 {
		opts.StubBase = DefaultStubBase
	}
	r := &Registry{
		space:   space,
		opts:    opts,
		tracer:  tracer,
		include: make(map[string]bool),
		exclude: make(map[string]bool),
		modules: make(map[ModuleID]*module),
		stubs:   make(map[uint64]*stub),
		log:     models.Logger().Named("relay"),
	}
	for _, name := range opts.Include {
		r.include[models.ModuleName(name)] = true
	}
	for _, name := range opts.Exclude {
		r.exclude[models.ModuleName(name)] = true
	}
	if r.tracer == nil {
		r.tracer = NewLogTracer(r.log)
	}
	return r
}

// Register makes the ordinals [base, base+count) of id eligible for stubs.
func (r *Registry) Register(id ModuleID, name string, base uint32, count int) error {
	key := models.ModuleName(name)
	if r.exclude[key] || (len(r.include) > 0 && !r.include[key]) {
		return errors.Wrap(ErrExcluded, key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[id]; !ok && r.opts.MaxModules > 0 && len(r.modules) >= r.opts.MaxModules {
		return errors.Wrapf(ErrRegistryFull, "%d modules", len(r.modules))
	}
	r.modules[id] = &module{id: id, name: key, base: base, count: count, thunks: make(map[uint32]uint64)}
	r.log.Debug("registered", zap.String("module", key), zap.Uint32("base", base), zap.Int("count", count))
	return nil
}

func (r *Registry) Unregister(id ModuleID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mod, ok := r.modules[id]
	if !ok {
		return
	}
	for _, addr := range mod.thunks {
		delete(r.stubs, addr)
	}
	delete(r.modules, id)
}

func (r *Registry) Registered(id ModuleID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.modules[id]
	return ok
}

// Thunk returns the stub for (id, ordinal), writing it on first use.
// Later calls return the same address whatever target they pass.
func (r *Registry) Thunk(id ModuleID, ordinal uint32, symbol string, target uint64) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mod, ok := r.modules[id]
	if !ok {
		return 0, errors.Wrapf(ErrUnknownModule, "%#x", uint64(id))
	}
	if ordinal < mod.base || int(ordinal-mod.base) >= mod.count {
		return 0, errors.Errorf("%s: ordinal %d outside registered range", mod.name, ordinal)
	}
	if addr, ok := mod.thunks[ordinal]; ok {
		return addr, nil
	}
	addr, err := r.writeStub(r.next, target)
	if err != nil {
		return 0, err
	}
	r.next++
	mod.thunks[ordinal] = addr
	r.stubs[addr] = &stub{mod: mod, ordinal: ordinal, symbol: symbol, target: target}
	return addr, nil
}

func (r *Registry) writeStub(index uint32, target uint64) (uint64, error) {
	if r.page == 0 || r.used+stubSize > mem.PageSize {
		page, err := r.space.MapFree(r.opts.StubBase, mem.PageSize, mem.PROT_READ|mem.PROT_EXEC, "relay")
		if err != nil {
			return 0, errors.Wrap(err, "allocating relay page")
		}
		// each page starts with a trap the stubs jump to
		if err := r.space.Write(page, []byte{0xcc}); err != nil {
			return 0, err
		}
		r.page, r.used, r.dispatcher = page, stubSize, page
	}
	addr := r.page + r.used
	code := make([]byte, 0, stubSize)
	// push index
	code = append(code, 0x68)
	code = binary.LittleEndian.AppendUint32(code, index)
	if r.space.Bits() == 64 {
		// jmp [rip+0]; .quad dispatcher
		code = append(code, 0xff, 0x25, 0, 0, 0, 0)
		code = binary.LittleEndian.AppendUint64(code, r.dispatcher)
	} else {
		// mov eax, dispatcher; jmp eax
		code = append(code, 0xb8)
		code = binary.LittleEndian.AppendUint32(code, uint32(r.dispatcher))
		code = append(code, 0xff, 0xe0)
	}
	if err := r.space.Write(addr, code); err != nil {
		return 0, err
	}
	r.used += stubSize
	return addr, nil
}

// Dispatch is what entering a stub does: the call is reported to the tracer
// and the real target is returned for the caller to continue at.
func (r *Registry) Dispatch(addr uint64, args ...uint64) (uint64, error) {
	r.mu.Lock()
	s, ok := r.stubs[addr]
	r.mu.Unlock()
	if !ok {
		return 0, errors.Wrapf(ErrUnknownThunk, "%#x", addr)
	}
	r.tracer.Call(&Call{
		Stub:    addr,
		Target:  s.target,
		Module:  s.mod.name,
		Ordinal: s.ordinal,
		Symbol:  s.symbol,
		Args:    args,
	})
	return s.target, nil
}

type StubInfo struct {
	Addr    uint64
	Module  string
	Ordinal uint32
	Symbol  string
	Target  uint64
}

// Stubs lists live stubs by address.
func (r *Registry) Stubs() []StubInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	addrs := make([]uint64, 0, len(r.stubs))
	for addr := range r.stubs {
		addrs = append(addrs, addr)
	}
	slices.Sort(addrs)
	out := make([]StubInfo, len(addrs))
	for i, addr := range addrs {
		s := r.stubs[addr]
		out[i] = StubInfo{Addr: addr, Module: s.mod.name, Ordinal: s.ordinal, Symbol: s.symbol, Target: s.target}
	}
	return out
}
