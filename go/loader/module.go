package loader

import (
	"fmt"
	"sync/atomic"

	"github.com/lunixbochs/pecorn/go/pe"
	"github.com/lunixbochs/pecorn/go/relay"
)

// Module is one mapped image. Fields set at creation are read-only
// afterwards; everything else is guarded by the registry lock.
type Module struct {
	Base      uint64
	Size      uint64
	Name      string
	Path      string
	Timestamp uint32
	Checksum  uint32
	Flags     Flags

	Image   *pe.Image
	Exports *pe.ExportTable

	reg       *Registry
	state     atomic.Int32
	refs      int
	deps      []*Module
	tls       *TLSRecord
	importErr error
	poisoned  int
	relayed   bool
	bound     bool
}

func (m *Module) String() string {
	return fmt.Sprintf("%s@%#x", m.Name, m.Base)
}

// State can be read without the registry lock. A module is visible to
// Acquire before it is Constructed, so callers that need a usable module
// check this.
func (m *Module) State() State {
	return State(m.state.Load())
}

func (m *Module) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	m.reg.log.Named("module").Debug("state",
		stringer("module", m), stringer("from", old), stringer("to", s))
}

func (m *Module) relayID() relay.ModuleID {
	return relay.ModuleID(m.Base)
}

// Delta is how far the module was moved from its preferred base.
func (m *Module) Delta() uint64 {
	return m.Base - m.Image.ImageBase
}

// EntryPoint returns the absolute entry address, or 0 if the image has none.
func (m *Module) EntryPoint() uint64 {
	if m.Image.EntryPoint == 0 {
		return 0
	}
	return m.Base + uint64(m.Image.EntryPoint)
}

// Proc resolves an export of this module, with call tracing if the registry has it enabled.
func (m *Module) Proc(ref SymbolRef) (uint64, error) {
	return m.reg.Resolve(m, ref, m.reg.cfg.Relay)
}

func (m *Module) Deps() []*Module {
	tok := m.reg.token()
	m.reg.lock.Lock(tok)
	defer m.reg.lock.Unlock(tok)
	return append([]*Module(nil), m.deps...)
}

// ImportErr is the non-fatal import failure recorded during construction, if any.
func (m *Module) ImportErr() error {
	tok := m.reg.token()
	m.reg.lock.Lock(tok)
	defer m.reg.lock.Unlock(tok)
	return m.importErr
}

// Poisoned counts import slots that were filled with the poison value.
func (m *Module) Poisoned() int {
	tok := m.reg.token()
	m.reg.lock.Lock(tok)
	defer m.reg.lock.Unlock(tok)
	return m.poisoned
}

func (m *Module) Refs() int {
	tok := m.reg.token()
	m.reg.lock.Lock(tok)
	defer m.reg.lock.Unlock(tok)
	return m.refs
}

func (m *Module) TLS() *TLSRecord {
	tok := m.reg.token()
	m.reg.lock.Lock(tok)
	defer m.reg.lock.Unlock(tok)
	return m.tls
}

// executable reports whether rva lies in a section that holds code.
func (m *Module) executable(rva uint32) bool {
	s := m.Image.SectionFor(rva)
	return s != nil && s.Executable()
}

// Symbolicate names the export at or nearest below addr, and how far past it addr is.
func (m *Module) Symbolicate(addr uint64) (name string, distance uint64, ok bool) {
	if m.Exports == nil || addr < m.Base || addr-m.Base >= m.Size {
		return "", 0, false
	}
	off := uint32(addr - m.Base)
	var best pe.Export
	for _, e := range m.Exports.Exports() {
		if e.Forwarder || e.RVA > off {
			continue
		}
		if !ok || e.RVA > best.RVA || (e.RVA == best.RVA && best.Name == "" && e.Name != "") {
			best, ok = e, true
		}
	}
	if !ok {
		return "", 0, false
	}
	name = best.Name
	if name == "" {
		name = fmt.Sprintf("#%d", best.Ordinal)
	}
	return name, uint64(off - best.RVA), true
}
