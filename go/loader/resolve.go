package loader

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/pecorn/go/models"
)

// SymbolRef names an export by name or by ordinal. Hint is the importer's
// guess at the position in the exporter's name table.
type SymbolRef struct {
	Name      string
	Ordinal   uint32
	ByOrdinal bool
	Hint      uint16
	HasHint   bool
}

func ByName(name string) SymbolRef      { return SymbolRef{Name: name} }
func ByOrdinal(ord uint32) SymbolRef    { return SymbolRef{Ordinal: ord, ByOrdinal: true} }
func ByHint(name string, hint uint16) SymbolRef {
	return SymbolRef{Name: name, Hint: hint, HasHint: true}
}

func (s SymbolRef) String() string {
	if s.ByOrdinal {
		return "#" + strconv.FormatUint(uint64(s.Ordinal), 10)
	}
	return s.Name
}

// ParseForwarder splits a forwarder string such as "NTDLL.RtlAllocateHeap",
// "mod.12" or "mod.#12" into the target module name and symbol. A decimal
// symbol, with or without the '#', is an ordinal. The module name is
// normalized the way the registry keys modules.
func ParseForwarder(fwd string) (string, SymbolRef, error) {
	dot := strings.LastIndexByte(fwd, '.')
	if dot <= 0 || dot == len(fwd)-1 {
		return "", SymbolRef{}, errors.Errorf("malformed forwarder %q", fwd)
	}
	mod, sym := models.ModuleName(fwd[:dot]), fwd[dot+1:]
	hash := strings.HasPrefix(sym, "#")
	ord, err := strconv.ParseUint(strings.TrimPrefix(sym, "#"), 10, 16)
	if err == nil {
		return mod, ByOrdinal(uint32(ord)), nil
	}
	if hash || errors.Is(err, strconv.ErrRange) {
		return "", SymbolRef{}, errors.Errorf("malformed forwarder ordinal %q", fwd)
	}
	return mod, ByName(sym), nil
}

// Resolve finds the absolute address m exports for ref, following
// forwarders into other modules, loading them if needed. With trace set and
// the module registered with the relay, code exports resolve to a relay
// stub in front of the real address.
func (r *Registry) Resolve(m *Module, ref SymbolRef, trace bool) (uint64, error) {
	return r.resolve(r.token(), m, ref, trace, 0)
}

func (r *Registry) resolve(tok *lockToken, m *Module, ref SymbolRef, trace bool, depth int) (uint64, error) {
	r.lock.Lock(tok)
	defer r.lock.Unlock(tok)

	if m.Exports == nil {
		return 0, errors.Wrapf(ErrNoExports, "%s!%s", m.Name, ref)
	}
	ord := ref.Ordinal
	if !ref.ByOrdinal {
		var ok bool
		if ref.HasHint {
			ord, ok = m.Exports.ByHint(ref.Hint, ref.Name)
		}
		if !ok {
			var err error
			if ord, err = m.Exports.ByName(ref.Name); err != nil {
				return 0, errors.Wrap(ErrSymbolNotFound, err.Error())
			}
		}
	}
	rva, err := m.Exports.ByOrdinal(ord)
	if err != nil {
		return 0, errors.Wrapf(ErrSymbolNotFound, "%s!%s: %v", m.Name, ref, err)
	}

	if m.Exports.IsForwarder(rva) {
		if limit := r.cfg.ForwardDepthLimit; limit > 0 && depth >= limit {
			return 0, errors.Wrapf(ErrForwarderDepth, "%s!%s after %d hops", m.Name, ref, depth)
		}
		fwd, err := m.Image.CString(rva)
		if err != nil {
			return 0, errors.Wrapf(err, "%s!%s forwarder string", m.Name, ref)
		}
		modName, sym, err := ParseForwarder(fwd)
		if err != nil {
			return 0, errors.Wrapf(err, "%s!%s", m.Name, ref)
		}
		r.log.Named("export").Debug("forwarded",
			zap.String("module", m.Name), stringer("symbol", ref), zap.String("to", fwd))
		target, created, err := r.findOrLoad(tok, modName, false)
		if err != nil {
			return 0, errors.Wrapf(ErrForwarderTargetMissing, "%s!%s -> %s: %v", m.Name, ref, fwd, err)
		}
		if created && target != m {
			// a module loaded to satisfy a forwarder lives as long as the forwarder's owner
			m.deps = append(m.deps, target)
		}
		return r.resolve(tok, target, sym, trace, depth+1)
	}

	addr := m.Base + uint64(rva)
	if trace && m.relayed && m.executable(rva) {
		name := ref.Name
		if ref.ByOrdinal {
			name = ""
		}
		stub, err := r.relay.Thunk(m.relayID(), ord, name, addr)
		if err != nil {
			r.log.Named("relay").Warn("no relay stub", zap.String("module", m.Name), stringer("symbol", ref), zap.Error(err))
			return addr, nil
		}
		return stub, nil
	}
	return addr, nil
}
