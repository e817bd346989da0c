package loader

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/pecorn/go/models/mem"
	"github.com/lunixbochs/pecorn/go/pe"
)

// FixupImports binds the imports of a module created with FlagSkipResolve.
// Modules whose imports were already bound are left alone. The error is
// also kept on the module, as for imports bound during construction.
func (r *Registry) FixupImports(m *Module) error {
	tok := r.token()
	r.lock.Lock(tok)
	defer r.lock.Unlock(tok)
	if m.State() != StateConstructed {
		return errors.Wrap(ErrNotConstructed, m.Name)
	}
	if m.bound {
		return nil
	}
	m.bound = true
	err := r.fixupImports(tok, m)
	m.importErr = err
	return err
}

// fixupImports binds every import slot of m. A dependency that cannot be
// loaded or a symbol that cannot be resolved poisons its slots and the walk
// goes on; only an unreadable import table stops it early.
func (r *Registry) fixupImports(tok *lockToken, m *Module) error {
	log := r.log.Named("import")
	descs, err := m.Image.Imports()
	ierr := &ImportError{Module: m.Name}
	if err != nil {
		log.Error("import table", zap.String("module", m.Name), zap.Error(err))
		ierr.Malformed = err
	}
	for i := range descs {
		d := &descs[i]
		entries, err := m.Image.Thunks(d)
		if err != nil {
			log.Error("thunk table", zap.String("module", m.Name), zap.String("import", d.Module), zap.Error(err))
			ierr.Malformed = err
		}
		dep, err := r.acquire(tok, d.Module)
		if err != nil {
			log.Error("dependency failed to load",
				zap.String("module", m.Name), zap.String("import", d.Module), zap.Error(err))
			ierr.DepErrors = append(ierr.DepErrors, errors.Wrap(ErrDependencyLoadFailed, err.Error()))
			if err := r.poisonSlots(m, entries); err != nil {
				return err
			}
		} else {
			if dep == m {
				// a self-import holds no reference and records no edge
				dep.refs--
			} else {
				m.deps = append(m.deps, dep)
			}
			n, err := r.bind(tok, m, dep, entries)
			if err != nil {
				return err
			}
			ierr.Unresolved += n
		}
		if ierr.Malformed != nil {
			break
		}
	}
	if len(ierr.DepErrors) > 0 || ierr.Malformed != nil {
		return ierr
	}
	return nil
}

// bind resolves entries against dep and writes the results. Symbols that do
// not resolve are poisoned and counted; they do not fail the module.
func (r *Registry) bind(tok *lockToken, m, dep *Module, entries []pe.ImportEntry) (int, error) {
	vals := make([]uint64, len(entries))
	missing := 0
	for i, e := range entries {
		ref := SymbolRef{Name: e.Name, Hint: e.Hint, HasHint: !e.ByOrdinal, Ordinal: e.Ordinal, ByOrdinal: e.ByOrdinal}
		addr, err := r.resolve(tok, dep, ref, r.cfg.Relay, 0)
		if err != nil {
			r.log.Named("import").Warn("unresolved import",
				zap.String("module", m.Name), zap.String("import", dep.Name), stringer("symbol", ref), zap.Error(err))
			addr = r.poison(m)
			missing++
		}
		vals[i] = addr
	}
	m.poisoned += missing
	if err := r.writeSlots(m, entries, vals); err != nil {
		return missing, err
	}
	return missing, nil
}

func (r *Registry) poisonSlots(m *Module, entries []pe.ImportEntry) error {
	vals := make([]uint64, len(entries))
	for i := range vals {
		vals[i] = r.poison(m)
	}
	m.poisoned += len(entries)
	return r.writeSlots(m, entries, vals)
}

// writeSlots lifts write protection over the slots for as long as it takes
// to fill them.
func (r *Registry) writeSlots(m *Module, entries []pe.ImportEntry, vals []uint64) error {
	if len(entries) == 0 {
		return nil
	}
	ptr := m.Image.PointerSize()
	lo, hi := entries[0].Slot, entries[0].Slot
	for _, e := range entries[1:] {
		lo, hi = min(lo, e.Slot), max(hi, e.Slot)
	}
	start := m.Base + uint64(lo)
	guard, err := r.space.MakeWritable(start, uint64(hi-lo)+uint64(ptr))
	if err != nil {
		return errors.Wrapf(err, "%s: import slots", m.Name)
	}
	defer guard.Restore()
	for i, e := range entries {
		if err := r.space.WriteUint(m.Base+uint64(e.Slot), ptr, mem.PROT_WRITE, vals[i]); err != nil {
			return errors.Wrapf(err, "%s: writing slot %#x", m.Name, e.Slot)
		}
	}
	return guard.Restore()
}
