package loader

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"

	"github.com/lunixbochs/pecorn/go/models"
	"github.com/lunixbochs/pecorn/go/models/mem"
	"github.com/lunixbochs/pecorn/go/pe"
	"github.com/lunixbochs/pecorn/go/pe/petest"
)

func threeDescriptors() []*petest.Builder {
	return []*petest.Builder{
		{
			Name: "app.dll",
			Imports: []petest.Import{
				{Module: "one.dll", Symbols: []petest.Symbol{{Name: "OneA"}, {Name: "OneB", Hint: 1}}},
				{Module: "missing.dll", Symbols: []petest.Symbol{{Name: "X"}, {Ordinal: 3}}},
				{Module: "three.dll", Symbols: []petest.Symbol{{Name: "Three"}, {Ordinal: 2}}},
			},
		},
		{Name: "one.dll", Exports: []petest.Export{{Name: "OneA"}, {Name: "OneB"}}},
		{Name: "three.dll", Exports: []petest.Export{{Name: "Three"}, {Name: "ByOrd"}}},
	}
}

func TestFixupPartialFailure(t *testing.T) {
	for _, bits := range []uint{32, 64} {
		f := newFixture(t, bits, nil, threeDescriptors()...)
		app := f.acquire(t, "app")
		if app.State() != StateConstructed {
			t.Fatalf("bits=%d: state %s", bits, app.State())
		}
		err := app.ImportErr()
		if errors.Cause(err) != ErrPartialFailure {
			t.Fatalf("bits=%d: import error %v", bits, err)
		}
		var ierr *ImportError
		if !errors.As(err, &ierr) || len(ierr.DepErrors) != 1 || ierr.Malformed != nil {
			t.Fatalf("bits=%d: %#v", bits, err)
		}

		one, three := f.reg.Lookup("one"), f.reg.Lookup("three")
		got := slots(t, app)
		want := map[string][]uint64{
			"one.dll":     {exportAddr(t, one, "OneA"), exportAddr(t, one, "OneB")},
			"missing.dll": {app.reg.poison(app), app.reg.poison(app)},
			"three.dll":   {exportAddr(t, three, "Three"), exportAddr(t, three, "ByOrd")},
		}
		for mod, vals := range want {
			if len(got[mod]) != len(vals) {
				t.Errorf("bits=%d %s: got %d slots", bits, mod, len(got[mod]))
				continue
			}
			for i := range vals {
				if got[mod][i] != vals[i] {
					t.Errorf("bits=%d %s[%d]: got %#x, want %#x", bits, mod, i, got[mod][i], vals[i])
				}
			}
		}
		if app.Poisoned() != 2 {
			t.Errorf("bits=%d: %d poisoned slots", bits, app.Poisoned())
		}
		if deps := app.Deps(); len(deps) != 2 {
			t.Errorf("bits=%d: deps %v", bits, deps)
		}
	}
}

func TestImportSlotsStayReadOnly(t *testing.T) {
	f := newFixture(t, 64, nil, threeDescriptors()...)
	app := f.acquire(t, "app")
	dir, ok := app.Image.Directory(pe.DirIAT)
	if !ok {
		t.Fatal("no IAT directory")
	}
	err := f.space.WriteProt(app.Base+uint64(dir.VirtualAddress), make([]byte, 8), mem.PROT_WRITE)
	var merr *mem.MemError
	if !errors.As(err, &merr) || merr.Enum != mem.MEM_WRITE_PROT {
		t.Fatalf("IAT left writable: %v", err)
	}
}

func TestPoisonFaults(t *testing.T) {
	tests := []struct {
		bits   uint
		poison uint64
		enum   int
	}{
		{32, Poison32, mem.MEM_FETCH_PROT},
		{64, Poison64, mem.MEM_FETCH_UNMAPPED},
	}
	for _, test := range tests {
		f := newFixture(t, test.bits, nil)
		_, err := f.space.ReadUint(test.poison, 1, mem.PROT_EXEC)
		var merr *mem.MemError
		if !errors.As(err, &merr) || merr.Enum != test.enum {
			t.Errorf("bits=%d: fetch at poison: %v", test.bits, err)
		}
	}
}

func TestUnresolvedSymbolIsNotFatal(t *testing.T) {
	f := newFixture(t, 32, nil,
		&petest.Builder{Name: "app.dll", Imports: []petest.Import{
			{Module: "lib.dll", Symbols: []petest.Symbol{{Name: "Here"}, {Name: "NotHere"}, {Ordinal: 40}}},
		}},
		&petest.Builder{Name: "lib.dll", Exports: []petest.Export{{Name: "Here"}}},
	)
	app := f.acquire(t, "app")
	if err := app.ImportErr(); err != nil {
		t.Fatalf("import error %v", err)
	}
	got := slots(t, app)["lib.dll"]
	want := []uint64{exportAddr(t, f.reg.Lookup("lib"), "Here"), Poison32, Poison32}
	if len(got) != len(want) {
		t.Fatalf("got %d slots", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("slot %d: got %#x, want %#x", i, got[i], want[i])
		}
	}
	if app.Poisoned() != 2 {
		t.Errorf("%d poisoned", app.Poisoned())
	}
	if f.logs.FilterMessage("unresolved import").Len() != 2 {
		t.Errorf("expected two unresolved import warnings")
	}
}

func TestStrictImportsFailsModule(t *testing.T) {
	f := newFixture(t, 64, &models.Config{StrictImports: true}, threeDescriptors()...)
	_, err := f.reg.Acquire("app")
	if errors.Cause(err) != ErrPartialFailure {
		t.Fatalf("got %v", err)
	}
	if f.reg.Lookup("app") != nil {
		t.Error("failed module still registered")
	}
	// its dependencies were released with it
	if f.reg.Lookup("one") != nil || f.reg.Lookup("three") != nil {
		t.Errorf("dependencies still loaded: %v", f.reg.Modules())
	}
	if n := len(f.reg.Modules()); n != 0 {
		t.Errorf("%d modules left", n)
	}
	if f.mapper.maps.Load() != f.mapper.unmaps.Load() {
		t.Errorf("%d maps, %d unmaps", f.mapper.maps.Load(), f.mapper.unmaps.Load())
	}
}

func TestBorlandImportTable(t *testing.T) {
	f := newFixture(t, 32, nil,
		&petest.Builder{Name: "app.dll", NoOriginalThunks: true, Imports: []petest.Import{
			{Module: "a.dll", Symbols: []petest.Symbol{{Name: "A1"}}},
			{Module: "b.dll", Symbols: []petest.Symbol{{Name: "B1"}}},
		}},
		&petest.Builder{Name: "a.dll", Exports: []petest.Export{{Name: "A1"}}},
		&petest.Builder{Name: "b.dll", Exports: []petest.Export{{Name: "B1"}}},
	)
	app := f.acquire(t, "app")
	if err := app.ImportErr(); err != nil {
		t.Fatal(err)
	}
	// both descriptors were walked even though neither has an original thunk table
	if deps := app.Deps(); len(deps) != 2 {
		t.Fatalf("deps %v", deps)
	}
	dir, _ := app.Image.Directory(pe.DirIAT)
	for i, name := range []string{"A1", "B1"} {
		// each IAT holds one slot and a terminator
		v, err := f.space.ReadUint(app.Base+uint64(dir.VirtualAddress)+uint64(i*8), 4, 0)
		if err != nil {
			t.Fatal(err)
		}
		if want := exportAddr(t, app.Deps()[i], name); v != want {
			t.Errorf("%s: got %#x, want %#x", name, v, want)
		}
	}
}

func TestSelfImport(t *testing.T) {
	f := newFixture(t, 64, nil,
		&petest.Builder{
			Name:    "loopy.dll",
			Exports: []petest.Export{{Name: "Me"}},
			Imports: []petest.Import{{Module: "LOOPY", Symbols: []petest.Symbol{{Name: "Me"}}}},
		},
	)
	m := f.acquire(t, "loopy")
	if m.Refs() != 1 || len(m.Deps()) != 0 {
		t.Fatalf("refs %d deps %v", m.Refs(), m.Deps())
	}
	if got := slots(t, m)["LOOPY"]; len(got) != 1 || got[0] != exportAddr(t, m, "Me") {
		t.Errorf("slot %#x", got)
	}
}

func TestDeferredFixup(t *testing.T) {
	f := newFixture(t, 64, nil, &petest.Builder{Name: "lib.dll", Exports: []petest.Export{{Name: "F"}}})
	img := (&petest.Builder{Name: "late.dll", Is64: true, Imports: []petest.Import{
		{Module: "lib.dll", Symbols: []petest.Symbol{{Name: "F"}}},
	}}).MustBuild()
	m, err := f.reg.Create(bytes.NewReader(img), "late", "", FlagSkipResolve)
	if err != nil {
		t.Fatal(err)
	}
	if f.reg.Lookup("lib") != nil || len(m.Deps()) != 0 {
		t.Fatal("imports bound during construction")
	}
	if err := f.reg.FixupImports(m); err != nil {
		t.Fatal(err)
	}
	lib := f.reg.Lookup("lib")
	if lib == nil || len(m.Deps()) != 1 || m.Deps()[0] != lib {
		t.Fatalf("deps %v", m.Deps())
	}
	if got := slots(t, m)["lib.dll"]; len(got) != 1 || got[0] != exportAddr(t, lib, "F") {
		t.Errorf("slot %#x", got)
	}
	// a second call does not bind again
	if err := f.reg.FixupImports(m); err != nil || lib.Refs() != 1 {
		t.Errorf("refs %d err %v", lib.Refs(), err)
	}
}
