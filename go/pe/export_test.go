package pe_test

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lunixbochs/pecorn/go/models"
	"github.com/lunixbochs/pecorn/go/pe"
	"github.com/lunixbochs/pecorn/go/pe/petest"
)

func exportFixture(t *testing.T, b *petest.Builder) *pe.ExportTable {
	img, err := pe.NewImage(bytes.NewReader(b.MustBuild()), 0, pe.LayoutFile)
	if err != nil {
		t.Fatal(err)
	}
	return pe.ReadExports(img)
}

func manyExports(n int) []petest.Export {
	var out []petest.Export
	for i := 0; i < n; i++ {
		e := petest.Export{Name: fmt.Sprintf("Func%03d", (i*7)%n)}
		if i%5 == 0 {
			e.Name = ""
		}
		out = append(out, e)
	}
	return out
}

// reference lookup that trusts nothing about ordering
func bruteForce(t *pe.ExportTable, name string) (uint32, bool) {
	for i, n := range t.Names {
		if n == name {
			return t.Functions[t.NameOrdinals[i]], true
		}
	}
	return 0, false
}

func TestExportByNameMatchesLinearScan(t *testing.T) {
	table := exportFixture(t, &petest.Builder{Name: "many.dll", OrdinalBase: 10, Exports: manyExports(50)})
	if table == nil {
		t.Fatal("no export table")
	}
	if len(table.Names) != 40 || table.Len() != 50 {
		t.Fatalf("got %d names, %d functions", len(table.Names), table.Len())
	}
	for _, name := range table.Names {
		ord, err := table.ByName(name)
		if err != nil {
			t.Fatalf("ByName(%s): %v", name, err)
		}
		rva, err := table.ByOrdinal(ord)
		if err != nil {
			t.Fatalf("ByOrdinal(%d): %v", ord, err)
		}
		if want, _ := bruteForce(table, name); rva != want {
			t.Errorf("%s: byOrdinal(byName) = %#x, linear scan = %#x", name, rva, want)
		}
	}
	if table.LinearFallbacks() != 0 {
		t.Errorf("sorted table used the linear fallback %d times", table.LinearFallbacks())
	}
	if _, err := table.ByName("Missing"); errors.Cause(err) != pe.ErrNameNotFound {
		t.Errorf("expected ErrNameNotFound, got %v", err)
	}
	if _, err := table.ByOrdinal(9); errors.Cause(err) != pe.ErrOrdinalOutOfRange {
		t.Errorf("expected ErrOrdinalOutOfRange below base, got %v", err)
	}
	if _, err := table.ByOrdinal(60); errors.Cause(err) != pe.ErrOrdinalOutOfRange {
		t.Errorf("expected ErrOrdinalOutOfRange past end, got %v", err)
	}
}

func TestExportUnsortedFallback(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	models.SetLogger(zap.New(core))
	defer models.SetLogger(zap.NewNop())

	table := exportFixture(t, &petest.Builder{Name: "unsorted.dll", UnsortedNames: true, Exports: manyExports(20)})
	if table == nil {
		t.Fatal("no export table")
	}
	fallbacks := uint64(0)
	for _, name := range table.Names {
		before := table.LinearFallbacks()
		ord, err := table.ByName(name)
		if err != nil {
			t.Fatalf("ByName(%s): %v", name, err)
		}
		rva, _ := table.ByOrdinal(ord)
		if want, _ := bruteForce(table, name); rva != want {
			t.Errorf("%s: got %#x, linear scan %#x", name, rva, want)
		}
		fallbacks += table.LinearFallbacks() - before
	}
	if fallbacks == 0 || table.LinearFallbacks() != fallbacks {
		t.Fatalf("reversed name table never hit the fallback (%d)", table.LinearFallbacks())
	}
	if logs.FilterMessage("export name table is not sorted").Len() != int(fallbacks) {
		t.Errorf("expected one warning per fallback, got %d", logs.Len())
	}
}

func TestExportHint(t *testing.T) {
	table := exportFixture(t, &petest.Builder{Name: "hint.dll", Exports: []petest.Export{{Name: "A"}, {Name: "B"}, {Name: "C"}}})
	if ord, ok := table.ByHint(1, "B"); !ok || ord != 2 {
		t.Errorf("ByHint(1, B) = %d, %v", ord, ok)
	}
	if _, ok := table.ByHint(0, "B"); ok {
		t.Error("a wrong hint must not be trusted")
	}
	if _, ok := table.ByHint(99, "B"); ok {
		t.Error("hint out of range must not be trusted")
	}
}

func TestExportCorruptVersion(t *testing.T) {
	table := exportFixture(t, &petest.Builder{Name: "corrupt.dll", ExportMajorVersion: 0x100, Exports: manyExports(4)})
	if table != nil {
		t.Fatalf("corrupt directory indexed as %+v", table)
	}
}

func TestExportForwarderRange(t *testing.T) {
	table := exportFixture(t, &petest.Builder{Name: "fwd.dll", Exports: []petest.Export{
		{Name: "Real"},
		{Name: "Fwd", Forward: "other.Target"},
	}})
	for _, e := range table.Exports() {
		if e.Forwarder != (e.Name == "Fwd") {
			t.Errorf("%s: forwarder=%v", e.Name, e.Forwarder)
		}
	}
}
