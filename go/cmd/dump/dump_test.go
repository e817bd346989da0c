package dump

import (
	"bytes"
	"strings"
	"testing"

	"github.com/lunixbochs/pecorn/go/pe/petest"
)

func TestDump(t *testing.T) {
	img := (&petest.Builder{
		Name: "demo.dll",
		Exports: []petest.Export{
			{Name: "Func10"}, {Name: "Func9"}, {Name: "Fwd", Forward: "other.Target"},
		},
		Imports:  []petest.Import{{Module: "dep.dll", Symbols: []petest.Symbol{{Name: "Thing", Hint: 4}, {Ordinal: 7}}}},
		TLS:      &petest.TLS{Template: []byte{1, 2}},
		Relocs:   true,
		Resource: true,
	}).MustBuild()
	var out bytes.Buffer
	if err := Dump(&out, bytes.NewReader(img), false); err != nil {
		t.Fatal(err)
	}
	s := out.String()
	for _, want := range []string{
		"PE32 ", ".text", "r-x", ".data", "rw-",
		"[exports demo.dll base=1]", "-> other.Target",
		"[import dep.dll]", "Thing (hint 4)", "#7",
		"[tls]", "[relocations]", "ignored: resource",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q in:\n%s", want, s)
		}
	}
	// natural order puts Func9 before Func10
	if strings.Index(s, "Func9") > strings.Index(s, "Func10") {
		t.Errorf("exports not in natural order:\n%s", s)
	}
	if strings.Contains(s, "\x1b[") {
		t.Error("colors with colors disabled")
	}
}

func TestDumpRejectsGarbage(t *testing.T) {
	if err := Dump(&bytes.Buffer{}, strings.NewReader("garbage"), false); err == nil {
		t.Fatal("expected error")
	}
}
