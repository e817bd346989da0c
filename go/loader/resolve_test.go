package loader

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"

	"github.com/lunixbochs/pecorn/go/models"
	"github.com/lunixbochs/pecorn/go/pe/petest"
	"github.com/lunixbochs/pecorn/go/relay"
)

func TestParseForwarder(t *testing.T) {
	tests := []struct {
		in     string
		module string
		ref    SymbolRef
		bad    bool
	}{
		{"NTDLL.RtlAllocateHeap", "ntdll.dll", ByName("RtlAllocateHeap"), false},
		{"api-ms-win-core.v1.Sleep", "api-ms-win-core.v1", ByName("Sleep"), false},
		{"mod.#12", "mod.dll", ByOrdinal(12), false},
		{"mod.12", "mod.dll", ByOrdinal(12), false},
		{"mod.007", "mod.dll", ByOrdinal(7), false},
		{"mod.12a", "mod.dll", ByName("12a"), false},
		{"mod.#x", "", SymbolRef{}, true},
		{"mod.70000", "", SymbolRef{}, true},
		{"nodot", "", SymbolRef{}, true},
		{"trailing.", "", SymbolRef{}, true},
		{".leading", "", SymbolRef{}, true},
	}
	for _, test := range tests {
		mod, ref, err := ParseForwarder(test.in)
		if test.bad {
			if err == nil {
				t.Errorf("%q: expected error", test.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", test.in, err)
			continue
		}
		if mod != test.module || ref != test.ref {
			t.Errorf("%q: got %s %+v, want %s %+v", test.in, mod, ref, test.module, test.ref)
		}
	}
}

// chain builds hop0.dll -> hop1.dll -> ... -> hopN.dll, where the last
// module exports Target for real.
func chain(n int) []*petest.Builder {
	var out []*petest.Builder
	for i := 0; i < n; i++ {
		out = append(out, &petest.Builder{
			Name:    fmt.Sprintf("hop%d.dll", i),
			Exports: []petest.Export{{Name: "Target", Forward: fmt.Sprintf("hop%d.Target", i+1)}},
		})
	}
	return append(out, &petest.Builder{
		Name:    fmt.Sprintf("hop%d.dll", n),
		Exports: []petest.Export{{Name: "Other"}, {Name: "Target", Code: []byte{0x90, 0xc3}}},
	})
}

func TestForwarderChains(t *testing.T) {
	for _, bits := range []uint{32, 64} {
		for hops := 1; hops <= 3; hops++ {
			f := newFixture(t, bits, nil, chain(hops)...)
			head := f.acquire(t, "hop0")
			addr, err := f.reg.Resolve(head, ByName("Target"), false)
			if err != nil {
				t.Fatalf("bits=%d hops=%d: %v", bits, hops, err)
			}
			last := f.reg.Lookup(fmt.Sprintf("hop%d", hops))
			if last == nil {
				t.Fatalf("bits=%d hops=%d: chain end not loaded", bits, hops)
			}
			if want := exportAddr(t, last, "Target"); addr != want {
				t.Errorf("bits=%d hops=%d: got %#x, want %#x", bits, hops, addr, want)
			}
			// modules loaded to satisfy a forwarder hang off the forwarding module
			if deps := head.Deps(); len(deps) != 1 || deps[0].Name != "hop1.dll" {
				t.Errorf("bits=%d hops=%d: head deps %v", bits, hops, deps)
			}
			// a second resolve loads nothing new
			before := f.mapper.maps.Load()
			if again, err := f.reg.Resolve(head, ByName("Target"), false); err != nil || again != addr {
				t.Errorf("bits=%d hops=%d: second resolve %#x %v", bits, hops, again, err)
			}
			if f.mapper.maps.Load() != before {
				t.Errorf("bits=%d hops=%d: second resolve mapped a module", bits, hops)
			}
		}
	}
}

func TestForwardByOrdinal(t *testing.T) {
	tests := []struct {
		name string
		fwd  string
	}{
		{"hash", "back.#7"},
		{"decimal", "back.7"},
		// front -> mid ordinal 6 -> back ordinal 7
		{"decimal chain", "mid.6"},
	}
	for _, test := range tests {
		for _, bits := range []uint{32, 64} {
			f := newFixture(t, bits, nil,
				&petest.Builder{Name: "front.dll", Exports: []petest.Export{{Name: "Thing", Forward: test.fwd}}},
				&petest.Builder{Name: "mid.dll", OrdinalBase: 5, Exports: []petest.Export{{Name: "Own"}, {Name: "Relay", Forward: "back.7"}}},
				&petest.Builder{Name: "back.dll", OrdinalBase: 5, Exports: []petest.Export{{Name: "A"}, {Name: "B"}, {Name: "C"}}},
			)
			front := f.acquire(t, "front.dll")
			addr, err := front.Proc(ByName("Thing"))
			if err != nil {
				t.Fatalf("%s/%d: %v", test.name, bits, err)
			}
			if want := exportAddr(t, f.reg.Lookup("back"), "C"); addr != want {
				t.Errorf("%s/%d: got %#x, want %#x", test.name, bits, addr, want)
			}
		}
	}
}

func TestForwarderTargetMissing(t *testing.T) {
	f := newFixture(t, 64, nil,
		&petest.Builder{Name: "front.dll", Exports: []petest.Export{{Name: "Gone", Forward: "nowhere.Gone"}}},
	)
	front := f.acquire(t, "front")
	_, err := f.reg.Resolve(front, ByName("Gone"), false)
	if errors.Cause(err) != ErrForwarderTargetMissing {
		t.Fatalf("got %v", err)
	}
}

func TestForwarderCycleHitsDepthLimit(t *testing.T) {
	f := newFixture(t, 32, &models.Config{ForwardDepthLimit: 8},
		&petest.Builder{Name: "ping.dll", Exports: []petest.Export{{Name: "X", Forward: "pong.X"}}},
		&petest.Builder{Name: "pong.dll", Exports: []petest.Export{{Name: "X", Forward: "ping.X"}}},
	)
	ping := f.acquire(t, "ping")
	_, err := f.reg.Resolve(ping, ByName("X"), false)
	if errors.Cause(err) != ErrForwarderDepth {
		t.Fatalf("got %v", err)
	}
}

func TestResolveMisses(t *testing.T) {
	f := newFixture(t, 64, nil,
		&petest.Builder{Name: "bare.dll"},
		&petest.Builder{Name: "some.dll", Exports: []petest.Export{{Name: "Alpha"}, {Name: "Beta"}}},
	)
	bare := f.acquire(t, "bare")
	if bare.Exports != nil {
		t.Fatal("bare.dll has an export table")
	}
	if _, err := bare.Proc(ByName("Alpha")); errors.Cause(err) != ErrNoExports {
		t.Errorf("no exports: got %v", err)
	}
	some := f.acquire(t, "some")
	if _, err := some.Proc(ByName("Gamma")); errors.Cause(err) != ErrSymbolNotFound {
		t.Errorf("missing name: got %v", err)
	}
	if _, err := some.Proc(ByOrdinal(99)); errors.Cause(err) != ErrSymbolNotFound {
		t.Errorf("missing ordinal: got %v", err)
	}
}

func TestHintIsVerified(t *testing.T) {
	f := newFixture(t, 64, nil,
		&petest.Builder{Name: "some.dll", Exports: []petest.Export{{Name: "Alpha"}, {Name: "Beta"}, {Name: "Gamma"}}},
	)
	some := f.acquire(t, "some")
	want := exportAddr(t, some, "Gamma")
	for _, hint := range []uint16{2, 0, 1, 500} {
		addr, err := some.Proc(ByHint("Gamma", hint))
		if err != nil || addr != want {
			t.Errorf("hint %d: got %#x %v, want %#x", hint, addr, err, want)
		}
	}
}

func TestResolveThroughRelay(t *testing.T) {
	f := newFixture(t, 64, &models.Config{Relay: true},
		&petest.Builder{Name: "traced.dll", Exports: []petest.Export{{Name: "Code"}, {Name: "Value", Data: true}}},
	)
	rec := &recorder{}
	f.reg.relay = relay.NewRegistry(f.space, rec, relay.Options{})
	m := f.acquire(t, "traced")
	if !m.relayed {
		t.Fatal("module not registered with relay")
	}
	stub, err := m.Proc(ByName("Code"))
	if err != nil {
		t.Fatal(err)
	}
	real := exportAddr(t, m, "Code")
	if stub == real {
		t.Fatal("code export was not wrapped")
	}
	if again, _ := m.Proc(ByName("Code")); again != stub {
		t.Errorf("stub not cached: %#x vs %#x", again, stub)
	}
	target, err := f.reg.Relay().Dispatch(stub, 1, 2)
	if err != nil || target != real {
		t.Fatalf("dispatch: %#x %v", target, err)
	}
	if len(rec.calls) != 1 || rec.calls[0].Symbol != "Code" || rec.calls[0].Module != "traced.dll" {
		t.Errorf("trace: %+v", rec.calls)
	}
	// data exports are never wrapped
	if addr, err := m.Proc(ByName("Value")); err != nil || addr != exportAddr(t, m, "Value") {
		t.Errorf("data export: %#x %v", addr, err)
	}
	// untraced resolution sees the real address
	if addr, _ := f.reg.Resolve(m, ByName("Code"), false); addr != real {
		t.Errorf("untraced: %#x", addr)
	}
}

type recorder struct{ calls []*relay.Call }

func (r *recorder) Call(c *relay.Call) { r.calls = append(r.calls, c) }
