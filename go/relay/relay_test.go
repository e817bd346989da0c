package relay

import (
	"bytes"
	"io"
	"testing"

	"github.com/pkg/errors"

	"github.com/lunixbochs/pecorn/go/models/mem"
)

type recorder struct{ calls []*Call }

func (r *recorder) Call(c *Call) { r.calls = append(r.calls, c) }

func TestThunkCachedPerOrdinal(t *testing.T) {
	for _, bits := range []uint{32, 64} {
		space := mem.NewSpace(bits)
		rec := &recorder{}
		r := NewRegistry(space, rec, Options{StubBase: 0x70000000})
		if err := r.Register(0x10000000, "Kernel32", 1, 10); err != nil {
			t.Fatal(err)
		}
		a, err := r.Thunk(0x10000000, 3, "Sleep", 0x10001000)
		if err != nil {
			t.Fatal(err)
		}
		b, _ := r.Thunk(0x10000000, 3, "Sleep", 0x10001000)
		c, _ := r.Thunk(0x10000000, 4, "Beep", 0x10001010)
		if a != b || a == c {
			t.Fatalf("bits=%d: stubs %#x %#x %#x", bits, a, b, c)
		}
		if code, err := space.ReadBytes(a, 1); err != nil || code[0] != 0x68 {
			t.Errorf("bits=%d: stub not written: %x %v", bits, code, err)
		}
		if _, err := space.ReadUint(a, 1, mem.PROT_EXEC); err != nil {
			t.Errorf("bits=%d: stub page not executable: %v", bits, err)
		}
		target, err := r.Dispatch(a, 100)
		if err != nil || target != 0x10001000 {
			t.Fatalf("bits=%d: Dispatch = %#x, %v", bits, target, err)
		}
		if len(rec.calls) != 1 || rec.calls[0].Symbol != "Sleep" || rec.calls[0].Module != "kernel32.dll" {
			t.Fatalf("bits=%d: recorded %+v", bits, rec.calls)
		}
		if _, err := r.Dispatch(0x1234); errors.Cause(err) != ErrUnknownThunk {
			t.Errorf("bits=%d: expected ErrUnknownThunk, got %v", bits, err)
		}
		if _, err := r.Thunk(0x10000000, 11, "", 0); err == nil {
			t.Errorf("bits=%d: ordinal past registered range accepted", bits)
		}
		if len(r.Stubs()) != 2 {
			t.Errorf("bits=%d: %d stubs", bits, len(r.Stubs()))
		}
	}
}

func TestRegisterFilters(t *testing.T) {
	r := NewRegistry(mem.NewSpace(32), &recorder{}, Options{Exclude: []string{"ntdll"}, MaxModules: 1})
	if err := r.Register(1, "NTDLL.DLL", 1, 1); errors.Cause(err) != ErrExcluded {
		t.Errorf("expected ErrExcluded, got %v", err)
	}
	if err := r.Register(2, "user32", 1, 1); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(3, "gdi32", 1, 1); errors.Cause(err) != ErrRegistryFull {
		t.Errorf("expected ErrRegistryFull, got %v", err)
	}
	if _, err := r.Thunk(1, 1, "", 0); errors.Cause(err) != ErrUnknownModule {
		t.Errorf("expected ErrUnknownModule, got %v", err)
	}
	r.Unregister(2)
	if r.Registered(2) {
		t.Error("module still registered")
	}

	only := NewRegistry(mem.NewSpace(32), &recorder{}, Options{Include: []string{"user32.dll"}})
	if err := only.Register(1, "gdi32.dll", 1, 1); errors.Cause(err) != ErrExcluded {
		t.Errorf("include list: expected ErrExcluded, got %v", err)
	}
}

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestTraceFile(t *testing.T) {
	var buf bytes.Buffer
	ft, err := NewFileTracer(nopCloser{&buf}, 64)
	if err != nil {
		t.Fatal(err)
	}
	calls := []*Call{
		{Stub: 0x1000, Target: 0x2000, Module: "a.dll", Ordinal: 1, Symbol: "First", Args: []uint64{1, 2}},
		{Stub: 0x1020, Target: 0x3000, Module: "b.dll", Ordinal: 9},
	}
	for _, c := range calls {
		ft.Call(c)
	}
	if err := ft.Close(); err != nil {
		t.Fatal(err)
	}
	tr, err := NewTraceReader(io.NopCloser(&buf))
	if err != nil {
		t.Fatal(err)
	}
	if tr.Header.Bits != 64 {
		t.Errorf("header bits %d", tr.Header.Bits)
	}
	for i, want := range calls {
		got, err := tr.Next()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if got.String() != want.String() || got.Stub != want.Stub {
			t.Errorf("frame %d: got %s, want %s", i, got, want)
		}
	}
	if _, err := tr.Next(); err != io.EOF {
		t.Errorf("expected EOF after last frame, got %v", err)
	}
}
