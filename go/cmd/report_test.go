package cmd

import (
	"bytes"
	"flag"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

//go:noinline
func failing() error { return errors.New("boom") }

func TestWriteError(t *testing.T) {
	var out bytes.Buffer
	WriteError(&out, errors.Wrap(failing(), "loading"))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if lines[0] != "error: loading: boom" {
		t.Fatalf("first line %q", lines[0])
	}
	// the innermost stack starts where the error was created
	if len(lines) < 2 || !strings.Contains(lines[1], "report_test.go:") || !strings.HasSuffix(lines[1], "cmd.failing()") {
		t.Errorf("frames:\n%s", out.String())
	}

	out.Reset()
	WriteError(&out, errors.Cause(failing()))
	if !strings.HasPrefix(out.String(), "error: boom\n") {
		t.Errorf("got %q", out.String())
	}
}

func TestWrapWords(t *testing.T) {
	tests := []struct {
		in    string
		width int
		out   []string
	}{
		{"", 10, nil},
		{"one two three", 7, []string{"one two", "three"}},
		{"one  two", 20, []string{"one two"}},
		{"unbreakableword x", 5, []string{"unbreakableword", "x"}},
	}
	for _, test := range tests {
		got := wrapWords(test.in, test.width)
		if strings.Join(got, "|") != strings.Join(test.out, "|") || len(got) != len(test.out) {
			t.Errorf("%q/%d: got %q", test.in, test.width, got)
		}
	}
}

func TestPrintFlags(t *testing.T) {
	fs := flag.NewFlagSet("x", flag.ContinueOnError)
	fs.Bool("v", false, "debug logging")
	fs.Uint64("libbase", 0x10000000, strings.Repeat("long usage text ", 8))
	var out bytes.Buffer
	PrintFlags(&out, []*flag.Flag{fs.Lookup("v"), fs.Lookup("libbase")})
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if !strings.HasPrefix(lines[0], "  -v ") || strings.Contains(lines[0], "(false)") {
		t.Errorf("bool flag line %q", lines[0])
	}
	if !strings.Contains(lines[1], "-libbase (268435456)") {
		t.Errorf("default missing: %q", lines[1])
	}
	if len(lines) < 3 {
		t.Fatalf("usage not wrapped:\n%s", out.String())
	}
	for _, l := range lines {
		if len(l) > 80 {
			t.Errorf("line over 80 columns: %q", l)
		}
	}
	if indent := len(lines[2]) - len(strings.TrimLeft(lines[2], " ")); indent != strings.Index(lines[1], "long") {
		t.Errorf("continuation indented %d:\n%s", indent, out.String())
	}
}
