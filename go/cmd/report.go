package cmd

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// innermostStack returns the stack recorded deepest in err's wrap chain.
func innermostStack(err error) errors.StackTrace {
	var st errors.StackTrace
	for e := err; e != nil; e = errors.Unwrap(e) {
		if t, ok := e.(stackTracer); ok {
			st = t.StackTrace()
		}
	}
	return st
}

// WriteError prints err followed by the innermost recorded stack, one
// "file:line  function()" row per frame, stopping at main.main.
func WriteError(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %v\n", err)
	type row struct{ loc, fn string }
	var rows []row
	width := 0
	for _, f := range innermostStack(err) {
		text, _ := f.MarshalText()
		name, loc, _ := strings.Cut(string(text), " ")
		if loc != "" {
			loc = filepath.Base(loc)
		}
		rows = append(rows, row{loc, name[strings.LastIndexByte(name, '/')+1:]})
		width = max(width, len(loc))
		if name == "main.main" {
			break
		}
	}
	for _, r := range rows {
		fmt.Fprintf(w, "  %-*s  %s()\n", width, r.loc, r.fn)
	}
}

// Fatal reports err on stderr and exits.
func Fatal(err error) {
	WriteError(os.Stderr, err)
	os.Exit(1)
}

// wrapWords breaks s at spaces into lines of at most width bytes. A single
// word longer than width gets a line of its own.
func wrapWords(s string, width int) []string {
	var lines []string
	line := ""
	for _, word := range strings.Fields(s) {
		switch {
		case line == "":
			line = word
		case len(line)+1+len(word) > width:
			lines = append(lines, line)
			line = word
		default:
			line += " " + word
		}
	}
	if line != "" {
		lines = append(lines, line)
	}
	return lines
}

// PrintFlags lists flags as a name, default and usage table, with usage
// wrapped to fit 80 columns. Zero defaults are left out.
func PrintFlags(w io.Writer, flags []*flag.Flag) {
	type row struct{ name, def, usage string }
	rows := make([]row, len(flags))
	nameW, defW := 0, 0
	for i, f := range flags {
		r := row{name: "-" + f.Name, usage: f.Usage}
		switch f.DefValue {
		case "", "0", "false", "[]":
		default:
			r.def = "(" + f.DefValue + ")"
		}
		nameW, defW = max(nameW, len(r.name)), max(defW, len(r.def))
		rows[i] = r
	}
	indent := 2 + nameW + 1 + defW + 2
	for _, r := range rows {
		lines := wrapWords(r.usage, max(80-indent, 20))
		first := ""
		if len(lines) > 0 {
			first = lines[0]
		}
		fmt.Fprintln(w, strings.TrimRight(fmt.Sprintf("  %-*s %-*s  %s", nameW, r.name, defW, r.def, first), " "))
		for _, l := range lines[min(1, len(lines)):] {
			fmt.Fprintf(w, "%*s%s\n", indent, "", l)
		}
	}
}

// Usage builds a flag.FlagSet usage func printing the synopsis, the flag
// table and an optional example.
func Usage(w io.Writer, fs *flag.FlagSet, prog, synopsis, example string) func() {
	return func() {
		fmt.Fprintf(w, "Usage: %s [options] %s\n\nOptions:\n", prog, synopsis)
		var flags []*flag.Flag
		fs.VisitAll(func(f *flag.Flag) { flags = append(flags, f) })
		PrintFlags(w, flags)
		if example != "" {
			fmt.Fprintf(w, "\nExample:\n  %s %s\n", prog, example)
		}
	}
}
