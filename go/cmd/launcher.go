package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/lunixbochs/fvbommel-util/sortorder"
)

type subcommand struct {
	name, desc string
	main       func(args []string)
}

var subcommands = make(map[string]*subcommand)

// Register adds a subcommand. Subcommand packages call it from init.
func Register(name, desc string, main func(args []string)) {
	if _, dup := subcommands[name]; dup {
		panic("cmd: subcommand registered twice: " + name)
	}
	subcommands[name] = &subcommand{name, desc, main}
}

func listing(w io.Writer, prog string) {
	names := make([]string, 0, len(subcommands))
	pad := 0
	for name := range subcommands {
		names = append(names, name)
		if len(name) > pad {
			pad = len(name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return sortorder.NaturalLess(names[i], names[j]) })
	fmt.Fprintln(w, "Commands:")
	for _, name := range names {
		fmt.Fprintf(w, "  %-*s  %s\n", pad, name, subcommands[name].desc)
	}
	fmt.Fprintf(w, "\nExample: %s resolve -path ./dlls -relay -to calls.trace kernel32 Sleep\n", prog)
}

// Dispatch runs the subcommand named by argv[1], handing it argv with the
// program and subcommand names joined as its argv[0]. Anything it cannot
// dispatch prints the command list and returns a nonzero status.
func Dispatch(argv []string, stderr io.Writer) int {
	prog := "pecorn"
	if len(argv) > 0 {
		prog = argv[0]
	}
	if len(argv) < 2 {
		listing(stderr, prog)
		return 1
	}
	switch argv[1] {
	case "-h", "-help", "--help", "help":
		listing(stderr, prog)
		return 0
	}
	sub, ok := subcommands[argv[1]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", argv[1])
		listing(stderr, prog)
		return 1
	}
	sub.main(append([]string{strings.Join(argv[:2], " ")}, argv[2:]...))
	return 0
}

func Main() {
	if code := Dispatch(os.Args, os.Stderr); code != 0 {
		os.Exit(code)
	}
}
