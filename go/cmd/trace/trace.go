package trace

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/pkg/errors"

	"github.com/lunixbochs/pecorn/go/cmd"
	"github.com/lunixbochs/pecorn/go/relay"
)

// Print writes every call in the trace, or a per-symbol count with summary set.
func Print(w io.Writer, tr *relay.TraceReader, summary bool) error {
	counts := make(map[string]int)
	for {
		call, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return errors.Wrap(err, "error reading next trace call")
		}
		if summary {
			name := call.Symbol
			if name == "" {
				name = fmt.Sprintf("#%d", call.Ordinal)
			}
			counts[call.Module+"!"+name]++
		} else {
			fmt.Fprintln(w, call)
		}
	}
	if summary {
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return sortorder.NaturalLess(keys[i], keys[j]) })
		for _, k := range keys {
			fmt.Fprintf(w, "%6d %s\n", counts[k], k)
		}
	}
	return nil
}

func Main(args []string) {
	fs := flag.NewFlagSet("trace", flag.ExitOnError)
	summary := fs.Bool("summary", false, "count calls per symbol instead of listing them")
	fs.Usage = cmd.Usage(os.Stderr, fs, args[0], "<tracefile>", "")
	fs.Parse(args[1:])
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(1)
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		cmd.Fatal(err)
	}
	tr, err := relay.NewTraceReader(f)
	if err != nil {
		f.Close()
		cmd.Fatal(err)
	}
	defer tr.Close()
	fmt.Printf("%d-bit trace\n", tr.Header.Bits)
	if err := Print(os.Stdout, tr, *summary); err != nil {
		cmd.Fatal(err)
	}
}

func init() { cmd.Register("trace", "print a relay call trace file", Main) }
