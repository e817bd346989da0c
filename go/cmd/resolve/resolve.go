package resolve

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/pecorn/go/cmd"
	"github.com/lunixbochs/pecorn/go/loader"
)

// ParseSymbol reads "Name", "#12" or "Name@hint".
func ParseSymbol(s string) (loader.SymbolRef, error) {
	if strings.HasPrefix(s, "#") {
		ord, err := strconv.ParseUint(s[1:], 0, 16)
		if err != nil {
			return loader.SymbolRef{}, errors.Errorf("bad ordinal %q", s)
		}
		return loader.ByOrdinal(uint32(ord)), nil
	}
	if i := strings.LastIndexByte(s, '@'); i > 0 {
		hint, err := strconv.ParseUint(s[i+1:], 0, 16)
		if err != nil {
			return loader.SymbolRef{}, errors.Errorf("bad hint %q", s)
		}
		return loader.ByHint(s[:i], uint16(hint)), nil
	}
	return loader.ByName(s), nil
}

// Resolve looks each symbol up in module and prints where it landed. With
// call set, each relay stub is entered once with args.
func Resolve(w io.Writer, c *cmd.LoaderCmd, module string, symbols []string, call bool, args []uint64) error {
	m, err := c.Registry.Acquire(module)
	if err != nil {
		return err
	}
	for _, s := range symbols {
		ref, err := ParseSymbol(s)
		if err != nil {
			return err
		}
		addr, err := m.Proc(ref)
		if err != nil {
			fmt.Fprintf(w, "%s!%s: %v\n", m.Name, ref, err)
			continue
		}
		target := addr
		if c.Relay != nil && call {
			if target, err = c.Relay.Dispatch(addr, args...); err != nil {
				// not a stub: data export or module excluded from relay
				target = addr
			}
		}
		owner := "?"
		if o := c.Registry.ByAddress(target); o != nil {
			if sym, dist, ok := o.Symbolicate(target); ok {
				owner = fmt.Sprintf("%s!%s+%#x", o.Name, sym, dist)
			} else {
				owner = fmt.Sprintf("%s+%#x", o.Name, target-o.Base)
			}
		}
		if target != addr {
			fmt.Fprintf(w, "%s!%s = %#x (stub) -> %#x %s\n", m.Name, ref, addr, target, owner)
		} else {
			fmt.Fprintf(w, "%s!%s = %#x %s\n", m.Name, ref, addr, owner)
		}
	}
	return nil
}

func Main(args []string) {
	var call *bool
	var callArgs *string
	c := cmd.NewLoaderCmd("<module> <symbol|#ordinal|symbol@hint> [symbol...]", func(c *cmd.LoaderCmd, args []string) error {
		var vals []uint64
		if *callArgs != "" {
			for _, a := range strings.Split(*callArgs, ",") {
				v, err := strconv.ParseUint(strings.TrimSpace(a), 0, 64)
				if err != nil {
					return errors.Errorf("bad call argument %q", a)
				}
				vals = append(vals, v)
			}
		}
		return Resolve(os.Stdout, c, args[0], args[1:], *call, vals)
	})
	c.MinArgs = 2
	c.Example = "-path ./dlls -relay -call -args 1000 -to sleep.trace kernel32 Sleep"
	c.SetupFlags = func(fs *flag.FlagSet) {
		call = fs.Bool("call", false, "enter each resolved relay stub once, recording the call")
		callArgs = fs.String("args", "", "comma separated arguments passed with -call")
	}
	c.Main(args)
}

func init() { cmd.Register("resolve", "resolve exported symbols, following forwarders", Main) }
