package load

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mgutz/ansi"

	"github.com/lunixbochs/pecorn/go/cmd"
	"github.com/lunixbochs/pecorn/go/loader"
)

var (
	colOK   = ansi.ColorCode("green")
	colBad  = ansi.ColorCode("red+b")
	colDeps = ansi.ColorCode("cyan")
)

// Report lists every module in reg with its state, references and dependencies.
func Report(w io.Writer, reg *loader.Registry, ctx *loader.ExecContext) {
	for _, m := range reg.Modules() {
		state := m.State().String()
		if m.State() == loader.StateConstructed {
			state = colOK + state + ansi.Reset
		} else {
			state = colBad + state + ansi.Reset
		}
		fmt.Fprintf(w, "%#016x %#08x %-20s %s refs=%d\n", m.Base, m.Size, m.Name, state, m.Refs())
		if m.Path != "" {
			fmt.Fprintf(w, "    path: %s\n", m.Path)
		}
		if entry := m.EntryPoint(); entry != 0 {
			fmt.Fprintf(w, "    entry: %#x\n", entry)
		}
		if deps := m.Deps(); len(deps) > 0 {
			names := make([]string, len(deps))
			for i, d := range deps {
				names[i] = d.Name
			}
			fmt.Fprintf(w, "    deps: %s\n", colDeps+strings.Join(names, " ")+ansi.Reset)
		}
		if n := m.Poisoned(); n > 0 {
			fmt.Fprintf(w, "    %s\n", colBad+fmt.Sprintf("%d poisoned import slots", n)+ansi.Reset)
		}
		if err := m.ImportErr(); err != nil {
			fmt.Fprintf(w, "    imports: %v\n", err)
		}
		if tls := m.TLS(); tls != nil {
			fmt.Fprintf(w, "    tls: slot=%d template=%s+%#x zerofill=%#x", tls.Slot(), tls.Template, tls.TemplateSize, tls.ZeroFill)
			if ctx != nil {
				if buf, ok := ctx.Buffer(tls.Slot()); ok {
					fmt.Fprintf(w, " buffer=%#x", buf)
				}
			}
			fmt.Fprintln(w)
			if cbs, err := reg.TLSCallbacks(m); err == nil && len(cbs) > 0 {
				fmt.Fprintf(w, "    tls callbacks (not run): %#x\n", cbs)
			}
		}
	}
}

func Main(args []string) {
	var attach *bool
	c := cmd.NewLoaderCmd("<module> [module...]", func(c *cmd.LoaderCmd, args []string) error {
		for _, name := range args {
			if _, err := c.Registry.Acquire(name); err != nil {
				return err
			}
		}
		var ctx *loader.ExecContext
		if *attach {
			ctx = loader.NewExecContext(1)
			if err := c.Registry.AttachThread(ctx); err != nil {
				return err
			}
		}
		Report(os.Stdout, c.Registry, ctx)
		return nil
	})
	c.MinArgs = 1
	c.Example = "-path ./dlls -strict user32"
	c.SetupFlags = func(fs *flag.FlagSet) {
		attach = fs.Bool("tls", false, "initialize TLS for one execution context after loading")
	}
	c.Main(args)
}

func init() { cmd.Register("load", "load modules and their dependencies, then print the module table", Main) }
