package dump

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/mgutz/ansi"
	"github.com/pkg/errors"

	"github.com/lunixbochs/pecorn/go/cmd"
	"github.com/lunixbochs/pecorn/go/pe"
)

var (
	colHead = ansi.ColorCode("default+b")
	colProt = ansi.ColorCode("green")
	colFwd  = ansi.ColorCode("yellow")
	colWarn = ansi.ColorCode("red+b")
)

func color(s, code string, on bool) string {
	if !on {
		return s
	}
	return code + s + ansi.Reset
}

func prot(chars uint32) string {
	out := []byte("---")
	if chars&pe.ScnMemRead != 0 {
		out[0] = 'r'
	}
	if chars&pe.ScnMemWrite != 0 {
		out[1] = 'w'
	}
	if chars&pe.ScnMemExecute != 0 {
		out[2] = 'x'
	}
	return string(out)
}

// Dump prints the parts of an image file the loader consumes.
func Dump(w io.Writer, r io.ReaderAt, colors bool) error {
	img, err := pe.NewImage(r, 0, pe.LayoutFile)
	if err != nil {
		return err
	}
	head := func(s string) { fmt.Fprintln(w, color(s, colHead, colors)) }
	kind := "PE32"
	if img.Is64 {
		kind = "PE32+"
	}
	head("[header]")
	fmt.Fprintf(w, "  %s machine=%#x base=%#x size=%#x entry=%#x checksum=%#x timestamp=%#x\n",
		kind, img.File.Machine, img.ImageBase, img.SizeOfImage, img.EntryPoint, img.CheckSum, img.File.TimeDateStamp)

	head("[sections]")
	for _, s := range img.Sections {
		fmt.Fprintf(w, "  %-8s va=%#08x vsize=%#06x raw=%#06x off=%#06x %s\n",
			s.Name, s.VirtualAddress, s.VirtualSize, s.SizeOfRawData, s.PointerToRawData, color(prot(s.Characteristics), colProt, colors))
	}

	head("[directories]")
	for kind := pe.DirectoryKind(0); kind < pe.NumDirectories; kind++ {
		if d, ok := img.Directory(kind); ok {
			fmt.Fprintf(w, "  %-12s %#08x+%#x\n", kind, d.VirtualAddress, d.Size)
		}
	}
	if ignored := img.IgnoredDirectories(); len(ignored) > 0 {
		names := make([]string, len(ignored))
		for i, k := range ignored {
			names[i] = k.String()
		}
		fmt.Fprintf(w, "  ignored: %s\n", strings.Join(names, ", "))
	}

	if t := pe.ReadExports(img); t != nil {
		head(fmt.Sprintf("[exports %s base=%d]", t.Name, t.Base))
		exports := t.Exports()
		sort.SliceStable(exports, func(i, j int) bool {
			return sortorder.NaturalLess(exports[i].Name, exports[j].Name)
		})
		for _, e := range exports {
			name := e.Name
			if name == "" {
				name = "<ordinal only>"
			}
			line := fmt.Sprintf("  %5d %-32s %#08x", e.Ordinal, name, e.RVA)
			if e.Forwarder {
				fwd, err := img.CString(e.RVA)
				if err != nil {
					fwd = "?"
				}
				line += " -> " + color(fwd, colFwd, colors)
			}
			fmt.Fprintln(w, line)
		}
		if n := t.LinearFallbacks(); n > 0 {
			fmt.Fprintln(w, color(fmt.Sprintf("  %d lookups hit an unsorted name table", n), colWarn, colors))
		}
	}

	descs, err := img.Imports()
	for i := range descs {
		d := &descs[i]
		head(fmt.Sprintf("[import %s]", d.Module))
		entries, terr := img.Thunks(d)
		for _, e := range entries {
			if e.ByOrdinal {
				fmt.Fprintf(w, "  slot=%#08x %s\n", e.Slot, e)
			} else {
				fmt.Fprintf(w, "  slot=%#08x %s (hint %d)\n", e.Slot, e, e.Hint)
			}
		}
		if terr != nil {
			fmt.Fprintln(w, color("  "+terr.Error(), colWarn, colors))
		}
	}
	if err != nil {
		fmt.Fprintln(w, color(err.Error(), colWarn, colors))
	}

	if tls, err := img.TLS(); err != nil {
		fmt.Fprintln(w, color(errors.Wrap(err, "tls").Error(), colWarn, colors))
	} else if tls != nil {
		head("[tls]")
		fmt.Fprintf(w, "  template=%#x+%#x zerofill=%#x index=%#x callbacks=%#x\n",
			tls.StartAddressOfRawData, tls.TemplateSize(), tls.SizeOfZeroFill, tls.AddressOfIndex, tls.AddressOfCallBacks)
	}
	if relocs, err := img.Relocations(); err != nil {
		fmt.Fprintln(w, color(errors.Wrap(err, "relocations").Error(), colWarn, colors))
	} else if len(relocs) > 0 {
		head("[relocations]")
		fmt.Fprintf(w, "  %d entries\n", len(relocs))
	}
	return nil
}

func Main(args []string) {
	var nocolor *bool
	c := cmd.NewLoaderCmd("<image> [image...]", func(c *cmd.LoaderCmd, args []string) error {
		colors := !*nocolor
		for _, path := range args {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			fmt.Printf("%s:\n", path)
			err = Dump(os.Stdout, f, colors)
			f.Close()
			if err != nil {
				return errors.Wrap(err, path)
			}
		}
		return nil
	})
	c.MinArgs = 1
	c.Example = "C:/Windows/System32/kernel32.dll"
	c.SetupFlags = func(fs *flag.FlagSet) {
		nocolor = fs.Bool("nocolor", false, "disable ansi colors")
	}
	c.Main(args)
}

func init() { cmd.Register("dump", "print the headers, exports, imports and TLS of an image", Main) }
