package cmd

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/pecorn/go/loader"
	"github.com/lunixbochs/pecorn/go/models"
	"github.com/lunixbochs/pecorn/go/models/mem"
	"github.com/lunixbochs/pecorn/go/relay"
)

type strslice []string

func (s *strslice) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *strslice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// LoaderCmd is the flag handling and registry setup shared by subcommands.
type LoaderCmd struct {
	Usage   string
	Example string
	// minimum positional arguments
	MinArgs int

	// SetupFlags may add subcommand flags before parsing.
	SetupFlags func(fs *flag.FlagSet)
	// Run gets the positional arguments once the registry exists.
	Run func(c *LoaderCmd, args []string) error

	Flags    *flag.FlagSet
	Config   *models.Config
	Space    *mem.Space
	Registry *loader.Registry
	Relay    *relay.Registry
	Log      *zap.Logger

	closers []io.Closer
}

func NewLoaderCmd(usage string, run func(c *LoaderCmd, args []string) error) *LoaderCmd {
	return &LoaderCmd{Usage: usage, Run: run, Flags: flag.NewFlagSet("pecorn", flag.ExitOnError)}
}

// Main parses argv, builds the loader and calls Run, exiting on error.
func (c *LoaderCmd) Main(argv []string) {
	fs := c.Flags
	configPath := fs.String("config", "", "config file (default: first config.json in the user config dirs)")
	bits := fs.Uint("bits", 0, "address space width, 32 or 64")
	libBase := fs.Uint64("libbase", 0, "lowest base for modules whose preferred base is taken")
	strict := fs.Bool("strict", false, "fail modules whose dependencies do not load")
	fwdLimit := fs.Int("fwdlimit", 0, "maximum forwarder chain length (0: unlimited)")
	relayOn := fs.Bool("relay", false, "resolve code exports to call-tracing stubs")
	traceTo := fs.String("to", "", "write relayed calls to this trace file")
	verbose := fs.Bool("v", false, "debug logging")
	var path, include, exclude strslice
	fs.Var(&path, "path", "append a module search directory")
	fs.Var(&include, "include", "relay only this module (repeatable)")
	fs.Var(&exclude, "exclude", "never relay this module (repeatable)")
	if c.SetupFlags != nil {
		c.SetupFlags(fs)
	}
	fs.Usage = Usage(os.Stderr, fs, argv[0], c.Usage, c.Example)
	fs.Parse(argv[1:])
	if fs.NArg() < c.MinArgs {
		fs.Usage()
		os.Exit(1)
	}

	var err error
	if *configPath != "" {
		c.Config, err = models.LoadConfig(*configPath)
	} else {
		c.Config, err = models.FindConfig()
	}
	if err != nil {
		Fatal(err)
	}
	// flags given on the command line override the config file
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bits":
			c.Config.Bits = *bits
		case "libbase":
			c.Config.LibBase = *libBase
		case "strict":
			c.Config.StrictImports = *strict
		case "fwdlimit":
			c.Config.ForwardDepthLimit = *fwdLimit
		case "relay":
			c.Config.Relay = *relayOn
		case "to":
			c.Config.TraceFile = *traceTo
		case "v":
			c.Config.Verbose = *verbose
		}
	})
	c.Config.SearchPath = append(c.Config.SearchPath, path...)
	c.Config.RelayInclude = append(c.Config.RelayInclude, include...)
	c.Config.RelayExclude = append(c.Config.RelayExclude, exclude...)

	c.Log = models.NewLogger(c.Config.Verbose)
	models.SetLogger(c.Log)
	defer c.Log.Sync()

	if err := c.setup(); err != nil {
		c.teardown()
		Fatal(err)
	}
	err = c.Run(c, fs.Args())
	c.teardown()
	if err != nil {
		Fatal(err)
	}
}

func (c *LoaderCmd) setup() error {
	cfg := c.Config
	if cfg.Bits != 32 && cfg.Bits != 64 {
		return errors.Errorf("unsupported address space width %d", cfg.Bits)
	}
	c.Space = mem.NewSpace(cfg.Bits)
	var opts []loader.Option
	if cfg.Relay {
		tracer := relay.MultiTracer{relay.NewLogTracer(c.Log.Named("relay"))}
		if cfg.TraceFile != "" {
			f, err := os.Create(cfg.TraceFile)
			if err != nil {
				return errors.Wrap(err, "creating trace file")
			}
			ft, err := relay.NewFileTracer(f, cfg.Bits)
			if err != nil {
				f.Close()
				return err
			}
			c.closers = append(c.closers, ft)
			tracer = append(tracer, ft)
		}
		c.Relay = relay.NewRegistry(c.Space, tracer, relay.Options{Include: cfg.RelayInclude, Exclude: cfg.RelayExclude})
		opts = append(opts, loader.WithRelay(c.Relay))
	}
	c.Registry = loader.NewRegistry(cfg, c.Space, &loader.DirFinder{Path: cfg.SearchPath}, opts...)
	return nil
}

func (c *LoaderCmd) teardown() {
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		}
	}
	c.closers = nil
}
