package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/shibukawa/configdir"
)

const (
	DefaultLibBase     = 0x10000000
	DefaultMaxTLSSlots = 64
	configFile         = "config.json"
)

type Config struct {
	// directories searched for modules, in order
	SearchPath []string `json:"search_path"`
	// lowest address a module is placed at when its preferred base is taken
	LibBase uint64 `json:"lib_base"`
	// address space width, 32 or 64
	Bits uint `json:"bits"`

	Relay        bool     `json:"relay"`
	RelayInclude []string `json:"relay_include"`
	RelayExclude []string `json:"relay_exclude"`
	TraceFile    string   `json:"trace_file"`

	// fail a module when a dependency cannot be loaded or its import table is unreadable
	StrictImports bool `json:"strict_imports"`
	// 0 follows forwarder chains without limit
	ForwardDepthLimit int `json:"forward_depth_limit"`
	MaxTLSSlots       int `json:"max_tls_slots"`

	Verbose bool `json:"verbose"`
}

// Init fills zero fields with defaults.
func (c *Config) Init() *Config {
	if c.LibBase == 0 {
		c.LibBase = DefaultLibBase
	}
	if c.Bits == 0 {
		c.Bits = 64
	}
	if c.MaxTLSSlots == 0 {
		c.MaxTLSSlots = DefaultMaxTLSSlots
	}
	return c
}

// ModuleName normalizes a module reference the way lookups compare them:
// the base file name, lowercased, with ".dll" added when there is no extension.
func ModuleName(name string) string {
	name = strings.ToLower(filepath.Base(strings.ReplaceAll(name, "\\", "/")))
	if filepath.Ext(name) == "" {
		name += ".dll"
	}
	return name
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	c := &Config{}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return c.Init(), nil
}

// FindConfig loads the first config.json in the user or system config
// folders, or returns defaults if there is none.
func FindConfig() (*Config, error) {
	configDirs := configdir.New("pecorn", "loader")
	for _, folder := range configDirs.QueryFolders(configdir.All) {
		if !folder.Exists(configFile) {
			continue
		}
		data, err := folder.ReadFile(configFile)
		if err != nil {
			return nil, errors.Wrap(err, "reading config")
		}
		c := &Config{}
		if err := json.Unmarshal(data, c); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", filepath.Join(folder.Path, configFile))
		}
		return c.Init(), nil
	}
	return (&Config{}).Init(), nil
}
