package cmd

import (
	"flag"
	"io"

	"grimm.is/geofence/internal/brand"
	"grimm.is/geofence/internal/config"
)

// DefaultConfigFile is read when -config is not given. A missing default
// file is not an error.
var DefaultConfigFile = brand.DefaultConfigDir + "/" + brand.ConfigFileName

// Flags are the command-line options shared by apply, show and fetch. Only
// flags given explicitly override the configuration file.
type Flags struct {
	ConfigFile string
	Countries  string
	Provider   string
	Blocklist  bool
	IPv6       bool
	SSHPort    int
	Workers    int
	Backend    string
	StateDir   string
	DryRun     bool
	Verbose    bool

	set map[string]bool
}

// NewFlagSet registers the shared flags on a new FlagSet for command name.
func NewFlagSet(name string, f *Flags, output io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}
	fs.StringVar(&f.ConfigFile, "config", DefaultConfigFile, "Configuration file")
	fs.StringVar(&f.ConfigFile, "c", DefaultConfigFile, "Configuration file (short)")
	fs.StringVar(&f.Countries, "countries", "", `Countries to allow, "IT,FR" or "ipdeny:IT,FR;ripe:DE"`)
	fs.StringVar(&f.Provider, "provider", "", "Default provider: ipdeny, ripe, nirsoft or mmdb")
	fs.BoolVar(&f.Blocklist, "blocklist", false, "Subtract the IPv4 blocklist directory")
	fs.BoolVar(&f.IPv6, "ipv6", false, "Geo-block IPv6 too")
	fs.IntVar(&f.SSHPort, "ssh-port", 0, "SSH port to protect")
	fs.IntVar(&f.Workers, "workers", 0, "Concurrent country downloads (1-16)")
	fs.StringVar(&f.Backend, "backend", "", "Backend: auto, nftables or iptables")
	fs.StringVar(&f.StateDir, "state-dir", "", "Override state directory")
	fs.BoolVar(&f.DryRun, "dry-run", false, "Print the transaction without applying it")
	fs.BoolVar(&f.DryRun, "n", false, "Dry run (short)")
	fs.BoolVar(&f.Verbose, "v", false, "Debug logging")
	return fs
}

// Parse parses args and remembers which flags were given.
func (f *Flags) Parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	f.set = make(map[string]bool)
	fs.Visit(func(fl *flag.Flag) {
		f.set[fl.Name] = true
	})
	return nil
}

// IsSet reports whether the named flag was given.
func (f *Flags) IsSet(name string) bool {
	return f.set[name]
}

// Overlay copies explicitly given flags over cfg. Directory defaults that
// derive from the state directory follow an overridden state directory.
func (f *Flags) Overlay(cfg *config.Config) {
	if f.IsSet("countries") {
		cfg.Countries = f.Countries
	}
	if f.IsSet("provider") {
		cfg.Provider = f.Provider
	}
	if f.IsSet("blocklist") {
		cfg.Blocklist.Enabled = f.Blocklist
	}
	if f.IsSet("ipv6") {
		cfg.IPv6 = f.IPv6
	}
	if f.IsSet("ssh-port") {
		cfg.SSH.Port = f.SSHPort
	}
	if f.IsSet("workers") {
		cfg.Workers = f.Workers
	}
	if f.IsSet("backend") {
		cfg.Backend = f.Backend
	}
	if f.IsSet("state-dir") {
		old := config.Default()
		old.StateDir = cfg.StateDir
		old.WorkDir, old.Blocklist.Dir = "", ""
		old.ApplyDefaults()

		if cfg.WorkDir == old.WorkDir {
			cfg.WorkDir = ""
		}
		if cfg.Blocklist.Dir == old.Blocklist.Dir {
			cfg.Blocklist.Dir = ""
		}
		cfg.StateDir = f.StateDir
		cfg.ApplyDefaults()
	}
	if f.Verbose {
		cfg.LogLevel = "debug"
	}
}

// LoadConfig reads the configuration file, applies the flags and validates
// the result. Validation warnings are returned separately.
func (f *Flags) LoadConfig() (*config.Config, config.ValidationErrors, error) {
	path := f.ConfigFile
	var (
		cfg *config.Config
		err error
	)
	if f.IsSet("config") || f.IsSet("c") {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return nil, nil, err
	}

	f.Overlay(cfg)

	errs := cfg.Validate()
	if errs.HasErrors() {
		return nil, nil, errs.Errors()
	}
	return cfg, errs.Warnings(), nil
}
