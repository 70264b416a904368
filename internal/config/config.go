package config

import (
	"fmt"
	"path/filepath"
	"time"

	"grimm.is/geofence/internal/brand"
)

// CurrentSchemaVersion is written into new configs and assumed when absent.
const CurrentSchemaVersion = "1.0"

// MaxSSHRateLimit is the highest rate_limit both backends can express.
const MaxSSHRateLimit = 19

// Backend names accepted by the backend option.
const (
	BackendAuto     = "auto"
	BackendNFTables = "nftables"
	BackendIPTables = "iptables"
)

// Config is the top-level geofence configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// Countries is either a plain list ("IT,FR") using Provider for every
	// country, or the advanced form "ipdeny:IT,FR;ripe:DE".
	Countries string `hcl:"countries,optional" json:"countries"`

	// Provider is the default provider for countries without an explicit one.
	Provider string `hcl:"provider,optional" json:"provider,omitempty"`

	// IPv6 enables geo-blocking for IPv6. When false IPv6 is left open.
	IPv6 bool `hcl:"ipv6,optional" json:"ipv6"`

	// Backend forces a packet-filter backend instead of probing.
	Backend string `hcl:"backend,optional" json:"backend,omitempty"`

	// Workers bounds concurrent country downloads.
	Workers int `hcl:"workers,optional" json:"workers,omitempty"`

	// WorkDir receives regenerated per-country range files.
	WorkDir string `hcl:"work_dir,optional" json:"work_dir,omitempty"`

	// StateDir holds the run lock and the last-run record.
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`

	// MetricsFile, when set, receives Prometheus text-format run metrics.
	MetricsFile string `hcl:"metrics_file,optional" json:"metrics_file,omitempty"`

	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`
	LogJSON  bool   `hcl:"log_json,optional" json:"log_json,omitempty"`

	SSH       *SSHConfig       `hcl:"ssh,block" json:"ssh,omitempty"`
	Blocklist *BlocklistConfig `hcl:"blocklist,block" json:"blocklist,omitempty"`
	Fetch     *FetchConfig     `hcl:"fetch,block" json:"fetch,omitempty"`
	Sources   *SourcesConfig   `hcl:"sources,block" json:"sources,omitempty"`
}

// SSHConfig controls the SSH port and brute-force mitigation.
type SSHConfig struct {
	Port int `hcl:"port,optional" json:"port,omitempty"`

	// RateLimit is the number of new connections per Window before a source
	// is blacklisted.
	RateLimit int `hcl:"rate_limit,optional" json:"rate_limit,omitempty"`

	Window      string `hcl:"window,optional" json:"window,omitempty"`
	BanDuration string `hcl:"ban_duration,optional" json:"ban_duration,omitempty"`
}

// BlocklistConfig configures the optional IPv4 reputation blocklist.
type BlocklistConfig struct {
	Enabled bool `hcl:"enabled,optional" json:"enabled"`

	// Dir is scanned for *.netset, *.ipset and *.txt files.
	Dir string `hcl:"dir,optional" json:"dir,omitempty"`

	// Lists are FireHOL list names refreshed into Dir before loading.
	Lists []string `hcl:"lists,optional" json:"lists,omitempty"`

	// URLs are additional plain-text lists refreshed into Dir.
	URLs []string `hcl:"urls,optional" json:"urls,omitempty"`

	// MaxAge is how long a refreshed list is reused before downloading again.
	MaxAge string `hcl:"max_age,optional" json:"max_age,omitempty"`
}

// FetchConfig controls network retries for provider downloads.
type FetchConfig struct {
	Timeout      string `hcl:"timeout,optional" json:"timeout,omitempty"`
	Attempts     int    `hcl:"attempts,optional" json:"attempts,omitempty"`
	InitialDelay string `hcl:"initial_delay,optional" json:"initial_delay,omitempty"`
}

// SourcesConfig overrides provider endpoints.
type SourcesConfig struct {
	IPDenyURL  string `hcl:"ipdeny_url,optional" json:"ipdeny_url,omitempty"`
	RIPEURL    string `hcl:"ripe_url,optional" json:"ripe_url,omitempty"`
	NirsoftURL string `hcl:"nirsoft_url,optional" json:"nirsoft_url,omitempty"`
	MMDBPath   string `hcl:"mmdb_path,optional" json:"mmdb_path,omitempty"`
}

// Default endpoints.
const (
	DefaultIPDenyURL  = "https://www.ipdeny.com"
	DefaultRIPEURL    = "https://ftp.ripe.net/pub/stats/ripencc/delegated-ripencc-extended-latest"
	DefaultNirsoftURL = "https://www.nirsoft.net/countryip"
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.Provider == "" {
		c.Provider = string(ProviderIPDeny)
	}
	if c.Backend == "" {
		c.Backend = BackendAuto
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.StateDir == "" {
		c.StateDir = brand.GetStateDir()
	}
	if c.WorkDir == "" {
		c.WorkDir = filepath.Join(c.StateDir, "zones")
	}

	if c.SSH == nil {
		c.SSH = &SSHConfig{}
	}
	if c.SSH.Port == 0 {
		c.SSH.Port = 22
	}
	if c.SSH.RateLimit == 0 {
		c.SSH.RateLimit = 4
	}
	if c.SSH.Window == "" {
		c.SSH.Window = "1m"
	}
	if c.SSH.BanDuration == "" {
		c.SSH.BanDuration = "1h"
	}

	if c.Blocklist == nil {
		c.Blocklist = &BlocklistConfig{}
	}
	if c.Blocklist.Dir == "" {
		c.Blocklist.Dir = filepath.Join(c.StateDir, "blocklist")
	}
	if c.Blocklist.MaxAge == "" {
		c.Blocklist.MaxAge = "24h"
	}

	if c.Fetch == nil {
		c.Fetch = &FetchConfig{}
	}
	if c.Fetch.Timeout == "" {
		c.Fetch.Timeout = "30s"
	}
	if c.Fetch.Attempts == 0 {
		c.Fetch.Attempts = 3
	}
	if c.Fetch.InitialDelay == "" {
		c.Fetch.InitialDelay = "2s"
	}

	if c.Sources == nil {
		c.Sources = &SourcesConfig{}
	}
	if c.Sources.IPDenyURL == "" {
		c.Sources.IPDenyURL = DefaultIPDenyURL
	}
	if c.Sources.RIPEURL == "" {
		c.Sources.RIPEURL = DefaultRIPEURL
	}
	if c.Sources.NirsoftURL == "" {
		c.Sources.NirsoftURL = DefaultNirsoftURL
	}
}

// Selection parses Countries against the default Provider.
func (c *Config) Selection() (Selection, error) {
	return ParseSelection(c.Countries, Provider(c.Provider))
}

// UsesProvider reports whether any selected country uses p.
func (c *Config) UsesProvider(p Provider) bool {
	sel, err := c.Selection()
	if err != nil {
		return false
	}
	for _, r := range sel {
		if r.Provider == p {
			return true
		}
	}
	return false
}

// WindowDuration returns the parsed SSH rate-limit window.
func (s *SSHConfig) WindowDuration() time.Duration {
	return mustDuration(s.Window, time.Minute)
}

// BanDurationValue returns the parsed SSH blacklist TTL.
func (s *SSHConfig) BanDurationValue() time.Duration {
	return mustDuration(s.BanDuration, time.Hour)
}

// MaxAgeDuration returns the parsed blocklist refresh age.
func (b *BlocklistConfig) MaxAgeDuration() time.Duration {
	return mustDuration(b.MaxAge, 24*time.Hour)
}

// TimeoutDuration returns the per-attempt fetch timeout.
func (f *FetchConfig) TimeoutDuration() time.Duration {
	return mustDuration(f.Timeout, 30*time.Second)
}

// InitialDelayDuration returns the first retry delay.
func (f *FetchConfig) InitialDelayDuration() time.Duration {
	return mustDuration(f.InitialDelay, 2*time.Second)
}

// mustDuration parses s, falling back to def. Validate reports bad values.
func mustDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// String renders a one-line summary used in logs.
func (c *Config) String() string {
	return fmt.Sprintf("countries=%q provider=%s ipv6=%t backend=%s ssh_port=%d blocklist=%t",
		c.Countries, c.Provider, c.IPv6, c.Backend, c.SSH.Port, c.Blocklist.Enabled)
}
