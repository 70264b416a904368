// Package blocklist maintains the optional IPv4 reputation blocklist.
//
// The blocklist directory holds plain address lists (*.netset, *.ipset,
// *.txt, *.list). Operators may drop files there by hand; configured FireHOL
// lists and URLs are refreshed into the same directory before loading. Only
// IPv4 entries are used: they are subtracted from the allow set.
package blocklist

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"grimm.is/geofence/internal/clock"
	"grimm.is/geofence/internal/logging"
	"grimm.is/geofence/internal/netset"
	"grimm.is/geofence/internal/provider"
)

// ListInfo describes a well-known FireHOL list.
type ListInfo struct {
	Name        string
	URL         string
	Description string
	Category    string
}

// WellKnownLists are FireHOL lists from https://iplists.firehol.org/.
var WellKnownLists = map[string]ListInfo{
	"firehol_level1": {
		Name:        "firehol_level1",
		URL:         "https://iplists.firehol.org/files/firehol_level1.netset",
		Description: "Attacks, malware, during the last 48 hours",
		Category:    "attacks",
	},
	"firehol_level2": {
		Name:        "firehol_level2",
		URL:         "https://iplists.firehol.org/files/firehol_level2.netset",
		Description: "Attacks, malware, spyware, during the last 48 hours",
		Category:    "attacks",
	},
	"spamhaus_drop": {
		Name:        "spamhaus_drop",
		URL:         "https://iplists.firehol.org/files/spamhaus_drop.netset",
		Description: "Spamhaus Don't Route Or Peer list",
		Category:    "spam",
	},
	"spamhaus_edrop": {
		Name:        "spamhaus_edrop",
		URL:         "https://iplists.firehol.org/files/spamhaus_edrop.netset",
		Description: "Spamhaus Extended DROP list",
		Category:    "spam",
	},
	"dshield": {
		Name:        "dshield",
		URL:         "https://iplists.firehol.org/files/dshield.netset",
		Description: "DShield top attacking IPs",
		Category:    "attacks",
	},
	"blocklist_de": {
		Name:        "blocklist_de",
		URL:         "https://iplists.firehol.org/files/blocklist_de.ipset",
		Description: "Blocklist.de all attacks",
		Category:    "attacks",
	},
	"feodo": {
		Name:        "feodo",
		URL:         "https://iplists.firehol.org/files/feodo.ipset",
		Description: "Feodo Tracker botnet C&C servers",
		Category:    "botnet",
	},
	"fullbogons": {
		Name:        "fullbogons",
		URL:         "https://iplists.firehol.org/files/fullbogons.netset",
		Description: "Full bogons - unallocated IPv4 space",
		Category:    "bogons",
	},
}

// ListURL returns the URL of a FireHOL list by name. Unknown names are
// assumed to be netsets on the FireHOL mirror.
func ListURL(name string) string {
	if info, ok := WellKnownLists[name]; ok {
		return info.URL
	}
	return fmt.Sprintf("https://iplists.firehol.org/files/%s.netset", name)
}

// Extensions recognised as list files in the blocklist directory.
var Extensions = []string{".netset", ".ipset", ".txt", ".list"}

// Manager refreshes and loads the blocklist directory.
type Manager struct {
	dir     string
	maxAge  time.Duration
	fetcher *provider.Fetcher
	logger  *logging.Logger
}

// NewManager creates a Manager for dir. fetcher may be nil when only local
// files are used.
func NewManager(dir string, maxAge time.Duration, fetcher *provider.Fetcher, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		dir:     dir,
		maxAge:  maxAge,
		fetcher: fetcher,
		logger:  logger.WithComponent("blocklist"),
	}
}

// cacheMeta is stored next to every downloaded list.
type cacheMeta struct {
	URL      string `json:"url"`
	CachedAt int64  `json:"cached_at"`
	Size     int    `json:"size"`
	Checksum string `json:"checksum"`
}

// Source is one list to refresh into the directory.
type Source struct {
	// File is the base name written in the directory.
	File string
	URL  string
}

// Sources maps configured list names and URLs to directory files.
func Sources(lists, urls []string) []Source {
	var out []Source
	for _, name := range lists {
		ext := filepath.Ext(ListURL(name))
		out = append(out, Source{File: name + ext, URL: ListURL(name)})
	}
	for _, u := range urls {
		sum := sha256.Sum256([]byte(u))
		out = append(out, Source{File: "url-" + hex.EncodeToString(sum[:8]) + ".list", URL: u})
	}
	return out
}

// Refresh downloads every source whose cached copy is missing, corrupt or
// older than the max age. A failed download keeps the previous copy; the
// failures are returned together.
func (m *Manager) Refresh(ctx context.Context, sources []Source) error {
	if len(sources) == 0 {
		return nil
	}
	if m.fetcher == nil {
		return errors.New("blocklist refresh needs a fetcher")
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create blocklist dir: %w", err)
	}

	var errs *multierror.Error
	for _, src := range sources {
		if m.fresh(src) {
			m.logger.Debug("list is fresh", "file", src.File)
			continue
		}
		if err := m.download(ctx, src); err != nil {
			m.logger.Warn("list refresh failed, keeping previous copy", "url", src.URL, "error", err)
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", src.URL, err))
			continue
		}
	}
	return errs.ErrorOrNil()
}

func (m *Manager) fresh(src Source) bool {
	dataPath := filepath.Join(m.dir, src.File)
	metaData, err := os.ReadFile(dataPath + ".meta")
	if err != nil {
		return false
	}
	var meta cacheMeta
	if err := json.Unmarshal(metaData, &meta); err != nil || meta.URL != src.URL {
		return false
	}
	if clock.Since(time.Unix(meta.CachedAt, 0)) > m.maxAge {
		return false
	}
	data, err := os.ReadFile(dataPath)
	if err != nil {
		return false
	}
	return checksum(data) == meta.Checksum
}

func (m *Manager) download(ctx context.Context, src Source) error {
	data, err := m.fetcher.Get(ctx, src.URL)
	if err != nil {
		return err
	}
	if strings.HasSuffix(src.URL, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("failed to create gzip reader: %w", err)
		}
		data, err = io.ReadAll(io.LimitReader(zr, provider.MaxResponseSize))
		zr.Close()
		if err != nil {
			return fmt.Errorf("failed to decompress: %w", err)
		}
	}

	prefixes, _, err := netset.ParseList(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse IP list: %w", err)
	}
	if len(prefixes) == 0 {
		return fmt.Errorf("list has no entries")
	}

	dataPath := filepath.Join(m.dir, src.File)
	if err := writeAtomic(dataPath, data); err != nil {
		return err
	}
	meta, err := json.Marshal(cacheMeta{
		URL:      src.URL,
		CachedAt: clock.Now().Unix(),
		Size:     len(data),
		Checksum: checksum(data),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := writeAtomic(dataPath+".meta", meta); err != nil {
		return err
	}
	m.logger.Info("list refreshed", "url", src.URL, "entries", len(prefixes))
	return nil
}

// Stats describes a Load.
type Stats struct {
	Files   int
	Entries int
	// IgnoredV6 counts IPv6 entries, which are never blocklisted.
	IgnoredV6 int
	Skipped   int
}

// Load reads every list file in the directory and returns the IPv4
// entries. A missing directory is an empty blocklist.
func (m *Manager) Load() ([]netip.Prefix, Stats, error) {
	var stats Stats
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			m.logger.Warn("blocklist directory missing", "dir", m.dir)
			return nil, stats, nil
		}
		return nil, stats, fmt.Errorf("read blocklist dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isListFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []netip.Prefix
	for _, name := range names {
		f, err := os.Open(filepath.Join(m.dir, name))
		if err != nil {
			return nil, stats, err
		}
		prefixes, skipped, err := netset.ParseList(f)
		f.Close()
		if err != nil {
			return nil, stats, fmt.Errorf("%s: %w", name, err)
		}
		stats.Files++
		stats.Skipped += skipped

		v4, v6 := netset.SplitFamilies(prefixes)
		stats.IgnoredV6 += len(v6)
		out = append(out, v4...)
	}
	stats.Entries = len(out)

	m.logger.Info("blocklist loaded", "files", stats.Files, "entries", stats.Entries,
		"ignored_v6", stats.IgnoredV6, "skipped", stats.Skipped)
	return out, stats, nil
}

func isListFile(name string) bool {
	ext := filepath.Ext(name)
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}
