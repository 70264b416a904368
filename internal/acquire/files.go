package acquire

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"grimm.is/geofence/internal/netset"
)

// Zone file suffixes in the work directory.
const (
	SuffixV4 = ".v4"
	SuffixV6 = ".v6"
)

// WriteZoneFiles regenerates the work directory: existing zone files are
// removed, then one file per family is written for every country with data.
// Ranges are written as their covering prefixes.
func WriteZoneFiles(dir string, outcomes []Outcome) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if err := removeZoneFiles(dir); err != nil {
		return err
	}

	for _, o := range outcomes {
		v4 := append([]netip.Prefix(nil), o.Result.V4...)
		for _, r := range o.Result.V4Ranges {
			v4 = append(v4, r.Prefixes()...)
		}
		name := strings.ToLower(string(o.Country))
		if err := writePrefixes(filepath.Join(dir, name+SuffixV4), v4); err != nil {
			return err
		}
		if err := writePrefixes(filepath.Join(dir, name+SuffixV6), o.Result.V6); err != nil {
			return err
		}
	}
	return nil
}

func removeZoneFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read work dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == SuffixV4 || ext == SuffixV6 {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("remove stale zone file: %w", err)
			}
		}
	}
	return nil
}

func writePrefixes(path string, ps []netip.Prefix) error {
	if len(ps) == 0 {
		return nil
	}
	netset.SortPrefixes(ps)

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("write zone file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, p := range ps {
		fmt.Fprintln(w, p.String())
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write zone file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write zone file: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadZoneFiles loads every zone file in dir. "show -offline" compiles from
// it without touching the network.
func ReadZoneFiles(dir string) (netset.Input, error) {
	var in netset.Input
	entries, err := os.ReadDir(dir)
	if err != nil {
		return in, fmt.Errorf("read work dir: %w", err)
	}
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != SuffixV4 && ext != SuffixV6) {
			continue
		}
		f, err := os.Open(filepath.Join(dir, e.Name()))
		if err != nil {
			return in, err
		}
		ps, _, err := netset.ParseList(f)
		f.Close()
		if err != nil {
			return in, fmt.Errorf("%s: %w", e.Name(), err)
		}
		v4, v6 := netset.SplitFamilies(ps)
		in.V4 = append(in.V4, v4...)
		in.V6 = append(in.V6, v6...)
	}
	if len(in.V4) == 0 && len(in.V6) == 0 {
		return in, ErrEmptyAllowSet
	}
	return in, nil
}
