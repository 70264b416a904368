package provider

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/oschwald/maxminddb-golang"

	"grimm.is/geofence/internal/config"
	"grimm.is/geofence/internal/logging"
	"grimm.is/geofence/internal/netset"
)

// countryRecord is the subset of a GeoIP2/GeoLite2/DB-IP country record we
// decode.
type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// MMDB reads a local country database. The database is walked once and
// indexed by country on first use.
type MMDB struct {
	path   string
	ipv6   bool
	logger *logging.Logger

	once    sync.Once
	index   map[config.CountryCode]*Result
	loadErr error
}

// NewMMDB creates a client for the database at path.
func NewMMDB(path string, ipv6 bool, logger *logging.Logger) *MMDB {
	return &MMDB{path: path, ipv6: ipv6, logger: logger}
}

func (c *MMDB) Name() config.Provider { return config.ProviderMMDB }

// Fetch returns the networks the database attributes to country.
func (c *MMDB) Fetch(ctx context.Context, country config.CountryCode) (Result, error) {
	c.once.Do(func() { c.loadErr = c.load(ctx) })
	if c.loadErr != nil {
		return Result{}, c.loadErr
	}
	res, ok := c.index[country]
	if !ok {
		return Result{}, fmt.Errorf("%s: %w", country, ErrNoData)
	}
	out := Result{V4: res.V4}
	if c.ipv6 {
		out.V6 = res.V6
	}
	if out.Empty() {
		return Result{}, fmt.Errorf("%s: %w", country, ErrNoData)
	}
	return out, nil
}

func (c *MMDB) load(ctx context.Context) error {
	db, err := maxminddb.Open(c.path)
	if err != nil {
		return fmt.Errorf("%w: %v could not be opened: %v", ErrBulkFetch, c.path, err)
	}
	defer db.Close()

	index := make(map[config.CountryCode]*Result)
	networks := db.Networks(maxminddb.SkipAliasedNetworks)
	n := 0
	for networks.Next() {
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		n++

		var rec countryRecord
		ipNet, err := networks.Network(&rec)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrMalformed, c.path, err)
		}
		if rec.Country.ISOCode == "" {
			continue
		}
		country, err := config.ParseCountry(rec.Country.ISOCode)
		if err != nil {
			continue
		}
		// Not netipx.FromStdIPNet: it unmaps the address but keeps the
		// IPv6 mask length.
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		ones, _ := ipNet.Mask.Size()
		prefix := netset.UnmapPrefix(netip.PrefixFrom(addr, ones))
		if !prefix.IsValid() {
			continue
		}

		res := index[country]
		if res == nil {
			res = &Result{}
			index[country] = res
		}
		if prefix.Addr().Is4() {
			res.V4 = append(res.V4, prefix)
		} else {
			res.V6 = append(res.V6, prefix)
		}
	}
	if err := networks.Err(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, c.path, err)
	}

	c.index = index
	c.logger.Info("country database indexed",
		"path", c.path, "networks", n, "countries", len(index),
		"type", db.Metadata.DatabaseType)
	return nil
}
