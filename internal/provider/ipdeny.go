package provider

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/hashicorp/go-multierror"

	"grimm.is/geofence/internal/config"
	"grimm.is/geofence/internal/logging"
	"grimm.is/geofence/internal/netset"
)

// IPDeny fetches aggregated per-country zone files.
type IPDeny struct {
	base    string
	fetcher *Fetcher
	ipv6    bool
	logger  *logging.Logger
}

// NewIPDeny creates a client for the zone files under base.
func NewIPDeny(base string, fetcher *Fetcher, ipv6 bool, logger *logging.Logger) *IPDeny {
	return &IPDeny{
		base:    strings.TrimRight(base, "/"),
		fetcher: fetcher,
		ipv6:    ipv6,
		logger:  logger,
	}
}

func (c *IPDeny) Name() config.Provider { return config.ProviderIPDeny }

// V4URL returns the IPv4 zone file location for country.
func (c *IPDeny) V4URL(country config.CountryCode) string {
	return fmt.Sprintf("%s/ipblocks/data/aggregated/%s-aggregated.zone", c.base, country.Lower())
}

// V6URL returns the IPv6 zone file location for country.
func (c *IPDeny) V6URL(country config.CountryCode) string {
	return fmt.Sprintf("%s/ipv6/ipaddresses/aggregated/%s-aggregated.zone", c.base, country.Lower())
}

// Fetch downloads the IPv4 zone and, when enabled, the IPv6 zone. A family
// that fails is skipped; the error is returned alongside the other family.
func (c *IPDeny) Fetch(ctx context.Context, country config.CountryCode) (Result, error) {
	var res Result
	var errs *multierror.Error

	v4, err := c.zone(ctx, c.V4URL(country), true)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("%s ipv4: %w", country, err))
	}
	res.V4 = v4

	if c.ipv6 {
		v6, err := c.zone(ctx, c.V6URL(country), false)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s ipv6: %w", country, err))
		}
		res.V6 = v6
	}

	return res, errs.ErrorOrNil()
}

func (c *IPDeny) zone(ctx context.Context, url string, v4 bool) ([]netip.Prefix, error) {
	data, err := c.fetcher.Get(ctx, url)
	if err != nil {
		return nil, err
	}

	prefixes, skipped, err := netset.ParseList(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		c.logger.Warn("skipped unparsable zone lines", "url", url, "count", skipped)
	}

	out := prefixes[:0]
	for _, p := range prefixes {
		if p.Addr().Is4() == v4 {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoData
	}
	return out, nil
}
