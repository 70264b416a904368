package provider

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"go4.org/netipx"

	"grimm.is/geofence/internal/config"
	"grimm.is/geofence/internal/logging"
)

// nirsoftMinColumns is the narrowest row accepted: start, end, count, date.
const nirsoftMinColumns = 4

// Nirsoft fetches per-country CSV files of IPv4 start/end ranges.
type Nirsoft struct {
	base    string
	fetcher *Fetcher
	logger  *logging.Logger
}

// NewNirsoft creates a client for the CSV files under base.
func NewNirsoft(base string, fetcher *Fetcher, logger *logging.Logger) *Nirsoft {
	return &Nirsoft{base: strings.TrimRight(base, "/"), fetcher: fetcher, logger: logger}
}

func (c *Nirsoft) Name() config.Provider { return config.ProviderNirsoft }

// URL returns the CSV location for country.
func (c *Nirsoft) URL(country config.CountryCode) string {
	return fmt.Sprintf("%s/%s.csv", c.base, country.Lower())
}

// Fetch downloads and parses the CSV of country. IPv6 is never published.
func (c *Nirsoft) Fetch(ctx context.Context, country config.CountryCode) (Result, error) {
	url := c.URL(country)
	data, err := c.fetcher.Get(ctx, url)
	if err != nil {
		return Result{}, fmt.Errorf("%s ipv4: %w", country, err)
	}
	ranges, err := ParseNirsoftCSV(data)
	if err != nil {
		return Result{}, fmt.Errorf("%s ipv4: %s: %w", country, url, err)
	}
	return Result{V4Ranges: ranges}, nil
}

// ParseNirsoftCSV parses start,end,... rows. The whole file is rejected if
// it is empty or any row is too short.
func ParseNirsoftCSV(data []byte) ([]netipx.IPRange, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrMalformed)
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	var out []netipx.IPRange
	row := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			return nil, fmt.Errorf("%w: row %d: %v", ErrMalformed, row, err)
		}
		if len(rec) < nirsoftMinColumns {
			return nil, fmt.Errorf("%w: row %d has %d columns, want at least %d",
				ErrMalformed, row, len(rec), nirsoftMinColumns)
		}

		from, err1 := netip.ParseAddr(strings.TrimSpace(rec[0]))
		to, err2 := netip.ParseAddr(strings.TrimSpace(rec[1]))
		if err1 != nil || err2 != nil || !from.Is4() || !to.Is4() {
			return nil, fmt.Errorf("%w: row %d: bad address pair %q-%q", ErrMalformed, row, rec[0], rec[1])
		}
		rng := netipx.IPRangeFrom(from, to)
		if !rng.IsValid() {
			return nil, fmt.Errorf("%w: row %d: start after end", ErrMalformed, row)
		}
		out = append(out, rng)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrMalformed)
	}
	return out, nil
}
