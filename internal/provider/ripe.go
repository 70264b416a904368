package provider

import (
	"bufio"
	"bytes"
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"go4.org/netipx"

	"grimm.is/geofence/internal/config"
	"grimm.is/geofence/internal/logging"
)

var md5Pattern = regexp.MustCompile(`(?i)\b[0-9a-f]{32}\b`)

// RIPE reads the RIPE NCC delegated-extended registry. The registry and its
// checksum are downloaded once per client and shared by every country.
type RIPE struct {
	url     string
	fetcher *Fetcher
	ipv6    bool
	logger  *logging.Logger

	once    sync.Once
	index   map[config.CountryCode]*Result
	loadErr error
}

// NewRIPE creates a client for the registry at url; the checksum is read
// from url + ".md5".
func NewRIPE(url string, fetcher *Fetcher, ipv6 bool, logger *logging.Logger) *RIPE {
	return &RIPE{url: url, fetcher: fetcher, ipv6: ipv6, logger: logger}
}

func (c *RIPE) Name() config.Provider { return config.ProviderRIPE }

// Fetch returns the allocated ranges of country.
func (c *RIPE) Fetch(ctx context.Context, country config.CountryCode) (Result, error) {
	c.once.Do(func() { c.loadErr = c.load(ctx) })
	if c.loadErr != nil {
		return Result{}, c.loadErr
	}

	res, ok := c.index[country]
	if !ok || res.Empty() {
		return Result{}, fmt.Errorf("%s: %w", country, ErrNoData)
	}
	out := Result{V4: res.V4}
	if c.ipv6 {
		out.V6 = res.V6
	}
	return out, nil
}

func (c *RIPE) load(ctx context.Context) error {
	sumData, err := c.fetcher.Get(ctx, c.url+".md5")
	if err != nil {
		return fmt.Errorf("%w: checksum: %v", ErrBulkFetch, err)
	}
	data, err := c.fetcher.Get(ctx, c.url)
	if err != nil {
		return fmt.Errorf("%w: registry: %v", ErrBulkFetch, err)
	}

	if err := VerifyMD5(data, sumData); err != nil {
		return err
	}

	index, err := ParseDelegated(data)
	if err != nil {
		return err
	}
	c.index = index
	c.logger.Info("registry loaded", "url", c.url, "bytes", len(data), "countries", len(index))
	return nil
}

// VerifyMD5 checks data against a published checksum file. Both the BSD
// "MD5 (file) = sum" and the coreutils "sum  file" layouts are accepted.
func VerifyMD5(data, sumFile []byte) error {
	want := md5Pattern.Find(sumFile)
	if want == nil {
		return fmt.Errorf("%w: no checksum in %q", ErrIntegrity, truncate(sumFile, 64))
	}
	got := md5.Sum(data)
	if !strings.EqualFold(hex.EncodeToString(got[:]), string(want)) {
		return fmt.Errorf("%w: got %x, want %s", ErrIntegrity, got, want)
	}
	return nil
}

// ParseDelegated indexes allocated IPv4 and IPv6 records by country.
//
// Records have the form registry|cc|type|start|value|date|status[|...].
// IPv4 values are host counts, IPv6 values are prefix lengths.
func ParseDelegated(data []byte) (map[config.CountryCode]*Result, error) {
	index := make(map[config.CountryCode]*Result)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "|")
		if len(fields) < 7 {
			// version and summary lines
			continue
		}
		typ, status := fields[2], fields[6]
		if status != "allocated" || (typ != "ipv4" && typ != "ipv6") {
			continue
		}
		country, err := config.ParseCountry(fields[1])
		if err != nil {
			continue
		}

		res := index[country]
		if res == nil {
			res = &Result{}
			index[country] = res
		}

		switch typ {
		case "ipv4":
			ps, err := ipv4Block(fields[3], fields[4])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
			}
			res.V4 = append(res.V4, ps...)
		case "ipv6":
			p, err := ipv6Block(fields[3], fields[4])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
			}
			res.V6 = append(res.V6, p)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return index, nil
}

// ipv4Block converts a start address and host count to prefixes. An aligned
// power-of-two count is a single prefix; anything else is decomposed.
func ipv4Block(start, value string) ([]netip.Prefix, error) {
	addr, err := netip.ParseAddr(start)
	if err != nil || !addr.Is4() {
		return nil, fmt.Errorf("bad ipv4 start %q", start)
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil || n == 0 || n > 1<<32 {
		return nil, fmt.Errorf("bad ipv4 host count %q", value)
	}

	if n&(n-1) == 0 {
		p := netip.PrefixFrom(addr, 32-bits.TrailingZeros64(n))
		if p.Masked().Addr() == addr {
			return []netip.Prefix{p}, nil
		}
	}

	a4 := addr.As4()
	first := uint64(binary.BigEndian.Uint32(a4[:]))
	last := first + n - 1
	if last > 0xffffffff {
		return nil, fmt.Errorf("ipv4 block %s+%d overflows", start, n)
	}
	var end [4]byte
	binary.BigEndian.PutUint32(end[:], uint32(last))
	r := netipx.IPRangeFrom(addr, netip.AddrFrom4(end))
	return r.Prefixes(), nil
}

func ipv6Block(start, value string) (netip.Prefix, error) {
	addr, err := netip.ParseAddr(start)
	if err != nil || !addr.Is6() {
		return netip.Prefix{}, fmt.Errorf("bad ipv6 start %q", start)
	}
	bitsLen, err := strconv.Atoi(value)
	if err != nil || bitsLen < 0 || bitsLen > 128 {
		return netip.Prefix{}, fmt.Errorf("bad ipv6 prefix length %q", value)
	}
	return netip.PrefixFrom(addr, bitsLen).Masked(), nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
