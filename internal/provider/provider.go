// Package provider downloads per-country address ranges.
//
// Four sources are supported: ipdeny aggregated zone files, the RIPE NCC
// delegated registry (verified against its published MD5), nirsoft
// per-country CSV start/end ranges and a local MaxMind/DB-IP country
// database. Every client implements Client.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"go4.org/netipx"

	"grimm.is/geofence/internal/config"
	"grimm.is/geofence/internal/logging"
)

var (
	// ErrIntegrity is returned when a bulk registry file does not match its
	// published checksum. It aborts the whole run.
	ErrIntegrity = errors.New("registry checksum mismatch")

	// ErrBulkFetch is returned when a shared bulk file cannot be downloaded.
	// It aborts the whole run.
	ErrBulkFetch = errors.New("bulk registry download failed")

	// ErrNoData is returned when a country yields no usable ranges.
	ErrNoData = errors.New("no ranges")

	// ErrMalformed is returned when a provider file fails structural checks.
	ErrMalformed = errors.New("malformed provider data")
)

// Fatal reports whether err must abort the run instead of skipping one
// country.
func Fatal(err error) bool {
	return errors.Is(err, ErrIntegrity) || errors.Is(err, ErrBulkFetch)
}

// Result holds the ranges published for one country.
type Result struct {
	V4       []netip.Prefix
	V6       []netip.Prefix
	V4Ranges []netipx.IPRange
}

// Empty reports whether r carries no ranges at all.
func (r Result) Empty() bool {
	return len(r.V4) == 0 && len(r.V6) == 0 && len(r.V4Ranges) == 0
}

// Client fetches the ranges of one country.
//
// A non-nil error together with a non-empty Result means a partial success:
// one address family failed and the other is usable.
type Client interface {
	Name() config.Provider
	Fetch(ctx context.Context, country config.CountryCode) (Result, error)
}

// Options configures clients built by New.
type Options struct {
	IPv6    bool
	Sources config.SourcesConfig
	Retry   RetryConfig
	Logger  *logging.Logger
}

// New builds the client for p.
func New(p config.Provider, opts Options) (Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.WithComponent("provider")
	fetcher := NewFetcher(opts.Retry, logger)

	switch p {
	case config.ProviderIPDeny:
		return NewIPDeny(orDefault(opts.Sources.IPDenyURL, config.DefaultIPDenyURL), fetcher, opts.IPv6, logger), nil
	case config.ProviderRIPE:
		return NewRIPE(orDefault(opts.Sources.RIPEURL, config.DefaultRIPEURL), fetcher, opts.IPv6, logger), nil
	case config.ProviderNirsoft:
		return NewNirsoft(orDefault(opts.Sources.NirsoftURL, config.DefaultNirsoftURL), fetcher, logger), nil
	case config.ProviderMMDB:
		if opts.Sources.MMDBPath == "" {
			return nil, fmt.Errorf("provider %s: no database path configured", p)
		}
		return NewMMDB(opts.Sources.MMDBPath, opts.IPv6, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", p)
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
