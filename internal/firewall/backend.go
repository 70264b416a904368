package firewall

import (
	"errors"
	"fmt"
	"os/exec"

	"grimm.is/geofence/internal/config"
)

// Backend identifies the packet-filter toolchain in use.
type Backend string

const (
	// BackendUnified is nftables driven through nft.
	BackendUnified Backend = "nftables"
	// BackendLegacy is iptables, ip6tables and ipset.
	BackendLegacy Backend = "iptables"
)

func (b Backend) String() string { return string(b) }

var (
	// ErrNoBackend is returned when neither toolchain is installed.
	ErrNoBackend = errors.New("no supported firewall backend found (need nft, or iptables and ipset)")

	// ErrMissingIPv6Tool is returned when IPv6 geo-blocking is requested on
	// the legacy backend without ip6tables.
	ErrMissingIPv6Tool = errors.New("ip6tables is required for IPv6 geo-blocking on the iptables backend")
)

// LookPathFunc resolves an executable name, like exec.LookPath.
type LookPathFunc func(file string) (string, error)

// Tools required per backend.
var (
	unifiedTools = []string{"nft"}
	legacyTools  = []string{"iptables", "ipset"}
	legacyV6Tool = "ip6tables"
)

// SelectBackend picks the backend. With force set to "auto" (or empty) nft
// is preferred over iptables+ipset. A forced backend must still have its
// binaries installed.
func SelectBackend(force string, ipv6 bool, lookPath LookPathFunc) (Backend, error) {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	has := func(tools ...string) bool {
		for _, t := range tools {
			if _, err := lookPath(t); err != nil {
				return false
			}
		}
		return true
	}
	legacy := func() (Backend, error) {
		if ipv6 && !has(legacyV6Tool) {
			return "", ErrMissingIPv6Tool
		}
		return BackendLegacy, nil
	}

	switch force {
	case "", config.BackendAuto:
		if has(unifiedTools...) {
			return BackendUnified, nil
		}
		if has(legacyTools...) {
			return legacy()
		}
		return "", ErrNoBackend
	case config.BackendNFTables:
		if !has(unifiedTools...) {
			return "", fmt.Errorf("%w: nft not installed", ErrNoBackend)
		}
		return BackendUnified, nil
	case config.BackendIPTables:
		if !has(legacyTools...) {
			return "", fmt.Errorf("%w: iptables or ipset not installed", ErrNoBackend)
		}
		return legacy()
	default:
		return "", fmt.Errorf("unknown backend %q", force)
	}
}
