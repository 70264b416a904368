// Package netset turns per-country address ranges into a minimal allow set.
//
// IPv4 input (prefixes and start/end ranges) is merged into the smallest
// set of covering CIDR blocks, minus an optional IPv4 blocklist. IPv6 input
// is only deduplicated. The result is checked so that neither family ever
// contains the default route.
package netset

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"go4.org/netipx"
)

// ErrDefaultRoute is returned when an optimized set covers 0.0.0.0/0 or ::/0.
var ErrDefaultRoute = errors.New("allow set contains the default route")

// ErrEmpty is returned when the optimized set has no IPv4 and no IPv6 prefixes.
var ErrEmpty = errors.New("allow set is empty")

// Input is the concatenated output of every provider for one run.
type Input struct {
	V4       []netip.Prefix
	V4Ranges []netipx.IPRange
	V6       []netip.Prefix

	// Block is subtracted from the IPv4 result. IPv6 entries are ignored.
	Block []netip.Prefix
}

// AllowSet is the optimized allowlist per address family.
type AllowSet struct {
	V4 []netip.Prefix
	V6 []netip.Prefix
}

// Stats describes one optimization pass.
type Stats struct {
	V4In        int
	V4RangesIn  int
	V4Out       int
	V6In        int
	V6Out       int
	BlockIn     int
	BlockIgnore int
	// V4Addresses is the number of IPv4 addresses covered by the output.
	V4Addresses uint64
}

// Optimize merges, subtracts and deduplicates in. The returned set is never
// empty and never contains a default route; both conditions are errors.
func Optimize(in Input) (*AllowSet, Stats, error) {
	stats := Stats{
		V4In:       len(in.V4),
		V4RangesIn: len(in.V4Ranges),
		V6In:       len(in.V6),
		BlockIn:    len(in.Block),
	}

	var b netipx.IPSetBuilder
	for _, p := range in.V4 {
		p = UnmapPrefix(p)
		if !p.IsValid() || !p.Addr().Is4() {
			return nil, stats, fmt.Errorf("non-IPv4 prefix %s in IPv4 input", p)
		}
		b.AddPrefix(p.Masked())
	}
	for _, r := range in.V4Ranges {
		if !r.IsValid() || !r.From().Is4() {
			return nil, stats, fmt.Errorf("invalid IPv4 range %s", r)
		}
		b.AddRange(r)
	}
	for _, p := range in.Block {
		p = UnmapPrefix(p)
		if !p.IsValid() || !p.Addr().Is4() {
			stats.BlockIgnore++
			continue
		}
		b.RemovePrefix(p.Masked())
	}

	set, err := b.IPSet()
	if err != nil {
		return nil, stats, fmt.Errorf("build IPv4 set: %w", err)
	}

	out := &AllowSet{
		V4: set.Prefixes(),
		V6: DedupV6(in.V6),
	}
	stats.V4Out = len(out.V4)
	stats.V6Out = len(out.V6)
	stats.V4Addresses = out.V4Addresses()

	if err := out.Check(); err != nil {
		return nil, stats, err
	}
	return out, stats, nil
}

// DedupV6 removes exact duplicates (after masking) and sorts the result.
// Overlapping or adjacent IPv6 prefixes are kept as they are.
func DedupV6(in []netip.Prefix) []netip.Prefix {
	seen := make(map[netip.Prefix]struct{}, len(in))
	out := make([]netip.Prefix, 0, len(in))
	for _, p := range in {
		if !p.IsValid() || !p.Addr().Is6() || p.Addr().Is4In6() {
			continue
		}
		p = p.Masked()
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	SortPrefixes(out)
	return out
}

// Check enforces the output invariants: at least one prefix overall and no
// /0 in either family.
func (a *AllowSet) Check() error {
	if a == nil || (len(a.V4) == 0 && len(a.V6) == 0) {
		return ErrEmpty
	}
	for _, p := range a.V4 {
		if p.Bits() == 0 {
			return fmt.Errorf("%w: %s", ErrDefaultRoute, p)
		}
	}
	for _, p := range a.V6 {
		if p.Bits() == 0 {
			return fmt.Errorf("%w: %s", ErrDefaultRoute, p)
		}
	}
	return nil
}

// V4Addresses counts the IPv4 addresses covered by a.V4.
func (a *AllowSet) V4Addresses() uint64 {
	var n uint64
	for _, p := range a.V4 {
		n += uint64(1) << (32 - p.Bits())
	}
	return n
}

// Contains reports whether addr is inside the set.
func (a *AllowSet) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	list := a.V6
	if addr.Is4() {
		list = a.V4
	}
	for _, p := range list {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Hash returns the first 8 hex characters of a SHA-256 over both families.
func (a *AllowSet) Hash() string {
	h := sha256.New()
	for _, p := range a.V4 {
		h.Write([]byte(p.String()))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte{'-', '\n'})
	for _, p := range a.V6 {
		h.Write([]byte(p.String()))
		h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:4])
}

// Strings renders prefixes for a rule compiler.
func Strings(ps []netip.Prefix) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}

// SortPrefixes orders prefixes by address, then by prefix length.
func SortPrefixes(ps []netip.Prefix) {
	sort.Slice(ps, func(i, j int) bool {
		if c := ps[i].Addr().Compare(ps[j].Addr()); c != 0 {
			return c < 0
		}
		return ps[i].Bits() < ps[j].Bits()
	})
}

// ParsePrefix accepts either CIDR notation or a bare address, which becomes a
// host prefix.
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, err
		}
		return UnmapPrefix(p).Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// UnmapPrefix turns an IPv4-mapped IPv6 prefix such as ::ffff:10.0.0.0/104
// into its IPv4 form. Other prefixes are returned unchanged.
func UnmapPrefix(p netip.Prefix) netip.Prefix {
	if p.Addr().Is4In6() && p.Bits() >= 96 {
		return netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
	}
	return p
}
