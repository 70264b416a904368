package config

import (
	"fmt"
	"sort"
	"strings"
)

// Provider identifies a country range data source.
type Provider string

const (
	// ProviderIPDeny serves aggregated per-country zone files.
	ProviderIPDeny Provider = "ipdeny"
	// ProviderRIPE is the RIPE NCC delegated registry with an MD5 checksum.
	ProviderRIPE Provider = "ripe"
	// ProviderNirsoft serves per-country CSV start/end ranges (IPv4 only).
	ProviderNirsoft Provider = "nirsoft"
	// ProviderMMDB reads a local MaxMind or DB-IP country database.
	ProviderMMDB Provider = "mmdb"
)

// Providers lists every known provider.
var Providers = []Provider{ProviderIPDeny, ProviderRIPE, ProviderNirsoft, ProviderMMDB}

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	for _, known := range Providers {
		if p == known {
			return true
		}
	}
	return false
}

// SupportsIPv6 reports whether the provider publishes IPv6 ranges.
func (p Provider) SupportsIPv6() bool {
	return p != ProviderNirsoft
}

// CountryCode is an upper-case ISO 3166-1 alpha-2 code.
type CountryCode string

// ParseCountry normalizes s to a CountryCode.
func ParseCountry(s string) (CountryCode, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 2 || s[0] < 'A' || s[0] > 'Z' || s[1] < 'A' || s[1] > 'Z' {
		return "", fmt.Errorf("invalid country code %q", s)
	}
	return CountryCode(s), nil
}

// Lower returns the code in lower case, as most providers name their files.
func (c CountryCode) Lower() string {
	return strings.ToLower(string(c))
}

// Request binds one country to one provider.
type Request struct {
	Provider Provider
	Country  CountryCode
}

func (r Request) String() string {
	return string(r.Provider) + ":" + string(r.Country)
}

// Selection is a deduplicated list of requests sorted by provider then country.
type Selection []Request

// Countries returns the selected country codes.
func (s Selection) Countries() []CountryCode {
	out := make([]CountryCode, 0, len(s))
	for _, r := range s {
		out = append(out, r.Country)
	}
	return out
}

// ByProvider groups countries per provider.
func (s Selection) ByProvider() map[Provider][]CountryCode {
	out := make(map[Provider][]CountryCode)
	for _, r := range s {
		out[r.Provider] = append(out[r.Provider], r.Country)
	}
	return out
}

// String renders the selection in the advanced syntax.
func (s Selection) String() string {
	groups := s.ByProvider()
	var parts []string
	for _, p := range Providers {
		ccs, ok := groups[p]
		if !ok {
			continue
		}
		names := make([]string, len(ccs))
		for i, cc := range ccs {
			names[i] = string(cc)
		}
		parts = append(parts, string(p)+":"+strings.Join(names, ","))
	}
	return strings.Join(parts, ";")
}

// ParseSelection parses "IT,FR" or "ipdeny:IT,FR;ripe:DE".
// Country codes are case-insensitive and duplicates collapse. A country bound
// to two different providers is an error.
func ParseSelection(spec string, defaultProvider Provider) (Selection, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, fmt.Errorf("no countries selected")
	}

	bound := make(map[CountryCode]Provider)
	for _, group := range strings.Split(spec, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}

		provider := defaultProvider
		list := group
		if i := strings.Index(group, ":"); i >= 0 {
			provider = Provider(strings.ToLower(strings.TrimSpace(group[:i])))
			list = group[i+1:]
		}
		if !provider.Valid() {
			return nil, fmt.Errorf("unknown provider %q", provider)
		}

		for _, raw := range strings.Split(list, ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			cc, err := ParseCountry(raw)
			if err != nil {
				return nil, err
			}
			if prev, ok := bound[cc]; ok && prev != provider {
				return nil, fmt.Errorf("country %s requested from both %s and %s", cc, prev, provider)
			}
			bound[cc] = provider
		}
	}

	if len(bound) == 0 {
		return nil, fmt.Errorf("no countries selected")
	}

	sel := make(Selection, 0, len(bound))
	for cc, p := range bound {
		sel = append(sel, Request{Provider: p, Country: cc})
	}
	sort.Slice(sel, func(i, j int) bool {
		if sel[i].Provider != sel[j].Provider {
			return sel[i].Provider < sel[j].Provider
		}
		return sel[i].Country < sel[j].Country
	})
	return sel, nil
}
