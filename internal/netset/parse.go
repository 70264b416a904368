package netset

import (
	"bufio"
	"io"
	"net/netip"
	"strings"
)

// ParseList reads one address or CIDR per line. Empty lines, '#' and ';'
// comments (whole-line or trailing) are skipped, as are entries that do not
// parse. skipped counts the latter.
func ParseList(r io.Reader) (prefixes []netip.Prefix, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if idx := strings.IndexAny(line, "#;"); idx != -1 {
			line = strings.TrimSpace(line[:idx])
		}
		// Some lists append fields after the prefix.
		if fields := strings.Fields(line); len(fields) > 1 {
			line = fields[0]
		}

		p, perr := ParsePrefix(line)
		if perr != nil {
			skipped++
			continue
		}
		prefixes = append(prefixes, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, err
	}
	return prefixes, skipped, nil
}

// SplitFamilies separates IPv4 and IPv6 prefixes.
func SplitFamilies(ps []netip.Prefix) (v4, v6 []netip.Prefix) {
	for _, p := range ps {
		if p.Addr().Is4() {
			v4 = append(v4, p)
		} else {
			v6 = append(v6, p)
		}
	}
	return v4, v6
}
