package netset

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseList(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
		skipped  int
	}{
		{
			name:     "Basic IPs",
			input:    "192.168.1.1\n10.0.0.1",
			expected: []string{"192.168.1.1/32", "10.0.0.1/32"},
		},
		{
			name: "Comments and Empty Lines",
			input: `
# This is a comment
192.168.1.1 # Inline comment
   10.0.0.1
; Semicolon comment
`,
			expected: []string{"192.168.1.1/32", "10.0.0.1/32"},
		},
		{
			name:     "CIDRs",
			input:    "192.168.0.0/24\n2001:db8::/32",
			expected: []string{"192.168.0.0/24", "2001:db8::/32"},
		},
		{
			name:     "Unmasked CIDR is masked",
			input:    "10.1.2.3/8",
			expected: []string{"10.0.0.0/8"},
		},
		{
			name:    "Invalid Lines",
			input:   "invalid-ip\n300.1.1.1",
			skipped: 2,
		},
		{
			name:     "Trailing fields",
			input:    "1.2.3.0/24 some-label",
			expected: []string{"1.2.3.0/24"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, skipped, err := ParseList(strings.NewReader(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.skipped, skipped)
			assert.Equal(t, tc.expected, stringsOrNil(got))
		})
	}
}

func TestSplitFamilies(t *testing.T) {
	v4, v6 := SplitFamilies(mustPrefixes(t, "10.0.0.0/8", "2001:db8::/32", "192.0.2.1"))
	assert.Len(t, v4, 2)
	assert.Len(t, v6, 1)
}

func stringsOrNil(ps []netip.Prefix) []string {
	if len(ps) == 0 {
		return nil
	}
	return Strings(ps)
}
