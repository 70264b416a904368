package firewall

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookPathWith(tools ...string) LookPathFunc {
	have := make(map[string]bool)
	for _, t := range tools {
		have[t] = true
	}
	return func(file string) (string, error) {
		if have[file] {
			return "/usr/sbin/" + file, nil
		}
		return "", exec.ErrNotFound
	}
}

func TestSelectBackend(t *testing.T) {
	tests := []struct {
		name    string
		force   string
		ipv6    bool
		tools   []string
		want    Backend
		wantErr error
	}{
		{name: "nft preferred", tools: []string{"nft", "iptables", "ipset"}, want: BackendUnified},
		{name: "legacy fallback", tools: []string{"iptables", "ipset"}, want: BackendLegacy},
		{name: "legacy needs ipset", tools: []string{"iptables"}, wantErr: ErrNoBackend},
		{name: "nothing installed", wantErr: ErrNoBackend},
		{name: "legacy ipv6 needs ip6tables", ipv6: true, tools: []string{"iptables", "ipset"}, wantErr: ErrMissingIPv6Tool},
		{name: "legacy ipv6", ipv6: true, tools: []string{"iptables", "ipset", "ip6tables"}, want: BackendLegacy},
		{name: "unified ipv6 needs nothing else", ipv6: true, tools: []string{"nft"}, want: BackendUnified},
		{name: "forced legacy", force: "iptables", tools: []string{"nft", "iptables", "ipset"}, want: BackendLegacy},
		{name: "forced unified missing", force: "nftables", tools: []string{"iptables", "ipset"}, wantErr: ErrNoBackend},
		{name: "explicit auto", force: "auto", tools: []string{"nft"}, want: BackendUnified},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SelectBackend(tc.force, tc.ipv6, lookPathWith(tc.tools...))
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := SelectBackend("pf", false, lookPathWith("nft"))
	assert.Error(t, err)
}
