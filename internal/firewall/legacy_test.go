package firewall

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileLegacy_IPv4(t *testing.T) {
	tx, err := CompileLegacy(testRuleset(false))
	require.NoError(t, err)
	require.Len(t, tx.Families, 1)
	assert.False(t, tx.Has(FamilyIPv6))

	lf := tx.Families[0]
	assert.Equal(t, FamilyIPv4, lf.Family)

	assert.Contains(t, lf.IPSet, "create geofence-allow-v4 hash:net family inet hashsize 1024 maxelem 65536 -exist\n")
	assert.Contains(t, lf.IPSet, "add geofence-allow-v4-tmp 2.0.0.0/12 -exist\n")
	assert.Contains(t, lf.IPSet, "add geofence-private-v4-tmp 192.168.0.0/16 -exist\n")

	swap := strings.Index(lf.IPSet, "swap geofence-allow-v4-tmp geofence-allow-v4\n")
	destroy := strings.Index(lf.IPSet, "destroy geofence-allow-v4-tmp\n")
	fill := strings.Index(lf.IPSet, "add geofence-allow-v4-tmp")
	require.NotEqual(t, -1, swap)
	assert.Less(t, fill, swap)
	assert.Less(t, swap, destroy)

	rules := lf.Rules
	assert.True(t, strings.HasPrefix(rules, "*filter\n"))
	assert.True(t, strings.HasSuffix(rules, "COMMIT\n"))
	assert.Contains(t, rules, ":GEOFENCE-INPUT - [0:0]\n")
	assert.Contains(t, rules, ":GEOFENCE-FORWARD - [0:0]\n")
	assert.Contains(t, rules, ":GEOFENCE-SSH-BAN - [0:0]\n")
	assert.Contains(t, rules, "-A GEOFENCE-INPUT -p icmp -j ACCEPT\n")
	assert.Contains(t, rules, "-A GEOFENCE-INPUT -m set ! --match-set geofence-allow-v4 src -j LOG --log-prefix \"geofence-geo-drop: \"\n")
	assert.Contains(t, rules, "-A GEOFENCE-INPUT -m set ! --match-set geofence-allow-v4 src -j DROP\n")
	assert.Contains(t, rules, "-A GEOFENCE-INPUT -p tcp --dport 22 -m conntrack --ctstate NEW -m recent --name geofence-ssh-v4 --rcheck --seconds 60 --hitcount 5 -j GEOFENCE-SSH-BAN\n")
	assert.Contains(t, rules, "-A GEOFENCE-INPUT -m recent --name geofence-ban-v4 --rcheck --seconds 3600 -j DROP\n")
	assert.Contains(t, rules, "-A GEOFENCE-SSH-BAN -m recent --name geofence-ban-v4 --set\n")
	assert.Contains(t, rules, "-A GEOFENCE-INPUT -j DROP\n")
}

func TestCompileLegacy_ForwardReturns(t *testing.T) {
	tx, err := CompileLegacy(testRuleset(false))
	require.NoError(t, err)
	rules := tx.Families[0].Rules

	var forward []string
	for _, l := range strings.Split(rules, "\n") {
		if strings.HasPrefix(l, "-A GEOFENCE-FORWARD ") {
			forward = append(forward, l)
		}
	}
	require.NotEmpty(t, forward)
	assert.Equal(t, "-A GEOFENCE-FORWARD -j RETURN", forward[len(forward)-1])
	for _, l := range forward {
		assert.NotContains(t, l, "ACCEPT")
	}
	assert.Contains(t, rules, "-A GEOFENCE-FORWARD -m set --match-set geofence-private-v4 src -j RETURN\n")
}

func TestCompileLegacy_IPv6(t *testing.T) {
	tx, err := CompileLegacy(testRuleset(true))
	require.NoError(t, err)
	require.Len(t, tx.Families, 2)
	require.True(t, tx.Has(FamilyIPv6))

	lf := tx.Families[1]
	assert.Equal(t, "ip6tables-restore", lf.Family.RestoreTool())
	assert.Contains(t, lf.IPSet, "create geofence-allow-v6 hash:net family inet6 hashsize 1024 maxelem 65536 -exist\n")
	assert.Contains(t, lf.IPSet, "add geofence-allow-v6-tmp 2001:b00::/24 -exist\n")
	assert.Contains(t, lf.Rules, "-A GEOFENCE-INPUT -p ipv6-icmp -j ACCEPT\n")
	assert.Contains(t, lf.Rules, "--name geofence-ssh-v6")
	assert.NotContains(t, lf.Rules, "geofence-ssh-v4")

	out := tx.String()
	assert.Contains(t, out, "# ipset restore (ipv4)\n")
	assert.Contains(t, out, "# ip6tables-restore --noflush\n")
}

func TestCompileLegacy_CustomSSH(t *testing.T) {
	rs := testRuleset(false)
	rs.SSH.Port = 2222
	rs.SSH.Threshold = 10

	tx, err := CompileLegacy(rs)
	require.NoError(t, err)
	rules := tx.Families[0].Rules

	assert.Contains(t, rules, "--dport 2222 -m conntrack --ctstate NEW -m recent --name geofence-ssh-v4 --rcheck --seconds 60 --hitcount 11")
	assert.Contains(t, rules, "-A GEOFENCE-INPUT -p tcp --dport 2222 -j ACCEPT\n")
	assert.NotContains(t, rules, "--dport 22 ")
}

func TestCompileLegacy_EmptyV4NeedsNoPlaceholder(t *testing.T) {
	rs := testRuleset(true)
	rs.Allow.V4 = nil

	tx, err := CompileLegacy(rs)
	require.NoError(t, err)
	assert.NotContains(t, tx.Families[0].IPSet, PlaceholderV4)
	assert.Contains(t, tx.Families[0].IPSet, "swap geofence-allow-v4-tmp geofence-allow-v4\n")
}

func TestLegacyFamily_IPSetRestoreKeepsExistingSets(t *testing.T) {
	tx, err := CompileLegacy(testRuleset(false))
	require.NoError(t, err)
	lf := tx.Families[0]

	doc := lf.IPSetRestore(map[string]bool{
		"geofence-private-v4":   true,
		"geofence-allow-v4":     true,
		"geofence-allow-v4-tmp": true,
	})
	assert.NotContains(t, doc, "create geofence-allow-v4 ")
	assert.NotContains(t, doc, "create geofence-private-v4 ")
	assert.Equal(t, 1, strings.Count(doc, "destroy geofence-private-v4-tmp\n"))

	stale := strings.Index(doc, "destroy geofence-allow-v4-tmp\n")
	create := strings.Index(doc, "create geofence-allow-v4-tmp ")
	require.NotEqual(t, -1, stale)
	assert.Less(t, stale, create, "a leftover temporary set is dropped before it is recreated")

	assert.Equal(t, lf.IPSet, lf.IPSetRestore(nil))
}

func TestMaxElem(t *testing.T) {
	assert.Equal(t, 65536, maxElem(0))
	assert.Equal(t, 65536, maxElem(65536))
	assert.Equal(t, 131072, maxElem(65537))
	assert.Equal(t, 262144, maxElem(200000))
}

func TestManagedNames(t *testing.T) {
	assert.Equal(t, []string{
		"geofence-private-v4", "geofence-allow-v4",
		"geofence-private-v6", "geofence-allow-v6",
	}, ManagedSets())
	assert.Equal(t, []string{"GEOFENCE-INPUT", "GEOFENCE-FORWARD", "GEOFENCE-SSH-BAN"}, ManagedChains())
}
