package firewall

import (
	"fmt"

	"grimm.is/geofence/internal/netset"
)

// Set names in the unified table.
const (
	setPrivateV4     = "private_v4"
	setPrivateV6     = "private_v6"
	setAllowV4       = "allow_v4"
	setAllowV6       = "allow_v6"
	setRateLimitV4   = "ssh_ratelimit_v4"
	setRateLimitV6   = "ssh_ratelimit_v6"
	setBlacklistV4   = "ssh_blacklist_v4"
	setBlacklistV6   = "ssh_blacklist_v6"
	chainInputName   = "input"
	chainForwardName = "forward"
)

// CompileUnified renders rs as one nft script that replaces the table.
func CompileUnified(rs *Ruleset) (string, error) {
	if err := rs.Check(); err != nil {
		return "", err
	}
	return BuildUnifiedScript(rs).Build(), nil
}

// BuildUnifiedScript builds the script without checking rs.
func BuildUnifiedScript(rs *Ruleset) *ScriptBuilder {
	sb := NewScriptBuilder(TableName, TableFamily)
	sb.ReplaceTable(rs.Comment)

	addStaticSets(sb, rs)
	addDynamicSets(sb, rs.SSH)
	addInputChain(sb, rs)
	addForwardChain(sb, rs)
	return sb
}

func addStaticSets(sb *ScriptBuilder, rs *Ruleset) {
	sb.AddSet(SetSpec{Name: setPrivateV4, Type: "ipv4_addr", Flags: []string{"interval"}, Comment: "private networks"})
	sb.AddSetElements(setPrivateV4, netset.Strings(PrivateV4))
	sb.AddSet(SetSpec{Name: setPrivateV6, Type: "ipv6_addr", Flags: []string{"interval"}, Comment: "private networks"})
	sb.AddSetElements(setPrivateV6, netset.Strings(PrivateV6))

	v4 := netset.Strings(rs.Allow.V4)
	if len(v4) == 0 {
		v4 = []string{PlaceholderV4}
	}
	sb.AddSet(SetSpec{Name: setAllowV4, Type: "ipv4_addr", Flags: []string{"interval"}, Comment: "country allowlist"})
	sb.AddSetElements(setAllowV4, v4)

	if rs.IPv6 {
		v6 := netset.Strings(rs.Allow.V6)
		if len(v6) == 0 {
			v6 = []string{PlaceholderV6}
		}
		// IPv6 input is only deduplicated and may overlap.
		sb.AddSet(SetSpec{Name: setAllowV6, Type: "ipv6_addr", Flags: []string{"interval"}, AutoMerge: true, Comment: "country allowlist"})
		sb.AddSetElements(setAllowV6, v6)
	}
}

func addDynamicSets(sb *ScriptBuilder, bf BruteForce) {
	dyn := []string{"dynamic", "timeout"}
	sb.AddSet(SetSpec{Name: setRateLimitV4, Type: "ipv4_addr", Flags: dyn, Timeout: bf.Window})
	sb.AddSet(SetSpec{Name: setBlacklistV4, Type: "ipv4_addr", Flags: dyn, Timeout: bf.Ban})
	sb.AddSet(SetSpec{Name: setRateLimitV6, Type: "ipv6_addr", Flags: dyn, Timeout: bf.Window})
	sb.AddSet(SetSpec{Name: setBlacklistV6, Type: "ipv6_addr", Flags: dyn, Timeout: bf.Ban})
}

func addInputChain(sb *ScriptBuilder, rs *Ruleset) {
	c := chainInputName
	sb.AddChain(c, "filter", "input", 0, "drop")

	sb.AddRule(c, `iif "lo" accept`)
	sb.AddRule(c, "ct state established,related accept")
	sb.AddRule(c, "ct state invalid drop")
	sb.AddRule(c, "meta l4proto { icmp, ipv6-icmp } accept")
	sb.AddRule(c, "ip saddr @"+setPrivateV4+" accept")
	sb.AddRule(c, "ip6 saddr @"+setPrivateV6+" accept")

	geoDrop := fmt.Sprintf("log prefix %q drop", logPrefix("geo-drop"))
	sb.AddRule(c, "ip saddr != @"+setAllowV4+" "+geoDrop)
	if rs.IPv6 {
		sb.AddRule(c, "ip6 saddr != @"+setAllowV6+" "+geoDrop)
	} else {
		sb.AddRule(c, "meta nfproto ipv6 accept", "ipv6 geo-blocking disabled")
	}

	banDrop := fmt.Sprintf("log prefix %q drop", logPrefix("ssh-ban"))
	sb.AddRule(c, "ip saddr @"+setBlacklistV4+" "+banDrop)
	if rs.IPv6 {
		sb.AddRule(c, "ip6 saddr @"+setBlacklistV6+" "+banDrop)
	}

	bf := rs.SSH
	limit := nftLimit(bf.Threshold, bf.Window)
	limitDrop := fmt.Sprintf("log prefix %q drop", logPrefix("ssh-ratelimit"))
	sb.AddRule(c, fmt.Sprintf("tcp dport %d ct state new add @%s { ip saddr limit %s } add @%s { ip saddr } %s",
		bf.Port, setRateLimitV4, limit, setBlacklistV4, limitDrop))
	if rs.IPv6 {
		sb.AddRule(c, fmt.Sprintf("tcp dport %d ct state new add @%s { ip6 saddr limit %s } add @%s { ip6 saddr } %s",
			bf.Port, setRateLimitV6, limit, setBlacklistV6, limitDrop))
	}
	sb.AddRule(c, fmt.Sprintf("tcp dport %d accept", bf.Port))
}

func addForwardChain(sb *ScriptBuilder, rs *Ruleset) {
	c := chainForwardName
	// Runs just before the container engine's own forward rules.
	sb.AddChain(c, "filter", "forward", -1, "accept")

	sb.AddRule(c, "ct state established,related accept")
	sb.AddRule(c, "ct state invalid drop")
	sb.AddRule(c, "ip saddr @"+setPrivateV4+" accept")
	sb.AddRule(c, "ip6 saddr @"+setPrivateV6+" accept")

	geoDrop := fmt.Sprintf("log prefix %q drop", logPrefix("fwd-geo-drop"))
	sb.AddRule(c, "ip saddr != @"+setAllowV4+" "+geoDrop)
	if rs.IPv6 {
		sb.AddRule(c, "ip6 saddr != @"+setAllowV6+" "+geoDrop)
	}
}
