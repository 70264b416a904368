package firewall

import (
	"fmt"
	"strings"
	"time"

	"grimm.is/geofence/internal/brand"
	"grimm.is/geofence/internal/netset"
)

// Family is an address family handled by the legacy backend.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)

// Suffix is used in set and recent-list names.
func (f Family) Suffix() string {
	if f == FamilyIPv6 {
		return "v6"
	}
	return "v4"
}

// IPSetFamily is the ipset "family" option value.
func (f Family) IPSetFamily() string {
	if f == FamilyIPv6 {
		return "inet6"
	}
	return "inet"
}

// RestoreTool is the iptables-restore binary for the family.
func (f Family) RestoreTool() string {
	if f == FamilyIPv6 {
		return "ip6tables-restore"
	}
	return "iptables-restore"
}

func (f Family) icmpProto() string {
	if f == FamilyIPv6 {
		return "ipv6-icmp"
	}
	return "icmp"
}

// Legacy object names.
func privateSetName(f Family) string { return brand.LowerName + "-private-" + f.Suffix() }
func allowSetName(f Family) string   { return brand.LowerName + "-allow-" + f.Suffix() }
func recentSSHName(f Family) string  { return brand.LowerName + "-ssh-" + f.Suffix() }
func recentBanName(f Family) string  { return brand.LowerName + "-ban-" + f.Suffix() }

// ManagedSets lists every ipset the legacy backend may create.
func ManagedSets() []string {
	var out []string
	for _, f := range []Family{FamilyIPv4, FamilyIPv6} {
		out = append(out, privateSetName(f), allowSetName(f))
	}
	return out
}

// ManagedChains lists the named chains in the filter table.
func ManagedChains() []string {
	return []string{ChainInput, ChainForward, ChainSSHBan}
}

// LegacyFamily is the legacy transaction for one address family.
type LegacyFamily struct {
	Family Family
	// IPSet is the "ipset restore" document for a host without any of
	// our sets. Apply renders against the sets actually present.
	IPSet string
	// Rules is an "iptables-restore --noflush" document.
	Rules string

	sets []ipsetContent
}

type ipsetContent struct {
	name  string
	elems []string
}

// IPSetRestore renders the "ipset restore" document for a host where
// existing names the sets already present.
func (lf LegacyFamily) IPSetRestore(existing map[string]bool) string {
	return ipsetDocument(lf.Family, lf.sets, existing)
}

func newLegacyFamily(f Family, private, allow []string, bf BruteForce) LegacyFamily {
	lf := LegacyFamily{
		Family: f,
		Rules:  rulesDocument(f, bf),
		sets: []ipsetContent{
			{name: privateSetName(f), elems: private},
			{name: allowSetName(f), elems: allow},
		},
	}
	lf.IPSet = lf.IPSetRestore(nil)
	return lf
}

// LegacyTransaction holds one document pair per enabled family.
type LegacyTransaction struct {
	Families []LegacyFamily
}

// Has reports whether f is part of the transaction.
func (t *LegacyTransaction) Has(f Family) bool {
	for _, lf := range t.Families {
		if lf.Family == f {
			return true
		}
	}
	return false
}

// String renders the transaction for dry runs and diffs.
func (t *LegacyTransaction) String() string {
	var b strings.Builder
	for _, lf := range t.Families {
		fmt.Fprintf(&b, "# ipset restore (%s)\n%s", lf.Family, lf.IPSet)
		fmt.Fprintf(&b, "# %s --noflush\n%s", lf.Family.RestoreTool(), lf.Rules)
	}
	return b.String()
}

// CompileLegacy renders rs for iptables, ip6tables and ipset. IPv6 is only
// included when IPv6 geo-blocking is enabled.
func CompileLegacy(rs *Ruleset) (*LegacyTransaction, error) {
	if err := rs.Check(); err != nil {
		return nil, err
	}

	tx := &LegacyTransaction{}
	tx.Families = append(tx.Families, newLegacyFamily(FamilyIPv4,
		netset.Strings(PrivateV4), netset.Strings(rs.Allow.V4), rs.SSH))
	if rs.IPv6 {
		tx.Families = append(tx.Families, newLegacyFamily(FamilyIPv6,
			netset.Strings(PrivateV6), netset.Strings(rs.Allow.V6), rs.SSH))
	}
	return tx, nil
}

// ipsetDocument fills a fresh temporary copy of every set and swaps it in,
// so a live set is never observed half-populated. Only the temporary set
// is sized for its contents: "create -exist" fails on an existing set
// whose maxelem differs, and swap carries the new size onto the live name.
func ipsetDocument(f Family, sets []ipsetContent, existing map[string]bool) string {
	var b strings.Builder
	for _, s := range sets {
		tmp := s.name + "-tmp"
		opts := fmt.Sprintf("hash:net family %s hashsize 1024 maxelem %d", f.IPSetFamily(), maxElem(len(s.elems)))

		if !existing[s.name] {
			fmt.Fprintf(&b, "create %s %s -exist\n", s.name, opts)
		}
		// Left behind by an interrupted run, possibly with another size.
		if existing[tmp] {
			fmt.Fprintf(&b, "destroy %s\n", tmp)
		}
		fmt.Fprintf(&b, "create %s %s\n", tmp, opts)
		for _, e := range s.elems {
			fmt.Fprintf(&b, "add %s %s -exist\n", tmp, e)
		}
		fmt.Fprintf(&b, "swap %s %s\n", tmp, s.name)
		fmt.Fprintf(&b, "destroy %s\n", tmp)
	}
	return b.String()
}

// maxElem rounds n up to a power of two, at least the ipset default.
func maxElem(n int) int {
	m := 65536
	for m < n {
		m <<= 1
	}
	return m
}

func rulesDocument(f Family, bf BruteForce) string {
	var b strings.Builder
	rule := func(chain, spec string) {
		fmt.Fprintf(&b, "-A %s %s\n", chain, spec)
	}
	logDrop := func(chain, match, what string) {
		rule(chain, fmt.Sprintf("%s -j LOG --log-prefix %q", match, logPrefix(what)))
		rule(chain, match+" -j DROP")
	}

	private := fmt.Sprintf("-m set --match-set %s src", privateSetName(f))
	allowMiss := fmt.Sprintf("-m set ! --match-set %s src", allowSetName(f))
	banned := fmt.Sprintf("-m recent --name %s --rcheck --seconds %d", recentBanName(f), seconds(bf.Ban))
	newSSH := fmt.Sprintf("-p tcp --dport %d -m conntrack --ctstate NEW", bf.Port)

	b.WriteString("*filter\n")
	// Declared user chains are flushed by --noflush restores.
	for _, c := range ManagedChains() {
		fmt.Fprintf(&b, ":%s - [0:0]\n", c)
	}

	in := ChainInput
	rule(in, "-i lo -j ACCEPT")
	rule(in, "-m conntrack --ctstate RELATED,ESTABLISHED -j ACCEPT")
	rule(in, "-m conntrack --ctstate INVALID -j DROP")
	rule(in, "-p "+f.icmpProto()+" -j ACCEPT")
	rule(in, private+" -j ACCEPT")
	logDrop(in, allowMiss, "geo-drop")
	logDrop(in, banned, "ssh-ban")
	rule(in, fmt.Sprintf("%s -m recent --name %s --set", newSSH, recentSSHName(f)))
	rule(in, fmt.Sprintf("%s -m recent --name %s --rcheck --seconds %d --hitcount %d -j %s",
		newSSH, recentSSHName(f), seconds(bf.Window), bf.Threshold+1, ChainSSHBan))
	rule(in, fmt.Sprintf("-p tcp --dport %d -j ACCEPT", bf.Port))
	rule(in, "-j DROP")

	ban := ChainSSHBan
	rule(ban, fmt.Sprintf("-m recent --name %s --set", recentBanName(f)))
	rule(ban, fmt.Sprintf("-j LOG --log-prefix %q", logPrefix("ssh-ratelimit")))
	rule(ban, "-j DROP")

	// RETURN instead of ACCEPT so the container engine's chains still run.
	fwd := ChainForward
	rule(fwd, "-m conntrack --ctstate RELATED,ESTABLISHED -j RETURN")
	rule(fwd, "-m conntrack --ctstate INVALID -j DROP")
	rule(fwd, private+" -j RETURN")
	logDrop(fwd, allowMiss, "fwd-geo-drop")
	rule(fwd, "-j RETURN")

	b.WriteString("COMMIT\n")
	return b.String()
}

func seconds(d time.Duration) int {
	s := int(d.Round(time.Second) / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
