package firewall

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/nftables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/geofence/internal/netset"
)

type applierFixture struct {
	runner *MockCommandRunner
	v4     *fakeIPTables
	v6     *fakeIPTables
	nft    *fakeNFTables
	app    *Applier
}

func newApplierFixture(v4Chains ...string) *applierFixture {
	f := &applierFixture{
		runner: new(MockCommandRunner),
		v4:     newFakeIPTables(v4Chains...),
		v6:     newFakeIPTables(),
		nft: &fakeNFTables{tables: []*nftables.Table{
			{Name: "filter", Family: nftables.TableFamilyIPv4},
			{Name: TableName, Family: nftables.TableFamilyINet},
		}},
	}
	f.app = NewApplier(ApplierDeps{
		Runner: f.runner,
		IPTables: func(fam Family) (IPTables, error) {
			if fam == FamilyIPv6 {
				if f.v6 == nil {
					return nil, errors.New("ip6tables: executable file not found")
				}
				return f.v6, nil
			}
			return f.v4, nil
		},
		NFTables: func() (NFTablesConn, error) { return f.nft, nil },
	})
	return f
}

func (f *applierFixture) expectLegacyRestore(families ...Family) {
	f.runner.On("RunInput", mock.Anything, "ipset", "restore").Return(nil)
	for _, fam := range families {
		f.runner.On("RunInput", mock.Anything, fam.RestoreTool(), "--noflush").Return(nil)
	}
}

func (f *applierFixture) expectIPSets(names ...string) {
	f.runner.On("Output", "ipset", "list", "-n").Return([]byte(strings.Join(names, "\n")+"\n"), nil)
	for _, n := range names {
		f.runner.On("Run", "ipset", "destroy", n).Return(nil).Maybe()
	}
}

func TestApplier_LegacyTwiceLeavesSingleJumps(t *testing.T) {
	f := newApplierFixture()
	f.expectLegacyRestore(FamilyIPv4)
	f.expectIPSets()

	rs := testRuleset(false)
	require.NoError(t, f.app.Apply(context.Background(), BackendLegacy, rs))
	require.NoError(t, f.app.Apply(context.Background(), BackendLegacy, rs))

	assert.Equal(t, []string{"-j GEOFENCE-INPUT"}, f.v4.chains["INPUT"])
	assert.Equal(t, []string{"-j GEOFENCE-FORWARD"}, f.v4.chains["FORWARD"])
	f.runner.AssertNumberOfCalls(t, "RunInput", 4)
	f.runner.AssertExpectations(t)
}

func TestApplier_LegacyRemovesUnifiedTable(t *testing.T) {
	f := newApplierFixture()
	f.expectLegacyRestore(FamilyIPv4)
	f.expectIPSets()

	require.NoError(t, f.app.Apply(context.Background(), BackendLegacy, testRuleset(false)))

	require.Len(t, f.nft.deleted, 1)
	assert.Equal(t, TableName, f.nft.deleted[0].Name)
	assert.Equal(t, nftables.TableFamilyINet, f.nft.deleted[0].Family)
	require.Len(t, f.nft.tables, 1)
	assert.Equal(t, "filter", f.nft.tables[0].Name)
}

func TestApplier_LegacyWithoutNFTables(t *testing.T) {
	f := newApplierFixture()
	f.nft.listErr = errors.New("netlink: operation not supported")
	f.expectLegacyRestore(FamilyIPv4)
	f.expectIPSets()

	require.NoError(t, f.app.Apply(context.Background(), BackendLegacy, testRuleset(false)))
	assert.Empty(t, f.nft.deleted)
}

func TestApplier_LegacyDockerUser(t *testing.T) {
	f := newApplierFixture("DOCKER-USER")
	f.v4.chains["FORWARD"] = []string{"-j GEOFENCE-FORWARD"}
	f.expectLegacyRestore(FamilyIPv4)
	f.expectIPSets()

	require.NoError(t, f.app.Apply(context.Background(), BackendLegacy, testRuleset(false)))

	assert.Equal(t, []string{"-j GEOFENCE-FORWARD"}, f.v4.chains["DOCKER-USER"])
	assert.Empty(t, f.v4.chains["FORWARD"])
}

func TestApplier_LegacyIPv6(t *testing.T) {
	f := newApplierFixture()
	f.expectLegacyRestore(FamilyIPv4, FamilyIPv6)
	f.expectIPSets()

	require.NoError(t, f.app.Apply(context.Background(), BackendLegacy, testRuleset(true)))

	assert.Equal(t, []string{"-j GEOFENCE-INPUT"}, f.v6.chains["INPUT"])
	f.runner.AssertCalled(t, "RunInput", mock.MatchedBy(func(doc string) bool {
		return strings.Contains(doc, "geofence-ssh-v6")
	}), "ip6tables-restore", "--noflush")
	f.runner.AssertNotCalled(t, "Run", mock.Anything, mock.Anything, mock.Anything)
}

func TestApplier_LegacyIPv6DisabledCleansUp(t *testing.T) {
	f := newApplierFixture()
	require.NoError(t, EnsureChains(f.v6))
	f.v6.chains["INPUT"] = []string{"-j GEOFENCE-INPUT"}
	f.expectLegacyRestore(FamilyIPv4)
	f.expectIPSets("geofence-allow-v4", "geofence-private-v6", "geofence-allow-v6", "other")

	require.NoError(t, f.app.Apply(context.Background(), BackendLegacy, testRuleset(false)))

	assert.Empty(t, f.v6.chains["INPUT"])
	_, ok := f.v6.chains[ChainInput]
	assert.False(t, ok)
	f.runner.AssertCalled(t, "Run", "ipset", "destroy", "geofence-private-v6")
	f.runner.AssertCalled(t, "Run", "ipset", "destroy", "geofence-allow-v6")
	f.runner.AssertNotCalled(t, "Run", "ipset", "destroy", "geofence-allow-v4")
	f.runner.AssertNotCalled(t, "Run", "ipset", "destroy", "other")
}

func TestApplier_UnifiedRemovesLegacy(t *testing.T) {
	f := newApplierFixture("DOCKER-USER")
	f.v6 = nil
	require.NoError(t, EnsureChains(f.v4))
	f.v4.chains["INPUT"] = []string{"-j GEOFENCE-INPUT"}
	f.v4.chains["DOCKER-USER"] = []string{"-j GEOFENCE-FORWARD", "-j RETURN"}

	rs := testRuleset(false)
	f.runner.On("Output", "nft", "-j", "list", "table", "inet", "geofence").
		Return([]byte(`{"nftables": [{"table": {"family": "inet", "name": "geofence", "handle": 4, "comment": "geofence:v1.0.0:c=7:h=0badf00d"}}]}`), nil)
	withCount := mock.MatchedBy(func(script string) bool {
		return strings.Contains(script, ":c=8:h="+rs.Allow.Hash())
	})
	f.runner.On("RunInput", withCount, "nft", "-c", "-f", "-").Return(nil).Once()
	f.runner.On("RunInput", withCount, "nft", "-f", "-").Return(nil).Once()
	f.expectIPSets("geofence-private-v4", "geofence-allow-v4", "geofence-allow-v4-tmp")

	require.NoError(t, f.app.Apply(context.Background(), BackendUnified, rs))

	assert.Empty(t, f.v4.chains["INPUT"])
	assert.Equal(t, []string{"-j RETURN"}, f.v4.chains["DOCKER-USER"])
	for _, c := range ManagedChains() {
		_, ok := f.v4.chains[c]
		assert.False(t, ok, c)
	}
	f.runner.AssertCalled(t, "Run", "ipset", "destroy", "geofence-private-v4")
	f.runner.AssertCalled(t, "Run", "ipset", "destroy", "geofence-allow-v4")
	f.runner.AssertCalled(t, "Run", "ipset", "destroy", "geofence-allow-v4-tmp")
	f.runner.AssertExpectations(t)
	assert.Empty(t, f.nft.deleted)
}

func TestApplier_UnifiedValidationFailureChangesNothing(t *testing.T) {
	f := newApplierFixture()
	require.NoError(t, EnsureChains(f.v4))
	f.v4.chains["INPUT"] = []string{"-j GEOFENCE-INPUT"}

	f.runner.On("Output", "nft", "-j", "list", "table", "inet", "geofence").Return(nil, errors.New("no such table"))
	f.runner.On("RunInput", mock.Anything, "nft", "-c", "-f", "-").Return(errors.New("syntax error"))

	err := f.app.Apply(context.Background(), BackendUnified, testRuleset(false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation")

	assert.Equal(t, []string{"-j GEOFENCE-INPUT"}, f.v4.chains["INPUT"])
	f.runner.AssertNotCalled(t, "RunInput", mock.Anything, "nft", "-f", "-")
	f.runner.AssertNotCalled(t, "Output", "ipset", "list", "-n")
}

func TestApplier_UnifiedFirstApplyCount(t *testing.T) {
	f := newApplierFixture()
	rs := testRuleset(false)
	f.runner.On("Output", "nft", "-j", "list", "table", "inet", "geofence").Return(nil, errors.New("no such table"))
	f.runner.On("RunInput", mock.Anything, "nft", "-c", "-f", "-").Return(nil)
	f.runner.On("RunInput", mock.Anything, "nft", "-f", "-").Return(nil)
	f.expectIPSets()

	require.NoError(t, f.app.Apply(context.Background(), BackendUnified, rs))

	meta := ParseMetadataComment(rs.Comment)
	require.NotNil(t, meta)
	assert.Equal(t, 1, meta.ApplyCount)
	assert.Equal(t, rs.Allow.Hash(), meta.SetHash)
}

func TestApplier_InvalidRulesetTouchesNothing(t *testing.T) {
	f := newApplierFixture()
	rs := &Ruleset{Allow: &netset.AllowSet{}, SSH: DefaultBruteForce()}

	for _, b := range []Backend{BackendUnified, BackendLegacy} {
		err := f.app.Apply(context.Background(), b, rs)
		assert.ErrorIs(t, err, netset.ErrEmpty)
	}
	assert.Empty(t, f.runner.Calls)
	assert.Empty(t, f.nft.deleted)
}

func TestApplier_Render(t *testing.T) {
	app := NewApplier(ApplierDeps{})

	script, err := app.Render(BackendUnified, testRuleset(false))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(script, "add table inet geofence\n"))

	doc, err := app.Render(BackendLegacy, testRuleset(true))
	require.NoError(t, err)
	assert.Contains(t, doc, "# iptables-restore --noflush\n")
	assert.Contains(t, doc, "# ip6tables-restore --noflush\n")

	_, err = app.Render(Backend("pf"), testRuleset(false))
	assert.Error(t, err)
}

func TestApplier_CanceledContext(t *testing.T) {
	f := newApplierFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.app.Apply(ctx, BackendLegacy, testRuleset(false))
	assert.ErrorIs(t, err, context.Canceled)
	f.runner.AssertNotCalled(t, "RunInput", mock.Anything, "ipset", "restore")
}

func sequentialV4(n int) []netip.Prefix {
	out := make([]netip.Prefix, n)
	for i := range out {
		u := uint32(0x02000000) + uint32(i)*2
		out[i] = netip.PrefixFrom(netip.AddrFrom4([4]byte{byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)}), 32)
	}
	return out
}

func TestApplier_LegacyAllowSetOutgrowsDefaultSize(t *testing.T) {
	f := newApplierFixture()
	var docs []string
	f.runner.On("RunInput", mock.Anything, "ipset", "restore").
		Run(func(args mock.Arguments) { docs = append(docs, args.String(0)) }).
		Return(nil)
	f.runner.On("RunInput", mock.Anything, "iptables-restore", "--noflush").Return(nil)
	f.runner.On("Output", "ipset", "list", "-n").Return([]byte("\n"), nil).Once()
	f.runner.On("Output", "ipset", "list", "-n").
		Return([]byte("geofence-private-v4\ngeofence-allow-v4\n"), nil)

	small := testRuleset(false)
	require.NoError(t, f.app.Apply(context.Background(), BackendLegacy, small))

	large := testRuleset(false)
	large.Allow = &netset.AllowSet{V4: sequentialV4(70000)}
	require.NoError(t, f.app.Apply(context.Background(), BackendLegacy, large))

	require.Len(t, docs, 2)
	assert.Contains(t, docs[0], "create geofence-allow-v4 hash:net family inet hashsize 1024 maxelem 65536 -exist\n")

	assert.NotContains(t, docs[1], "create geofence-allow-v4 ", "the live set is never recreated")
	assert.NotContains(t, docs[1], "create geofence-private-v4 ")
	assert.Contains(t, docs[1], "create geofence-allow-v4-tmp hash:net family inet hashsize 1024 maxelem 131072\n")
	assert.Contains(t, docs[1], "create geofence-private-v4-tmp hash:net family inet hashsize 1024 maxelem 65536\n")
	assert.Contains(t, docs[1], "swap geofence-allow-v4-tmp geofence-allow-v4\n")
	assert.Equal(t, 70000, strings.Count(docs[1], "add geofence-allow-v4-tmp "))
}

func TestApplier_LegacyIPSetListFailure(t *testing.T) {
	f := newApplierFixture()
	f.runner.On("Output", "ipset", "list", "-n").Return(nil, errors.New("ipset: executable file not found"))

	err := f.app.Apply(context.Background(), BackendLegacy, testRuleset(false))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ipset list failed")
	f.runner.AssertNotCalled(t, "RunInput", mock.Anything, "ipset", "restore")
}
