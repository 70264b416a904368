package firewall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileJump_Idempotent(t *testing.T) {
	ipt := newFakeIPTables()
	require.NoError(t, EnsureChains(ipt))
	j := Jump{Chain: "INPUT", Target: ChainInput}

	changed, err := ReconcileJump(ipt, j)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = ReconcileJump(ipt, j)
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Equal(t, []string{"-j GEOFENCE-INPUT"}, ipt.chains["INPUT"])
}

func TestReconcileJump_RemovesDuplicates(t *testing.T) {
	ipt := newFakeIPTables()
	require.NoError(t, EnsureChains(ipt))
	ipt.chains["INPUT"] = []string{
		"-p tcp --dport 80 -j ACCEPT",
		"-j GEOFENCE-INPUT",
		"-j GEOFENCE-INPUT",
	}

	changed, err := ReconcileJump(ipt, Jump{Chain: "INPUT", Target: ChainInput})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"-j GEOFENCE-INPUT", "-p tcp --dport 80 -j ACCEPT"}, ipt.chains["INPUT"])
}

func TestReconcileJump_MovesToTop(t *testing.T) {
	ipt := newFakeIPTables()
	require.NoError(t, EnsureChains(ipt))
	ipt.chains["INPUT"] = []string{"-j GEOFENCE-INPUT", "-j GEOFENCE-INPUT"}

	changed, err := ReconcileJump(ipt, Jump{Chain: "INPUT", Target: ChainInput})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, ipt.count("INPUT", "-j GEOFENCE-INPUT"))
}

func TestDesiredJumps_PrefersDockerUser(t *testing.T) {
	jumps, err := DesiredJumps(newFakeIPTables())
	require.NoError(t, err)
	assert.Equal(t, []Jump{
		{Chain: "INPUT", Target: ChainInput},
		{Chain: "FORWARD", Target: ChainForward},
	}, jumps)

	jumps, err = DesiredJumps(newFakeIPTables("DOCKER-USER"))
	require.NoError(t, err)
	assert.Equal(t, "DOCKER-USER", jumps[1].Chain)
}

func TestEnsureChains(t *testing.T) {
	ipt := newFakeIPTables()
	require.NoError(t, EnsureChains(ipt))
	require.NoError(t, EnsureChains(ipt))
	for _, c := range ManagedChains() {
		ok, _ := ipt.ChainExists(filterTable, c)
		assert.True(t, ok, c)
	}
}

func TestRemoveManaged(t *testing.T) {
	ipt := newFakeIPTables("DOCKER-USER")
	require.NoError(t, EnsureChains(ipt))
	ipt.chains["INPUT"] = []string{"-j GEOFENCE-INPUT", "-p tcp --dport 80 -j ACCEPT"}
	ipt.chains["FORWARD"] = []string{"-j GEOFENCE-FORWARD"}
	ipt.chains["DOCKER-USER"] = []string{"-j GEOFENCE-FORWARD", "-j RETURN"}

	require.NoError(t, RemoveManaged(ipt))

	assert.Equal(t, []string{"-p tcp --dport 80 -j ACCEPT"}, ipt.chains["INPUT"])
	assert.Empty(t, ipt.chains["FORWARD"])
	assert.Equal(t, []string{"-j RETURN"}, ipt.chains["DOCKER-USER"])
	for _, c := range ManagedChains() {
		_, ok := ipt.chains[c]
		assert.False(t, ok, c)
	}

	// Nothing left to remove.
	require.NoError(t, RemoveManaged(ipt))
}
