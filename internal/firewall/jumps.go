package firewall

import (
	"fmt"
	"strings"

	"github.com/coreos/go-iptables/iptables"
)

const filterTable = "filter"

// Chains the container engine may provide for forward filtering.
const (
	chainDockerUser = "DOCKER-USER"
	chainForward    = "FORWARD"
	chainInput      = "INPUT"
)

// maxJumpDeletes guards the delete loop against a table that never
// converges.
const maxJumpDeletes = 64

// IPTables is the subset of *iptables.IPTables used here.
type IPTables interface {
	ChainExists(table, chain string) (bool, error)
	NewChain(table, chain string) error
	ClearAndDeleteChain(table, chain string) error
	List(table, chain string) ([]string, error)
	Exists(table, chain string, rulespec ...string) (bool, error)
	Insert(table, chain string, pos int, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
}

var _ IPTables = (*iptables.IPTables)(nil)

// NewIPTables opens the iptables or ip6tables client for f. It fails when
// the binary is missing.
func NewIPTables(f Family) (IPTables, error) {
	proto := iptables.ProtocolIPv4
	if f == FamilyIPv6 {
		proto = iptables.ProtocolIPv6
	}
	ipt, err := iptables.New(iptables.IPFamily(proto), iptables.Timeout(5))
	if err != nil {
		return nil, err
	}
	return ipt, nil
}

// Jump is a rule in a built-in chain that enters a managed chain.
type Jump struct {
	Chain  string
	Target string
}

func (j Jump) spec() []string {
	return []string{"-j", j.Target}
}

func (j Jump) String() string {
	return j.Chain + " -> " + j.Target
}

// ForwardHook returns DOCKER-USER when it exists, otherwise FORWARD.
func ForwardHook(ipt IPTables) (string, error) {
	ok, err := ipt.ChainExists(filterTable, chainDockerUser)
	if err != nil {
		return "", fmt.Errorf("check %s: %w", chainDockerUser, err)
	}
	if ok {
		return chainDockerUser, nil
	}
	return chainForward, nil
}

// DesiredJumps returns the jump rules for the managed chains.
func DesiredJumps(ipt IPTables) ([]Jump, error) {
	fwd, err := ForwardHook(ipt)
	if err != nil {
		return nil, err
	}
	return []Jump{
		{Chain: chainInput, Target: ChainInput},
		{Chain: fwd, Target: ChainForward},
	}, nil
}

// EnsureChains creates every managed chain that does not exist.
func EnsureChains(ipt IPTables) error {
	for _, c := range ManagedChains() {
		ok, err := ipt.ChainExists(filterTable, c)
		if err != nil {
			return fmt.Errorf("check chain %s: %w", c, err)
		}
		if ok {
			continue
		}
		if err := ipt.NewChain(filterTable, c); err != nil {
			return fmt.Errorf("create chain %s: %w", c, err)
		}
	}
	return nil
}

// jumpState counts copies of j and reports whether the first rule of the
// chain is one of them.
func jumpState(ipt IPTables, j Jump) (copies int, first bool, err error) {
	rules, err := ipt.List(filterTable, j.Chain)
	if err != nil {
		return 0, false, fmt.Errorf("list %s: %w", j.Chain, err)
	}
	want := "-A " + j.Chain + " " + strings.Join(j.spec(), " ")
	pos := 0
	for _, r := range rules {
		if !strings.HasPrefix(r, "-A ") {
			continue
		}
		pos++
		if strings.TrimSpace(r) == want {
			copies++
			if pos == 1 {
				first = true
			}
		}
	}
	return copies, first, nil
}

// ReconcileJump leaves exactly one copy of j at position 1 of its chain.
// When that already holds nothing is changed; otherwise every copy is
// deleted and one is inserted at the top. It reports whether the chain
// changed.
func ReconcileJump(ipt IPTables, j Jump) (bool, error) {
	copies, first, err := jumpState(ipt, j)
	if err != nil {
		return false, err
	}
	if copies == 1 && first {
		return false, nil
	}
	if err := RemoveJump(ipt, j); err != nil {
		return false, err
	}
	if err := ipt.Insert(filterTable, j.Chain, 1, j.spec()...); err != nil {
		return false, fmt.Errorf("insert jump %s: %w", j, err)
	}
	return true, nil
}

// RemoveJump deletes every copy of j.
func RemoveJump(ipt IPTables, j Jump) error {
	exists, err := ipt.ChainExists(filterTable, j.Chain)
	if err != nil {
		return fmt.Errorf("check chain %s: %w", j.Chain, err)
	}
	if !exists {
		return nil
	}
	for i := 0; i < maxJumpDeletes; i++ {
		ok, err := ipt.Exists(filterTable, j.Chain, j.spec()...)
		if err != nil {
			return fmt.Errorf("check jump %s: %w", j, err)
		}
		if !ok {
			return nil
		}
		if err := ipt.Delete(filterTable, j.Chain, j.spec()...); err != nil {
			return fmt.Errorf("delete jump %s: %w", j, err)
		}
	}
	return fmt.Errorf("jump %s still present after %d deletes", j, maxJumpDeletes)
}

// RemoveManaged deletes every jump into the managed chains from INPUT,
// FORWARD and DOCKER-USER, then the chains themselves.
func RemoveManaged(ipt IPTables) error {
	for _, hook := range []string{chainInput, chainForward, chainDockerUser} {
		for _, target := range []string{ChainInput, ChainForward} {
			if err := RemoveJump(ipt, Jump{Chain: hook, Target: target}); err != nil {
				return err
			}
		}
	}
	for _, c := range ManagedChains() {
		ok, err := ipt.ChainExists(filterTable, c)
		if err != nil {
			return fmt.Errorf("check chain %s: %w", c, err)
		}
		if !ok {
			continue
		}
		if err := ipt.ClearAndDeleteChain(filterTable, c); err != nil {
			return fmt.Errorf("delete chain %s: %w", c, err)
		}
	}
	return nil
}
