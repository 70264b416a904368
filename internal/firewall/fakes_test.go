package firewall

import (
	"fmt"
	"strings"

	"github.com/google/nftables"
)

// fakeIPTables keeps the filter table in memory.
type fakeIPTables struct {
	chains map[string][]string
	order  []string
}

func newFakeIPTables(chains ...string) *fakeIPTables {
	f := &fakeIPTables{chains: make(map[string][]string)}
	for _, c := range append([]string{"INPUT", "FORWARD", "OUTPUT"}, chains...) {
		f.chains[c] = nil
		f.order = append(f.order, c)
	}
	return f
}

func (f *fakeIPTables) ChainExists(table, chain string) (bool, error) {
	_, ok := f.chains[chain]
	return ok, nil
}

func (f *fakeIPTables) NewChain(table, chain string) error {
	if _, ok := f.chains[chain]; ok {
		return fmt.Errorf("chain %s already exists", chain)
	}
	f.chains[chain] = nil
	f.order = append(f.order, chain)
	return nil
}

func (f *fakeIPTables) ClearAndDeleteChain(table, chain string) error {
	delete(f.chains, chain)
	for i, c := range f.order {
		if c == chain {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeIPTables) List(table, chain string) ([]string, error) {
	rules, ok := f.chains[chain]
	if !ok {
		return nil, fmt.Errorf("no chain %s", chain)
	}
	out := []string{"-P " + chain + " ACCEPT"}
	for _, r := range rules {
		out = append(out, "-A "+chain+" "+r)
	}
	return out, nil
}

func (f *fakeIPTables) Exists(table, chain string, rulespec ...string) (bool, error) {
	want := strings.Join(rulespec, " ")
	for _, r := range f.chains[chain] {
		if r == want {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeIPTables) Insert(table, chain string, pos int, rulespec ...string) error {
	rules, ok := f.chains[chain]
	if !ok {
		return fmt.Errorf("no chain %s", chain)
	}
	r := strings.Join(rulespec, " ")
	i := pos - 1
	rules = append(rules, "")
	copy(rules[i+1:], rules[i:])
	rules[i] = r
	f.chains[chain] = rules
	return nil
}

func (f *fakeIPTables) Delete(table, chain string, rulespec ...string) error {
	want := strings.Join(rulespec, " ")
	rules := f.chains[chain]
	for i, r := range rules {
		if r == want {
			f.chains[chain] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule %q not found in %s", want, chain)
}

func (f *fakeIPTables) count(chain, rule string) int {
	n := 0
	for _, r := range f.chains[chain] {
		if r == rule {
			n++
		}
	}
	return n
}

// fakeNFTables records table deletions.
type fakeNFTables struct {
	tables  []*nftables.Table
	deleted []*nftables.Table
	flushes int
	listErr error
}

func (f *fakeNFTables) ListTables() ([]*nftables.Table, error) {
	return f.tables, f.listErr
}

func (f *fakeNFTables) DelTable(t *nftables.Table) {
	f.deleted = append(f.deleted, t)
}

func (f *fakeNFTables) Flush() error {
	f.flushes++
	for _, d := range f.deleted {
		for i, t := range f.tables {
			if t == d {
				f.tables = append(f.tables[:i], f.tables[i+1:]...)
				break
			}
		}
	}
	return nil
}
