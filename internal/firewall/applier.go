package firewall

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"grimm.is/geofence/internal/logging"
)

// ApplierDeps wires an Applier to the system. Nil fields use the real
// implementations.
type ApplierDeps struct {
	Runner   CommandRunner
	IPTables func(Family) (IPTables, error)
	NFTables func() (NFTablesConn, error)
	Logger   *logging.Logger
}

// Applier installs compiled rulesets.
type Applier struct {
	runner   CommandRunner
	iptables func(Family) (IPTables, error)
	nftables func() (NFTablesConn, error)
	logger   *logging.Logger
}

// NewApplier creates an Applier.
func NewApplier(deps ApplierDeps) *Applier {
	a := &Applier{
		runner:   deps.Runner,
		iptables: deps.IPTables,
		nftables: deps.NFTables,
		logger:   deps.Logger,
	}
	if a.runner == nil {
		a.runner = DefaultCommandRunner
	}
	if a.iptables == nil {
		a.iptables = NewIPTables
	}
	if a.nftables == nil {
		a.nftables = NewNFTablesConn
	}
	if a.logger == nil {
		a.logger = logging.Discard()
	}
	a.logger = a.logger.WithComponent("firewall")
	return a
}

// Render returns the transaction text for backend without touching the
// system. For the unified backend this is the exact nft script.
func (a *Applier) Render(backend Backend, rs *Ruleset) (string, error) {
	switch backend {
	case BackendUnified:
		return CompileUnified(rs)
	case BackendLegacy:
		tx, err := CompileLegacy(rs)
		if err != nil {
			return "", err
		}
		return tx.String(), nil
	default:
		return "", fmt.Errorf("unknown backend %q", backend)
	}
}

// Apply removes leftovers of the other backend and installs rs. Invariants
// are checked before anything is changed.
func (a *Applier) Apply(ctx context.Context, backend Backend, rs *Ruleset) error {
	if err := rs.Check(); err != nil {
		return err
	}
	switch backend {
	case BackendUnified:
		return a.applyUnified(ctx, rs)
	case BackendLegacy:
		return a.applyLegacy(ctx, rs)
	default:
		return fmt.Errorf("unknown backend %q", backend)
	}
}

func (a *Applier) applyUnified(ctx context.Context, rs *Ruleset) error {
	if rs.Comment == "" {
		rs.Comment = BuildMetadataComment(NextApplyCount(ctx, a.runner), rs.Allow.Hash())
	}
	script := BuildUnifiedScript(rs).Build()

	if err := a.runner.RunInput(ctx, script, "nft", "-c", "-f", "-"); err != nil {
		return fmt.Errorf("script validation failed: %w", err)
	}

	if err := a.RemoveLegacy(ctx); err != nil {
		return fmt.Errorf("remove iptables leftovers: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.runner.RunInput(ctx, script, "nft", "-f", "-"); err != nil {
		return fmt.Errorf("script application failed: %w", err)
	}

	a.logger.Info("nftables ruleset applied",
		"table", TableFamily+" "+TableName, "comment", rs.Comment,
		"allow_v4", len(rs.Allow.V4), "allow_v6", len(rs.Allow.V6), "ipv6", rs.IPv6)
	return nil
}

func (a *Applier) applyLegacy(ctx context.Context, rs *Ruleset) error {
	tx, err := CompileLegacy(rs)
	if err != nil {
		return err
	}

	if err := a.RemoveUnified(); err != nil {
		return fmt.Errorf("remove nftables leftovers: %w", err)
	}

	for _, lf := range tx.Families {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.applyLegacyFamily(ctx, lf); err != nil {
			return fmt.Errorf("%s: %w", lf.Family, err)
		}
	}

	if !tx.Has(FamilyIPv6) {
		if err := a.removeLegacyFamily(ctx, FamilyIPv6); err != nil {
			return fmt.Errorf("remove ipv6 leftovers: %w", err)
		}
	}

	a.logger.Info("iptables ruleset applied",
		"families", len(tx.Families), "allow_v4", len(rs.Allow.V4), "allow_v6", len(rs.Allow.V6))
	return nil
}

func (a *Applier) applyLegacyFamily(ctx context.Context, lf LegacyFamily) error {
	ipt, err := a.iptables(lf.Family)
	if err != nil {
		return err
	}

	if err := EnsureChains(ipt); err != nil {
		return err
	}
	existing, err := a.listSets(ctx)
	if err != nil {
		return fmt.Errorf("ipset list failed: %w", err)
	}
	if err := a.runner.RunInput(ctx, lf.IPSetRestore(existing), "ipset", "restore"); err != nil {
		return fmt.Errorf("ipset restore failed: %w", err)
	}
	if err := a.runner.RunInput(ctx, lf.Rules, lf.Family.RestoreTool(), "--noflush"); err != nil {
		return fmt.Errorf("rule restore failed: %w", err)
	}

	jumps, err := DesiredJumps(ipt)
	if err != nil {
		return err
	}
	for _, j := range jumps {
		changed, err := ReconcileJump(ipt, j)
		if err != nil {
			return err
		}
		if changed {
			a.logger.Debug("jump reconciled", "family", lf.Family, "jump", j.String())
		}
	}

	// The forward hook moves when the container engine appears or goes.
	fwd := jumps[1].Chain
	for _, hook := range []string{chainForward, chainDockerUser} {
		if hook == fwd {
			continue
		}
		if err := RemoveJump(ipt, Jump{Chain: hook, Target: ChainForward}); err != nil {
			return err
		}
	}
	return nil
}

// RemoveLegacy deletes managed iptables chains, jumps and ipsets for both
// families. Missing tools are skipped.
func (a *Applier) RemoveLegacy(ctx context.Context) error {
	for _, f := range []Family{FamilyIPv4, FamilyIPv6} {
		if err := a.removeLegacyFamily(ctx, f); err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
	}
	return nil
}

func (a *Applier) removeLegacyFamily(ctx context.Context, f Family) error {
	ipt, err := a.iptables(f)
	if err != nil {
		a.logger.Debug("iptables unavailable, skipping cleanup", "family", f, "error", err)
	} else if err := RemoveManaged(ipt); err != nil {
		return err
	}
	return a.destroySets(ctx, f)
}

// listSets returns the names of all ipsets on the host.
func (a *Applier) listSets(ctx context.Context) (map[string]bool, error) {
	out, err := a.runner.Output(ctx, "ipset", "list", "-n")
	if err != nil {
		return nil, err
	}
	existing := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			existing[name] = true
		}
	}
	return existing, scanner.Err()
}

func (a *Applier) destroySets(ctx context.Context, f Family) error {
	existing, err := a.listSets(ctx)
	if err != nil {
		a.logger.Debug("ipset unavailable, skipping cleanup", "error", err)
		return nil
	}

	for _, name := range []string{privateSetName(f), allowSetName(f)} {
		for _, n := range []string{name, name + "-tmp"} {
			if !existing[n] {
				continue
			}
			if err := a.runner.Run(ctx, "ipset", "destroy", n); err != nil {
				return fmt.Errorf("destroy ipset %s: %w", n, err)
			}
			a.logger.Info("removed ipset", "set", n)
		}
	}
	return nil
}

// RemoveUnified deletes the nftables table over netlink. A host without
// nf_tables support is skipped.
func (a *Applier) RemoveUnified() error {
	conn, err := a.nftables()
	if err != nil {
		a.logger.Debug("nftables unavailable, skipping cleanup", "error", err)
		return nil
	}
	removed, err := RemoveUnifiedTable(conn)
	if errors.Is(err, ErrNFTablesUnavailable) {
		a.logger.Debug("nftables unavailable, skipping cleanup", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	if removed {
		a.logger.Info("removed nftables table", "table", TableFamily+" "+TableName)
	}
	return nil
}
