package cmd

import (
	"context"
	"errors"
	"fmt"

	"grimm.is/geofence/internal/firewall"
	"grimm.is/geofence/internal/state"
)

// ShowOptions select what RunShow prints.
type ShowOptions struct {
	// Diff prints a unified diff against the transaction last applied
	// with the same backend.
	Diff bool
	// Offline compiles from the zone files in the work directory instead
	// of downloading.
	Offline bool
}

// RunShow compiles the ruleset and prints it without applying.
func RunShow(ctx context.Context, flags *Flags, env *Env, opts ShowOptions) error {
	if env == nil {
		env = &Env{}
	}
	cfg, warnings, err := flags.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	p := newPipeline(env, cfg, warnings)

	backend, err := p.selectBackend(true)
	if err != nil {
		return err
	}

	var c *compiled
	if opts.Offline {
		c, err = p.compileOffline(ctx)
	} else {
		c, err = p.compile(ctx, "")
	}
	if err != nil {
		return err
	}
	text, err := env.applier(p.logger).Render(backend, c.ruleset)
	if err != nil {
		return err
	}

	out := env.out()
	if !opts.Diff {
		Printer.Fprint(out, text)
		return nil
	}

	store, err := state.Open(cfg.StateDir, p.logger)
	if err != nil {
		return err
	}
	if rec, err := store.LastRecord(); err == nil {
		Printer.Fprintf(out, "# last run %s at %s (%s), allow set hash %s\n",
			rec.RunID, rec.AppliedAt, rec.Backend, rec.SetHash)
	}
	if backend == firewall.BackendUnified {
		meta := firewall.ReadTableMetadata(ctx, env.runner())
		Printer.Fprintf(out, "# installed table: %s\n", firewall.FormatMetadataForDisplay(meta))
	}

	last, err := store.LastRuleset(string(backend))
	if errors.Is(err, state.ErrNoRecord) {
		Printer.Fprintf(out, "# nothing applied yet with %s\n", backend)
		last = ""
	} else if err != nil {
		return err
	}

	d, err := firewall.Diff(store.RulesetName(string(backend)), "compiled", last, text)
	if err != nil {
		return err
	}
	if d == "" {
		Printer.Fprintln(out, "No changes.")
		return nil
	}
	Printer.Fprint(out, d)
	return nil
}
