package cmd

import (
	"context"
	"fmt"

	"grimm.is/geofence/internal/state"
)

// RunApply acquires the selected countries and installs the allowlist. With
// -dry-run the transaction is printed instead.
func RunApply(ctx context.Context, flags *Flags, env *Env) error {
	if env == nil {
		env = &Env{}
	}
	cfg, warnings, err := flags.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	p := newPipeline(env, cfg, warnings)

	backend, err := p.selectBackend(flags.DryRun)
	if err != nil {
		return err
	}
	p.logger.Info("backend selected", "backend", backend)

	if flags.DryRun {
		c, err := p.compile(ctx, "")
		if err != nil {
			return err
		}
		text, err := env.applier(p.logger).Render(backend, c.ruleset)
		if err != nil {
			return err
		}
		Printer.Fprint(env.out(), text)
		return nil
	}

	store, err := state.Open(cfg.StateDir, p.logger)
	if err != nil {
		return err
	}
	lock, err := store.Lock()
	if err != nil {
		return err
	}
	defer lock.Release()

	c, err := p.compile(ctx, cfg.WorkDir)
	if err != nil {
		if isFatalAcquire(err) {
			err = fmt.Errorf("firewall left unchanged: %w", err)
		}
		p.finish(ctx, store, c, p.record(c, backend, err))
		return err
	}

	// Nothing is applied once the run has been canceled.
	if err := ctx.Err(); err != nil {
		err = fmt.Errorf("canceled before apply: %w", err)
		p.finish(ctx, store, c, p.record(c, backend, err))
		return err
	}

	applier := env.applier(p.logger)
	text, err := applier.Render(backend, c.ruleset)
	if err == nil {
		err = applier.Apply(ctx, backend, c.ruleset)
	}
	if err != nil {
		err = fmt.Errorf("apply %s ruleset: %w", backend, err)
		p.finish(ctx, store, c, p.record(c, backend, err))
		return err
	}

	rec := p.record(c, backend, nil)
	if err := store.SaveRuleset(string(backend), text); err != nil {
		p.logger.Warn("failed to save applied ruleset", "error", err)
	}
	if err := store.SaveRecord(rec); err != nil {
		p.logger.Warn("failed to save run record", "error", err)
	}
	p.finish(ctx, store, c, rec)

	p.logger.Info("geofence applied",
		"run_id", rec.RunID, "backend", backend,
		"v4_prefixes", rec.V4Prefixes, "v6_prefixes", rec.V6Prefixes, "ipv6", cfg.IPv6)
	Printer.Fprintf(env.out(), "Applied %d IPv4 and %d IPv6 prefixes with %s (%d of %d countries complete)\n",
		rec.V4Prefixes, rec.V6Prefixes, backend, c.report.Count("ok"), len(c.report.Outcomes))
	return nil
}
