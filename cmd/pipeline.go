package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"grimm.is/geofence/internal/acquire"
	"grimm.is/geofence/internal/blocklist"
	"grimm.is/geofence/internal/clock"
	"grimm.is/geofence/internal/config"
	"grimm.is/geofence/internal/firewall"
	"grimm.is/geofence/internal/logging"
	"grimm.is/geofence/internal/metrics"
	"grimm.is/geofence/internal/netset"
	"grimm.is/geofence/internal/provider"
	"grimm.is/geofence/internal/state"
)

// compiled is everything a run learns before touching the firewall. Fields
// are filled as far as the run got.
type compiled struct {
	started time.Time
	sel     config.Selection
	report  *acquire.Report
	block   int
	allow   *netset.AllowSet
	stats   *netset.Stats
	ruleset *firewall.Ruleset
}

type pipeline struct {
	env    *Env
	cfg    *config.Config
	logger *logging.Logger
}

func newPipeline(env *Env, cfg *config.Config, warnings config.ValidationErrors) *pipeline {
	logger := env.logger(cfg)
	for _, w := range warnings {
		logger.Warn("configuration warning", "field", w.Field, "message", w.Message)
	}
	logger.Debug("configuration loaded", "config", cfg.String())
	return &pipeline{env: env, cfg: cfg, logger: logger}
}

// compile acquires, optimizes and builds the ruleset. workDir receives the
// per-country files when set. The returned value is never nil.
func (p *pipeline) compile(ctx context.Context, workDir string) (*compiled, error) {
	c := &compiled{started: clock.Now()}

	sel, err := p.cfg.Selection()
	if err != nil {
		return c, err
	}
	c.sel = sel

	block, err := p.blocklist(ctx, c, true)
	if err != nil {
		return c, err
	}

	clients := p.env.Clients
	if clients == nil {
		clients, err = acquire.ClientsFor(sel, provider.Options{
			IPv6:    p.cfg.IPv6,
			Sources: *p.cfg.Sources,
			Retry:   retryConfig(p.cfg),
			Logger:  p.logger,
		})
		if err != nil {
			return c, err
		}
	}

	orch := acquire.New(clients, acquire.Options{
		Workers: p.cfg.Workers,
		WorkDir: workDir,
		Logger:  p.logger,
	})
	c.report, err = orch.Run(ctx, sel)
	if err != nil {
		return c, err
	}

	in := c.report.Input()
	in.Block = block
	return c, p.build(c, in)
}

// compileOffline builds the ruleset from the zone files an earlier fetch or
// apply left in the work directory. No provider or blocklist URL is
// contacted.
func (p *pipeline) compileOffline(ctx context.Context) (*compiled, error) {
	c := &compiled{started: clock.Now()}

	sel, err := p.cfg.Selection()
	if err != nil {
		return c, err
	}
	c.sel = sel

	block, err := p.blocklist(ctx, c, false)
	if err != nil {
		return c, err
	}

	in, err := acquire.ReadZoneFiles(p.cfg.WorkDir)
	if err != nil {
		return c, fmt.Errorf("no usable zone files, run fetch first: %w", err)
	}
	p.logger.Info("using zone files from the work directory",
		"dir", p.cfg.WorkDir, "v4", len(in.V4), "v6", len(in.V6))
	in.Block = block
	return c, p.build(c, in)
}

func (p *pipeline) blocklist(ctx context.Context, c *compiled, refresh bool) ([]netip.Prefix, error) {
	if !p.cfg.Blocklist.Enabled {
		return nil, nil
	}
	block, err := p.loadBlocklist(ctx, refresh)
	c.block = len(block)
	return block, err
}

// build optimizes in and fills the allow set, stats and ruleset of c.
func (p *pipeline) build(c *compiled, in netset.Input) error {
	allow, stats, err := netset.Optimize(in)
	c.stats = &stats
	if err != nil {
		return err
	}
	c.allow = allow
	p.logger.Info("allow set optimized",
		"v4_in", stats.V4In+stats.V4RangesIn, "v4_out", stats.V4Out,
		"v6_in", stats.V6In, "v6_out", stats.V6Out,
		"v4_addresses", stats.V4Addresses, "blocked", stats.BlockIn)

	c.ruleset = &firewall.Ruleset{
		Allow: allow,
		IPv6:  p.cfg.IPv6,
		SSH:   firewall.BruteForceFromConfig(p.cfg.SSH),
	}
	return nil
}

// loadBlocklist refreshes the configured lists when refresh is set and
// reads the directory. A failed refresh keeps the cached copies.
func (p *pipeline) loadBlocklist(ctx context.Context, refresh bool) ([]netip.Prefix, error) {
	bl := p.cfg.Blocklist
	var sources []blocklist.Source
	if refresh {
		sources = blocklist.Sources(bl.Lists, bl.URLs)
	}

	var fetcher *provider.Fetcher
	if len(sources) > 0 {
		fetcher = provider.NewFetcher(retryConfig(p.cfg), p.logger)
	}
	mgr := blocklist.NewManager(bl.Dir, bl.MaxAgeDuration(), fetcher, p.logger)
	if err := mgr.Refresh(ctx, sources); err != nil {
		p.logger.Warn("blocklist refresh incomplete, using cached lists", "error", err)
	}

	prefixes, _, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load blocklist: %w", err)
	}
	return prefixes, nil
}

// selectBackend probes the tools. With lenient set, a missing backend
// falls back to rendering for the requested or unified backend.
func (p *pipeline) selectBackend(lenient bool) (firewall.Backend, error) {
	backend, err := firewall.SelectBackend(p.cfg.Backend, p.cfg.IPv6, p.env.lookPath())
	if err == nil || !lenient {
		return backend, err
	}
	fallback := firewall.BackendUnified
	if p.cfg.Backend == config.BackendIPTables {
		fallback = firewall.BackendLegacy
	}
	p.logger.Warn("backend not usable on this host, rendering anyway", "backend", fallback, "error", err)
	return fallback, nil
}

// record describes c for the state directory.
func (p *pipeline) record(c *compiled, backend firewall.Backend, runErr error) *state.Record {
	rec := &state.Record{
		Status:     state.StatusApplied,
		Backend:    string(backend),
		Selection:  c.sel.String(),
		IPv6:       p.cfg.IPv6,
		DurationMS: clock.Since(c.started).Milliseconds(),
	}
	rec.SetTime(c.started)
	if runErr != nil {
		rec.Status = state.StatusFailed
		rec.Error = runErr.Error()
	}

	if c.report != nil {
		rec.RunID = c.report.RunID
		for _, o := range c.report.Outcomes {
			switch o.Status() {
			case "failed":
				rec.Failed = append(rec.Failed, o.Request.String())
			case "partial":
				rec.Partial = append(rec.Partial, o.Request.String())
			}
		}
	} else {
		rec.RunID = uuid.NewString()
	}
	if c.allow != nil {
		rec.V4Prefixes = len(c.allow.V4)
		rec.V6Prefixes = len(c.allow.V6)
		rec.V4Addresses = c.allow.V4Addresses()
		rec.SetHash = c.allow.Hash()
	}
	if c.stats != nil {
		rec.Blocked = c.stats.BlockIn
	}
	return rec
}

// finish appends rec to the history and exports metrics. Errors are only
// logged; the run itself already succeeded or failed.
func (p *pipeline) finish(ctx context.Context, store *state.Store, c *compiled, rec *state.Record) {
	ctx = context.WithoutCancel(ctx)

	if store != nil {
		if h, err := store.OpenHistory(); err != nil {
			p.logger.Warn("run history unavailable", "error", err)
		} else {
			if err := h.Add(ctx, rec); err != nil {
				p.logger.Warn("failed to record run", "error", err)
			}
			if _, err := h.Prune(ctx, state.DefaultHistoryKeep); err != nil {
				p.logger.Warn("failed to prune run history", "error", err)
			}
			h.Close()
		}
	}

	run := metrics.Run{
		Success:  rec.Status == state.StatusApplied,
		Backend:  rec.Backend,
		Started:  c.started,
		Duration: time.Duration(rec.DurationMS) * time.Millisecond,
		Units:    map[string]int{},
		Stats:    c.stats,
	}
	if c.report != nil {
		for _, status := range []string{"ok", "partial", "failed"} {
			run.Units[status] = c.report.Count(status)
		}
	}
	if err := metrics.Export(p.cfg.MetricsFile, run); err != nil {
		p.logger.Warn("failed to export metrics", "error", err)
	}
}

// isFatalAcquire reports whether err came from acquisition rather than the
// firewall.
func isFatalAcquire(err error) bool {
	return errors.Is(err, acquire.ErrEmptyAllowSet) || provider.Fatal(err)
}
