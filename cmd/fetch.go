package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"grimm.is/geofence/internal/acquire"
	"grimm.is/geofence/internal/state"
)

// RunFetch acquires and optimizes without touching the firewall. The
// per-country files are rewritten in the work directory.
func RunFetch(ctx context.Context, flags *Flags, env *Env) error {
	if env == nil {
		env = &Env{}
	}
	cfg, warnings, err := flags.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	p := newPipeline(env, cfg, warnings)

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
	out := env.out()
	if c.report != nil {
		printReport(out, c.report)
	}
	if err != nil {
		return err
	}

	s := c.stats
	Printer.Fprintf(out, "\nIPv4: %d prefixes and %d ranges in, %d prefixes out (%d addresses)\n",
		s.V4In, s.V4RangesIn, s.V4Out, s.V4Addresses)
	Printer.Fprintf(out, "IPv6: %d prefixes in, %d out\n", s.V6In, s.V6Out)
	if s.BlockIn > 0 {
		Printer.Fprintf(out, "Blocklist: %d prefixes subtracted\n", s.BlockIn)
	}
	Printer.Fprintf(out, "Zone files written to %s\n", cfg.WorkDir)
	return nil
}

func printReport(out io.Writer, r *acquire.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REQUEST\tSTATUS\tV4\tRANGES\tV6\tERROR")
	for _, o := range r.Outcomes {
		errText := ""
		if o.Err != nil {
			errText = o.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			o.Request, o.Status(), len(o.Result.V4), len(o.Result.V4Ranges), len(o.Result.V6), errText)
	}
	w.Flush()
	Printer.Fprintf(out, "run %s: %d ok, %d partial, %d failed in %s\n",
		r.RunID, r.Count("ok"), r.Count("partial"), r.Count("failed"), r.Duration.Round(time.Millisecond))
}
