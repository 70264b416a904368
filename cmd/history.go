package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"grimm.is/geofence/internal/state"
)

// RunHistory prints the last n runs, newest first.
func RunHistory(ctx context.Context, flags *Flags, env *Env, n int) error {
	if env == nil {
		env = &Env{}
	}
	cfg, _, err := flags.LoadConfig()
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	logger := env.logger(cfg)

	store, err := state.Open(cfg.StateDir, logger)
	if err != nil {
		return err
	}
	h, err := store.OpenHistory()
	if err != nil {
		return err
	}
	defer h.Close()

	runs, err := h.Recent(ctx, n)
	if err != nil {
		return err
	}

	out := env.out()
	if len(runs) == 0 {
		Printer.Fprintln(out, "No runs recorded.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tRUN\tSTATUS\tBACKEND\tCOUNTRIES\tV4\tV6\tHASH\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.AppliedAt, shortID(r.RunID), r.Status, r.Backend, r.Selection,
			r.V4Prefixes, r.V6Prefixes, r.SetHash, r.Error)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
