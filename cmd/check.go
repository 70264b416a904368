package cmd

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"grimm.is/geofence/internal/brand"
	"grimm.is/geofence/internal/config"
	"grimm.is/geofence/internal/firewall"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	return runCheck(os.Stdout, configFile, verbose)
}

func runCheck(out io.Writer, configFile string, verbose bool) error {
	if len(configFile) == 0 {
		return fmt.Errorf("usage: %s check [-v] <config-file>\nExample: %s check -v %s", brand.BinaryName, brand.BinaryName, DefaultConfigFile)
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	errs := cfg.Validate()
	printWarnings(out, errs.Warnings())
	if errs.HasErrors() {
		return fmt.Errorf("configuration invalid: %w", errs.Errors())
	}

	sel, err := cfg.Selection()
	if err != nil {
		return err
	}

	Printer.Fprintf(out, "Configuration valid!\n")
	Printer.Fprintf(out, "Schema Version: %s\n", cfg.SchemaVersion)
	Printer.Fprintf(out, "Countries: %s\n", sel)
	Printer.Fprintf(out, "IPv6 geo-blocking: %t\n", cfg.IPv6)
	Printer.Fprintf(out, "Backend: %s\n", cfg.Backend)

	if verbose {
		Printer.Fprintln(out)
		printSummary(out, cfg, sel)
	}
	return nil
}

func printSummary(out io.Writer, cfg *config.Config, sel config.Selection) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tCOUNTRIES")
	groups := sel.ByProvider()
	for _, p := range config.Providers {
		ccs, ok := groups[p]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%v\n", p, ccs)
	}
	w.Flush()

	bf := firewall.BruteForceFromConfig(cfg.SSH)
	// Ports are identifiers; %d would get digit grouping.
	Printer.Fprintf(out, "\nSSH port %s: %d new connections per %s, ban %s\n",
		strconv.Itoa(bf.Port), bf.Threshold, bf.Window, bf.Ban)
	if cfg.Blocklist.Enabled {
		Printer.Fprintf(out, "Blocklist: %s (lists %v, %d urls, max age %s)\n",
			cfg.Blocklist.Dir, cfg.Blocklist.Lists, len(cfg.Blocklist.URLs), cfg.Blocklist.MaxAge)
	}
	Printer.Fprintf(out, "Work dir: %s\nState dir: %s\n", cfg.WorkDir, cfg.StateDir)
	if cfg.MetricsFile != "" {
		Printer.Fprintf(out, "Metrics file: %s\n", cfg.MetricsFile)
	}
}
