package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"grimm.is/geofence/cmd"
	"grimm.is/geofence/internal/brand"
	"grimm.is/geofence/internal/i18n"
)

var printer = i18n.NewCLIPrinter()

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// SIGINT/SIGTERM cancel acquisition; nothing is applied afterwards.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		printer.Fprintf(os.Stderr, "%s %s failed: %v\n", brand.BinaryName, os.Args[1], err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	switch command {
	case "apply":
		flags := &cmd.Flags{}
		fs := cmd.NewFlagSet("apply", flags, os.Stderr)
		if err := flags.Parse(fs, args); err != nil {
			return err
		}
		return cmd.RunApply(ctx, flags, nil)

	case "show":
		flags := &cmd.Flags{}
		fs := cmd.NewFlagSet("show", flags, os.Stderr)
		var opts cmd.ShowOptions
		fs.BoolVar(&opts.Diff, "diff", false, "Diff against the last applied transaction")
		fs.BoolVar(&opts.Offline, "offline", false, "Compile from the zone files of the last fetch")
		if err := flags.Parse(fs, args); err != nil {
			return err
		}
		return cmd.RunShow(ctx, flags, nil, opts)

	case "fetch":
		flags := &cmd.Flags{}
		fs := cmd.NewFlagSet("fetch", flags, os.Stderr)
		if err := flags.Parse(fs, args); err != nil {
			return err
		}
		return cmd.RunFetch(ctx, flags, nil)

	case "history":
		flags := &cmd.Flags{}
		fs := cmd.NewFlagSet("history", flags, os.Stderr)
		n := fs.Int("n", 20, "Number of runs to show")
		if err := flags.Parse(fs, args); err != nil {
			return err
		}
		return cmd.RunHistory(ctx, flags, nil, *n)

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ContinueOnError)
		configFile := checkFlags.String("config", cmd.DefaultConfigFile, "Configuration file")
		checkFlags.StringVar(configFile, "c", cmd.DefaultConfigFile, "Configuration file (short)")
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		if err := checkFlags.Parse(args); err != nil {
			return err
		}
		if checkFlags.NArg() > 0 {
			*configFile = checkFlags.Arg(0)
		}
		return cmd.RunCheck(*configFile, *verbose)

	case "version", "-version", "--version":
		cmd.RunVersion(os.Stdout)
		return nil

	case "help", "-h", "--help":
		printUsage()
		return nil

	default:
		printUsage()
		return errors.New("unknown command " + command)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  apply     Download country ranges and install the allowlist
            Options: -countries, -provider, -blocklist, -ipv6, -ssh-port,
                     -config, -workers, -backend, -state-dir, -dry-run (-n), -v
  show      Compile and print the transaction without applying it
            Options: as apply, plus -diff and -offline
  fetch     Download and optimize only, write the per-country zone files
  history   List recent runs (-n N)
  check     Validate a configuration file (-v for a summary)
  version   Print version information

Countries are given as "IT,FR" or per provider as "ipdeny:IT,FR;ripe:DE".
Providers: ipdeny, ripe, nirsoft, mmdb.
`, brand.BinaryName, brand.Description, brand.BinaryName)
}
