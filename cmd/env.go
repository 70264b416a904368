package cmd

import (
	"io"
	"os"
	"os/exec"
	"time"

	"grimm.is/geofence/internal/config"
	"grimm.is/geofence/internal/firewall"
	"grimm.is/geofence/internal/i18n"
	"grimm.is/geofence/internal/logging"
	"grimm.is/geofence/internal/provider"
)

// Printer is the message printer for CLI output.
var Printer = i18n.NewCLIPrinter()

// Env holds what a command needs from the outside world. Zero fields use
// the real system.
type Env struct {
	Out    io.Writer
	Logger *logging.Logger

	// Clients replaces the provider clients built from the configuration.
	Clients map[config.Provider]provider.Client
	// LookPath probes for backend tools.
	LookPath firewall.LookPathFunc
	// Runner executes nft, ipset and the restore tools.
	Runner firewall.CommandRunner
	// Applier installs rulesets. It defaults to one using Runner.
	Applier *firewall.Applier
}

func (e *Env) out() io.Writer {
	if e.Out == nil {
		return os.Stdout
	}
	return e.Out
}

func (e *Env) lookPath() firewall.LookPathFunc {
	if e.LookPath == nil {
		return exec.LookPath
	}
	return e.LookPath
}

func (e *Env) runner() firewall.CommandRunner {
	if e.Runner == nil {
		return firewall.DefaultCommandRunner
	}
	return e.Runner
}

func (e *Env) applier(logger *logging.Logger) *firewall.Applier {
	if e.Applier == nil {
		e.Applier = firewall.NewApplier(firewall.ApplierDeps{Runner: e.runner(), Logger: logger})
	}
	return e.Applier
}

// logger returns Env.Logger or builds one from the configuration and makes
// it the default.
func (e *Env) logger(cfg *config.Config) *logging.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logging.LevelInfo
	}
	l := logging.New(logging.Config{
		Level:      level,
		Output:     os.Stderr,
		JSON:       cfg.LogJSON,
		TimeFormat: time.RFC3339,
	})
	logging.SetDefault(l)
	e.Logger = l
	return l
}

func retryConfig(cfg *config.Config) provider.RetryConfig {
	retry := provider.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Fetch.Attempts
	retry.InitialDelay = cfg.Fetch.InitialDelayDuration()
	retry.Timeout = cfg.Fetch.TimeoutDuration()
	return retry
}

func printWarnings(out io.Writer, warnings config.ValidationErrors) {
	for _, w := range warnings {
		Printer.Fprintf(out, "warning: %s\n", w.Error())
	}
}
