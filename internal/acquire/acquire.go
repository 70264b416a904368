// Package acquire downloads every requested country with a bounded pool of
// workers and collects the results into a single optimizer input.
//
// A failure of one country (or one family of one country) is logged and
// recorded in the Report; it never stops the other downloads. Errors a
// provider marks as fatal cancel the whole run.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"grimm.is/geofence/internal/clock"
	"grimm.is/geofence/internal/config"
	"grimm.is/geofence/internal/logging"
	"grimm.is/geofence/internal/netset"
	"grimm.is/geofence/internal/provider"
)

// ErrEmptyAllowSet is returned when no country produced any range.
var ErrEmptyAllowSet = errors.New("no ranges acquired for any country")

// Worker bounds.
const (
	DefaultWorkers = 4
	MinWorkers     = 1
	MaxWorkers     = 16
)

// Options configures an Orchestrator.
type Options struct {
	Workers int
	// WorkDir, when set, receives {cc}.v4 and {cc}.v6 files.
	WorkDir string
	Logger  *logging.Logger
}

// Orchestrator runs one acquisition pass.
type Orchestrator struct {
	clients map[config.Provider]provider.Client
	workers int
	workDir string
	logger  *logging.Logger
}

// New creates an Orchestrator using the given client per provider.
func New(clients map[config.Provider]provider.Client, opts Options) *Orchestrator {
	workers := opts.Workers
	if workers == 0 {
		workers = DefaultWorkers
	}
	if workers < MinWorkers {
		workers = MinWorkers
	}
	if workers > MaxWorkers {
		workers = MaxWorkers
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Orchestrator{
		clients: clients,
		workers: workers,
		workDir: opts.WorkDir,
		logger:  logger.WithComponent("acquire"),
	}
}

// ClientsFor builds one client per provider used in sel.
func ClientsFor(sel config.Selection, opts provider.Options) (map[config.Provider]provider.Client, error) {
	clients := make(map[config.Provider]provider.Client)
	for p := range sel.ByProvider() {
		c, err := provider.New(p, opts)
		if err != nil {
			return nil, err
		}
		clients[p] = c
	}
	return clients, nil
}

// Outcome is the result of one request.
type Outcome struct {
	config.Request
	Result provider.Result
	Err    error
}

// Status classifies an outcome.
func (o Outcome) Status() string {
	switch {
	case o.Err == nil && !o.Result.Empty():
		return "ok"
	case o.Err != nil && !o.Result.Empty():
		return "partial"
	default:
		return "failed"
	}
}

// Report summarizes one acquisition pass.
type Report struct {
	RunID    string
	Started  time.Time
	Duration time.Duration
	Outcomes []Outcome

	V4       int
	V4Ranges int
	V6       int
}

// Count returns how many outcomes have the given status.
func (r *Report) Count(status string) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status() == status {
			n++
		}
	}
	return n
}

// Errors aggregates every per-request error, or nil.
func (r *Report) Errors() error {
	var errs *multierror.Error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", o.Request, o.Err))
		}
	}
	return errs.ErrorOrNil()
}

// Input concatenates every successful result.
func (r *Report) Input() netset.Input {
	var in netset.Input
	for _, o := range r.Outcomes {
		in.V4 = append(in.V4, o.Result.V4...)
		in.V4Ranges = append(in.V4Ranges, o.Result.V4Ranges...)
		in.V6 = append(in.V6, o.Result.V6...)
	}
	return in
}

// Run fetches every request in sel. It returns the report even on error so
// callers can record what happened.
func (o *Orchestrator) Run(ctx context.Context, sel config.Selection) (*Report, error) {
	report := &Report{
		RunID:    uuid.NewString(),
		Started:  clock.Now(),
		Outcomes: make([]Outcome, len(sel)),
	}
	defer func() { report.Duration = clock.Since(report.Started) }()

	o.logger.Info("acquisition started",
		"run_id", report.RunID, "requests", len(sel), "workers", o.workers)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)

	for i, req := range sel {
		report.Outcomes[i].Request = req
		client, ok := o.clients[req.Provider]
		if !ok {
			report.Outcomes[i].Err = fmt.Errorf("no client for provider %s", req.Provider)
			continue
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				report.Outcomes[i].Err = err
				return nil
			}
			res, err := client.Fetch(gctx, req.Country)
			report.Outcomes[i].Result = res
			report.Outcomes[i].Err = err
			if err != nil && provider.Fatal(err) {
				return fmt.Errorf("%s: %w", req, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("acquisition aborted", "run_id", report.RunID, "error", err)
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	for _, out := range report.Outcomes {
		switch out.Status() {
		case "ok":
			o.logger.Debug("country acquired", "request", out.Request.String(),
				"v4", len(out.Result.V4), "v4_ranges", len(out.Result.V4Ranges), "v6", len(out.Result.V6))
		case "partial":
			o.logger.Warn("country partially acquired", "request", out.Request.String(), "error", out.Err)
		default:
			o.logger.Warn("country skipped", "request", out.Request.String(), "error", out.Err)
		}
		report.V4 += len(out.Result.V4)
		report.V4Ranges += len(out.Result.V4Ranges)
		report.V6 += len(out.Result.V6)
	}

	if report.V4 == 0 && report.V4Ranges == 0 && report.V6 == 0 {
		if errs := report.Errors(); errs != nil {
			return report, fmt.Errorf("%w: %v", ErrEmptyAllowSet, errs)
		}
		return report, ErrEmptyAllowSet
	}

	if o.workDir != "" {
		if err := WriteZoneFiles(o.workDir, report.Outcomes); err != nil {
			return report, err
		}
	}

	o.logger.Info("acquisition finished",
		"run_id", report.RunID,
		"ok", report.Count("ok"), "partial", report.Count("partial"), "failed", report.Count("failed"),
		"v4", report.V4, "v4_ranges", report.V4Ranges, "v6", report.V6)
	return report, nil
}
