// Package metrics exports run results in the Prometheus text format, for
// the node_exporter textfile collector.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"grimm.is/geofence/internal/brand"
)

var namespace = brand.LowerName

// Registry holds the metrics of one run.
type Registry struct {
	reg *prometheus.Registry

	// Run metrics
	LastRunTimestamp prometheus.Gauge
	LastRunSuccess   prometheus.Gauge
	LastRunDuration  prometheus.Gauge
	Backend          *prometheus.GaugeVec

	// Acquisition metrics
	Units *prometheus.GaugeVec

	// Optimizer metrics
	PrefixesIn   *prometheus.GaugeVec
	PrefixesOut  *prometheus.GaugeVec
	V4Addresses  prometheus.Gauge
	BlockedInput prometheus.Gauge
}

// NewRegistry creates a Registry backed by its own prometheus.Registry, so
// nothing from the default registry leaks into the file.
func NewRegistry() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	factory := promauto.With(r.reg)

	r.LastRunTimestamp = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the last run",
	})

	r.LastRunSuccess = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_success",
		Help:      "1 if the last run applied a ruleset, 0 otherwise",
	})

	r.LastRunDuration = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_duration_seconds",
		Help:      "Wall time of the last run",
	})

	r.Backend = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "backend_info",
		Help:      "Packet-filter backend used by the last run",
	}, []string{"backend"})

	r.Units = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fetch_units",
		Help:      "Country fetches of the last run by outcome",
	}, []string{"status"})

	r.PrefixesIn = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "prefixes_in",
		Help:      "Prefixes fed to the optimizer",
	}, []string{"family"})

	r.PrefixesOut = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "prefixes_out",
		Help:      "Prefixes in the installed allow set",
	}, []string{"family"})

	r.V4Addresses = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "allowed_ipv4_addresses",
		Help:      "IPv4 addresses covered by the allow set",
	})

	r.BlockedInput = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "blocklist_prefixes",
		Help:      "Blocklist prefixes subtracted from the allow set",
	})

	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Observe records a finished run.
func (r *Registry) Observe(run Run) {
	r.LastRunTimestamp.Set(float64(run.Started.Unix()))
	r.LastRunDuration.Set(run.Duration.Seconds())
	if run.Success {
		r.LastRunSuccess.Set(1)
	} else {
		r.LastRunSuccess.Set(0)
	}
	if run.Backend != "" {
		r.Backend.Reset()
		r.Backend.WithLabelValues(run.Backend).Set(1)
	}

	for _, status := range []string{"ok", "partial", "failed"} {
		r.Units.WithLabelValues(status).Set(float64(run.Units[status]))
	}

	if run.Stats != nil {
		s := run.Stats
		r.PrefixesIn.WithLabelValues("ipv4").Set(float64(s.V4In + s.V4RangesIn))
		r.PrefixesIn.WithLabelValues("ipv6").Set(float64(s.V6In))
		r.PrefixesOut.WithLabelValues("ipv4").Set(float64(s.V4Out))
		r.PrefixesOut.WithLabelValues("ipv6").Set(float64(s.V6Out))
		r.V4Addresses.Set(float64(s.V4Addresses))
		r.BlockedInput.Set(float64(s.BlockIn))
	}
}

// WriteTextfile writes the metrics to path atomically.
func (r *Registry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}
