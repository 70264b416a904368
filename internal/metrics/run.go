package metrics

import (
	"time"

	"grimm.is/geofence/internal/netset"
)

// Run summarizes a run for export.
type Run struct {
	Success  bool
	Backend  string
	Started  time.Time
	Duration time.Duration
	// Units counts country fetches by status ("ok", "partial", "failed").
	Units map[string]int
	// Stats is nil when the run failed before optimizing.
	Stats *netset.Stats
}

// Export writes run to path. An empty path is a no-op.
func Export(path string, run Run) error {
	if path == "" {
		return nil
	}
	r := NewRegistry()
	r.Observe(run)
	return r.WriteTextfile(path)
}
