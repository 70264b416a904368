package cmd

import (
	"io"
	"runtime"

	"grimm.is/geofence/internal/brand"
)

// RunVersion prints the version.
func RunVersion(out io.Writer) {
	version := brand.Version
	if version == "" {
		version = "dev"
	}
	Printer.Fprintf(out, "%s %s (%s, %s/%s)\n", brand.Name, version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
