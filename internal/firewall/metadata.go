package firewall

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	"grimm.is/geofence/internal/brand"
)

// TableMetadata contains versioning and tracking info embedded in the
// nftables table comment.
type TableMetadata struct {
	Version    string // geofence version (e.g., "1.2.3" or "dev")
	ApplyCount int    // Number of times rules have been applied
	SetHash    string // First 8 hex chars of the allow set hash
}

// metadataRegex parses the metadata comment format:
// geofence:v<version>:c=<count>:h=<hash>
var metadataRegex = regexp.MustCompile(regexp.QuoteMeta(brand.LowerName) + `:v([^:]+):c=(\d+):h=([a-f0-9]+)`)

var commentRegex = regexp.MustCompile(`"comment"\s*:\s*"([^"]*)"`)

// ReadTableMetadata reads the metadata from the installed table comment.
// Returns nil if the table does not exist or carries no metadata.
func ReadTableMetadata(ctx context.Context, runner CommandRunner) *TableMetadata {
	out, err := runner.Output(ctx, "nft", "-j", "list", "table", TableFamily, TableName)
	if err != nil {
		return nil
	}
	match := commentRegex.FindSubmatch(out)
	if match == nil {
		return nil
	}
	return ParseMetadataComment(string(match[1]))
}

// ParseMetadataComment parses a metadata comment string.
func ParseMetadataComment(comment string) *TableMetadata {
	match := metadataRegex.FindStringSubmatch(comment)
	if match == nil {
		return nil
	}

	count, _ := strconv.Atoi(match[2])
	return &TableMetadata{
		Version:    match[1],
		ApplyCount: count,
		SetHash:    match[3],
	}
}

// BuildMetadataComment creates a metadata comment string.
func BuildMetadataComment(applyCount int, setHash string) string {
	version := brand.Version
	if version == "" {
		version = "dev"
	}
	return fmt.Sprintf("%s:v%s:c=%d:h=%s", brand.LowerName, version, applyCount, setHash)
}

// NextApplyCount returns the installed apply count + 1, or 1.
func NextApplyCount(ctx context.Context, runner CommandRunner) int {
	meta := ReadTableMetadata(ctx, runner)
	if meta == nil {
		return 1
	}
	return meta.ApplyCount + 1
}

// FormatMetadataForDisplay returns a human-readable string of the metadata.
func FormatMetadataForDisplay(meta *TableMetadata) string {
	if meta == nil {
		return "no metadata"
	}
	return fmt.Sprintf("v%s, applied %d times, allow set hash: %s",
		meta.Version, meta.ApplyCount, meta.SetHash)
}
