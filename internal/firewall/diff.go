package firewall

import (
	"github.com/pmezard/go-difflib/difflib"
)

// Diff returns a unified diff between two rendered transactions, or an
// empty string when they are identical.
func Diff(fromName, toName, from, to string) (string, error) {
	if from == to {
		return "", nil
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(from),
		B:        difflib.SplitLines(to),
		FromFile: fromName,
		ToFile:   toName,
		Context:  3,
	})
}
