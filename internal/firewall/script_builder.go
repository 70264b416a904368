package firewall

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var identifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)

// elementsPerLine bounds the size of one "add element" command.
const elementsPerLine = 2048

func isValidIdentifier(s string) bool {
	return identifierRegex.MatchString(s)
}

func quote(s string) string {
	if isValidIdentifier(s) {
		return s
	}
	return fmt.Sprintf("%q", s)
}

// ScriptBuilder builds nftables scripts for atomic application.
type ScriptBuilder struct {
	lines     []string
	tableName string
	family    string
}

// NewScriptBuilder creates a new script builder for the given table.
func NewScriptBuilder(tableName, family string) *ScriptBuilder {
	return &ScriptBuilder{
		tableName: tableName,
		family:    family,
		lines:     make([]string, 0, 64),
	}
}

// AddLine adds a raw nft command line to the script.
func (b *ScriptBuilder) AddLine(line string) {
	b.lines = append(b.lines, line)
}

// AddTable adds a table creation command.
func (b *ScriptBuilder) AddTable() {
	b.AddLine(fmt.Sprintf("add table %s %s", b.family, b.tableName))
}

// AddTableWithComment adds a table creation command with a metadata comment.
func (b *ScriptBuilder) AddTableWithComment(comment string) {
	if comment == "" {
		b.AddTable()
		return
	}
	b.AddLine(fmt.Sprintf("add table %s %s { comment %q; }", b.family, b.tableName, comment))
}

// ReplaceTable makes the rest of the script rebuild the table from scratch.
// The table is added first so the delete cannot fail on a fresh host; the
// whole script is one transaction, so the old table survives a rejection.
func (b *ScriptBuilder) ReplaceTable(comment string) {
	b.AddTable()
	b.AddLine(fmt.Sprintf("delete table %s %s", b.family, b.tableName))
	b.AddTableWithComment(comment)
}

// AddChain adds a chain creation command. Base chains need chainType and
// hook; policy is optional. comment is optional.
func (b *ScriptBuilder) AddChain(name, chainType string, hook string, priority int, policy string, comment ...string) {
	qName := quote(name)

	commentClause := ""
	if len(comment) > 0 && comment[0] != "" {
		commentClause = fmt.Sprintf(" comment %q;", comment[0])
	}

	if chainType != "" && hook != "" {
		policyStr := ""
		if policy != "" {
			policyStr = fmt.Sprintf("policy %s; ", policy)
		}
		b.AddLine(fmt.Sprintf("add chain %s %s %s { type %s hook %s priority %d; %s%s}",
			b.family, b.tableName, qName, chainType, hook, priority, policyStr, commentClause))
		return
	}

	if commentClause != "" {
		b.AddLine(fmt.Sprintf("add chain %s %s %s {%s }", b.family, b.tableName, qName, commentClause))
	} else {
		b.AddLine(fmt.Sprintf("add chain %s %s %s", b.family, b.tableName, qName))
	}
}

// AddRule adds a rule to a chain.
// If the rule expression already contains a comment, the new comment is skipped.
func (b *ScriptBuilder) AddRule(chainName, ruleExpr string, comment ...string) {
	commentClause := ""
	if len(comment) > 0 && comment[0] != "" && !strings.Contains(ruleExpr, "comment ") {
		commentClause = fmt.Sprintf(" comment %q", comment[0])
	}
	b.AddLine(fmt.Sprintf("add rule %s %s %s %s%s", b.family, b.tableName, quote(chainName), ruleExpr, commentClause))
}

// SetSpec describes a named set.
type SetSpec struct {
	Name    string
	Type    string
	Flags   []string
	Timeout time.Duration
	// AutoMerge lets overlapping interval elements coexist.
	AutoMerge bool
	Size      int
	Comment   string
}

// AddSet adds a set creation command.
func (b *ScriptBuilder) AddSet(spec SetSpec) {
	var body strings.Builder
	fmt.Fprintf(&body, " type %s;", spec.Type)
	if len(spec.Flags) > 0 {
		fmt.Fprintf(&body, " flags %s;", strings.Join(spec.Flags, ","))
	}
	if spec.Timeout > 0 {
		fmt.Fprintf(&body, " timeout %s;", nftDuration(spec.Timeout))
	}
	if spec.AutoMerge {
		body.WriteString(" auto-merge;")
	}
	if spec.Size > 0 {
		fmt.Fprintf(&body, " size %d;", spec.Size)
	}
	if spec.Comment != "" {
		fmt.Fprintf(&body, " comment %q;", spec.Comment)
	}
	b.AddLine(fmt.Sprintf("add set %s %s %s {%s }", b.family, b.tableName, quote(spec.Name), body.String()))
}

// AddSetElements adds elements to an existing set, split over several
// commands for large sets. Elements are addresses or prefixes and are
// written unquoted.
func (b *ScriptBuilder) AddSetElements(setName string, elements []string) {
	for start := 0; start < len(elements); start += elementsPerLine {
		end := start + elementsPerLine
		if end > len(elements) {
			end = len(elements)
		}
		b.AddLine(fmt.Sprintf("add element %s %s %s { %s }",
			b.family, b.tableName, quote(setName), strings.Join(elements[start:end], ", ")))
	}
}

// Build returns the complete script as a string.
func (b *ScriptBuilder) Build() string {
	return strings.Join(b.lines, "\n") + "\n"
}

// String returns the script for debugging.
func (b *ScriptBuilder) String() string {
	return b.Build()
}

// nftDuration renders d in nft time syntax, e.g. 1h, 90s, 1h30m.
func nftDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "1s"
	}
	var out strings.Builder
	for _, u := range []struct {
		d    time.Duration
		name string
	}{
		{24 * time.Hour, "d"},
		{time.Hour, "h"},
		{time.Minute, "m"},
		{time.Second, "s"},
	} {
		if n := d / u.d; n > 0 {
			fmt.Fprintf(&out, "%d%s", n, u.name)
			d -= n * u.d
		}
	}
	return out.String()
}

// nftRate renders "n per window" as an nft limit rate. Windows that are not
// a whole unit are scaled to the smallest unit they divide evenly, e.g. 4
// per 30s becomes 8/minute.
// nftLimit renders a limit that matches once more than n packets arrive
// within window. The bucket holds exactly n packets so the n+1th new
// connection trips it, the same point as the recent match with hitcount
// n+1. Without an explicit burst nft would use 5.
func nftLimit(n int, window time.Duration) string {
	return fmt.Sprintf("rate over %s burst %d packets", nftRate(n, window), n)
}

func nftRate(n int, window time.Duration) string {
	window = window.Round(time.Second)
	if window < time.Second {
		window = time.Second
	}
	units := []struct {
		d    time.Duration
		name string
	}{
		{time.Second, "second"},
		{time.Minute, "minute"},
		{time.Hour, "hour"},
		{24 * time.Hour, "day"},
	}
	for _, u := range units {
		if u.d >= window && u.d%window == 0 {
			return fmt.Sprintf("%d/%s", n*int(u.d/window), u.name)
		}
	}
	perMinute := (n*int(time.Minute/time.Second) + int(window/time.Second) - 1) / int(window/time.Second)
	if perMinute < 1 {
		perMinute = 1
	}
	return fmt.Sprintf("%d/minute", perMinute)
}
