package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v2"
)

// Run statuses.
const (
	StatusApplied = "applied"
	StatusFailed  = "failed"
)

// Record describes one run.
type Record struct {
	RunID     string `yaml:"run_id"`
	AppliedAt string `yaml:"applied_at"`
	Status    string `yaml:"status"`
	Error     string `yaml:"error,omitempty"`

	Backend   string `yaml:"backend,omitempty"`
	Selection string `yaml:"selection"`
	IPv6      bool   `yaml:"ipv6"`

	V4Prefixes  int    `yaml:"v4_prefixes"`
	V6Prefixes  int    `yaml:"v6_prefixes"`
	V4Addresses uint64 `yaml:"v4_addresses"`
	Blocked     int    `yaml:"blocked_prefixes,omitempty"`
	SetHash     string `yaml:"set_hash,omitempty"`

	// Failed lists "provider:CC" units that returned nothing.
	Failed  []string `yaml:"failed,omitempty"`
	Partial []string `yaml:"partial,omitempty"`

	DurationMS int64 `yaml:"duration_ms"`
}

// Time parses AppliedAt.
func (r *Record) Time() time.Time {
	t, err := time.Parse(time.RFC3339, r.AppliedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// SetTime sets AppliedAt.
func (r *Record) SetTime(t time.Time) {
	r.AppliedAt = t.UTC().Format(time.RFC3339)
}

// SaveRecord writes r as the last run.
func (s *Store) SaveRecord(r *Record) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	path := filepath.Join(s.dir, RecordFileName)
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("write run record: %w", err)
	}
	s.logger.Debug("run record saved", "path", path, "run_id", r.RunID)
	return nil
}

// LastRecord reads the last run. It returns ErrNoRecord when none exists.
func (s *Store) LastRecord() (*Record, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, RecordFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoRecord
	}
	if err != nil {
		return nil, err
	}
	var r Record
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode run record: %w", err)
	}
	return &r, nil
}

func (s *Store) rulesetPath(backend string) string {
	return filepath.Join(s.dir, rulesetPrefix+backend+".txt")
}

// SaveRuleset stores the transaction last applied with backend.
func (s *Store) SaveRuleset(backend, text string) error {
	if err := writeFileAtomic(s.rulesetPath(backend), []byte(text), 0o600); err != nil {
		return fmt.Errorf("write last ruleset: %w", err)
	}
	return nil
}

// LastRuleset returns the transaction last applied with backend, or
// ErrNoRecord.
func (s *Store) LastRuleset(backend string) (string, error) {
	data, err := os.ReadFile(s.rulesetPath(backend))
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoRecord
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RulesetName is the file name shown in diffs.
func (s *Store) RulesetName(backend string) string {
	return s.rulesetPath(backend)
}
