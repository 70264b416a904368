// Package state persists what a run leaves behind for the next one.
//
// The state directory holds:
//   - the run lock, so only one run touches the firewall at a time
//   - the last-run record (YAML) read by "show" and the metrics exporter
//   - the last applied transaction per backend, used by "show -diff"
//   - the run history database (SQLite)
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"grimm.is/geofence/internal/logging"
)

// File names inside the state directory.
const (
	RecordFileName  = "last-run.yaml"
	HistoryFileName = "history.db"
	rulesetPrefix   = "last-ruleset."
)

// ErrNoRecord is returned when no run has been recorded yet.
var ErrNoRecord = errors.New("no previous run recorded")

// Store is a state directory.
type Store struct {
	dir    string
	logger *logging.Logger
}

// Open creates dir if needed and returns a Store rooted there.
func Open(dir string, logger *logging.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("state directory not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Store{dir: dir, logger: logger.WithComponent("state")}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string {
	return s.dir
}

// Lock takes the run lock. It fails with ErrLocked when another run holds
// it.
func (s *Store) Lock() (*Lock, error) {
	l, err := Acquire(s.dir)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("run lock acquired", "path", l.Path())
	return l, nil
}

// OpenHistory opens the run history database.
func (s *Store) OpenHistory() (*History, error) {
	return OpenHistory(filepath.Join(s.dir, HistoryFileName))
}

// writeFileAtomic replaces path with data via a temporary file and rename.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
