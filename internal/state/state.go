// Package state persists the daemon's own operational record. Readers must
// always prefer "no state" over corrupt state: any parse or validation
// failure deletes the file and reports the record as absent.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/sessiond/sessiond/internal/fsatomic"
)

// DaemonRecord is the persisted operational record of the running daemon.
// It is written only by the lock-holding process; concurrent CLI
// invocations read it to find the control port and probe liveness.
type DaemonRecord struct {
	PID           int       `json:"pid"`
	HTTPPort      int       `json:"httpPort"`
	StartTime     time.Time `json:"startTime"`
	BuildVersion  string    `json:"buildVersion"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitzero"`
	LogPath       string    `json:"logPath,omitempty"`
	AuxProcessID  int       `json:"auxProcessId,omitempty"`
	AuxTempDirs   []string  `json:"auxTempDirs"`
}

// validate enforces the record schema. It rejects anything a healthy
// daemon could not have written.
func (r *DaemonRecord) validate() error {
	if r.PID <= 0 {
		return fmt.Errorf("pid %d out of range", r.PID)
	}
	if r.HTTPPort <= 0 || r.HTTPPort > 65535 {
		return fmt.Errorf("httpPort %d out of range", r.HTTPPort)
	}
	if r.StartTime.IsZero() {
		return fmt.Errorf("startTime missing")
	}
	if r.BuildVersion == "" {
		return fmt.Errorf("buildVersion missing")
	}
	return nil
}

// Store reads and writes the daemon record at a fixed path.
type Store struct {
	path string
	log  *slog.Logger
}

func NewStore(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, log: log}
}

// Read returns the current record, or (nil, false) when the file is
// absent, unreadable, or fails schema validation. Invalid files are
// removed so the next reader starts clean.
func (s *Store) Read() (*DaemonRecord, bool) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, false
	}
	var rec DaemonRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		s.log.Warn("discarding corrupt daemon record", "path", s.path, "error", err)
		_ = os.Remove(s.path)
		return nil, false
	}
	if err := rec.validate(); err != nil {
		s.log.Warn("discarding invalid daemon record", "path", s.path, "error", err)
		_ = os.Remove(s.path)
		return nil, false
	}
	return &rec, true
}

// Write persists the record synchronously and atomically so a concurrent
// status check observes either the previous record or this one, never a
// partial write.
func (s *Store) Write(rec *DaemonRecord) error {
	if err := rec.validate(); err != nil {
		return fmt.Errorf("refusing to persist invalid record: %w", err)
	}
	return fsatomic.WriteJSON(s.path, rec, 0o600)
}

// Clear removes the record file. Missing files are not an error.
func (s *Store) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }
