// Package lockfile enforces the single-daemon-per-machine invariant through
// an exclusive lock file. Ownership is decided solely by an atomic
// create-only-if-absent open; there is never a check-then-create sequence.
//
// The lock is deliberately not released on shutdown: the OS reclaims the
// file handle atomically when the owning process exits, which removes the
// window where a new daemon could fail to acquire while the old one is
// still mid-exit. Successors instead detect and remove stale locks.
package lockfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sessiond/sessiond/internal/metrics"
)

// StaleAfter is the safety-net age beyond which a lock is reclaimed even
// when its owner still answers a liveness probe.
const StaleAfter = 60 * time.Second

// ErrLockHeld is returned when all acquisition attempts were exhausted
// against a valid, live-owner lock.
var ErrLockHeld = errors.New("lock held by a running daemon")

// Record is the persisted lock content. Timestamp is epoch milliseconds.
type Record struct {
	PID       int   `json:"pid"`
	Timestamp int64 `json:"timestamp"`
}

// Handle represents a successfully acquired lock.
type Handle struct {
	Path   string
	Record Record
}

// Manager acquires and inspects the daemon lock file.
type Manager struct {
	path       string
	staleAfter time.Duration
	log        *slog.Logger

	// alive is the zero-signal liveness probe, replaceable in tests.
	alive func(pid int) bool
	now   func() time.Time
}

func New(path string, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		path:       path,
		staleAfter: StaleAfter,
		log:        log,
		alive:      ProcessAlive,
		now:        time.Now,
	}
}

// SetStaleAfter overrides the staleness window. Values <= 0 are ignored.
func (m *Manager) SetStaleAfter(d time.Duration) {
	if d > 0 {
		m.staleAfter = d
	}
}

// Acquire attempts to take ownership of the lock file. On contention it
// inspects the current owner: a corrupt, dead-owner, or over-age lock is
// removed and acquisition retried; a valid lock causes a linear backoff of
// attempt*backoffStep before the next try. Returns ErrLockHeld once
// maxAttempts are exhausted.
func (m *Manager) Acquire(maxAttempts int, backoffStep time.Duration) (*Handle, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		h, err := m.tryCreate()
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock %s: %w", m.path, err)
		}

		if m.reclaimStale() {
			// Lock removed; retry immediately without burning the backoff.
			continue
		}
		if attempt < maxAttempts {
			time.Sleep(time.Duration(attempt) * backoffStep)
		}
	}
	return nil, ErrLockHeld
}

// tryCreate performs the atomic create-only-if-absent open and, on success,
// writes the owner record.
func (m *Manager) tryCreate() (*Handle, error) {
	f, err := os.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	rec := Record{PID: os.Getpid(), Timestamp: m.now().UnixMilli()}
	data, _ := json.Marshal(rec)
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(m.path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(m.path)
		return nil, err
	}
	return &Handle{Path: m.path, Record: rec}, nil
}

// reclaimStale reads the existing lock and removes it when it is corrupt,
// owned by a dead process, or older than the staleness window. Reports
// whether the lock was removed.
func (m *Manager) reclaimStale() bool {
	rec, ok := m.readCurrent()
	if !ok {
		// Unparsable content is stale by definition.
		m.log.Warn("removing corrupt lock file", "path", m.path)
		_ = os.Remove(m.path)
		metrics.LockReclaimed()
		return true
	}
	if !m.alive(rec.PID) {
		m.log.Info("removing lock of dead process", "pid", rec.PID)
		_ = os.Remove(m.path)
		metrics.LockReclaimed()
		return true
	}
	age := m.now().Sub(time.UnixMilli(rec.Timestamp))
	if age > m.staleAfter {
		m.log.Warn("removing over-age lock despite live owner", "pid", rec.PID, "age", age)
		_ = os.Remove(m.path)
		metrics.LockReclaimed()
		return true
	}
	return false
}

// readCurrent parses the lock file, accepting both the JSON record format
// and the legacy bare-pid format. For legacy locks the file mtime stands in
// for the missing timestamp.
func (m *Manager) readCurrent() (Record, bool) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		// Raced with a concurrent removal; treat as reclaimed.
		return Record{}, false
	}
	body := strings.TrimSpace(string(b))
	if body == "" {
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal([]byte(body), &rec); err == nil && rec.PID > 0 {
		return rec, true
	}
	if pid, err := strconv.Atoi(body); err == nil && pid > 0 {
		rec = Record{PID: pid}
		if fi, err := os.Stat(m.path); err == nil {
			rec.Timestamp = fi.ModTime().UnixMilli()
		}
		return rec, true
	}
	return Record{}, false
}

// Owner reports the current lock owner without attempting acquisition.
func (m *Manager) Owner() (Record, bool) {
	return m.readCurrent()
}
