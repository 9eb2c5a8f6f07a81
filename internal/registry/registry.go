// Package registry tracks every child agent process the daemon knows
// about, keyed by OS pid. Entries exist for children the daemon spawned
// itself and for sessions that were started independently and only became
// known through their self-report.
package registry

import (
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"
)

// Origin says how an entry came to be tracked.
type Origin string

const (
	// OriginSpawned marks children created by the daemon's orchestrator.
	OriginSpawned Origin = "daemon-spawned"
	// OriginReported marks sessions that announced themselves without the
	// daemon having spawned them.
	OriginReported Origin = "externally-reported"
)

// Status of a tracked session. StatusStopped is reserved for future
// historical tracking and is never produced today: a stopped session is
// simply removed from the registry.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Meta carries the self-report payload fields worth keeping.
type Meta struct {
	StartedBy string `json:"started_by,omitempty"`
	Directory string `json:"directory,omitempty"`
}

// TrackedSession is one registry entry. The process handle is present only
// for daemon-spawned children and is owned exclusively by the entry.
type TrackedSession struct {
	PID        int
	Origin     Origin
	SessionID  string // empty until the child self-reports
	StartedAt  time.Time
	Meta       Meta
	AuxTempDir string // transient per-session secrets; removed with the entry

	proc *os.Process
}

// Process returns the owned handle, nil for externally-reported entries.
func (ts *TrackedSession) Process() *os.Process { return ts.proc }

// Registry is the in-memory session table plus the per-pid one-shot
// awaiters that correlate a spawn with its later self-report.
type Registry struct {
	mu       sync.Mutex
	sessions map[int]*TrackedSession
	awaiters map[int]chan string
	log      *slog.Logger
}

func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		sessions: make(map[int]*TrackedSession),
		awaiters: make(map[int]chan string),
		log:      log,
	}
}

// AddSpawned records a child the daemon just created.
func (r *Registry) AddSpawned(pid int, proc *os.Process, auxTempDir string, meta Meta) *TrackedSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := &TrackedSession{
		PID:        pid,
		Origin:     OriginSpawned,
		StartedAt:  time.Now(),
		Meta:       meta,
		AuxTempDir: auxTempDir,
		proc:       proc,
	}
	r.sessions[pid] = ts
	return ts
}

// UpsertFromReport handles the self-report webhook. A report for a pid the
// daemon spawned merges the session id into the existing entry and resolves
// any pending awaiter; an unknown pid creates an externally-reported entry.
func (r *Registry) UpsertFromReport(sessionID string, pid int, meta Meta) *TrackedSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	ts, ok := r.sessions[pid]
	if ok {
		ts.SessionID = sessionID
		if meta.StartedBy != "" {
			ts.Meta.StartedBy = meta.StartedBy
		}
		if meta.Directory != "" {
			ts.Meta.Directory = meta.Directory
		}
	} else {
		ts = &TrackedSession{
			PID:       pid,
			Origin:    OriginReported,
			SessionID: sessionID,
			StartedAt: time.Now(),
			Meta:      meta,
		}
		r.sessions[pid] = ts
	}

	if ch, ok := r.awaiters[pid]; ok {
		ch <- sessionID
		delete(r.awaiters, pid)
	}
	return ts
}

// Await registers a one-shot awaiter for pid's self-report. The returned
// channel receives the reported session id exactly once. Callers that time
// out must call CancelAwait so the slot does not leak.
func (r *Registry) Await(pid int) <-chan string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan string, 1)
	r.awaiters[pid] = ch
	return ch
}

// CancelAwait drops a pending awaiter after a timeout.
func (r *Registry) CancelAwait(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.awaiters, pid)
}

// Remove discards the entry for pid, deleting its aux temp directory
// best-effort first. Cleanup failure is logged and never blocks removal:
// the directory holds a one-shot credential, and keeping the entry alive
// to retry would violate the single-owner-per-pid invariant.
func (r *Registry) Remove(pid int) bool {
	r.mu.Lock()
	ts, ok := r.sessions[pid]
	if ok {
		delete(r.sessions, pid)
	}
	if ch, pending := r.awaiters[pid]; pending {
		close(ch)
		delete(r.awaiters, pid)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if ts.AuxTempDir != "" {
		if err := os.RemoveAll(ts.AuxTempDir); err != nil {
			r.log.Warn("failed to remove session temp dir",
				"pid", pid, "dir", ts.AuxTempDir, "error", err)
		}
	}
	return true
}

// FindBySessionID returns the entry whose reported id matches.
func (r *Registry) FindBySessionID(sessionID string) (*TrackedSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ts := range r.sessions {
		if ts.SessionID == sessionID {
			return ts, true
		}
	}
	return nil, false
}

// Find returns the entry for pid.
func (r *Registry) Find(pid int) (*TrackedSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.sessions[pid]
	return ts, ok
}

// Snapshot returns a pid-ordered copy of all entries.
func (r *Registry) Snapshot() []TrackedSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TrackedSession, 0, len(r.sessions))
	for _, ts := range r.sessions {
		out = append(out, *ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// AuxTempDirs lists the per-session secret directories currently owned by
// registry entries, sorted for stable persistence.
func (r *Registry) AuxTempDirs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dirs []string
	for _, ts := range r.sessions {
		if ts.AuxTempDir != "" {
			dirs = append(dirs, ts.AuxTempDir)
		}
	}
	sort.Strings(dirs)
	return dirs
}

// Len reports the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep removes every entry whose pid no longer answers the liveness
// probe and returns the removed pids.
func (r *Registry) Sweep(alive func(pid int) bool) []int {
	r.mu.Lock()
	var dead []int
	for pid := range r.sessions {
		if !alive(pid) {
			dead = append(dead, pid)
		}
	}
	r.mu.Unlock()

	for _, pid := range dead {
		r.Remove(pid)
	}
	sort.Ints(dead)
	return dead
}
