package heartbeat

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sessiond/sessiond/internal/registry"
	"github.com/sessiond/sessiond/internal/shutdown"
	"github.com/sessiond/sessiond/internal/state"
)

func testRecord() state.DaemonRecord {
	return state.DaemonRecord{
		PID:          os.Getpid(),
		HTTPPort:     7070,
		StartTime:    time.Now(),
		BuildVersion: "1.0.0",
	}
}

func newTestHeartbeat(t *testing.T, statePath string) (*Heartbeat, *registry.Registry, *state.Store, *shutdown.Coordinator) {
	t.Helper()
	reg := registry.New(nil)
	st := state.NewStore(statePath, nil)
	shut := shutdown.New(time.Hour, nil)
	h := New(Config{Interval: time.Hour, BuildVersion: "1.0.0"}, testRecord(), reg, st, shut, nil)
	t.Cleanup(h.Stop)
	return h, reg, st, shut
}

func TestTickSweepsDeadAndPersistsHeartbeat(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "daemon.json")
	h, reg, st, shut := newTestHeartbeat(t, statePath)

	reg.AddSpawned(111, nil, "", registry.Meta{})
	reg.AddSpawned(222, nil, "", registry.Meta{})
	h.alive = func(pid int) bool { return pid == 222 }

	h.Tick()

	if shut.Requested() {
		t.Fatalf("healthy tick must not request shutdown, cause=%s", shut.Cause())
	}
	if reg.Len() != 1 {
		t.Fatalf("dead session not swept, len=%d", reg.Len())
	}
	rec, ok := st.Read()
	if !ok {
		t.Fatalf("record not persisted")
	}
	if rec.LastHeartbeat.IsZero() {
		t.Fatalf("heartbeat timestamp missing")
	}
}

func TestTickGuardSkipsOverlappingCycle(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "daemon.json")
	h, _, st, _ := newTestHeartbeat(t, statePath)

	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	h.Tick()

	if _, ok := st.Read(); ok {
		t.Fatalf("overlapping tick must do nothing")
	}
}

func TestPersistFailureIsFatal(t *testing.T) {
	// A state path inside a directory that does not exist makes the
	// atomic write fail.
	statePath := filepath.Join(t.TempDir(), "gone", "daemon.json")
	h, _, _, shut := newTestHeartbeat(t, statePath)

	h.Tick()

	if shut.Cause() != shutdown.CauseHeartbeatFailure {
		t.Fatalf("cause %q, want heartbeat failure", shut.Cause())
	}
}

func TestMissingExecutableShutsDown(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "daemon.json")
	h, _, _, shut := newTestHeartbeat(t, statePath)
	h.cfg.ExecutablePath = filepath.Join(t.TempDir(), "uninstalled")

	h.Tick()

	if shut.Cause() != shutdown.CauseExecutableMissing {
		t.Fatalf("cause %q, want executable missing", shut.Cause())
	}
}

func TestLockLossShutsDownWithoutPersist(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "daemon.json")
	h, _, st, shut := newTestHeartbeat(t, statePath)
	h.lockCheck = func() bool { return false }

	h.Tick()

	if shut.Cause() != shutdown.CauseLockLost {
		t.Fatalf("cause %q, want lock lost", shut.Cause())
	}
	if _, ok := st.Read(); ok {
		t.Fatalf("tick must not persist after losing the lock")
	}
}

func TestPersistRecordsAndPrunesAuxTempDirs(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "daemon.json")
	h, reg, st, _ := newTestHeartbeat(t, statePath)
	h.alive = func(int) bool { return true }

	credDir := t.TempDir()
	reg.AddSpawned(600, nil, credDir, registry.Meta{})

	h.Tick()
	rec, ok := st.Read()
	if !ok {
		t.Fatalf("record not persisted")
	}
	if len(rec.AuxTempDirs) != 1 || rec.AuxTempDirs[0] != credDir {
		t.Fatalf("aux dirs %v, want [%s]", rec.AuxTempDirs, credDir)
	}

	reg.Remove(600)
	h.Tick()
	rec, ok = st.Read()
	if !ok {
		t.Fatalf("record not persisted after removal")
	}
	if len(rec.AuxTempDirs) != 0 {
		t.Fatalf("aux dirs not pruned: %v", rec.AuxTempDirs)
	}
}

func TestNewBuildTriggersHandover(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "sessiond")
	if err := os.WriteFile(exe, []byte("v1"), 0o755); err != nil {
		t.Fatalf("seed exe: %v", err)
	}

	reg := registry.New(nil)
	st := state.NewStore(filepath.Join(dir, "daemon.json"), nil)
	shut := shutdown.New(time.Hour, nil)
	h := New(Config{Interval: time.Hour, ExecutablePath: exe, BuildVersion: "1.0.0"},
		testRecord(), reg, st, shut, nil)
	defer h.Stop()

	launched := false
	h.launch = func(string) error { launched = true; return nil }
	h.probeVersion = func(string) (string, error) { return "2.0.0", nil }

	// Simulate an install: new content, newer mtime.
	if err := os.WriteFile(exe, []byte("v2"), 0o755); err != nil {
		t.Fatalf("replace exe: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(exe, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	h.Tick()

	if !launched {
		t.Fatalf("replacement not launched")
	}
	if shut.Cause() != shutdown.CauseSelfUpdate {
		t.Fatalf("cause %q, want self update", shut.Cause())
	}
}

func TestUnchangedExecutableSkipsProbe(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "sessiond")
	if err := os.WriteFile(exe, []byte("v1"), 0o755); err != nil {
		t.Fatalf("seed exe: %v", err)
	}

	reg := registry.New(nil)
	st := state.NewStore(filepath.Join(dir, "daemon.json"), nil)
	shut := shutdown.New(time.Hour, nil)
	h := New(Config{Interval: time.Hour, ExecutablePath: exe, BuildVersion: "1.0.0"},
		testRecord(), reg, st, shut, nil)
	defer h.Stop()

	h.probeVersion = func(string) (string, error) {
		t.Fatalf("probe must not run for an unchanged binary")
		return "", nil
	}

	h.Tick()

	if shut.Requested() {
		t.Fatalf("unexpected shutdown: %s", shut.Cause())
	}
}
