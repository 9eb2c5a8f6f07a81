package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestUpsertUnknownPidCreatesReportedEntry(t *testing.T) {
	r := New(nil)
	ts := r.UpsertFromReport("a1b2c3d4-e5f6-0718-2930-aabbccddeeff", 5001, Meta{StartedBy: "user"})
	if ts.Origin != OriginReported {
		t.Fatalf("expected externally-reported origin, got %s", ts.Origin)
	}
	got, ok := r.Find(5001)
	if !ok || got.SessionID != "a1b2c3d4-e5f6-0718-2930-aabbccddeeff" {
		t.Fatalf("entry not retrievable: %+v ok=%v", got, ok)
	}
}

func TestUpsertKnownPidMergesAndResolvesAwaiter(t *testing.T) {
	r := New(nil)
	r.AddSpawned(7001, nil, "", Meta{Directory: "/work"})
	ch := r.Await(7001)

	r.UpsertFromReport("a1b2c3d4-e5f6-0718-2930-aabbccddeeff", 7001, Meta{StartedBy: "daemon"})

	select {
	case id := <-ch:
		if id != "a1b2c3d4-e5f6-0718-2930-aabbccddeeff" {
			t.Fatalf("awaiter got %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("awaiter not resolved")
	}

	ts, _ := r.Find(7001)
	if ts.Origin != OriginSpawned {
		t.Fatalf("merge must keep daemon-spawned origin")
	}
	if ts.Meta.Directory != "/work" || ts.Meta.StartedBy != "daemon" {
		t.Fatalf("meta merge wrong: %+v", ts.Meta)
	}
	if r.Len() != 1 {
		t.Fatalf("merge must not create a second entry")
	}
}

func TestCancelAwaitDropsSlot(t *testing.T) {
	r := New(nil)
	r.AddSpawned(7002, nil, "", Meta{})
	_ = r.Await(7002)
	r.CancelAwait(7002)
	// A later report must not block on the dropped awaiter.
	done := make(chan struct{})
	go func() {
		r.UpsertFromReport("a1b2c3d4-e5f6-0718-2930-aabbccddeeff", 7002, Meta{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("report blocked after awaiter cancellation")
	}
}

func TestRemoveCleansTempDir(t *testing.T) {
	r := New(nil)
	tmp := filepath.Join(t.TempDir(), "session-secrets")
	if err := os.MkdirAll(tmp, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, "credential"), []byte("secret"), 0o600); err != nil {
		t.Fatalf("seed credential: %v", err)
	}
	r.AddSpawned(7003, nil, tmp, Meta{})

	if !r.Remove(7003) {
		t.Fatalf("expected removal to find entry")
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatalf("temp dir should be deleted, stat err=%v", err)
	}
	if r.Remove(7003) {
		t.Fatalf("second removal must report not found")
	}
}

func TestSweepRemovesDeadOnly(t *testing.T) {
	r := New(nil)
	r.AddSpawned(100, nil, "", Meta{})
	r.AddSpawned(200, nil, "", Meta{})
	r.AddSpawned(300, nil, "", Meta{})

	dead := r.Sweep(func(pid int) bool { return pid == 200 })
	if len(dead) != 2 || dead[0] != 100 || dead[1] != 300 {
		t.Fatalf("unexpected dead set %v", dead)
	}
	if r.Len() != 1 {
		t.Fatalf("expected one survivor, have %d", r.Len())
	}
	if _, ok := r.Find(200); !ok {
		t.Fatalf("live entry swept")
	}
}

func TestSnapshotOrderedAndDetached(t *testing.T) {
	r := New(nil)
	r.AddSpawned(30, nil, "", Meta{})
	r.AddSpawned(10, nil, "", Meta{})
	r.AddSpawned(20, nil, "", Meta{})

	snap := r.Snapshot()
	if len(snap) != 3 || snap[0].PID != 10 || snap[1].PID != 20 || snap[2].PID != 30 {
		t.Fatalf("snapshot not pid-ordered: %+v", snap)
	}
	snap[0].SessionID = "mutated"
	if ts, _ := r.Find(10); ts.SessionID == "mutated" {
		t.Fatalf("snapshot must be a copy")
	}
}
