package lockfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.lock")
	return New(path, nil), path
}

func TestAcquireWritesOwnerRecord(t *testing.T) {
	m, path := newTestManager(t)
	h, err := m.Acquire(1, time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if h.Record.PID != os.Getpid() {
		t.Fatalf("expected own pid %d, got %d", os.Getpid(), h.Record.PID)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		t.Fatalf("lock content not JSON: %v", err)
	}
	if rec.PID != os.Getpid() || rec.Timestamp == 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestAcquireFailsAgainstLiveYoungOwner(t *testing.T) {
	m, path := newTestManager(t)
	rec := Record{PID: os.Getpid(), Timestamp: time.Now().UnixMilli()}
	b, _ := json.Marshal(rec)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	_, err := m.Acquire(2, time.Millisecond)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	// The valid lock must not have been removed.
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("live-owner lock was removed: %v", err)
	}
}

func TestAcquireReclaimsDeadOwnerRegardlessOfAge(t *testing.T) {
	m, path := newTestManager(t)
	m.alive = func(int) bool { return false }
	rec := Record{PID: 4242, Timestamp: time.Now().UnixMilli()}
	b, _ := json.Marshal(rec)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	h, err := m.Acquire(3, time.Millisecond)
	if err != nil {
		t.Fatalf("expected reclaim of dead-owner lock: %v", err)
	}
	if h.Record.PID != os.Getpid() {
		t.Fatalf("lock not rewritten with own pid")
	}
}

func TestAcquireReclaimsOverAgeLiveOwner(t *testing.T) {
	m, path := newTestManager(t)
	old := time.Now().Add(-2 * StaleAfter).UnixMilli()
	b, _ := json.Marshal(Record{PID: os.Getpid(), Timestamp: old})
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	if _, err := m.Acquire(2, time.Millisecond); err != nil {
		t.Fatalf("expected staleness safety net to reclaim: %v", err)
	}
}

func TestAcquireRemovesCorruptLock(t *testing.T) {
	m, path := newTestManager(t)
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	if _, err := m.Acquire(2, time.Millisecond); err != nil {
		t.Fatalf("corrupt lock should be treated as stale: %v", err)
	}
}

func TestAcquireAcceptsLegacyBarePid(t *testing.T) {
	m, path := newTestManager(t)
	m.alive = func(pid int) bool { return pid == 777 }
	if err := os.WriteFile(path, []byte("777\n"), 0o600); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	// Live legacy owner with a fresh mtime: acquisition must fail.
	if _, err := m.Acquire(2, time.Millisecond); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld against legacy live lock, got %v", err)
	}

	// Same file with a dead owner: reclaimed.
	m.alive = func(int) bool { return false }
	if _, err := m.Acquire(2, time.Millisecond); err != nil {
		t.Fatalf("legacy dead-owner lock not reclaimed: %v", err)
	}
}

func TestConcurrentAcquireHasSingleWinner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")
	const n = 8
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := New(path, nil)
			if _, err := m.Acquire(1, time.Millisecond); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestProcessAliveSelf(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Fatalf("own pid should be alive")
	}
	if ProcessAlive(0) || ProcessAlive(-1) {
		t.Fatalf("non-positive pids must never be alive")
	}
}
