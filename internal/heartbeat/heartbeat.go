// Package heartbeat drives the daemon's periodic maintenance cycle:
// sweeping dead sessions, refreshing the persisted daemon record, and
// watching the installed executable for a newer build.
//
// Ticks are self-rescheduling: the next tick is armed only after the
// current one finishes, so a slow cycle can never overlap itself.
package heartbeat

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sessiond/sessiond/internal/lockfile"
	"github.com/sessiond/sessiond/internal/metrics"
	"github.com/sessiond/sessiond/internal/registry"
	"github.com/sessiond/sessiond/internal/shutdown"
	"github.com/sessiond/sessiond/internal/state"
)

// DefaultInterval between maintenance cycles.
const DefaultInterval = 30 * time.Second

// versionProbeTimeout bounds the exec of the installed binary's version
// command during an update check.
const versionProbeTimeout = 5 * time.Second

// Config wires the heartbeat.
type Config struct {
	Interval       time.Duration
	ExecutablePath string // installed binary watched for updates
	BuildVersion   string // version of the running process
}

// Heartbeat runs the maintenance cycle.
type Heartbeat struct {
	cfg  Config
	reg  *registry.Registry
	st   *state.Store
	shut *shutdown.Coordinator
	log  *slog.Logger

	mu      sync.Mutex
	running bool
	timer   *time.Timer
	stopped bool

	baseRecord state.DaemonRecord
	lastExeMod time.Time

	alive        func(pid int) bool
	probeVersion func(exe string) (string, error)
	launch       func(exe string) error
	syncSettings func() error // optional, supplied by the daemon core
	lockCheck    func() bool  // optional, reports continued lock ownership
}

// New builds a heartbeat around the daemon's own record. The record is
// re-persisted on every tick with a fresh timestamp, which also heals an
// externally deleted state file.
func New(cfg Config, rec state.DaemonRecord, reg *registry.Registry, st *state.Store, shut *shutdown.Coordinator, log *slog.Logger) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	h := &Heartbeat{
		cfg:        cfg,
		reg:        reg,
		st:         st,
		shut:       shut,
		log:        log,
		baseRecord: rec,
		alive:      lockfile.ProcessAlive,
		launch:     launchDetached,
	}
	h.probeVersion = probeInstalledVersion
	if fi, err := os.Stat(cfg.ExecutablePath); err == nil {
		h.lastExeMod = fi.ModTime()
	}
	return h
}

// SetSettingsSync installs the optional settings flush run on each tick.
func (h *Heartbeat) SetSettingsSync(fn func() error) { h.syncSettings = fn }

// SetLockCheck installs the instance-lock ownership probe run on each tick.
func (h *Heartbeat) SetLockCheck(fn func() bool) { h.lockCheck = fn }

// Start arms the first tick.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || h.timer != nil {
		return
	}
	h.timer = time.AfterFunc(h.cfg.Interval, h.Tick)
}

// Stop cancels future ticks. A tick already in flight finishes.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// Tick runs one maintenance cycle and re-arms the timer afterwards. A call
// arriving while a cycle is in flight returns immediately.
func (h *Heartbeat) Tick() {
	h.mu.Lock()
	if h.running || h.stopped {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.running = false
		if !h.stopped {
			h.timer = time.AfterFunc(h.cfg.Interval, h.Tick)
		}
		h.mu.Unlock()
	}()

	if h.lockCheck != nil && !h.lockCheck() {
		// Another daemon took the lock over. Its state record and token
		// must not be clobbered by our persist, so the cycle stops here.
		h.log.Error("instance lock no longer owned by this process")
		h.shut.Request(shutdown.CauseLockLost)
		return
	}

	h.sweep()
	h.checkExecutable()
	if h.syncSettings != nil {
		if err := h.syncSettings(); err != nil {
			h.log.Warn("settings sync failed", "error", err)
		}
	}
	h.persist()
	metrics.HeartbeatTick()
}

func (h *Heartbeat) sweep() {
	dead := h.reg.Sweep(h.alive)
	if len(dead) > 0 {
		h.log.Info("swept dead sessions", "pids", dead)
	}
	metrics.SessionsSwept(len(dead))
	metrics.SetTrackedSessions(h.reg.Len())
}

// checkExecutable watches the installed binary. A vanished binary means
// the installation was removed and the daemon has no business running; a
// changed binary is probed for its version, and a newer build triggers a
// replacement launch followed by our own shutdown.
func (h *Heartbeat) checkExecutable() {
	if h.cfg.ExecutablePath == "" {
		return
	}
	fi, err := os.Stat(h.cfg.ExecutablePath)
	if os.IsNotExist(err) {
		h.log.Info("installed executable is gone, shutting down",
			"path", h.cfg.ExecutablePath)
		h.shut.Request(shutdown.CauseExecutableMissing)
		return
	}
	if err != nil {
		h.log.Warn("cannot stat installed executable", "error", err)
		return
	}
	if fi.ModTime().Equal(h.lastExeMod) {
		return
	}
	h.lastExeMod = fi.ModTime()

	ver, err := h.probeVersion(h.cfg.ExecutablePath)
	if err != nil {
		h.log.Warn("version probe failed", "error", err)
		return
	}
	if ver == h.cfg.BuildVersion {
		return
	}
	h.log.Info("newer build installed, handing over",
		"running", h.cfg.BuildVersion, "installed", ver)
	if err := h.launch(h.cfg.ExecutablePath); err != nil {
		h.log.Error("failed to launch replacement", "error", err)
		return
	}
	h.shut.Request(shutdown.CauseSelfUpdate)
}

// persist rewrites the daemon record with a fresh heartbeat timestamp.
// Failure here means the state directory is broken and every CLI
// interaction with this daemon is too, so it is fatal.
func (h *Heartbeat) persist() {
	rec := h.baseRecord
	rec.LastHeartbeat = time.Now()
	// Recording the live credential dirs gives a successor enough of a
	// trail to clean up after a crash.
	rec.AuxTempDirs = h.reg.AuxTempDirs()
	if err := h.st.Write(&rec); err != nil {
		h.log.Error("cannot persist heartbeat", "error", err)
		h.shut.Request(shutdown.CauseHeartbeatFailure)
	}
}

// probeInstalledVersion execs the installed binary's plain version command.
func probeInstalledVersion(exe string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), versionProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, exe, "version", "--plain").Output()
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", exe, err)
	}
	return string(bytes.TrimSpace(out)), nil
}
