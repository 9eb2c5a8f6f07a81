// Package daemon wires the full sessiond runtime: single-instance lock,
// control server, session registry, heartbeat, and coordinated shutdown.
package daemon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sessiond/sessiond/internal/authtoken"
	"github.com/sessiond/sessiond/internal/config"
	"github.com/sessiond/sessiond/internal/heartbeat"
	"github.com/sessiond/sessiond/internal/lockfile"
	"github.com/sessiond/sessiond/internal/logger"
	"github.com/sessiond/sessiond/internal/metrics"
	"github.com/sessiond/sessiond/internal/orchestrator"
	"github.com/sessiond/sessiond/internal/registry"
	"github.com/sessiond/sessiond/internal/server"
	"github.com/sessiond/sessiond/internal/shutdown"
	"github.com/sessiond/sessiond/internal/state"
)

// Daemon is the assembled runtime.
type Daemon struct {
	cfg     *config.Config
	version string
	cfgPath string

	log       *slog.Logger
	logCloser io.Closer

	reg  *registry.Registry
	st   *state.Store
	shut *shutdown.Coordinator
	tok  *authtoken.Token
	srv  *server.Server
	hb   *heartbeat.Heartbeat
	aux  *inhibitor

	settingsHash string

	// blockUntilKilled parks the process during a self-update handover.
	blockUntilKilled func()
}

// Run starts the daemon and blocks until shutdown completes. cfgPath may
// be empty when running on pure defaults.
func Run(cfg *config.Config, cfgPath, version string) error {
	d := &Daemon{cfg: cfg, cfgPath: cfgPath, version: version}
	if err := d.start(); err != nil {
		return err
	}
	return d.wait()
}

func (d *Daemon) start() error {
	if err := os.MkdirAll(d.cfg.Daemon.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	log, closer, err := logger.New(logger.Config{
		Dir:        d.cfg.Log.Dir,
		Level:      d.cfg.Log.Level,
		MaxSizeMB:  d.cfg.Log.MaxSizeMB,
		MaxBackups: d.cfg.Log.MaxBackups,
		MaxAgeDays: d.cfg.Log.MaxAgeDays,
		Compress:   d.cfg.Log.Compress,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	d.log = log
	d.logCloser = closer

	lockMgr := lockfile.New(d.cfg.LockPath(), d.log)
	lockMgr.SetStaleAfter(d.cfg.Daemon.LockStaleAfter)
	if _, err := lockMgr.Acquire(d.cfg.Daemon.LockAttempts, d.cfg.Daemon.LockBackoff); err != nil {
		d.closeLogger()
		return err
	}
	d.log.Info("instance lock acquired", "path", d.cfg.LockPath(), "pid", os.Getpid())

	d.tok, err = authtoken.Generate(d.cfg.TokenPath())
	if err != nil {
		d.closeLogger()
		return err
	}

	d.shut = shutdown.New(d.cfg.Daemon.ShutdownWatchdog, d.log)
	d.reg = registry.New(d.log)
	d.st = state.NewStore(d.cfg.StatePath(), d.log)
	if d.blockUntilKilled == nil {
		d.blockUntilKilled = awaitKill
	}
	d.cleanStaleAux()

	if d.cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			d.log.Warn("metrics registration failed", "error", err)
		}
	}

	agents := make(map[string]orchestrator.AgentSpec, len(d.cfg.Sessions.Agents))
	for name, a := range d.cfg.Sessions.Agents {
		agents[name] = orchestrator.AgentSpec{Command: a.Command, ResumeFlag: a.ResumeFlag}
	}

	orch := orchestrator.New(orchestrator.Config{
		Agents:        agents,
		DefaultAgent:  d.cfg.Sessions.DefaultAgent,
		TokenPath:     d.cfg.TokenPath(),
		LogDir:        d.cfg.Sessions.LogDir,
		ReportTimeout: d.cfg.Sessions.ReportTimeout,
		StopGrace:     d.cfg.Sessions.StopGrace,
	}, d.reg, d.log)

	d.srv = server.New(orch, d.reg, d.st, d.shut, d.tok, d.cfg.Metrics.Enabled, d.log)
	port, err := d.srv.Start(d.cfg.Daemon.Port)
	if err != nil {
		d.tokenCleanup()
		d.closeLogger()
		return err
	}
	orch.SetReportURL(fmt.Sprintf("http://127.0.0.1:%d/api/sessions/report", port))
	d.log.Info("control server listening", "port", port)

	rec := state.DaemonRecord{
		PID:          os.Getpid(),
		HTTPPort:     port,
		StartTime:    time.Now(),
		BuildVersion: d.version,
		LogPath:      d.cfg.Log.Dir,
	}

	if d.cfg.Daemon.InhibitSleep {
		d.aux = startInhibitor(d.log)
		if d.aux != nil {
			rec.AuxProcessID = d.aux.pid
		}
	}

	first := rec
	first.LastHeartbeat = time.Now()
	if err := d.st.Write(&first); err != nil {
		_ = d.srv.Close()
		d.tokenCleanup()
		d.closeLogger()
		return fmt.Errorf("persist daemon record: %w", err)
	}

	exe, _ := os.Executable()
	d.hb = heartbeat.New(heartbeat.Config{
		Interval:       d.cfg.Daemon.HeartbeatInterval,
		ExecutablePath: exe,
		BuildVersion:   d.version,
	}, rec, d.reg, d.st, d.shut, d.log)
	d.settingsHash = d.hashSettings()
	d.hb.SetSettingsSync(d.syncSettings)
	d.hb.SetLockCheck(func() bool {
		owner, ok := lockMgr.Owner()
		return ok && owner.PID == os.Getpid()
	})
	d.hb.Start()

	go d.watchSignals()
	d.log.Info("daemon started", "version", d.version, "pid", os.Getpid())
	return nil
}

// wait blocks for the shutdown cause and runs cleanup in a fixed order.
// The lock file is deliberately left behind: the next start reclaims it
// from a dead pid, and removing it here would race a concurrent starter.
func (d *Daemon) wait() error {
	<-d.shut.Done()
	cause := d.shut.Cause()
	d.log.Info("shutting down", "cause", string(cause))

	d.hb.Stop()
	if err := d.srv.Close(); err != nil {
		d.log.Warn("control server close failed", "error", err)
	}

	if cause == shutdown.CauseSelfUpdate {
		// The replacement daemon owns the state record, token file, and
		// session secrets from here on; deleting them would cut the CLI
		// off from the new daemon. Hold position until it kills us.
		if d.aux != nil {
			d.aux.stop(d.log)
		}
		d.log.Info("handover complete, waiting to be killed")
		d.closeLogger()
		d.blockUntilKilled()
		return nil
	}

	for _, ts := range d.reg.Snapshot() {
		// Sessions keep running; only their transient secrets are removed.
		d.reg.Remove(ts.PID)
	}
	if err := d.st.Clear(); err != nil {
		d.log.Warn("state clear failed", "error", err)
	}
	if d.aux != nil {
		d.aux.stop(d.log)
	}
	d.tokenCleanup()
	d.log.Info("shutdown complete", "cause", string(cause))
	d.closeLogger()
	return nil
}

// awaitKill parks until a termination signal arrives. SIGKILL needs no
// handling; it ends the process mid-block.
func awaitKill() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
}

// cleanStaleAux removes credential directories recorded by a previous
// daemon that died without cleanup. A live recorded owner still uses
// them, so only dead owners are cleaned.
func (d *Daemon) cleanStaleAux() {
	rec, ok := d.st.Read()
	if !ok || rec.PID == os.Getpid() || lockfile.ProcessAlive(rec.PID) {
		return
	}
	for _, dir := range rec.AuxTempDirs {
		if !strings.HasPrefix(filepath.Base(dir), "sessiond-cred-") {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			d.log.Warn("failed to remove orphan credential dir", "dir", dir, "error", err)
			continue
		}
		d.log.Info("removed orphan credential dir", "dir", dir)
	}
}

func (d *Daemon) watchSignals() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	d.log.Info("received signal", "signal", sig.String())
	d.shut.Request(shutdown.CauseSignal)
}

// syncSettings runs on each heartbeat. The config file is immutable at
// runtime; a changed hash is surfaced so the operator knows a restart is
// needed for it to take effect.
func (d *Daemon) syncSettings() error {
	if d.cfgPath == "" {
		return nil
	}
	h := d.hashSettings()
	if h != d.settingsHash {
		d.settingsHash = h
		d.log.Warn("configuration file changed on disk, restart to apply",
			"path", d.cfgPath)
	}
	return nil
}

func (d *Daemon) hashSettings() string {
	if d.cfgPath == "" {
		return ""
	}
	b, err := os.ReadFile(d.cfgPath)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (d *Daemon) tokenCleanup() {
	if d.tok == nil {
		return
	}
	if err := d.tok.Remove(); err != nil {
		d.log.Warn("token removal failed", "error", err)
	}
}

func (d *Daemon) closeLogger() {
	if d.logCloser != nil {
		_ = d.logCloser.Close()
	}
}
