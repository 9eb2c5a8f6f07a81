// Package orchestrator creates and terminates agent-session child
// processes. Children are spawned detached so they outlive the daemon; the
// orchestrator correlates each spawn with the session id the child later
// self-reports, falling back to a synthetic pid-based id when no report
// arrives in time.
package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sessiond/sessiond/internal/lockfile"
	"github.com/sessiond/sessiond/internal/metrics"
	"github.com/sessiond/sessiond/internal/registry"
	"github.com/sessiond/sessiond/internal/sessionid"
)

const (
	// DefaultReportTimeout bounds how long a spawn waits for the child's
	// self-report before resolving with a synthetic id.
	DefaultReportTimeout = 10 * time.Second
	// DefaultStopGrace is the window between SIGTERM and the SIGKILL
	// escalation when stopping a session.
	DefaultStopGrace = 5 * time.Second
)

// AgentSpec describes how to launch one kind of agent.
type AgentSpec struct {
	Command    []string // argv; first element is the executable
	ResumeFlag string   // flag that takes the canonical session id
}

// Config wires the orchestrator.
type Config struct {
	Agents        map[string]AgentSpec
	DefaultAgent  string
	ReportURL     string // control-server endpoint for self-reports
	TokenPath     string // auth token file the child uses as bearer credential
	LogDir        string // per-session stdout/stderr capture; empty for discard
	ReportTimeout time.Duration
	StopGrace     time.Duration
}

// ApprovalRequiredError is returned when the target directory does not
// exist and the caller did not pass the explicit approved flag. Creating a
// directory on behalf of a remote caller must never happen silently.
type ApprovalRequiredError struct {
	Directory string
}

func (e *ApprovalRequiredError) Error() string {
	return fmt.Sprintf("directory %s does not exist; approval required to create it", e.Directory)
}

// SpawnRequest is one spawn operation.
type SpawnRequest struct {
	Directory  string
	SessionID  string // optional resume identifier
	Agent      string // agent kind; empty selects the default
	Approved   bool   // allow creating a missing directory
	Credential string // secret material, delivered via file, never argv
}

// SpawnResult is the resolved outcome of a spawn.
type SpawnResult struct {
	SessionID string
	PID       int
	Synthetic bool // true when the id is the pid-based fallback
}

// Orchestrator spawns and stops agent sessions against a shared registry.
type Orchestrator struct {
	cfg   Config
	reg   *registry.Registry
	log   *slog.Logger
	alive func(pid int) bool
}

func New(cfg Config, reg *registry.Registry, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = DefaultReportTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return &Orchestrator{cfg: cfg, reg: reg, log: log, alive: lockfile.ProcessAlive}
}

// SetReportURL installs the self-report endpoint once the control server
// has bound its port.
func (o *Orchestrator) SetReportURL(url string) {
	o.cfg.ReportURL = url
}

// Spawn launches a new agent session. It blocks until the child
// self-reports or the report timeout elapses; a silent child is not
// evidence of failure, so the timeout path resolves successfully with a
// synthetic pid-based identifier.
func (o *Orchestrator) Spawn(req SpawnRequest) (*SpawnResult, error) {
	if err := o.ensureDirectory(req.Directory, req.Approved); err != nil {
		return nil, err
	}

	resumeID := ""
	if req.SessionID != "" {
		// A malformed resume id is rejected before any process exists.
		id, err := sessionid.Normalize(req.SessionID)
		if err != nil {
			return nil, err
		}
		resumeID = id
	}

	kind := req.Agent
	if kind == "" {
		kind = o.cfg.DefaultAgent
	}
	spec, ok := o.cfg.Agents[kind]
	if !ok || len(spec.Command) == 0 {
		return nil, fmt.Errorf("unknown agent kind %q", kind)
	}

	auxDir := ""
	env := append(os.Environ(),
		"SESSIOND_REPORT_URL="+o.cfg.ReportURL,
		"SESSIOND_TOKEN_FILE="+o.cfg.TokenPath,
	)
	if req.Credential != "" {
		// Credentials travel through a narrowly-permissioned file: argv is
		// visible to every local user via the process table.
		dir, err := writeCredential(req.Credential)
		if err != nil {
			return nil, fmt.Errorf("stage credential: %w", err)
		}
		auxDir = dir
		env = append(env, "SESSIOND_CREDENTIAL_FILE="+filepath.Join(dir, credentialFile))
	}

	argv := append([]string(nil), spec.Command...)
	if resumeID != "" && spec.ResumeFlag != "" {
		argv = append(argv, spec.ResumeFlag, resumeID)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.Directory
	cmd.Env = env
	configureDetached(cmd)
	o.attachOutput(cmd, kind)

	if err := cmd.Start(); err != nil {
		if auxDir != "" {
			_ = os.RemoveAll(auxDir)
		}
		return nil, fmt.Errorf("spawn %s agent: %w", kind, err)
	}
	pid := cmd.Process.Pid
	o.log.Info("spawned agent session", "agent", kind, "pid", pid, "dir", req.Directory)
	metrics.SessionSpawned(kind)

	o.reg.AddSpawned(pid, cmd.Process, auxDir, registry.Meta{Directory: req.Directory})
	reportCh := o.reg.Await(pid)

	// Reap the child when it exits so it never lingers as a zombie. The
	// wait also drives prompt registry removal between heartbeat sweeps.
	go func() {
		err := cmd.Wait()
		if err != nil {
			o.log.Debug("agent session exited", "pid", pid, "error", err)
		}
		o.reg.Remove(pid)
	}()

	select {
	case id, ok := <-reportCh:
		if ok && id != "" {
			return &SpawnResult{SessionID: id, PID: pid}, nil
		}
		// Entry removed before reporting (fast exit); fall through to the
		// synthetic id so the caller still gets a handle to inspect.
		return &SpawnResult{SessionID: sessionid.Synthetic(pid), PID: pid, Synthetic: true}, nil
	case <-time.After(o.cfg.ReportTimeout):
		o.reg.CancelAwait(pid)
		o.log.Info("self-report timed out, using synthetic id", "pid", pid)
		return &SpawnResult{SessionID: sessionid.Synthetic(pid), PID: pid, Synthetic: true}, nil
	}
}

// Stop terminates the session identified by a reported or synthetic id.
// It signals for graceful termination, escalates to a forced kill after
// the grace window, and reports whether a matching session existed.
func (o *Orchestrator) Stop(id string) bool {
	ts, ok := o.lookup(id)
	if !ok {
		return false
	}
	pid := ts.PID

	if err := terminate(ts, false); err != nil {
		o.log.Warn("graceful signal failed", "pid", pid, "error", err)
	}

	// Escalation watchdog: poll for exit, force-kill when the grace window
	// closes. Observing the exit cancels the escalation.
	deadline := time.Now().Add(o.cfg.StopGrace)
	for o.alive(pid) {
		if time.Now().After(deadline) {
			o.log.Warn("escalating to forced kill", "pid", pid)
			_ = terminate(ts, true)
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	o.reg.Remove(pid)
	metrics.SessionStopped()
	return true
}

// lookup resolves a session by reported id first, then by synthetic pid id.
func (o *Orchestrator) lookup(id string) (*registry.TrackedSession, bool) {
	if norm, err := sessionid.Normalize(id); err == nil {
		if ts, ok := o.reg.FindBySessionID(norm); ok {
			return ts, true
		}
	}
	if ts, ok := o.reg.FindBySessionID(id); ok {
		return ts, true
	}
	if pid, ok := sessionid.SyntheticPID(id); ok {
		if ts, found := o.reg.Find(pid); found {
			return ts, true
		}
	}
	return nil, false
}

// ensureDirectory verifies or creates the spawn target, mapping filesystem
// failures to distinct user-facing messages.
func (o *Orchestrator) ensureDirectory(dir string, approved bool) error {
	if dir == "" {
		return errors.New("directory is required")
	}
	fi, err := os.Stat(dir)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return fmt.Errorf("%s exists but is not a directory", dir)
		}
		return nil
	case os.IsNotExist(err):
		if !approved {
			return &ApprovalRequiredError{Directory: dir}
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return mapCreateError(err, dir)
		}
		return nil
	case os.IsPermission(err):
		return fmt.Errorf("permission denied accessing %s", dir)
	default:
		return fmt.Errorf("cannot access %s: %w", dir, err)
	}
}

// mapCreateError turns directory-creation errno values into messages a
// remote caller can act on.
func mapCreateError(err error, dir string) error {
	switch {
	case errors.Is(err, syscall.EACCES), os.IsPermission(err):
		return fmt.Errorf("permission denied creating %s", dir)
	case errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("a path component of %s is not a directory", dir)
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("no space left on device creating %s", dir)
	case errors.Is(err, syscall.EROFS):
		return fmt.Errorf("read-only file system, cannot create %s", dir)
	default:
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
}

// attachOutput points the child's stdout/stderr at capture files or the
// null device. The child owns its own logging; this is a safety net.
func (o *Orchestrator) attachOutput(cmd *exec.Cmd, kind string) {
	if o.cfg.LogDir == "" {
		return
	}
	if err := os.MkdirAll(o.cfg.LogDir, 0o750); err != nil {
		return
	}
	name := fmt.Sprintf("%s-%d.log", kind, time.Now().UnixMilli())
	f, err := os.OpenFile(filepath.Join(o.cfg.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return
	}
	cmd.Stdout = f
	cmd.Stderr = f
}

const credentialFile = "credential"

// writeCredential stages secret material in a fresh 0700 directory with a
// 0600 file, returning the directory for registry ownership.
func writeCredential(secret string) (string, error) {
	dir, err := os.MkdirTemp("", "sessiond-cred-*")
	if err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, credentialFile), []byte(secret), 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}
