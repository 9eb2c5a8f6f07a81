package daemon

import (
	"log/slog"
	"os/exec"
	"runtime"
	"syscall"
	"time"
)

// inhibitor is the auxiliary process that keeps the host from sleeping
// while sessions run. Best effort: a host without the tool just sleeps.
type inhibitor struct {
	pid  int
	proc *exec.Cmd
	done chan struct{}
}

func inhibitCommand() *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("caffeinate", "-dims")
	case "linux":
		return exec.Command("systemd-inhibit",
			"--what=sleep:idle", "--who=sessiond",
			"--why=agent sessions running", "sleep", "infinity")
	default:
		return nil
	}
}

func startInhibitor(log *slog.Logger) *inhibitor {
	cmd := inhibitCommand()
	if cmd == nil {
		return nil
	}
	if err := cmd.Start(); err != nil {
		log.Warn("sleep inhibitor unavailable", "error", err)
		return nil
	}
	in := &inhibitor{pid: cmd.Process.Pid, proc: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(in.done)
	}()
	log.Info("sleep inhibitor running", "pid", in.pid)
	return in
}

func (in *inhibitor) stop(log *slog.Logger) {
	if in.proc == nil || in.proc.Process == nil {
		return
	}
	_ = in.proc.Process.Signal(syscall.SIGTERM)
	select {
	case <-in.done:
	case <-time.After(2 * time.Second):
		_ = in.proc.Process.Kill()
	}
	log.Info("sleep inhibitor stopped", "pid", in.pid)
}
