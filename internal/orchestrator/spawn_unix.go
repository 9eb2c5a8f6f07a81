//go:build !windows

package orchestrator

import (
	"os/exec"
	"syscall"

	"github.com/sessiond/sessiond/internal/registry"
)

// configureDetached places the child in its own session so the daemon's
// exit or terminal signals never propagate to it.
func configureDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// terminate delivers SIGTERM, or SIGKILL when force is set. Signaling goes
// by pid so entries without an owned process handle work the same way.
func terminate(ts *registry.TrackedSession, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	err := syscall.Kill(ts.PID, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
