//go:build windows

package orchestrator

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/sessiond/sessiond/internal/registry"
)

// configureDetached detaches the child into its own process group.
func configureDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x00000008, // DETACHED_PROCESS
	}
}

// terminate kills the process. Windows has no graceful signal, so both
// phases map to a hard kill.
func terminate(ts *registry.TrackedSession, force bool) error {
	proc := ts.Process()
	if proc == nil {
		p, err := os.FindProcess(ts.PID)
		if err != nil {
			return err
		}
		proc = p
	}
	return proc.Kill()
}
