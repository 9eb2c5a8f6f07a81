//go:build !windows

package heartbeat

import (
	"os/exec"
	"syscall"
)

// launchDetached starts the replacement daemon in its own session so it
// survives this process exiting.
func launchDetached(exe string) error {
	cmd := exec.Command(exe, "daemon", "start")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
