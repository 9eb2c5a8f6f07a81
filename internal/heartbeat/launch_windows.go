//go:build windows

package heartbeat

import (
	"os/exec"
	"syscall"
)

// launchDetached starts the replacement daemon detached from this process.
func launchDetached(exe string) error {
	cmd := exec.Command(exe, "daemon", "start")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x00000008, // DETACHED_PROCESS
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
