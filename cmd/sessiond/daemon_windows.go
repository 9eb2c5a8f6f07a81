//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonAttrs detaches the child from the console.
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | 0x00000008, // DETACHED_PROCESS
	}
}
