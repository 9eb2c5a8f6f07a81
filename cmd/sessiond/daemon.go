package main

import (
	"fmt"
	"os"
	"os/exec"
)

const daemonChildEnv = "SESSIOND_DAEMON_CHILD"

// daemonize re-execs the current binary detached from the terminal. The
// parent prints the child pid and exits; the detached child returns from
// this function and runs the daemon proper.
func daemonize(cfgPath string) error {
	if os.Getenv(daemonChildEnv) == "1" {
		return nil
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	args := []string{"daemon", "start", "--foreground"}
	if cfgPath != "" {
		args = append(args, "--config", cfgPath)
	}
	cmd := exec.Command(executable, args...)
	cmd.Env = append(os.Environ(), daemonChildEnv+"=1")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	configureDaemonAttrs(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon process: %w", err)
	}
	fmt.Printf("daemon started with pid %d\n", cmd.Process.Pid)
	os.Exit(0)
	return nil
}
