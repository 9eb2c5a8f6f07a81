//go:build !windows

package lockfile

import (
	"errors"
	"syscall"
)

// ProcessAlive probes pid with signal 0. EPERM means the process exists but
// belongs to another user, which still counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
