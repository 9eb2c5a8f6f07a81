//go:build windows

package lockfile

import gopsproc "github.com/shirou/gopsutil/v4/process"

// ProcessAlive reports whether pid refers to a running process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}
