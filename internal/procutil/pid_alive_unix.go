//go:build !windows

package procutil

import "golang.org/x/sys/unix"

// PidAlive reports whether the OS still has a process with the given
// pid. Signal 0 checks existence without delivering anything; EPERM
// means the process exists but belongs to another user.
func PidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
