//go:build windows

package procutil

import (
	"os/exec"
	"syscall"
)

// HideWindow marks cmd so Windows does not flash a console window for
// it. Existing SysProcAttr fields are left untouched.
func HideWindow(cmd *exec.Cmd) {
	if cmd == nil {
		return
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.HideWindow = true
}
