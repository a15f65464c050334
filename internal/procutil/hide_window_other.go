//go:build !windows

package procutil

import "os/exec"

// HideWindow does nothing outside Windows; there is no console window
// to suppress.
func HideWindow(_ *exec.Cmd) {}
