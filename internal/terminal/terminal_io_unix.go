//go:build !windows

package terminal

import (
	"os"

	"github.com/creack/pty"
)

// resizePtmx pushes the new grid size to the kernel, which delivers
// SIGWINCH to the foreground process group.
func resizePtmx(ptmx *os.File, cols, rows int) error {
	return pty.Setsize(ptmx, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}
