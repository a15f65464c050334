//go:build !windows

package terminal

import (
	"errors"
	"os/exec"

	"github.com/creack/pty"
)

// Start launches a PTY process using creack/pty, falling back to pipe
// mode when the platform reports PTYs as unsupported.
func Start(cfg Config) (*Terminal, error) {
	if cfg.Shell == "" {
		cfg.Shell = shellBin
	}
	if cfg.Columns <= 0 {
		cfg.Columns = DefaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = DefaultRows
	}

	cmd := exec.Command(cfg.Shell, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cfg.Columns),
		Rows: uint16(cfg.Rows),
	})
	if err == nil {
		return &Terminal{
			cmd:  cmd,
			ptmx: ptmx,
		}, nil
	}
	if !errors.Is(err, pty.ErrUnsupported) {
		return nil, err
	}

	return startPipeMode(cfg)
}
