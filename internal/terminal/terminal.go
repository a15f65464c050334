// Package terminal wraps one PTY-backed shell process. On Unix the
// backend is creack/pty; when no PTY is available the process runs in
// pipe mode with degraded (no-resize) semantics.
package terminal

import (
	"io"
	"os"
	"os/exec"
	"sync"

	"webmux/internal/procutil"
)

const (
	// DefaultCols and DefaultRows are the size every new session PTY
	// starts with; clients resize after attach.
	DefaultCols = 80
	DefaultRows = 30
)

// Config configures a terminal process.
type Config struct {
	Shell   string
	Args    []string
	Dir     string
	Env     []string
	Columns int
	Rows    int
}

// Terminal wraps one PTY process.
type Terminal struct {
	mu       sync.RWMutex
	cmd      *exec.Cmd
	ptmx     *os.File       // Unix PTY master; nil in pipe mode
	stdin    io.WriteCloser // pipe fallback
	stdout   io.ReadCloser  // pipe fallback
	stderr   io.ReadCloser  // pipe fallback
	closed   bool
	closeErr error
}

// startPipeMode starts the process without a PTY. Used when the
// platform or environment cannot allocate one.
func startPipeMode(cfg Config) (*Terminal, error) {
	cmd := exec.Command(cfg.Shell, cfg.Args...)
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		cmd.Env = cfg.Env
	}
	procutil.HideWindow(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, err
	}
	return &Terminal{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
	}, nil
}
