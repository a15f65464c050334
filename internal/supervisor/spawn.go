package supervisor

import (
	"io"
	"os"
	"os/exec"

	"webmux/internal/procutil"
)

// childHandle wraps an exec.Cmd started with piped, drained stdio.
type childHandle struct {
	cmd *exec.Cmd
}

func (c *childHandle) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *childHandle) Signal(sig os.Signal) error {
	return c.cmd.Process.Signal(sig)
}

func (c *childHandle) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

func (c *childHandle) Wait() (int, error) {
	err := c.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if exit, ok := err.(*exec.ExitError); ok {
		return exit.ExitCode(), nil
	}
	return -1, err
}

// spawnChild starts a child attached to this process with piped stdio.
// Output is drained and discarded so a full pipe never blocks the
// child; the terminal the command was typed in shows its output.
func spawnChild(name string, args []string, cwd string, env []string) (Handle, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = cwd
	if env != nil {
		cmd.Env = env
	}
	procutil.HideWindow(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	go func() { _, _ = io.Copy(io.Discard, stdout) }()
	go func() { _, _ = io.Copy(io.Discard, stderr) }()

	return &childHandle{cmd: cmd}, nil
}
