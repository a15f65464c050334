package terminal

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
)

// PID returns the shell's process id, or 0 before start.
func (t *Terminal) PID() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// IsClosed reports whether Close has been called.
func (t *Terminal) IsClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// Write writes input bytes to the PTY.
func (t *Terminal) Write(data []byte) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return 0, errors.New("terminal closed")
	}
	if t.ptmx != nil {
		n, err := t.ptmx.Write(data)
		if err != nil {
			slog.Warn("[WARN-TERMINAL] pty write failed", "error", err, "dataLen", len(data))
		}
		return n, err
	}
	if t.stdin == nil {
		return 0, errors.New("terminal stdin unavailable")
	}
	n, err := t.stdin.Write(normalizePipeInput(data))
	if err != nil {
		slog.Warn("[WARN-TERMINAL] stdin write failed", "error", err, "dataLen", len(data))
	}
	return n, err
}

// Resize updates the PTY window size. Pipe mode has no window to
// resize and succeeds silently.
func (t *Terminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return errors.New("terminal: invalid size")
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return errors.New("terminal closed")
	}
	if t.ptmx != nil {
		return resizePtmx(t.ptmx, cols, rows)
	}
	return nil
}

// ReadLoop continuously reads terminal output until the process exits
// or the terminal is closed. onData must consume the bytes during the
// call because the backing buffer is reused on the next read.
func (t *Terminal) ReadLoop(onData func([]byte)) {
	if onData == nil {
		return
	}
	t.mu.RLock()
	file := t.ptmx
	stdout := t.stdout
	stderr := t.stderr
	t.mu.RUnlock()

	if file != nil {
		readSource(file, onData)
		return
	}

	var wg sync.WaitGroup
	if stdout != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			readSource(stdout, onData)
		}()
	}
	if stderr != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			readSource(stderr, onData)
		}()
	}
	wg.Wait()
}

func readSource(reader io.Reader, onData func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			onData(buf[:n])
		}
		if err != nil {
			slog.Debug("[DEBUG-TERMINAL] read loop exiting", "error", err)
			return
		}
	}
}

// normalizePipeInput adapts CR-only input into CRLF for pipe-mode
// shells. The PTY backend bypasses this path.
func normalizePipeInput(data []byte) []byte {
	hasCR := false
	for _, b := range data {
		if b == '\r' {
			hasCR = true
			break
		}
	}
	if !hasCR {
		return data
	}

	out := make([]byte, 0, len(data)+8)
	for i := 0; i < len(data); i++ {
		b := data[i]
		if b != '\r' {
			out = append(out, b)
			continue
		}
		out = append(out, '\r')
		if i+1 >= len(data) || data[i+1] != '\n' {
			out = append(out, '\n')
		}
	}
	return out
}

// Close kills the process and releases the PTY. Idempotent; repeats
// return the first error.
func (t *Terminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return t.closeErr
	}
	t.closed = true

	var firstErr error
	if t.cmd != nil && t.cmd.Process != nil {
		if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			slog.Debug("[DEBUG-TERMINAL] process kill during close failed", "error", err)
		}
	}
	for _, c := range []io.Closer{t.stdin, t.stdout, t.stderr} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.ptmx != nil {
		if err := t.ptmx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.closeErr = firstErr
	return firstErr
}
