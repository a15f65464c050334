package mux

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"webmux/internal/command"
	"webmux/internal/metrics"
	"webmux/internal/session"
	"webmux/internal/store"
)

// WriteToPty routes input from a socket to its session's PTY. When
// the data completes a line, the command is recorded on the session
// and, if it classifies as long-running, handed to the supervisor.
func (m *Mux) WriteToPty(socketID string, data []byte, sessionID string) error {
	rt, err := m.runtime(socketID, sessionID)
	if err != nil {
		m.emitError(socketID, err)
		return err
	}

	if _, err := rt.pty.Write(data); err != nil {
		err = fmt.Errorf("mux: write to session %s: %w", rt.sessionID, err)
		m.emitError(socketID, err)
		return err
	}
	metrics.PtyInputBytes.Add(float64(len(data)))

	if line, ok := rt.appendInput(data); ok && line != "" {
		m.recordCommand(rt, line)
	}
	return nil
}

// ResizePty resizes the session PTY and persists the new size.
func (m *Mux) ResizePty(socketID string, cols, rows int, sessionID string) error {
	rt, err := m.runtime(socketID, sessionID)
	if err != nil {
		m.emitError(socketID, err)
		return err
	}

	if err := rt.pty.Resize(cols, rows); err != nil {
		err = fmt.Errorf("mux: resize session %s: %w", rt.sessionID, err)
		m.emitError(socketID, err)
		return err
	}

	size := store.TerminalSize{Cols: cols, Rows: rows}
	if _, err := m.opts.Sessions.UpdateSessionState(rt.sessionID, session.Patch{TerminalSize: &size}); err != nil {
		slog.Debug("[DEBUG-MUX] persist terminal size failed",
			"sessionId", rt.sessionID, "error", err)
	}
	return nil
}

// handleOutput is the PTY reader's per-chunk callback: record to
// history, hand to the batched broadcast, and touch session activity.
// The chunk is copied because the reader reuses its buffer.
func (m *Mux) handleOutput(rt *sessionRuntime, chunk []byte) {
	data := make([]byte, len(chunk))
	copy(data, chunk)
	metrics.PtyOutputBytes.Add(float64(len(data)))

	rt.history.Write(data)
	rt.out.Write(data)
	m.touchActivity(rt)
}

// touchActivity refreshes the session's lastActivityAt at most once
// per activityTouchInterval. Best-effort: failures are logged at
// debug so the data path never stalls.
func (m *Mux) touchActivity(rt *sessionRuntime) {
	now := m.now()
	rt.touchMu.Lock()
	due := now.Sub(rt.lastTouch) >= activityTouchInterval
	if due {
		rt.lastTouch = now
	}
	rt.touchMu.Unlock()
	if !due {
		return
	}

	go func() {
		if _, err := m.opts.Sessions.UpdateSessionState(rt.sessionID, session.Patch{}); err != nil {
			slog.Debug("[DEBUG-MUX] activity touch failed",
				"sessionId", rt.sessionID, "error", err)
		}
	}()
}

// recordCommand persists the executed line as the session's last
// command and offers it to the supervisor when trackable.
func (m *Mux) recordCommand(rt *sessionRuntime, line string) {
	if _, err := m.opts.Sessions.UpdateSessionState(rt.sessionID, session.Patch{LastCommand: &line}); err != nil {
		slog.Debug("[DEBUG-MUX] record command failed",
			"sessionId", rt.sessionID, "error", err)
	}

	if m.opts.Supervisor != nil && command.ShouldTrack(line) {
		m.mu.Lock()
		var cwd string
		if ws := m.workspaceSessions[rt.workspaceID]; ws != nil && ws.workspace != nil {
			cwd = ws.workspace.LocalPath
		}
		m.mu.Unlock()
		m.opts.Supervisor.TrackCommandLine(line, cwd, rt.sessionID, rt.workspaceID)
	}
}

// appendInput accumulates keystrokes until a line terminator and
// returns the completed line. Control sequences and backspaces are
// handled well enough to reconstruct typical interactive commands.
func (rt *sessionRuntime) appendInput(data []byte) (string, bool) {
	if !bytes.ContainsAny(data, "\r\n") {
		rt.inputMu.Lock()
		rt.inputLine = appendPrintable(rt.inputLine, data)
		rt.inputMu.Unlock()
		return "", false
	}

	rt.inputMu.Lock()
	defer rt.inputMu.Unlock()
	idx := bytes.IndexAny(data, "\r\n")
	rt.inputLine = appendPrintable(rt.inputLine, data[:idx])
	line := strings.TrimSpace(string(rt.inputLine))
	rt.inputLine = rt.inputLine[:0]
	// Anything after the terminator starts the next line.
	if rest := data[idx+1:]; len(rest) > 0 {
		rt.inputLine = appendPrintable(rt.inputLine, bytes.TrimLeft(rest, "\r\n"))
	}
	return line, true
}

// appendPrintable filters input down to the characters that end up in
// the command line: printable bytes are kept, backspace/DEL erase, and
// escape sequences are dropped wholesale.
func appendPrintable(dst, src []byte) []byte {
	for i := 0; i < len(src); i++ {
		b := src[i]
		switch {
		case b == 0x7f || b == '\b':
			if len(dst) > 0 {
				dst = dst[:len(dst)-1]
			}
		case b == 0x1b:
			// Skip a CSI sequence through its final byte.
			i++
			if i < len(src) && src[i] == '[' {
				for i++; i < len(src); i++ {
					if src[i] >= 0x40 && src[i] <= 0x7e {
						break
					}
				}
			}
		case b >= 0x20:
			dst = append(dst, b)
		}
	}
	return dst
}
