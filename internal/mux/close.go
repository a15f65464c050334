package mux

import (
	"fmt"
	"log/slog"

	"webmux/internal/session"
	"webmux/internal/wsserver"
)

// CloseSession kills a session's PTY and terminates it. If it was the
// workspace default, the next session in creation order is promoted.
func (m *Mux) CloseSession(workspaceID, sessionID string) error {
	return m.closeSessionWithReason(workspaceID, sessionID, session.ReasonManualClose)
}

func (m *Mux) closeSessionWithReason(workspaceID, sessionID, reason string) error {
	m.mu.Lock()
	ws := m.workspaceSessions[workspaceID]
	var rt *sessionRuntime
	if ws != nil {
		rt = ws.sessions[sessionID]
	}
	if rt == nil {
		m.mu.Unlock()
		return fmt.Errorf("mux: session %s not found in workspace %s", sessionID, workspaceID)
	}
	if rt.closing {
		m.mu.Unlock()
		return nil
	}
	rt.closing = true
	m.mu.Unlock()

	if !rt.pty.IsClosed() {
		if err := rt.pty.Close(); err != nil {
			slog.Debug("[DEBUG-MUX] pty close failed", "sessionId", sessionID, "error", err)
		}
	}

	if err := m.opts.Sessions.TerminateSession(sessionID, reason); err != nil {
		slog.Warn("[WARN-MUX] terminate session failed",
			"sessionId", sessionID, "reason", reason, "error", err)
	}

	m.opts.Transport.Broadcast(roomKey(workspaceID), wsserver.EventTerminalKilled,
		wsserver.TerminalLifecyclePayload{WorkspaceID: workspaceID, SessionID: sessionID})

	m.removeRuntime(workspaceID, rt)
	return nil
}

// handlePtyExit runs when a PTY reader drains: the shell exited on its
// own. Announce it, terminate the session, and drop the runtime.
func (m *Mux) handlePtyExit(rt *sessionRuntime) {
	m.mu.Lock()
	if m.shutdown || rt.closing {
		m.mu.Unlock()
		return
	}
	rt.closing = true
	m.mu.Unlock()

	room := roomKey(rt.workspaceID)
	m.opts.Transport.Broadcast(room, wsserver.EventTerminalOutput, wsserver.TerminalOutputPayload{
		SessionID: rt.sessionID,
		Data:      "\r\nShell exited.\r\n",
	})
	m.opts.Transport.Broadcast(room, wsserver.EventTerminalKilled,
		wsserver.TerminalLifecyclePayload{WorkspaceID: rt.workspaceID, SessionID: rt.sessionID})

	if err := m.opts.Sessions.TerminateSession(rt.sessionID, session.ReasonProcessExit); err != nil {
		slog.Warn("[WARN-MUX] terminate after pty exit failed",
			"sessionId", rt.sessionID, "error", err)
	}

	m.removeRuntime(rt.workspaceID, rt)
}

// removeRuntime unlinks a runtime from every map, promotes a new
// default if needed, removes the session from the layout, and releases
// its buffers.
func (m *Mux) removeRuntime(workspaceID string, rt *sessionRuntime) {
	m.mu.Lock()
	layoutID := ""
	if ws := m.workspaceSessions[workspaceID]; ws != nil {
		delete(ws.sessions, rt.sessionID)
		for i, id := range ws.order {
			if id == rt.sessionID {
				ws.order = append(ws.order[:i], ws.order[i+1:]...)
				break
			}
		}
		if ws.defaultSessionID == rt.sessionID {
			ws.defaultSessionID = ""
			for _, id := range ws.order {
				if next := ws.sessions[id]; next != nil {
					ws.defaultSessionID = id
					next.isDefault = true
					break
				}
			}
		}
		layoutID = ws.layoutID
	}
	for socketID := range rt.sockets {
		delete(m.socketToSession, socketID)
		if visited := m.socketSessionHistory[socketID]; visited != nil {
			delete(visited, rt.sessionID)
		}
	}
	rt.sockets = make(map[string]struct{})
	m.mu.Unlock()

	if layoutID != "" {
		if _, err := m.opts.Layouts.RemoveSessionFromLayout(layoutID, rt.sessionID); err != nil {
			slog.Warn("[WARN-MUX] remove session from layout failed",
				"layoutId", layoutID, "sessionId", rt.sessionID, "error", err)
		}
	}

	rt.out.Stop()
	if err := rt.history.Close(); err != nil {
		slog.Debug("[DEBUG-MUX] history close failed", "sessionId", rt.sessionID, "error", err)
	}
}

// SessionInfo describes one live session for get-terminal-info.
type SessionInfo struct {
	SessionID   string `json:"sessionId"`
	SessionName string `json:"sessionName"`
	IsDefault   bool   `json:"isDefault"`
	Sockets     int    `json:"sockets"`
}

// TerminalInfo is the reply payload for get-terminal-info.
type TerminalInfo struct {
	WorkspaceID string        `json:"workspaceId"`
	SessionID   string        `json:"sessionId,omitempty"`
	Sessions    []SessionInfo `json:"sessions"`
}

// GetTerminalInfo reports the socket's current attachment and the
// live sessions of its workspace in creation order.
func (m *Mux) GetTerminalInfo(socketID string) *TerminalInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.socketToSession[socketID]
	if !ok {
		return &TerminalInfo{}
	}
	info := &TerminalInfo{WorkspaceID: ref.workspaceID, SessionID: ref.sessionID}
	if ws := m.workspaceSessions[ref.workspaceID]; ws != nil {
		for _, id := range ws.order {
			rt := ws.sessions[id]
			if rt == nil {
				continue
			}
			info.Sessions = append(info.Sessions, SessionInfo{
				SessionID:   rt.sessionID,
				SessionName: rt.sessionName,
				IsDefault:   rt.isDefault,
				Sockets:     len(rt.sockets),
			})
		}
	}
	return info
}
