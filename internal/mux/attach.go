package mux

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"webmux/internal/metrics"
	"webmux/internal/session"
	"webmux/internal/store"
	"webmux/internal/terminal"
	"webmux/internal/workspace"
	"webmux/internal/wsserver"
)

// Replay banners framing restored scrollback.
const (
	replayBannerOpen  = "\r\n\x1b[2m--- session history ---\x1b[0m\r\n"
	replayBannerClose = "\r\n\x1b[2m--- end of history ---\x1b[0m\r\n"
)

var errNoWorkspace = errors.New("mux: no workspace available")

// CreatePtyForSocket attaches a socket to a workspace terminal,
// resolving in order: resume a live session, recover a persisted one,
// or create a fresh one. Returns the session id and the outcome.
func (m *Mux) CreatePtyForSocket(socketID, workspaceID, sessionID, recoveryToken string) (string, string, error) {
	ws, err := m.resolveWorkspace(workspaceID)
	if err != nil {
		m.emitError(socketID, err)
		return "", "", err
	}

	m.mu.Lock()
	prior, hadPrior := m.socketToSession[socketID]
	workspaceSwitch := !hadPrior || prior.workspaceID != ws.ID
	m.mu.Unlock()

	if hadPrior {
		m.detachSocket(socketID)
	}
	if workspaceSwitch {
		m.mu.Lock()
		m.socketSessionHistory[socketID] = make(map[string]struct{})
		m.mu.Unlock()
	}

	wr, err := m.ensureWorkspace(ws)
	if err != nil {
		m.emitError(socketID, err)
		return "", "", err
	}

	// Choose the target session: explicit id, else the in-memory
	// default, else a brand new default.
	m.mu.Lock()
	target := sessionID
	if target == "" && wr.defaultSessionID != "" && wr.sessions[wr.defaultSessionID] != nil {
		target = wr.defaultSessionID
	}
	var rt *sessionRuntime
	if target != "" {
		rt = wr.sessions[target]
	}
	m.mu.Unlock()

	if rt != nil {
		m.attachSocket(socketID, ws.ID, rt, wsserver.EventTerminalResumed, nil)
		metrics.RecordOutcome(OutcomeResumed)
		return rt.sessionID, OutcomeResumed, nil
	}

	if row := m.recoverableRow(ws.ID, sessionID, recoveryToken); row != nil {
		rt, err := m.recoverSession(wr, ws, row)
		if err != nil {
			m.emitError(socketID, err)
			return "", "", err
		}
		m.attachSocket(socketID, ws.ID, rt, wsserver.EventTerminalRecovered, recoveredState(row))
		metrics.RecordOutcome(OutcomeRecovered)
		return rt.sessionID, OutcomeRecovered, nil
	}

	rt, err = m.createSession(wr, ws, sessionID, socketID)
	if err != nil {
		m.emitError(socketID, err)
		return "", "", err
	}
	m.attachSocket(socketID, ws.ID, rt, wsserver.EventTerminalCreated, nil)
	metrics.RecordOutcome(OutcomeCreated)
	return rt.sessionID, OutcomeCreated, nil
}

// SwitchSocketToSession moves a socket to another live session of a
// workspace. Replay happens on a workspace switch or on the first
// visit to the session since the last workspace switch.
func (m *Mux) SwitchSocketToSession(socketID, workspaceID, sessionID string) error {
	m.mu.Lock()
	prior, hadPrior := m.socketToSession[socketID]
	workspaceSwitch := !hadPrior || prior.workspaceID != workspaceID
	ws := m.workspaceSessions[workspaceID]
	var rt *sessionRuntime
	if ws != nil {
		rt = ws.sessions[sessionID]
	}
	m.mu.Unlock()

	if rt == nil {
		err := fmt.Errorf("mux: session %s not found in workspace %s", sessionID, workspaceID)
		m.emitError(socketID, err)
		return err
	}

	if hadPrior {
		m.detachSocket(socketID)
	}
	if workspaceSwitch {
		m.mu.Lock()
		m.socketSessionHistory[socketID] = make(map[string]struct{})
		m.mu.Unlock()
	}

	m.attachSocket(socketID, workspaceID, rt, wsserver.EventTerminalResumed, nil)
	return nil
}

// HandleSocketDisconnect drops every trace of the socket. The PTY
// stays alive; the session pauses when its last socket leaves.
func (m *Mux) HandleSocketDisconnect(socketID string) {
	m.detachSocket(socketID)
	m.mu.Lock()
	delete(m.socketSessionHistory, socketID)
	m.mu.Unlock()
}

// resolveWorkspace loads the requested workspace, or falls back to the
// first listed one.
func (m *Mux) resolveWorkspace(workspaceID string) (*workspace.Workspace, error) {
	if workspaceID != "" {
		ws, err := m.opts.Workspaces.Get(workspaceID)
		if err != nil {
			return nil, fmt.Errorf("mux: resolve workspace %s: %w", workspaceID, err)
		}
		if ws == nil {
			return nil, fmt.Errorf("mux: workspace %s not found", workspaceID)
		}
		return ws, nil
	}

	list, err := m.opts.Workspaces.List()
	if err != nil {
		return nil, fmt.Errorf("mux: list workspaces: %w", err)
	}
	if len(list) == 0 {
		return nil, errNoWorkspace
	}
	return list[0], nil
}

// ensureWorkspace returns the workspace runtime, creating it (and
// fetching its default layout) on first use.
func (m *Mux) ensureWorkspace(ws *workspace.Workspace) (*workspaceRuntime, error) {
	m.mu.Lock()
	if wr := m.workspaceSessions[ws.ID]; wr != nil {
		m.mu.Unlock()
		return wr, nil
	}
	m.mu.Unlock()

	layoutID := ""
	if layout, err := m.opts.Layouts.GetDefaultLayout(ws.ID); err != nil {
		slog.Warn("[WARN-MUX] default layout fetch failed", "workspaceId", ws.ID, "error", err)
	} else {
		layoutID = layout.ID
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if wr := m.workspaceSessions[ws.ID]; wr != nil {
		return wr, nil
	}
	wr := &workspaceRuntime{
		workspace: ws,
		sessions:  make(map[string]*sessionRuntime),
		layoutID:  layoutID,
	}
	m.workspaceSessions[ws.ID] = wr
	return wr, nil
}

// recoverableRow finds a persisted, non-terminated session to recover:
// by recovery token first, then by explicit session id. The row must
// belong to the target workspace.
func (m *Mux) recoverableRow(workspaceID, sessionID, recoveryToken string) *store.Session {
	var row *store.Session
	if recoveryToken != "" {
		row = m.opts.Sessions.FindSessionByRecoveryToken(recoveryToken)
	}
	if row == nil && sessionID != "" {
		found, err := m.opts.Sessions.GetSession(sessionID)
		if err == nil && found.Status != store.SessionTerminated {
			row = found
		}
	}
	if row == nil || row.WorkspaceID != workspaceID {
		return nil
	}
	return row
}

// createSession spawns a PTY, persists the session, and registers the
// runtime. idOpt, when non-empty, becomes the session id.
func (m *Mux) createSession(wr *workspaceRuntime, ws *workspace.Workspace, idOpt, socketID string) (*sessionRuntime, error) {
	pty, err := m.opts.Spawn(ws.LocalPath, terminal.DefaultCols, terminal.DefaultRows)
	if err != nil {
		return nil, fmt.Errorf("mux: spawn shell in %s: %w", ws.LocalPath, err)
	}

	isDefault := false
	m.mu.Lock()
	if wr.defaultSessionID == "" {
		isDefault = true
	}
	m.mu.Unlock()

	sess, err := m.opts.Sessions.CreateSession(session.CreateParams{
		ID:                idOpt,
		WorkspaceID:       ws.ID,
		ShellPID:          pty.PID(),
		SocketID:          socketID,
		TerminalSize:      store.TerminalSize{Cols: terminal.DefaultCols, Rows: terminal.DefaultRows},
		IsDefault:         isDefault,
		CurrentWorkingDir: ws.LocalPath,
	})
	if err != nil {
		_ = pty.Close()
		return nil, fmt.Errorf("mux: persist session: %w", err)
	}

	// History restore blocks here so replays include prior-run
	// scrollback.
	hist, err := m.opts.OpenHistory(ws.ID, sess.ID)
	if err != nil {
		_ = pty.Close()
		return nil, fmt.Errorf("mux: open history for %s: %w", sess.ID, err)
	}

	rt := m.registerRuntime(wr, ws, pty, hist, sess.ID, sess.Name, sess.RecoveryToken, isDefault)
	slog.Info("[INFO-MUX] session created",
		"workspaceId", ws.ID, "sessionId", sess.ID, "shellPid", pty.PID())
	return rt, nil
}

// recoverSession spawns a fresh PTY for a persisted session and
// rebinds the row to the new shell. Only scrollback and metadata come
// back; the old shell's in-process state is gone.
func (m *Mux) recoverSession(wr *workspaceRuntime, ws *workspace.Workspace, row *store.Session) (*sessionRuntime, error) {
	pty, err := m.opts.Spawn(ws.LocalPath, terminal.DefaultCols, terminal.DefaultRows)
	if err != nil {
		return nil, fmt.Errorf("mux: spawn shell in %s: %w", ws.LocalPath, err)
	}

	if _, err := m.opts.Sessions.RebindShell(row.ID, pty.PID()); err != nil {
		_ = pty.Close()
		return nil, fmt.Errorf("mux: rebind session %s: %w", row.ID, err)
	}

	hist, err := m.opts.OpenHistory(ws.ID, row.ID)
	if err != nil {
		_ = pty.Close()
		return nil, fmt.Errorf("mux: open history for %s: %w", row.ID, err)
	}

	rt := m.registerRuntime(wr, ws, pty, hist, row.ID, row.Name, row.RecoveryToken, row.IsDefault)
	slog.Info("[INFO-MUX] session recovered",
		"workspaceId", ws.ID, "sessionId", row.ID, "shellPid", pty.PID())
	return rt, nil
}

// registerRuntime wires a runtime into the workspace maps and starts
// its PTY reader.
func (m *Mux) registerRuntime(wr *workspaceRuntime, ws *workspace.Workspace, pty Pty, hist History, sessionID, name, token string, isDefault bool) *sessionRuntime {
	rt := &sessionRuntime{
		sessionID:     sessionID,
		workspaceID:   ws.ID,
		pty:           pty,
		sockets:       make(map[string]struct{}),
		history:       hist,
		recoveryToken: token,
		sessionName:   name,
		isDefault:     isDefault,
	}
	room := roomKey(ws.ID)
	rt.out = terminal.NewOutputBuffer(0, 0, func(data []byte) {
		m.opts.Transport.Broadcast(room, wsserver.EventTerminalOutput, wsserver.TerminalOutputPayload{
			SessionID: sessionID,
			Data:      string(data),
		})
	})
	rt.out.Start()

	m.mu.Lock()
	wr.sessions[sessionID] = rt
	wr.order = append(wr.order, sessionID)
	if isDefault && wr.defaultSessionID == "" {
		wr.defaultSessionID = sessionID
	}
	layoutID := wr.layoutID
	m.mu.Unlock()

	if layoutID != "" {
		if _, err := m.opts.Layouts.AddSessionToLayout(layoutID, sessionID); err != nil {
			slog.Warn("[WARN-MUX] add session to layout failed",
				"layoutId", layoutID, "sessionId", sessionID, "error", err)
		}
	}

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("[DEBUG-PANIC] pty reader recovered",
					"sessionId", sessionID, "panic", rec, "stack", string(debug.Stack()))
			}
		}()
		pty.ReadLoop(func(chunk []byte) {
			m.handleOutput(rt, chunk)
		})
		m.handlePtyExit(rt)
	}()
	return rt
}

// attachSocket joins a socket to a runtime, announces the session with
// the given lifecycle event, and replays history on the first visit
// since the last workspace switch.
func (m *Mux) attachSocket(socketID, workspaceID string, rt *sessionRuntime, event string, recovered *wsserver.RecoveredState) {
	m.mu.Lock()
	visited := m.socketSessionHistory[socketID]
	if visited == nil {
		visited = make(map[string]struct{})
		m.socketSessionHistory[socketID] = visited
	}
	_, seen := visited[rt.sessionID]
	visited[rt.sessionID] = struct{}{}
	rt.sockets[socketID] = struct{}{}
	m.socketToSession[socketID] = socketRef{workspaceID: workspaceID, sessionID: rt.sessionID}
	m.mu.Unlock()

	if _, err := m.opts.Sessions.AttachSocketToSession(rt.sessionID, socketID); err != nil {
		slog.Warn("[WARN-MUX] attach socket to session failed",
			"sessionId", rt.sessionID, "socketId", socketID, "error", err)
	}

	m.opts.Transport.Emit(socketID, event, wsserver.TerminalLifecyclePayload{
		WorkspaceID:    workspaceID,
		SessionID:      rt.sessionID,
		SessionName:    rt.sessionName,
		RecoveryToken:  rt.recoveryToken,
		RecoveredState: recovered,
	})

	if !seen {
		m.replayHistory(socketID, rt)
	}

	// Join after the replay so a live broadcast can never reach the
	// socket ahead of the replay banners. A chunk landing in the gap is
	// already in history and comes back on the next replay.
	m.opts.Transport.Join(socketID, roomKey(workspaceID))
}

// detachSocket removes a socket from its current session, pausing the
// session when no sockets remain. The membership check and the
// emptiness read-back happen under one lock acquisition.
func (m *Mux) detachSocket(socketID string) {
	m.mu.Lock()
	ref, ok := m.socketToSession[socketID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.socketToSession, socketID)
	var nowEmpty bool
	if ws := m.workspaceSessions[ref.workspaceID]; ws != nil {
		if rt := ws.sessions[ref.sessionID]; rt != nil {
			delete(rt.sockets, socketID)
			nowEmpty = len(rt.sockets) == 0
		}
	}
	m.mu.Unlock()

	m.opts.Transport.Leave(socketID, roomKey(ref.workspaceID))

	if nowEmpty {
		if _, err := m.opts.Sessions.DetachSocketFromSession(ref.sessionID); err != nil {
			slog.Warn("[WARN-MUX] detach socket from session failed",
				"sessionId", ref.sessionID, "error", err)
		}
	}
}

// replayHistory emits the stored scrollback to one socket: banner,
// concatenated chunks, closing banner. Empty history stays silent.
func (m *Mux) replayHistory(socketID string, rt *sessionRuntime) {
	chunks := rt.history.Recent()
	if len(chunks) == 0 {
		return
	}

	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	body := make([]byte, 0, total)
	for _, c := range chunks {
		body = append(body, c...)
	}

	for _, data := range []string{replayBannerOpen, string(body), replayBannerClose} {
		m.opts.Transport.Emit(socketID, wsserver.EventTerminalOutput, wsserver.TerminalOutputPayload{
			SessionID: rt.sessionID,
			Data:      data,
		})
	}
	slog.Debug("[DEBUG-MUX] replayed history",
		"sessionId", rt.sessionID, "socketId", socketID, "chunks", len(chunks))
}

// recoveredState converts the persisted row into the wire payload
// delivered with terminal-recovered.
func recoveredState(row *store.Session) *wsserver.RecoveredState {
	return &wsserver.RecoveredState{
		CurrentDir: row.CurrentWorkingDir,
		EnvVars:    row.EnvironmentVars,
		TerminalSize: wsserver.TerminalSize{
			Cols: row.TerminalSize.Cols,
			Rows: row.TerminalSize.Rows,
		},
	}
}
