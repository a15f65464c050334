package mux

import (
	"encoding/json"
	"log/slog"

	"webmux/internal/wsserver"
)

// SocketHandler adapts the hub's inbound events onto mux operations.
// One handler serves every socket.
type SocketHandler struct {
	mux *Mux
}

// NewSocketHandler wires a hub handler to the multiplexer.
func NewSocketHandler(m *Mux) *SocketHandler {
	return &SocketHandler{mux: m}
}

// HandleConnect is a no-op: a socket holds no session until its first
// create-terminal request.
func (h *SocketHandler) HandleConnect(socketID string) {
	slog.Debug("[DEBUG-MUX] socket connected", "socketId", socketID)
}

// HandleDisconnect releases the socket's session attachment.
func (h *SocketHandler) HandleDisconnect(socketID string) {
	h.mux.HandleSocketDisconnect(socketID)
}

// HandleMessage dispatches one inbound event. Payload decode failures
// and operation errors are reported to the socket as terminal-error;
// the mux operations emit those themselves.
func (h *SocketHandler) HandleMessage(socketID string, msg wsserver.Message) {
	switch msg.Event {
	case wsserver.EventCreateTerminal:
		var req wsserver.CreateTerminalRequest
		if !h.decode(socketID, msg, &req) {
			return
		}
		if _, _, err := h.mux.CreatePtyForSocket(socketID, req.WorkspaceID, req.SessionID, req.RecoveryToken); err != nil {
			slog.Warn("[WARN-MUX] create-terminal failed", "socketId", socketID, "error", err)
		}

	case wsserver.EventTerminalInput:
		var req wsserver.TerminalInputRequest
		if !h.decode(socketID, msg, &req) {
			return
		}
		if err := h.mux.WriteToPty(socketID, []byte(req.Data), req.SessionID); err != nil {
			slog.Debug("[DEBUG-MUX] terminal-input failed", "socketId", socketID, "error", err)
		}

	case wsserver.EventTerminalResize:
		var req wsserver.TerminalResizeRequest
		if !h.decode(socketID, msg, &req) {
			return
		}
		if err := h.mux.ResizePty(socketID, req.Cols, req.Rows, req.SessionID); err != nil {
			slog.Debug("[DEBUG-MUX] terminal-resize failed", "socketId", socketID, "error", err)
		}

	case wsserver.EventKillTerminal:
		var req wsserver.KillTerminalRequest
		if !h.decode(socketID, msg, &req) {
			return
		}
		sessionID := req.SessionID
		if sessionID == "" {
			if info := h.mux.GetTerminalInfo(socketID); info != nil {
				sessionID = info.SessionID
			}
		}
		if err := h.mux.CloseSession(req.WorkspaceID, sessionID); err != nil {
			h.mux.emitError(socketID, err)
		}

	case wsserver.EventGetTerminalInfo:
		h.mux.opts.Transport.Emit(socketID, wsserver.EventTerminalInfo, h.mux.GetTerminalInfo(socketID))

	default:
		slog.Debug("[DEBUG-MUX] unknown socket event", "socketId", socketID, "event", msg.Event)
	}
}

func (h *SocketHandler) decode(socketID string, msg wsserver.Message, dst any) bool {
	if len(msg.Payload) == 0 {
		return true
	}
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		slog.Debug("[DEBUG-MUX] bad payload", "event", msg.Event, "error", err)
		h.mux.opts.Transport.Emit(socketID, wsserver.EventTerminalError,
			wsserver.TerminalErrorPayload{Error: "invalid payload for " + msg.Event})
		return false
	}
	return true
}
