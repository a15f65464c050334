// Package wsserver is the socket transport between browser clients
// and the PTY multiplexer: one WebSocket per client, JSON event
// envelopes both ways, and room-based fan-out keyed by workspace.
package wsserver

import (
	"encoding/json"
	"fmt"
)

// Events emitted to clients.
const (
	EventTerminalCreated   = "terminal-created"
	EventTerminalResumed   = "terminal-resumed"
	EventTerminalRecovered = "terminal-recovered"
	EventTerminalOutput    = "terminal-output"
	EventTerminalKilled    = "terminal-killed"
	EventTerminalError     = "terminal-error"
	EventTerminalInfo      = "terminal-info"
)

// Events received from clients.
const (
	EventCreateTerminal  = "create-terminal"
	EventTerminalInput   = "terminal-input"
	EventTerminalResize  = "terminal-resize"
	EventKillTerminal    = "kill-terminal"
	EventGetTerminalInfo = "get-terminal-info"
)

// Message is the wire envelope in both directions.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage wraps an event payload into an envelope.
func NewMessage(event string, payload any) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("wsserver: encode %s payload: %w", event, err)
	}
	return Message{Event: event, Payload: raw}, nil
}

// CreateTerminalRequest asks for a terminal in a workspace. All fields
// are optional; the multiplexer resolves defaults.
type CreateTerminalRequest struct {
	WorkspaceID   string `json:"workspaceId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	RecoveryToken string `json:"recoveryToken,omitempty"`
}

// TerminalInputRequest carries keystrokes for a session.
type TerminalInputRequest struct {
	Data      string `json:"data"`
	SessionID string `json:"sessionId,omitempty"`
}

// TerminalResizeRequest updates the PTY window size.
type TerminalResizeRequest struct {
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
	SessionID string `json:"sessionId,omitempty"`
}

// KillTerminalRequest closes a session.
type KillTerminalRequest struct {
	WorkspaceID string `json:"workspaceId"`
	SessionID   string `json:"sessionId,omitempty"`
}

// TerminalLifecyclePayload announces created/resumed/recovered and
// killed sessions to the requesting socket.
type TerminalLifecyclePayload struct {
	WorkspaceID    string          `json:"workspaceId"`
	SessionID      string          `json:"sessionId"`
	SessionName    string          `json:"sessionName,omitempty"`
	RecoveryToken  string          `json:"recoveryToken,omitempty"`
	RecoveredState *RecoveredState `json:"recoveredState,omitempty"`
}

// RecoveredState is the last persisted shell metadata delivered with
// terminal-recovered. The shell's in-process state is not recovered.
type RecoveredState struct {
	CurrentDir   string            `json:"currentDir"`
	EnvVars      map[string]string `json:"envVars,omitempty"`
	TerminalSize TerminalSize      `json:"terminalSize"`
}

// TerminalSize mirrors the persisted cols/rows pair on the wire.
type TerminalSize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// TerminalOutputPayload is one chunk of PTY output.
type TerminalOutputPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// TerminalErrorPayload reports a failed socket-initiated operation.
type TerminalErrorPayload struct {
	Error string `json:"error"`
}
