package store

import (
	"encoding/json"
	"errors"
	"time"
)

// SessionStatus is the session lifecycle state.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionPaused     SessionStatus = "paused"
	SessionTerminated SessionStatus = "terminated"
)

// ProcessStatus is the supervised process lifecycle state.
type ProcessStatus string

const (
	ProcessRunning ProcessStatus = "running"
	ProcessStopped ProcessStatus = "stopped"
	ProcessCrashed ProcessStatus = "crashed"
	ProcessKilled  ProcessStatus = "killed"
)

// TerminalSize is the persisted terminal geometry.
type TerminalSize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// CommandRecord is one shell history entry.
type CommandRecord struct {
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// MaxShellHistory bounds the per-session command history.
const MaxShellHistory = 100

// Session is one persisted session row. EnvironmentVars, TerminalSize,
// and ShellHistory are serialized to JSON TEXT columns on write and
// decoded on read; callers only see the typed fields.
type Session struct {
	ID            string
	WorkspaceID   string
	RecoveryToken string
	Name          string
	IsDefault     bool
	Type          string

	ShellPID int
	SocketID string // empty when no client is attached
	Status   SessionStatus

	CurrentWorkingDir string
	EnvironmentVars   map[string]string
	TerminalSize      TerminalSize
	LastCommand       string
	ShellHistory      []CommandRecord

	SessionTimeoutMin int
	MaxIdleTimeMin    int
	AutoCleanup       bool
	CanRecover        bool

	CreatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time
}

// Layout is one persisted layout row. Configuration is the serialized
// pane/tab blob; the layout engine owns its shape.
type Layout struct {
	ID            string
	WorkspaceID   string
	Name          string
	LayoutType    string
	IsDefault     bool
	Configuration string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UserProcess is one tracked long-running child command.
type UserProcess struct {
	ID           string
	PID          int
	Command      string
	Args         []string
	Cwd          string
	Status       ProcessStatus
	ExitCode     *int
	AutoRestart  bool
	RestartCount int
	SessionID    string // optional ownership
	WorkspaceID  string // optional ownership
	StartedAt    time.Time
	LastSeen     time.Time
	EndedAt      *time.Time
}

// CSRFToken is an externally written row that the cleanup coordinator
// evicts by expiry.
type CSRFToken struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

// RateLimitRecord is an externally written row that the cleanup
// coordinator evicts by expiry.
type RateLimitRecord struct {
	ClientIP    string
	KeyPrefix   string
	RequestTime time.Time
	ExpiresAt   time.Time
}

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// --- typed JSON boundaries ---

func encodeEnv(env map[string]string) string {
	if len(env) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func decodeEnv(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var env map[string]string
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil
	}
	return env
}

func encodeSize(size TerminalSize) string {
	if size == (TerminalSize{}) {
		return ""
	}
	raw, err := json.Marshal(size)
	if err != nil {
		return ""
	}
	return string(raw)
}

func decodeSize(raw string) TerminalSize {
	if raw == "" {
		return TerminalSize{}
	}
	var size TerminalSize
	if err := json.Unmarshal([]byte(raw), &size); err != nil {
		return TerminalSize{}
	}
	return size
}

func encodeHistory(entries []CommandRecord) string {
	if len(entries) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func decodeHistory(raw string) []CommandRecord {
	if raw == "" || raw == "[]" {
		return nil
	}
	var entries []CommandRecord
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil
	}
	return entries
}

func encodeArgs(args []string) string {
	if len(args) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

func decodeArgs(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var args []string
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil
	}
	return args
}
