// Package mux is the PTY multiplexer: it owns the shell process of
// every live session, routes socket input to the right PTY, fans
// output out to every socket viewing the workspace, and replays
// scrollback to late joiners.
package mux

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"webmux/internal/procutil"
	"webmux/internal/session"
	"webmux/internal/store"
	"webmux/internal/terminal"
	"webmux/internal/workerutil"
	"webmux/internal/workspace"
	"webmux/internal/wsserver"
)

const (
	// deadPtySweepInterval is how often sessions with dead PTY PIDs
	// are reaped.
	deadPtySweepInterval = 5 * time.Minute

	// activityTouchInterval throttles the per-chunk session activity
	// write down to one store update per interval.
	activityTouchInterval = 30 * time.Second
)

// Outcomes of createPtyForSocket.
const (
	OutcomeResumed   = "resumed"
	OutcomeRecovered = "recovered"
	OutcomeCreated   = "created"
)

// Transport is the socket fan-out capability of the hub.
type Transport interface {
	Emit(socketID, event string, payload any)
	Broadcast(room, event string, payload any)
	Join(socketID, room string)
	Leave(socketID, room string)
}

// Sessions is the session-manager capability the mux depends on. The
// manager never calls back into the mux.
type Sessions interface {
	CreateSession(session.CreateParams) (*store.Session, error)
	UpdateSessionState(id string, patch session.Patch) (*store.Session, error)
	AttachSocketToSession(id, socketID string) (*store.Session, error)
	DetachSocketFromSession(id string) (*store.Session, error)
	FindSessionByRecoveryToken(token string) *store.Session
	GetSession(id string) (*store.Session, error)
	RebindShell(id string, pid int) (*store.Session, error)
	TerminateSession(id, reason string) error
}

// Layouts keeps pane membership in step with session lifecycle.
type Layouts interface {
	GetDefaultLayout(workspaceID string) (*store.Layout, error)
	AddSessionToLayout(layoutID, sessionID string) (*store.Layout, error)
	RemoveSessionFromLayout(layoutID, sessionID string) (*store.Layout, error)
}

// Workspaces resolves workspace ids to directories.
type Workspaces interface {
	Get(id string) (*workspace.Workspace, error)
	List() ([]*workspace.Workspace, error)
}

// SessionStore is the bulk reconciliation slice of the store used at
// startup.
type SessionStore interface {
	MarkAllActiveTerminated(now time.Time) (int64, error)
}

// Supervisor receives command lines worth tracking as long-running
// processes. Optional.
type Supervisor interface {
	TrackCommandLine(line, cwd, sessionID, workspaceID string)
}

// Pty is the shell process handle the mux drives.
type Pty interface {
	Write(data []byte) (int, error)
	Resize(cols, rows int) error
	ReadLoop(onData func([]byte))
	Close() error
	PID() int
	IsClosed() bool
}

// Spawner creates a PTY shell in a workspace directory.
type Spawner func(dir string, cols, rows int) (Pty, error)

// History is the per-session scrollback log.
type History interface {
	Write(data []byte)
	Recent() [][]byte
	Clear() error
	Close() error
}

// HistoryOpener opens (and restores) the history of one session.
type HistoryOpener func(workspaceID, sessionID string) (History, error)

// Options wires the mux's collaborators.
type Options struct {
	Transport   Transport
	Sessions    Sessions
	Layouts     Layouts
	Workspaces  Workspaces
	Store       SessionStore
	Supervisor  Supervisor // may be nil
	Spawn       Spawner
	OpenHistory HistoryOpener
}

// sessionRuntime is the in-memory state of one live session.
type sessionRuntime struct {
	sessionID     string
	workspaceID   string
	pty           Pty
	sockets       map[string]struct{}
	history       History
	out           *terminal.OutputBuffer
	recoveryToken string
	sessionName   string
	isDefault     bool

	// inputLine accumulates keystrokes until a line terminator so the
	// executed command can be recorded.
	inputMu   sync.Mutex
	inputLine []byte

	// lastTouch throttles activity writes on the output path.
	touchMu   sync.Mutex
	lastTouch time.Time

	closing bool
}

// workspaceRuntime groups the live sessions of one workspace. order
// preserves creation order for deterministic default promotion.
type workspaceRuntime struct {
	workspace        *workspace.Workspace
	sessions         map[string]*sessionRuntime
	order            []string
	defaultSessionID string
	layoutID         string
}

type socketRef struct {
	workspaceID string
	sessionID   string
}

// Mux is the multiplexer. All maps are guarded by mu; PTY I/O and
// store writes happen outside the lock.
type Mux struct {
	opts Options

	mu                   sync.Mutex
	workspaceSessions    map[string]*workspaceRuntime
	socketToSession      map[string]socketRef
	socketSessionHistory map[string]map[string]struct{}

	now      func() time.Time
	pidAlive func(pid int) bool

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown bool
}

// New builds a Mux. Spawn and OpenHistory default to the production
// terminal and history implementations when nil.
func New(opts Options) *Mux {
	if opts.Spawn == nil {
		opts.Spawn = func(dir string, cols, rows int) (Pty, error) {
			return terminal.Start(terminal.ShellConfig(dir, cols, rows))
		}
	}
	return &Mux{
		opts:                 opts,
		workspaceSessions:    make(map[string]*workspaceRuntime),
		socketToSession:      make(map[string]socketRef),
		socketSessionHistory: make(map[string]map[string]struct{}),
		now:                  time.Now,
		pidAlive:             procutil.PidAlive,
	}
}

// roomKey is the broadcast room of a workspace.
func roomKey(workspaceID string) string {
	return "workspace:" + workspaceID
}

// Start reconciles stale rows from a prior run and begins the dead-PTY
// sweep. Active rows in the store reference PTYs that no longer exist,
// so they are bulk-terminated.
func (m *Mux) Start(ctx context.Context) {
	if n, err := m.opts.Store.MarkAllActiveTerminated(m.now()); err != nil {
		slog.Warn("[WARN-MUX] startup session reconciliation failed", "error", err)
	} else if n > 0 {
		slog.Info("[INFO-MUX] terminated stale sessions from previous run", "count", n)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	workerutil.RunWithPanicRecovery(ctx, "mux-dead-pty-sweep", &m.wg, func(ctx context.Context) {
		ticker := time.NewTicker(deadPtySweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepDeadSessions()
			}
		}
	}, workerutil.RecoveryOptions{})
}

// Shutdown stops the sweep, kills every PTY, and terminates every
// session with reason shutdown. PTY kill is fire-and-forget.
func (m *Mux) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	var runtimes []*sessionRuntime
	for _, ws := range m.workspaceSessions {
		for _, rt := range ws.sessions {
			rt.closing = true
			runtimes = append(runtimes, rt)
		}
	}
	m.workspaceSessions = make(map[string]*workspaceRuntime)
	m.socketToSession = make(map[string]socketRef)
	m.socketSessionHistory = make(map[string]map[string]struct{})
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}

	for _, rt := range runtimes {
		rt.out.Stop()
		if err := rt.pty.Close(); err != nil {
			slog.Debug("[DEBUG-MUX] pty close during shutdown", "sessionId", rt.sessionID, "error", err)
		}
		if err := rt.history.Close(); err != nil {
			slog.Debug("[DEBUG-MUX] history close during shutdown", "sessionId", rt.sessionID, "error", err)
		}
		if err := m.opts.Sessions.TerminateSession(rt.sessionID, session.ReasonShutdown); err != nil {
			slog.Warn("[WARN-MUX] terminate during shutdown failed", "sessionId", rt.sessionID, "error", err)
		}
	}
	m.wg.Wait()
	slog.Info("[INFO-MUX] multiplexer shut down", "sessions", len(runtimes))
}

// sweepDeadSessions closes every session whose PTY PID the OS no
// longer reports.
func (m *Mux) sweepDeadSessions() {
	m.mu.Lock()
	type target struct {
		workspaceID, sessionID string
	}
	var dead []target
	for wsID, ws := range m.workspaceSessions {
		for id, rt := range ws.sessions {
			if rt.pty.IsClosed() || !m.pidAlive(rt.pty.PID()) {
				dead = append(dead, target{wsID, id})
			}
		}
	}
	m.mu.Unlock()

	for _, d := range dead {
		slog.Info("[INFO-MUX] reaping session with dead pty",
			"workspaceId", d.workspaceID, "sessionId", d.sessionID)
		if err := m.closeSessionWithReason(d.workspaceID, d.sessionID, session.ReasonProcessExit); err != nil {
			slog.Warn("[WARN-MUX] dead pty reap failed",
				"sessionId", d.sessionID, "error", err)
		}
	}
}

// runtime resolves a socket's current session runtime, optionally
// overridden by an explicit sessionID.
func (m *Mux) runtime(socketID, sessionID string) (*sessionRuntime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.socketToSession[socketID]
	if !ok {
		return nil, fmt.Errorf("mux: socket %s has no session", socketID)
	}
	targetID := ref.sessionID
	if sessionID != "" {
		targetID = sessionID
	}
	ws := m.workspaceSessions[ref.workspaceID]
	if ws == nil {
		return nil, fmt.Errorf("mux: workspace %s not attached", ref.workspaceID)
	}
	rt := ws.sessions[targetID]
	if rt == nil {
		return nil, fmt.Errorf("mux: session %s not found in workspace %s", targetID, ref.workspaceID)
	}
	return rt, nil
}

// emitError reports a failed socket-initiated operation.
func (m *Mux) emitError(socketID string, err error) {
	m.opts.Transport.Emit(socketID, wsserver.EventTerminalError,
		wsserver.TerminalErrorPayload{Error: err.Error()})
}
