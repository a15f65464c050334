// Package session owns the persistent lifecycle of terminal sessions:
// creation, socket attach/detach, recovery tokens, idle timeouts, and
// termination. The store is the source of truth; the in-memory caches
// here are advisory projections reconciled from it at startup.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"webmux/internal/metrics"
	"webmux/internal/procutil"
	"webmux/internal/store"
	"webmux/internal/workerutil"
)

// Termination reasons recorded when a session leaves the active/paused
// states.
const (
	ReasonIdleTimeout    = "idle_timeout"
	ReasonCleanupExpired = "cleanup_expired"
	ReasonProcessExit    = "process_exit"
	ReasonManualClose    = "manual_close"
	ReasonShutdown       = "shutdown"
)

const (
	// DefaultMaxIdleMinutes is applied when a create request does not
	// set its own idle bound. 1440 minutes = 24 hours.
	DefaultMaxIdleMinutes = 1440

	// inactivityCutoff is how long a session may go without activity
	// before the periodic cleanup terminates it.
	inactivityCutoff = 24 * time.Hour

	// idleStatCutoff marks an active session as "idle" in statistics.
	idleStatCutoff = 30 * time.Minute

	// cleanupInterval is the periodic cleanup tick.
	cleanupInterval = 30 * time.Minute
)

// ErrSessionTerminated is returned by mutations against a session that
// has already reached the terminated state. Terminated sessions never
// resurrect.
var ErrSessionTerminated = errors.New("session: session is terminated")

// Store is the session persistence capability the manager needs.
type Store interface {
	CreateSession(*store.Session) error
	SaveSession(*store.Session) error
	GetSession(id string) (*store.Session, error)
	GetSessionByRecoveryToken(token string) (*store.Session, error)
	ListSessionsByStatus(statuses ...store.SessionStatus) ([]*store.Session, error)
	FindRecoverableSession(workspaceID string) (*store.Session, error)
	ListExpiredSessions(cutoff time.Time) ([]*store.Session, error)
	CountSessionsByStatus() (map[store.SessionStatus]int, error)
	CountRecoverableSessions() (int, error)
	CountIdleSessions(cutoff time.Time) (int, error)
}

// ProcessStore is the slice of the process table the manager touches
// when sweeping supervisor rows whose owning session is gone.
type ProcessStore interface {
	ListProcessesByStatus(statuses ...store.ProcessStatus) ([]*store.UserProcess, error)
	SaveProcess(*store.UserProcess) error
}

// CreateParams configures a new session. Zero values get defaults:
// a generated id and name, MaxIdleMinutes of DefaultMaxIdleMinutes,
// and AutoCleanup/CanRecover default to true when nil.
type CreateParams struct {
	ID                string
	WorkspaceID       string
	ShellPID          int
	SocketID          string
	TerminalSize      store.TerminalSize
	Name              string
	IsDefault         bool
	CurrentWorkingDir string
	EnvironmentVars   map[string]string
	SessionTimeoutMin int
	MaxIdleMinutes    int
	AutoCleanup       *bool
	CanRecover        *bool
}

// Patch is a typed state update. Nil fields are left untouched; a set
// LastCommand is also appended to the bounded shell history.
type Patch struct {
	CurrentWorkingDir *string
	EnvironmentVars   map[string]string
	TerminalSize      *store.TerminalSize
	LastCommand       *string
}

// Statistics is a point-in-time aggregate over the session table and
// the manager's caches.
type Statistics struct {
	ByStatus        map[store.SessionStatus]int
	Recoverable     int
	Idle            int
	ActiveCacheSize int
	TokenMapSize    int
}

// Manager is the authoritative session lifecycle component.
//
// Lock ordering: mu guards tokens, active, and the idle heap. Store
// calls are never made while holding mu.
type Manager struct {
	store Store
	procs ProcessStore

	mu     sync.Mutex
	tokens map[string]string   // recoveryToken -> sessionID
	active map[string]struct{} // sessionIDs believed non-terminated
	idle   idleHeap
	latest map[string]uint64 // sessionID -> seq of its live heap entry
	seq    uint64
	wake   chan struct{}

	now      func() time.Time
	newID    func() string
	newToken func() string
	pidAlive func(pid int) bool

	// defaultIdle overrides DefaultMaxIdleMinutes when positive. Set
	// once at wiring time, before Start.
	defaultIdle int

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager builds a manager over the given stores and reconciles its
// caches from persisted state. procs may be nil when no supervisor
// store is wired; the orphaned-process sweep is then skipped.
func NewManager(s Store, procs ProcessStore) *Manager {
	m := &Manager{
		store:    s,
		procs:    procs,
		tokens:   make(map[string]string),
		active:   make(map[string]struct{}),
		latest:   make(map[string]uint64),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
		newID:    uuid.NewString,
		newToken: uuid.NewString,
		pidAlive: procutil.PidAlive,
	}
	m.reconcile()
	return m
}

// SetDefaultMaxIdle overrides the idle bound applied to create requests
// that do not set their own. minutes <= 0 keeps the built-in default.
// Call before Start.
func (m *Manager) SetDefaultMaxIdle(minutes int) {
	m.defaultIdle = minutes
}

// reconcile primes the recovery-token map and active cache from the
// store. Failures degrade to empty caches; the store stays the source
// of truth for anything not in memory.
func (m *Manager) reconcile() {
	sessions, err := m.store.ListSessionsByStatus(store.SessionActive, store.SessionPaused)
	if err != nil {
		slog.Warn("[WARN-SESSION] reconcile failed, starting with empty caches", "error", err)
		return
	}
	m.mu.Lock()
	for _, sess := range sessions {
		if sess.RecoveryToken != "" {
			m.tokens[sess.RecoveryToken] = sess.ID
		}
		if sess.Status == store.SessionActive {
			m.active[sess.ID] = struct{}{}
		}
	}
	m.mu.Unlock()
	slog.Debug("[DEBUG-SESSION] reconciled session caches", "sessions", len(sessions))
}

// Start launches the idle-timeout loop and the periodic cleanup tick.
// Safe to call once; Cleanup stops both.
func (m *Manager) Start(ctx context.Context) {
	if m.started {
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)

	workerutil.RunWithPanicRecovery(ctx, "session-idle-loop", &m.wg, m.runIdleLoop, workerutil.RecoveryOptions{})
	workerutil.RunWithPanicRecovery(ctx, "session-cleanup", &m.wg, func(ctx context.Context) {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.PerformSessionCleanup()
			}
		}
	}, workerutil.RecoveryOptions{})
}

// CreateSession persists a new session row with a fresh recovery
// token, primes the caches, and arms its idle timeout.
func (m *Manager) CreateSession(p CreateParams) (*store.Session, error) {
	now := m.now()
	id := p.ID
	if id == "" {
		id = m.newID()
	}
	name := p.Name
	if name == "" {
		name = fmt.Sprintf("Terminal %s", now.Format("15:04:05"))
	}
	maxIdle := p.MaxIdleMinutes
	if maxIdle <= 0 {
		maxIdle = m.defaultIdle
	}
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdleMinutes
	}

	sess := &store.Session{
		ID:                id,
		WorkspaceID:       p.WorkspaceID,
		RecoveryToken:     m.newToken(),
		Name:              name,
		IsDefault:         p.IsDefault,
		Type:              "terminal",
		ShellPID:          p.ShellPID,
		SocketID:          p.SocketID,
		Status:            store.SessionActive,
		CurrentWorkingDir: p.CurrentWorkingDir,
		EnvironmentVars:   p.EnvironmentVars,
		TerminalSize:      p.TerminalSize,
		SessionTimeoutMin: p.SessionTimeoutMin,
		MaxIdleTimeMin:    maxIdle,
		AutoCleanup:       boolOrTrue(p.AutoCleanup),
		CanRecover:        boolOrTrue(p.CanRecover),
		CreatedAt:         now,
		LastActivityAt:    now,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tokens[sess.RecoveryToken] = sess.ID
	m.active[sess.ID] = struct{}{}
	m.mu.Unlock()

	m.SetupIdleTimeout(sess.ID, sess.MaxIdleTimeMin)
	slog.Info("[INFO-SESSION] session created",
		"sessionId", sess.ID, "workspaceId", sess.WorkspaceID, "shellPid", sess.ShellPID)
	return sess, nil
}

// UpdateSessionState applies a typed patch, appends any command to the
// bounded shell history, refreshes activity, and rearms the idle
// timeout. Fails with ErrSessionTerminated on a terminated session.
func (m *Manager) UpdateSessionState(id string, patch Patch) (*store.Session, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.SessionTerminated {
		return nil, ErrSessionTerminated
	}

	if patch.CurrentWorkingDir != nil {
		sess.CurrentWorkingDir = *patch.CurrentWorkingDir
	}
	if patch.EnvironmentVars != nil {
		sess.EnvironmentVars = patch.EnvironmentVars
	}
	if patch.TerminalSize != nil {
		sess.TerminalSize = *patch.TerminalSize
	}
	now := m.now()
	if patch.LastCommand != nil {
		sess.LastCommand = *patch.LastCommand
		sess.ShellHistory = append(sess.ShellHistory, store.CommandRecord{
			Command:   *patch.LastCommand,
			Timestamp: now,
		})
		if n := len(sess.ShellHistory); n > store.MaxShellHistory {
			sess.ShellHistory = sess.ShellHistory[n-store.MaxShellHistory:]
		}
	}
	sess.LastActivityAt = now

	if err := m.store.SaveSession(sess); err != nil {
		return nil, err
	}
	m.SetupIdleTimeout(id, sess.MaxIdleTimeMin)
	return sess, nil
}

// AttachSocketToSession binds a socket to the session and makes it
// active again. Fails with ErrSessionTerminated on a terminated
// session, so stale clients cannot resurrect one.
func (m *Manager) AttachSocketToSession(id, socketID string) (*store.Session, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.SessionTerminated {
		return nil, ErrSessionTerminated
	}

	sess.SocketID = socketID
	sess.Status = store.SessionActive
	sess.LastActivityAt = m.now()
	if err := m.store.SaveSession(sess); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[id] = struct{}{}
	if sess.RecoveryToken != "" {
		m.tokens[sess.RecoveryToken] = id
	}
	m.mu.Unlock()

	m.SetupIdleTimeout(id, sess.MaxIdleTimeMin)
	return sess, nil
}

// RebindShell points a recovered session at a freshly spawned shell
// process and reactivates it. Fails with ErrSessionTerminated on a
// terminated session.
func (m *Manager) RebindShell(id string, pid int) (*store.Session, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.SessionTerminated {
		return nil, ErrSessionTerminated
	}

	sess.ShellPID = pid
	sess.Status = store.SessionActive
	sess.LastActivityAt = m.now()
	if err := m.store.SaveSession(sess); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[id] = struct{}{}
	if sess.RecoveryToken != "" {
		m.tokens[sess.RecoveryToken] = id
	}
	m.mu.Unlock()

	m.SetupIdleTimeout(id, sess.MaxIdleTimeMin)
	return sess, nil
}

// DetachSocketFromSession pauses the session when its last socket
// leaves. The idle timeout keeps running so paused sessions still
// expire.
func (m *Manager) DetachSocketFromSession(id string) (*store.Session, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.SessionTerminated {
		return nil, ErrSessionTerminated
	}

	sess.SocketID = ""
	sess.Status = store.SessionPaused
	sess.LastActivityAt = m.now()
	if err := m.store.SaveSession(sess); err != nil {
		return nil, err
	}

	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()

	m.SetupIdleTimeout(id, sess.MaxIdleTimeMin)
	return sess, nil
}

// FindSessionByRecoveryToken resolves a token to its non-terminated
// session, or nil when the token is unknown. The token map is
// consulted first; a hit still loads and verifies the row, since the
// map may hold entries for rows terminated behind the manager's back
// (the multiplexer's startup reconciliation bulk-terminates at the
// store level). Stale hits are evicted. Store errors are logged and
// coerced to nil; this is an advisory read.
func (m *Manager) FindSessionByRecoveryToken(token string) *store.Session {
	if token == "" {
		return nil
	}

	m.mu.Lock()
	id, hit := m.tokens[token]
	m.mu.Unlock()
	if hit {
		sess, err := m.store.GetSession(id)
		if err == nil && sess.Status != store.SessionTerminated && sess.RecoveryToken == token {
			return sess
		}
		if err != nil && err != store.ErrNotFound {
			slog.Warn("[WARN-SESSION] cached token lookup failed", "sessionId", id, "error", err)
		}
		m.mu.Lock()
		delete(m.tokens, token)
		m.mu.Unlock()
	}

	sess, err := m.store.GetSessionByRecoveryToken(token)
	if err != nil {
		if err != store.ErrNotFound {
			slog.Warn("[WARN-SESSION] recovery token lookup failed", "error", err)
		}
		return nil
	}

	m.mu.Lock()
	m.tokens[token] = sess.ID
	m.mu.Unlock()
	return sess
}

// FindRecoverableSession returns the workspace's most recently active
// recoverable session, or nil.
func (m *Manager) FindRecoverableSession(workspaceID string) *store.Session {
	sess, err := m.store.FindRecoverableSession(workspaceID)
	if err != nil {
		if err != store.ErrNotFound {
			slog.Warn("[WARN-SESSION] recoverable session lookup failed",
				"workspaceId", workspaceID, "error", err)
		}
		return nil
	}
	return sess
}

// GetSession loads one session by id.
func (m *Manager) GetSession(id string) (*store.Session, error) {
	return m.store.GetSession(id)
}

// TerminateSession moves a session to the terminated state, revokes
// its recovery token, and drops it from every cache. Idempotent: a
// second call on a terminated session is a no-op.
func (m *Manager) TerminateSession(id, reason string) error {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return err
	}
	if sess.Status == store.SessionTerminated {
		m.evict(id, sess.RecoveryToken)
		return nil
	}

	now := m.now()
	sess.Status = store.SessionTerminated
	sess.EndedAt = &now
	sess.SocketID = ""
	sess.CanRecover = false
	if err := m.store.SaveSession(sess); err != nil {
		return err
	}

	m.evict(id, sess.RecoveryToken)
	metrics.RecordTermination(reason)
	slog.Info("[INFO-SESSION] session terminated", "sessionId", id, "reason", reason)
	return nil
}

func (m *Manager) evict(id, token string) {
	m.mu.Lock()
	delete(m.active, id)
	if token != "" {
		delete(m.tokens, token)
	}
	delete(m.latest, id)
	m.mu.Unlock()
}

// PerformSessionCleanup terminates auto-cleanup sessions inactive for
// more than 24 hours, then sweeps supervisor rows orphaned by dead
// sessions. One bad row never stops the pass.
func (m *Manager) PerformSessionCleanup() {
	cutoff := m.now().Add(-inactivityCutoff)
	expired, err := m.store.ListExpiredSessions(cutoff)
	if err != nil {
		slog.Warn("[WARN-SESSION] expired session scan failed", "error", err)
	} else {
		for _, sess := range expired {
			if err := m.TerminateSession(sess.ID, ReasonCleanupExpired); err != nil {
				slog.Warn("[WARN-SESSION] failed to terminate expired session",
					"sessionId", sess.ID, "error", err)
			}
		}
		if len(expired) > 0 {
			slog.Info("[INFO-SESSION] cleaned up expired sessions", "count", len(expired))
		}
	}
	m.cleanupOrphanedProcesses()
}

// cleanupOrphanedProcesses marks running supervisor rows as crashed
// when their owning session is gone and the OS no longer reports the
// PID.
func (m *Manager) cleanupOrphanedProcesses() {
	if m.procs == nil {
		return
	}
	rows, err := m.procs.ListProcessesByStatus(store.ProcessRunning)
	if err != nil {
		slog.Warn("[WARN-SESSION] orphaned process scan failed", "error", err)
		return
	}
	for _, proc := range rows {
		if proc.SessionID == "" {
			continue
		}
		sess, err := m.store.GetSession(proc.SessionID)
		orphaned := err == store.ErrNotFound || (err == nil && sess.Status == store.SessionTerminated)
		if err != nil && err != store.ErrNotFound {
			slog.Debug("[DEBUG-SESSION] session lookup for process failed",
				"processId", proc.ID, "error", err)
			continue
		}
		if !orphaned || m.pidAlive(proc.PID) {
			continue
		}
		now := m.now()
		proc.Status = store.ProcessCrashed
		proc.EndedAt = &now
		if err := m.procs.SaveProcess(proc); err != nil {
			slog.Warn("[WARN-SESSION] failed to mark orphaned process",
				"processId", proc.ID, "error", err)
		}
	}
}

// GetSessionStatistics aggregates counts across the session table and
// caches. Returns nil when any query fails; the failure is logged.
func (m *Manager) GetSessionStatistics() *Statistics {
	byStatus, err := m.store.CountSessionsByStatus()
	if err != nil {
		slog.Warn("[WARN-SESSION] session statistics failed", "error", err)
		return nil
	}
	recoverable, err := m.store.CountRecoverableSessions()
	if err != nil {
		slog.Warn("[WARN-SESSION] session statistics failed", "error", err)
		return nil
	}
	idle, err := m.store.CountIdleSessions(m.now().Add(-idleStatCutoff))
	if err != nil {
		slog.Warn("[WARN-SESSION] session statistics failed", "error", err)
		return nil
	}

	m.mu.Lock()
	activeSize := len(m.active)
	tokenSize := len(m.tokens)
	m.mu.Unlock()

	return &Statistics{
		ByStatus:        byStatus,
		Recoverable:     recoverable,
		Idle:            idle,
		ActiveCacheSize: activeSize,
		TokenMapSize:    tokenSize,
	}
}

// Cleanup stops the background loops and empties all caches. No store
// writes happen here. Safe to call repeatedly.
func (m *Manager) Cleanup() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()
	m.started = false

	m.mu.Lock()
	m.tokens = make(map[string]string)
	m.active = make(map[string]struct{})
	m.latest = make(map[string]uint64)
	m.idle = nil
	m.mu.Unlock()
}

func boolOrTrue(b *bool) bool {
	if b == nil {
		return true
	}
	return *b
}
