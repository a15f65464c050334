// Package supervisor tracks long-running user commands (dev servers,
// watchers) independently of their shell sessions. It owns the child
// processes it spawns, persists their lifecycle to the store, and
// monitors liveness of rows whose child handle did not survive a
// restart of this process.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"webmux/internal/command"
	"webmux/internal/metrics"
	"webmux/internal/procutil"
	"webmux/internal/store"
	"webmux/internal/workerutil"
)

const (
	// healthCheckInterval is how often running rows are probed.
	healthCheckInterval = 10 * time.Second

	// deadProcessRetention is how long dead rows stay before
	// CleanupDeadProcesses deletes them.
	deadProcessRetention = 24 * time.Hour

	// deadProcessSweepInterval is how often the retention sweep runs.
	deadProcessSweepInterval = time.Hour

	// defaultStopGrace is the window between the graceful stop signal
	// and the hard kill.
	defaultStopGrace = 5 * time.Second
)

// Store is the process persistence the supervisor depends on.
type Store interface {
	CreateProcess(p *store.UserProcess) error
	SaveProcess(p *store.UserProcess) error
	GetProcess(id string) (*store.UserProcess, error)
	ListProcessesByStatus(statuses ...store.ProcessStatus) ([]*store.UserProcess, error)
	ListAllProcesses() ([]*store.UserProcess, error)
	DeleteDeadProcesses(cutoff time.Time) (int64, error)
	MarkAllRunningStopped(now time.Time) (int64, error)
}

// Handle is a spawned child the supervisor can signal and reap.
type Handle interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the child exits and returns its exit code.
	// A non-nil error means the exit could not be observed.
	Wait() (int, error)
}

// SpawnFunc creates a child process. Replaced in tests.
type SpawnFunc func(name string, args []string, cwd string, env []string) (Handle, error)

// TrackOptions carries the optional ownership and behavior of a
// tracked process.
type TrackOptions struct {
	Cwd         string
	Env         []string // nil inherits this process's environment
	SessionID   string
	WorkspaceID string
	AutoRestart bool
}

// tracked is the in-memory entry of a live child.
type tracked struct {
	record *store.UserProcess
	handle Handle
	done   chan struct{} // closed when Wait returns
}

// Supervisor spawns, signals, and monitors user processes. The map is
// guarded by mu; store writes and child signalling happen outside it.
type Supervisor struct {
	store Store

	mu    sync.Mutex
	procs map[string]*tracked

	spawn     SpawnFunc
	now       func() time.Time
	newID     func() string
	pidAlive  func(pid int) bool
	stopGrace time.Duration

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds a Supervisor over the store.
func New(s Store) *Supervisor {
	return &Supervisor{
		store:     s,
		procs:     make(map[string]*tracked),
		spawn:     spawnChild,
		now:       time.Now,
		newID:     uuid.NewString,
		pidAlive:  procutil.PidAlive,
		stopGrace: defaultStopGrace,
	}
}

// Start reconciles running rows from a prior run and begins the
// monitoring loop.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.RestoreProcesses()

	ctx, s.cancel = context.WithCancel(ctx)
	workerutil.RunWithPanicRecovery(ctx, "supervisor-monitor", &s.wg, func(ctx context.Context) {
		health := time.NewTicker(healthCheckInterval)
		defer health.Stop()
		sweep := time.NewTicker(deadProcessSweepInterval)
		defer sweep.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-health.C:
				s.CheckProcessHealth()
			case <-sweep.C:
				s.CleanupDeadProcesses()
			}
		}
	}, workerutil.RecoveryOptions{})
}

// Stop cancels monitoring, bulk-marks running rows stopped, and drops
// the in-memory map. Children are not killed; their rows are picked up
// again by RestoreProcesses on the next start.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if n, err := s.store.MarkAllRunningStopped(s.now()); err != nil {
		slog.Warn("[WARN-SUPERVISOR] mark running stopped failed", "error", err)
	} else if n > 0 {
		slog.Info("[INFO-SUPERVISOR] marked running processes stopped", "count", n)
	}

	s.mu.Lock()
	s.procs = make(map[string]*tracked)
	s.started = false
	s.mu.Unlock()
}

// TrackProcess spawns a child with piped stdio and persists it as a
// running row. The exit handler fires when the child dies.
func (s *Supervisor) TrackProcess(name string, args []string, opts TrackOptions) (*store.UserProcess, error) {
	return s.trackProcess(name, args, opts, 0)
}

func (s *Supervisor) trackProcess(name string, args []string, opts TrackOptions, restartCount int) (*store.UserProcess, error) {
	handle, err := s.spawn(name, args, opts.Cwd, opts.Env)
	if err != nil {
		return nil, fmt.Errorf("supervisor: spawn %s: %w", name, err)
	}
	pid := handle.PID()
	if pid <= 0 {
		_ = handle.Kill()
		return nil, fmt.Errorf("supervisor: spawn %s: no pid", name)
	}

	now := s.now()
	rec := &store.UserProcess{
		ID:           s.newID(),
		PID:          pid,
		Command:      name,
		Args:         args,
		Cwd:          opts.Cwd,
		Status:       store.ProcessRunning,
		AutoRestart:  opts.AutoRestart,
		RestartCount: restartCount,
		SessionID:    opts.SessionID,
		WorkspaceID:  opts.WorkspaceID,
		StartedAt:    now,
		LastSeen:     now,
	}
	if err := s.store.CreateProcess(rec); err != nil {
		_ = handle.Kill()
		return nil, fmt.Errorf("supervisor: persist process %s: %w", name, err)
	}

	entry := &tracked{record: rec, handle: handle, done: make(chan struct{})}
	s.mu.Lock()
	s.procs[rec.ID] = entry
	metrics.TrackedProcesses.Set(float64(len(s.procs)))
	s.mu.Unlock()

	// Not on the monitor WaitGroup: Stop must not block on children
	// that keep running after the supervisor shuts down.
	go func() {
		code, waitErr := handle.Wait()
		close(entry.done)
		s.handleExit(rec.ID, code, waitErr)
	}()

	slog.Info("[INFO-SUPERVISOR] tracking process",
		"id", rec.ID, "pid", pid, "command", name, "autoRestart", opts.AutoRestart)
	return rec, nil
}

// TrackCommandLine adopts a command line entered in a terminal. The
// line is parsed and spawned with auto-restart when it classifies as a
// development server. Used by the PTY multiplexer.
func (s *Supervisor) TrackCommandLine(line, cwd, sessionID, workspaceID string) {
	parsed := command.Parse(line)
	if parsed.Command == "" {
		return
	}
	_, err := s.TrackProcess(parsed.Command, parsed.Args, TrackOptions{
		Cwd:         cwd,
		SessionID:   sessionID,
		WorkspaceID: workspaceID,
		AutoRestart: command.IsDevelopmentServer(line),
	})
	if err != nil {
		slog.Warn("[WARN-SUPERVISOR] track command line failed", "line", line, "error", err)
	}
}

// handleExit runs when a tracked child dies on its own. A missing map
// entry means the supervisor initiated the stop and already persisted
// the outcome.
func (s *Supervisor) handleExit(id string, code int, waitErr error) {
	s.mu.Lock()
	entry, ok := s.procs[id]
	if ok {
		delete(s.procs, id)
		metrics.TrackedProcesses.Set(float64(len(s.procs)))
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	rec := entry.record
	now := s.now()
	rec.EndedAt = &now
	if waitErr != nil {
		rec.Status = store.ProcessCrashed
		slog.Warn("[WARN-SUPERVISOR] process wait failed",
			"id", id, "command", rec.Command, "error", waitErr)
	} else {
		rec.ExitCode = &code
		if code == 0 {
			rec.Status = store.ProcessStopped
		} else {
			rec.Status = store.ProcessCrashed
		}
	}
	if err := s.store.SaveProcess(rec); err != nil {
		slog.Warn("[WARN-SUPERVISOR] persist exit failed", "id", id, "error", err)
	}
	slog.Info("[INFO-SUPERVISOR] process exited",
		"id", id, "command", rec.Command, "status", rec.Status, "exitCode", code)

	if rec.AutoRestart && rec.Status == store.ProcessCrashed {
		if _, err := s.respawn(rec); err != nil {
			slog.Warn("[WARN-SUPERVISOR] auto-restart failed", "id", id, "error", err)
		}
	}
}

// StopProcess signals a live child to stop, escalating to a hard kill
// after the grace period, and persists the row as killed.
func (s *Supervisor) StopProcess(id string) error {
	s.mu.Lock()
	entry, ok := s.procs[id]
	if ok {
		// The exit handler skips rows the supervisor stops itself.
		delete(s.procs, id)
		metrics.TrackedProcesses.Set(float64(len(s.procs)))
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: process %s not tracked", id)
	}

	signalErr := s.terminate(entry)

	rec := entry.record
	now := s.now()
	rec.Status = store.ProcessKilled
	rec.EndedAt = &now
	if err := s.store.SaveProcess(rec); err != nil {
		return fmt.Errorf("supervisor: persist kill of %s: %w", id, err)
	}
	slog.Info("[INFO-SUPERVISOR] process stopped", "id", id, "command", rec.Command)
	return signalErr
}

// terminate signals graceful stop, waits out the grace period, then
// hard-kills. Returns the first signalling error.
func (s *Supervisor) terminate(entry *tracked) error {
	err := entry.handle.Signal(syscall.SIGTERM)
	if err != nil {
		// Platforms without SIGTERM delivery go straight to kill.
		err = entry.handle.Kill()
	}

	select {
	case <-entry.done:
		return err
	case <-time.After(s.stopGrace):
	}

	if killErr := entry.handle.Kill(); err == nil {
		err = killErr
	}
	select {
	case <-entry.done:
	case <-time.After(s.stopGrace):
		slog.Warn("[WARN-SUPERVISOR] child did not exit after kill",
			"id", entry.record.ID, "pid", entry.record.PID)
	}
	return err
}

// RestartProcess stops the running child, marks its row stopped, and
// spawns a replacement with the same command and ownership and a
// bumped restart count.
func (s *Supervisor) RestartProcess(id string) (*store.UserProcess, error) {
	rec, err := s.store.GetProcess(id)
	if err != nil {
		return nil, fmt.Errorf("supervisor: restart %s: %w", id, err)
	}

	s.mu.Lock()
	entry, live := s.procs[id]
	if live {
		delete(s.procs, id)
		metrics.TrackedProcesses.Set(float64(len(s.procs)))
	}
	s.mu.Unlock()

	if live {
		if err := s.terminate(entry); err != nil {
			slog.Debug("[DEBUG-SUPERVISOR] stop before restart", "id", id, "error", err)
		}
	}

	now := s.now()
	rec.Status = store.ProcessStopped
	rec.EndedAt = &now
	if err := s.store.SaveProcess(rec); err != nil {
		return nil, fmt.Errorf("supervisor: persist restart of %s: %w", id, err)
	}

	return s.respawn(rec)
}

// respawn starts a replacement for a dead row, carrying over command,
// args, cwd, ownership, and auto-restart.
func (s *Supervisor) respawn(old *store.UserProcess) (*store.UserProcess, error) {
	rec, err := s.trackProcess(old.Command, old.Args, TrackOptions{
		Cwd:         old.Cwd,
		SessionID:   old.SessionID,
		WorkspaceID: old.WorkspaceID,
		AutoRestart: old.AutoRestart,
	}, old.RestartCount+1)
	if err != nil {
		return nil, err
	}
	slog.Info("[INFO-SUPERVISOR] process restarted",
		"oldId", old.ID, "newId", rec.ID, "command", rec.Command, "restartCount", rec.RestartCount)
	return rec, nil
}

// GetProcesses returns every persisted process row.
func (s *Supervisor) GetProcesses() ([]*store.UserProcess, error) {
	return s.store.ListAllProcesses()
}

// Status summarizes the supervisor for diagnostics.
type Status struct {
	Tracked int `json:"tracked"`
	Running int `json:"running"`
	Stopped int `json:"stopped"`
	Crashed int `json:"crashed"`
	Killed  int `json:"killed"`
}

// GetStatus counts rows by state plus the in-memory tracked children.
func (s *Supervisor) GetStatus() (*Status, error) {
	rows, err := s.store.ListAllProcesses()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	st := &Status{Tracked: len(s.procs)}
	s.mu.Unlock()
	for _, p := range rows {
		switch p.Status {
		case store.ProcessRunning:
			st.Running++
		case store.ProcessStopped:
			st.Stopped++
		case store.ProcessCrashed:
			st.Crashed++
		case store.ProcessKilled:
			st.Killed++
		}
	}
	return st, nil
}
