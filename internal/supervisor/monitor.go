package supervisor

import (
	"log/slog"

	"webmux/internal/store"
)

// CheckProcessHealth probes every running row. Dead PIDs are marked
// crashed; live ones get their lastSeen bumped.
func (s *Supervisor) CheckProcessHealth() {
	rows, err := s.store.ListProcessesByStatus(store.ProcessRunning)
	if err != nil {
		slog.Warn("[WARN-SUPERVISOR] health check query failed", "error", err)
		return
	}

	now := s.now()
	for _, p := range rows {
		if s.pidAlive(p.PID) {
			p.LastSeen = now
			if err := s.store.SaveProcess(p); err != nil {
				slog.Debug("[DEBUG-SUPERVISOR] last seen bump failed", "id", p.ID, "error", err)
			}
			continue
		}

		ended := now
		p.Status = store.ProcessCrashed
		p.EndedAt = &ended
		if err := s.store.SaveProcess(p); err != nil {
			slog.Warn("[WARN-SUPERVISOR] persist crash failed", "id", p.ID, "error", err)
			continue
		}
		slog.Warn("[WARN-SUPERVISOR] process pid vanished",
			"id", p.ID, "pid", p.PID, "command", p.Command)

		// Drop a stale in-memory entry if one exists: the handle is
		// dead and the exit handler already ran or never will.
		s.mu.Lock()
		delete(s.procs, p.ID)
		s.mu.Unlock()
	}
}

// RestoreProcesses reconciles running rows left over from a prior run.
// Dead PIDs are marked crashed (and auto-restarted when configured);
// live ones stay as rows without a child handle, monitored by PID
// probe only.
func (s *Supervisor) RestoreProcesses() {
	rows, err := s.store.ListProcessesByStatus(store.ProcessRunning)
	if err != nil {
		slog.Warn("[WARN-SUPERVISOR] restore query failed", "error", err)
		return
	}

	restored, crashed := 0, 0
	for _, p := range rows {
		if s.pidAlive(p.PID) {
			restored++
			continue
		}

		now := s.now()
		p.Status = store.ProcessCrashed
		p.EndedAt = &now
		if err := s.store.SaveProcess(p); err != nil {
			slog.Warn("[WARN-SUPERVISOR] persist crash on restore failed", "id", p.ID, "error", err)
			continue
		}
		crashed++

		if p.AutoRestart {
			if _, err := s.respawn(p); err != nil {
				slog.Warn("[WARN-SUPERVISOR] auto-restart on restore failed",
					"id", p.ID, "command", p.Command, "error", err)
			}
		}
	}

	if restored > 0 || crashed > 0 {
		slog.Info("[INFO-SUPERVISOR] restored processes",
			"alive", restored, "crashed", crashed)
	}
}

// CleanupDeadProcesses deletes stopped/crashed/killed rows that ended
// more than the retention period ago.
func (s *Supervisor) CleanupDeadProcesses() {
	n, err := s.store.DeleteDeadProcesses(s.now().Add(-deadProcessRetention))
	if err != nil {
		slog.Warn("[WARN-SUPERVISOR] dead process cleanup failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("[INFO-SUPERVISOR] deleted dead process rows", "count", n)
	}
}
