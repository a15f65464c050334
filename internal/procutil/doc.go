// Package procutil holds the platform-specific process helpers the
// supervisor and PTY layers need: PidAlive for liveness checks during
// orphan reconciliation, and HideWindow for suppressing console
// windows when spawning helpers on Windows.
package procutil
