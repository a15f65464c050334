package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"webmux/internal/cleanup"
	"webmux/internal/config"
	"webmux/internal/history"
	"webmux/internal/layout"
	"webmux/internal/logring"
	"webmux/internal/metrics"
	"webmux/internal/mux"
	"webmux/internal/session"
	"webmux/internal/store"
	"webmux/internal/supervisor"
	"webmux/internal/terminal"
	"webmux/internal/workspace"
	"webmux/internal/wsserver"
)

// App owns every backend service and their start/stop ordering.
type App struct {
	configPath string

	cfgMu sync.RWMutex
	cfg   config.Config

	logBuf *logring.Buffer

	store      *store.Store
	workspaces *workspace.DirService
	sessions   *session.Manager
	layouts    *layout.Engine

	mux        *mux.Mux
	supervisor *supervisor.Supervisor
	cleanup    *cleanup.Coordinator
	hub        *wsserver.Hub
	watcher    *config.Watcher

	cancel  context.CancelFunc
	started time.Time
}

// NewApp loads (creating if absent) the config file and prepares the
// app. No services run until Start.
func NewApp(configPath string, logBuf *logring.Buffer) (*App, error) {
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := config.EnsureFile(configPath)
	if err != nil {
		// A malformed file degrades to defaults; startup continues.
		slog.Warn("[WARN-APP] config load failed, using defaults", "path", configPath, "error", err)
	}
	for _, w := range config.ConsumeDefaultPathWarnings() {
		slog.Warn("[WARN-APP] " + w)
	}

	return &App{
		configPath: configPath,
		cfg:        cfg,
		logBuf:     logBuf,
	}, nil
}

// currentConfig returns a copy of the live configuration.
func (a *App) currentConfig() config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return config.Clone(a.cfg)
}

// Start opens the store and brings every service up, in dependency
// order: store, workspaces, session manager, supervisor, multiplexer,
// cleanup jobs, then the WebSocket server.
func (a *App) Start(ctx context.Context) error {
	cfg := a.currentConfig()
	a.started = time.Now()
	ctx, a.cancel = context.WithCancel(ctx)

	st, err := store.Open(cfg.ResolvedDataDir())
	if err != nil {
		return fmt.Errorf("app: open store: %w", err)
	}
	a.store = st

	root := cfg.ResolvedWorkspaceRoot()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("app: create workspace root: %w", err)
	}
	ws, err := workspace.NewDirService(root)
	if err != nil {
		return fmt.Errorf("app: workspace root: %w", err)
	}
	a.workspaces = ws

	a.sessions = session.NewManager(st, st)
	a.sessions.SetDefaultMaxIdle(cfg.SessionIdleMinutes)
	a.supervisor = supervisor.New(st)
	a.cleanup = cleanup.New(st)

	// The hub needs its handler at construction and the handler needs
	// the mux, which needs the hub as transport. The indirection is
	// resolved before Start, so the handler never sees a nil target.
	handler := &deferredHandler{}
	a.hub = wsserver.NewHub(wsserver.HubOptions{
		Addr:     cfg.ListenAddr,
		Register: a.registerHTTP,
	}, handler)

	a.layouts = layout.NewEngine(st)

	a.mux = mux.New(mux.Options{
		Transport:  a.hub,
		Sessions:   a.sessions,
		Layouts:    a.layouts,
		Workspaces: ws,
		Store:      st,
		Supervisor: a.supervisor,
		Spawn:      a.spawnShell,
		OpenHistory: func(workspaceID, sessionID string) (mux.History, error) {
			return history.Open(a.currentConfig().ResolvedHistoryDir(), workspaceID, sessionID)
		},
	})
	handler.set(mux.NewSocketHandler(a.mux))

	a.sessions.Start(ctx)
	a.mux.Start(ctx)
	a.supervisor.Start(ctx)
	a.cleanup.Start()

	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	if w, watchErr := config.Watch(a.configPath, a.applyConfig); watchErr != nil {
		slog.Warn("[WARN-APP] config watch unavailable", "error", watchErr)
	} else {
		a.watcher = w
	}

	slog.Info("[INFO-APP] webmux ready",
		"url", a.hub.URL(),
		"dataDir", cfg.ResolvedDataDir(),
		"workspaceRoot", cfg.ResolvedWorkspaceRoot())
	return nil
}

// Stop tears the services down in reverse start order. Safe to call
// after a partial Start.
func (a *App) Stop() {
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.hub != nil {
		if err := a.hub.Stop(); err != nil {
			slog.Warn("[WARN-APP] hub stop", "error", err)
		}
	}
	if a.cleanup != nil {
		a.cleanup.Stop()
	}
	if a.supervisor != nil {
		a.supervisor.Stop()
	}
	if a.mux != nil {
		a.mux.Shutdown()
	}
	if a.sessions != nil {
		a.sessions.Cleanup()
	}
	if a.cancel != nil {
		a.cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("[WARN-APP] store close", "error", err)
		}
	}
	slog.Info("[INFO-APP] webmux stopped")
}

// applyConfig is the hot-reload callback. Shell, shell environment, and
// the idle default take effect for new sessions; address and directory
// changes need a restart and are only logged.
func (a *App) applyConfig(next config.Config) {
	a.cfgMu.Lock()
	prev := a.cfg
	a.cfg = next
	a.cfgMu.Unlock()

	a.sessions.SetDefaultMaxIdle(next.SessionIdleMinutes)

	if prev.ListenAddr != next.ListenAddr {
		slog.Info("[INFO-APP] listen_addr change takes effect on restart",
			"current", prev.ListenAddr, "configured", next.ListenAddr)
	}
	if prev.ResolvedDataDir() != next.ResolvedDataDir() ||
		prev.ResolvedWorkspaceRoot() != next.ResolvedWorkspaceRoot() {
		slog.Info("[INFO-APP] directory changes take effect on restart")
	}
}

// spawnShell builds a session shell honoring the configured shell and
// environment overrides.
func (a *App) spawnShell(dir string, cols, rows int) (mux.Pty, error) {
	cfg := a.currentConfig()
	tc := terminal.ShellConfig(dir, cols, rows)
	if cfg.Shell != "" && cfg.Shell != tc.Shell {
		tc.Shell = cfg.Shell
		tc.Args = loginArgs(cfg.Shell)
	}
	for k, v := range cfg.ShellEnv {
		tc.Env = setEnv(tc.Env, k, v)
	}
	return terminal.Start(tc)
}

// loginArgs returns the login-shell flag of a configured shell.
// PowerShell variants take none.
func loginArgs(shell string) []string {
	switch shell {
	case "powershell.exe", "pwsh", "pwsh.exe":
		return nil
	default:
		return []string{"-l"}
	}
}

// setEnv replaces KEY in env or appends it. Duplicate entries would be
// resolved inconsistently by the child's libc, so replacement is exact.
func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// registerHTTP mounts the non-WebSocket endpoints on the hub's
// listener: health, diagnostics, and (when enabled) metrics.
func (a *App) registerHTTP(m *http.ServeMux) {
	m.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})
	m.HandleFunc("/diagnostics", a.handleDiagnostics)
	if a.currentConfig().EnableMetrics {
		m.Handle("/metrics", metrics.Handler())
	}
}

// diagnosticsReport is the /diagnostics response body.
type diagnosticsReport struct {
	UptimeSeconds int64               `json:"uptimeSeconds"`
	Connections   int                 `json:"connections"`
	Sessions      *session.Statistics `json:"sessions"`
	Processes     *supervisor.Status  `json:"processes,omitempty"`
	CleanupJobs   []cleanup.JobStatus `json:"cleanupJobs"`
	RecentLogs    []logring.Entry     `json:"recentLogs"`
}

func (a *App) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	report := diagnosticsReport{
		UptimeSeconds: int64(time.Since(a.started).Seconds()),
		Connections:   a.hub.ConnectionCount(),
		Sessions:      a.sessions.GetSessionStatistics(),
		CleanupJobs:   a.cleanup.GetStatus(),
	}
	if procs, err := a.supervisor.GetStatus(); err != nil {
		slog.Warn("[WARN-APP] diagnostics process status", "error", err)
	} else {
		report.Processes = procs
	}
	if a.logBuf != nil {
		report.RecentLogs = a.logBuf.Recent()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(report); err != nil {
		slog.Debug("[DEBUG-APP] diagnostics encode", "error", err)
	}
}

// deferredHandler breaks the hub/mux construction cycle. set is called
// before the hub starts accepting connections.
type deferredHandler struct {
	target wsserver.Handler
}

func (d *deferredHandler) set(h wsserver.Handler) { d.target = h }

func (d *deferredHandler) HandleConnect(socketID string) {
	if d.target != nil {
		d.target.HandleConnect(socketID)
	}
}

func (d *deferredHandler) HandleMessage(socketID string, msg wsserver.Message) {
	if d.target != nil {
		d.target.HandleMessage(socketID, msg)
	}
}

func (d *deferredHandler) HandleDisconnect(socketID string) {
	if d.target != nil {
		d.target.HandleDisconnect(socketID)
	}
}
