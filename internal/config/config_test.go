package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

// withConfigDir points the save-path guard at dir for one test.
func withConfigDir(t *testing.T, dir string) {
	t.Helper()
	orig := defaultConfigDirFn
	defaultConfigDirFn = func() (string, error) { return dir, nil }
	t.Cleanup(func() { defaultConfigDirFn = orig })
}

func withHomeDir(t *testing.T, dir string) {
	t.Helper()
	orig := userHomeDirFn
	userHomeDirFn = func() (string, error) { return dir, nil }
	t.Cleanup(func() { userHomeDirFn = orig })
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr = %q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.SessionIdleMinutes != DefaultSessionIdleMinutes {
		t.Fatalf("SessionIdleMinutes = %d, want %d", cfg.SessionIdleMinutes, DefaultSessionIdleMinutes)
	}
	if !cfg.EnableMetrics {
		t.Fatal("EnableMetrics should default to true")
	}
	if runtime.GOOS != "windows" && cfg.Shell != "bash" {
		t.Fatalf("Shell = %q, want bash", cfg.Shell)
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	home := t.TempDir()
	withHomeDir(t, home)

	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := strings.Join([]string{
		"listen_addr: 0.0.0.0:9000",
		"shell: zsh",
		"workspace_root: ~/projects",
		"session_idle_minutes: 120",
		"shell_env:",
		"  EDITOR: vim",
	}, "\n")
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.Shell != "zsh" {
		t.Fatalf("Shell = %q", cfg.Shell)
	}
	if want := filepath.Join(home, "projects"); cfg.WorkspaceRoot != want {
		t.Fatalf("WorkspaceRoot = %q, want %q", cfg.WorkspaceRoot, want)
	}
	if cfg.SessionIdleMinutes != 120 {
		t.Fatalf("SessionIdleMinutes = %d", cfg.SessionIdleMinutes)
	}
	if cfg.ShellEnv["EDITOR"] != "vim" {
		t.Fatalf("ShellEnv = %v", cfg.ShellEnv)
	}
}

func TestLoadRejectsUnlistedShell(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("shell: netcat\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected allowlist error")
	}
}

func TestLoadRejectsBadListenAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: not-an-addr\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected listen_addr error")
	}
}

func TestLoadDropsRelativeDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: relative/dir\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "" {
		t.Fatalf("DataDir = %q, want cleared", cfg.DataDir)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	withConfigDir(t, dir)
	path := filepath.Join(dir, "config.yaml")

	in := DefaultConfig()
	in.SessionIdleMinutes = 60
	in.ShellEnv = map[string]string{"PAGER": "less"}

	if _, err := Save(path, in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	out, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.SessionIdleMinutes != 60 || out.ShellEnv["PAGER"] != "less" {
		t.Fatalf("round trip = %+v", out)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestSaveRejectsPathOutsideConfigDir(t *testing.T) {
	withConfigDir(t, t.TempDir())
	outside := filepath.Join(t.TempDir(), "elsewhere.yaml")
	if _, err := Save(outside, DefaultConfig()); err == nil {
		t.Fatal("expected path guard error")
	}
}

func TestEnsureFileCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	withConfigDir(t, dir)
	path := filepath.Join(dir, "config.yaml")

	cfg, err := EnsureFile(path)
	if err != nil {
		t.Fatalf("EnsureFile: %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not written: %v", err)
	}
}

func TestSanitizeEnvMap(t *testing.T) {
	got := sanitizeEnvMap(map[string]string{
		"GOOD":    " value ",
		"":        "dropped",
		"BAD=KEY": "dropped",
		"NULLED":  "a\x00b",
	})
	if len(got) != 2 {
		t.Fatalf("entries = %v", got)
	}
	if got["GOOD"] != "value" || got["NULLED"] != "ab" {
		t.Fatalf("entries = %v", got)
	}
}

func TestResolvedDirsDefaultUnderHome(t *testing.T) {
	home := t.TempDir()
	withHomeDir(t, home)

	cfg := DefaultConfig()
	if want := filepath.Join(home, ".local", "share", "webmux"); cfg.ResolvedDataDir() != want {
		t.Fatalf("ResolvedDataDir = %q, want %q", cfg.ResolvedDataDir(), want)
	}
	if want := filepath.Join(home, ".local", "share", "webmux", "history"); cfg.ResolvedHistoryDir() != want {
		t.Fatalf("ResolvedHistoryDir = %q", cfg.ResolvedHistoryDir())
	}
	if want := filepath.Join(home, "workspaces"); cfg.ResolvedWorkspaceRoot() != want {
		t.Fatalf("ResolvedWorkspaceRoot = %q", cfg.ResolvedWorkspaceRoot())
	}

	cfg.DataDir = "/srv/webmux"
	if cfg.ResolvedHistoryDir() != filepath.Join("/srv/webmux", "history") {
		t.Fatalf("ResolvedHistoryDir = %q", cfg.ResolvedHistoryDir())
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("session_idle_minutes: 30\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var mu sync.Mutex
	var got []Config
	w, err := Watch(path, func(cfg Config) {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("session_idle_minutes: 45\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		var last Config
		if n > 0 {
			last = got[n-1]
		}
		mu.Unlock()
		if n > 0 && last.SessionIdleMinutes == 45 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reload callback never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
