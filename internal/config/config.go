// Package config loads and persists the server's YAML configuration.
// Missing files yield defaults; parse and validation problems keep the
// server startable wherever a safe fallback exists.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"
)

const (
	maxConfigFileBytes int64 = 1 << 20 // 1MB
	maxRenameRetry           = 10
	// Windows file lock releases (antivirus/indexing) typically settle
	// quickly. Short linear backoff: baseDelay * (1..maxRenameRetry).
	renameRetryBaseDelay = 10 * time.Millisecond

	// DefaultListenAddr binds loopback only; the substrate sits behind
	// an authenticating reverse proxy.
	DefaultListenAddr = "127.0.0.1:8422"

	// DefaultSessionIdleMinutes matches the session manager's 24h
	// idle window.
	DefaultSessionIdleMinutes = 1440
)

// defaultConfigDirFn is a test seam; tests override it to simulate
// directory-resolution failures in validateConfigPath.
var defaultConfigDirFn = defaultConfigDir
var userHomeDirFn = os.UserHomeDir
var posixEnvTokenPattern = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}|\$[A-Za-z_][A-Za-z0-9_]*`)

var defaultPathWarningState struct {
	mu       sync.Mutex
	messages []string
}

func recordDefaultPathWarning(message string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return
	}
	defaultPathWarningState.mu.Lock()
	defaultPathWarningState.messages = append(defaultPathWarningState.messages, trimmed)
	defaultPathWarningState.mu.Unlock()
}

// ConsumeDefaultPathWarnings returns and clears path-resolution
// warnings accumulated during DefaultPath() calls.
func ConsumeDefaultPathWarnings() []string {
	defaultPathWarningState.mu.Lock()
	defer defaultPathWarningState.mu.Unlock()
	if len(defaultPathWarningState.messages) == 0 {
		return nil
	}
	out := make([]string, len(defaultPathWarningState.messages))
	copy(out, defaultPathWarningState.messages)
	defaultPathWarningState.messages = nil
	return out
}

// Config is the webmux runtime configuration.
type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address.
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`

	// WorkspaceRoot is the directory whose immediate subdirectories
	// become workspaces. Empty means "<home>/workspaces".
	WorkspaceRoot string `yaml:"workspace_root,omitempty" json:"workspace_root,omitempty"`

	// DataDir holds the sqlite database. Empty means
	// "<home>/.local/share/webmux".
	DataDir string `yaml:"data_dir,omitempty" json:"data_dir,omitempty"`

	// HistoryDir holds per-session scrollback files. Empty means
	// "<data_dir>/history".
	HistoryDir string `yaml:"history_dir,omitempty" json:"history_dir,omitempty"`

	// Shell overrides the login shell spawned in terminals. Validated
	// against an allowlist.
	Shell string `yaml:"shell" json:"shell"`

	// SessionIdleMinutes is the default idle timeout applied to new
	// sessions.
	SessionIdleMinutes int `yaml:"session_idle_minutes" json:"session_idle_minutes"`

	// EnableMetrics mounts /metrics on the listen address.
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`

	// ShellEnv is extra environment applied to spawned shells.
	ShellEnv map[string]string `yaml:"shell_env,omitempty" json:"shell_env,omitempty"`
}

// allowedShells is the set of permitted shell executables (matched by
// base name, case-insensitive). Additions require security review to
// prevent arbitrary command execution.
var allowedShells = map[string]struct{}{
	"bash":           {},
	"zsh":            {},
	"fish":           {},
	"sh":             {},
	"dash":           {},
	"powershell.exe": {},
	"pwsh":           {},
	"pwsh.exe":       {},
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         DefaultListenAddr,
		Shell:              defaultShellName(),
		SessionIdleMinutes: DefaultSessionIdleMinutes,
		EnableMetrics:      true,
	}
}

func defaultShellName() string {
	if runtime.GOOS == "windows" {
		return "powershell.exe"
	}
	return "bash"
}

// DefaultPath resolves the config file path: XDG_CONFIG_HOME when set,
// else ~/.config, falling back to os.TempDir() if the home directory
// cannot be resolved. The temp-dir fallback is not a stable
// persistence location.
func DefaultPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := userHomeDirFn()
		if err != nil {
			slog.Warn("[WARN-CONFIG] using temp dir as config path fallback", "error", err)
			recordDefaultPathWarning(
				"Config path fallback: failed to resolve XDG_CONFIG_HOME/home directory. Using temp directory; settings persistence may be limited.",
			)
			base = os.TempDir()
		} else {
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, "webmux", "config.yaml")
}

// Load reads the config file. A missing file returns defaults. The
// configured shell is validated against the allowlist; an error is
// returned if validation fails.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("[WARN-CONFIG] failed to parse config, using defaults", "path", path, "error", err)
		return DefaultConfig(), err
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnsureFile writes the default config if missing and returns the
// loaded config.
func EnsureFile(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if _, err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// AllowedShellList returns the permitted shell executable names,
// sorted for consistent ordering.
func AllowedShellList() []string {
	shells := make([]string, 0, len(allowedShells))
	for s := range allowedShells {
		shells = append(shells, s)
	}
	sort.Strings(shells)
	return shells
}

// Clone returns a deep copy of cfg. Use this when sharing config
// snapshots across goroutines or package boundaries.
func Clone(src Config) Config {
	dst := src
	if src.ShellEnv != nil {
		dst.ShellEnv = make(map[string]string, len(src.ShellEnv))
		for k, v := range src.ShellEnv {
			dst.ShellEnv[k] = v
		}
	}
	return dst
}

// Save validates cfg, fills defaults, and atomically writes to path.
// Returns the normalized config that was actually written to disk.
func Save(path string, cfg Config) (Config, error) {
	normalizedPath, err := validateConfigPath(path)
	if err != nil {
		return cfg, err
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, fmt.Errorf("save config: %w", err)
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("save config: marshal: %w", err)
	}
	if err := atomicWrite(normalizedPath, raw); err != nil {
		return cfg, err
	}
	slog.Debug("[DEBUG-CONFIG] config saved", "path", path)
	return cfg, nil
}

// atomicWrite writes config data using temp-file + rename to avoid
// partial writes, retrying the rename on Windows to tolerate transient
// file locks.
func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save config: mkdir: %w", err)
	}

	// Temp file + rename in the same directory ensures a
	// same-filesystem rename and prevents partial writes on crash.
	tmpFile, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("save config: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			if closeErr := tmpFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				slog.Warn("[WARN-CONFIG] failed to close temp file", "path", tmpPath, "error", closeErr)
			}
		}
		if err != nil {
			if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				slog.Warn("[WARN-CONFIG] failed to remove temp file", "path", tmpPath, "error", removeErr)
			}
		}
	}()

	if err = tmpFile.Chmod(0o600); err != nil {
		return fmt.Errorf("save config: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		return fmt.Errorf("save config: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fmt.Errorf("save config: sync: %w", err)
	}
	err = tmpFile.Close()
	tmpFile = nil
	if err != nil {
		return fmt.Errorf("save config: close: %w", err)
	}

	if err = renameFileWithRetry(tmpPath, path); err != nil {
		return fmt.Errorf("save config: rename: %w", err)
	}
	return nil
}

// validateConfigPath normalizes path and enforces that config writes
// stay inside the default config directory when that directory is
// resolvable.
func validateConfigPath(path string) (string, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return "", errors.New("config path required")
	}
	absolutePath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return "", fmt.Errorf("save config: resolve path: %w", err)
	}

	expectedDir, err := defaultConfigDirFn()
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	absoluteExpectedDir, err := filepath.Abs(expectedDir)
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	if !pathWithinDir(absolutePath, absoluteExpectedDir) {
		return "", fmt.Errorf("save config: path outside config directory: %q", absolutePath)
	}

	return absolutePath, nil
}

func defaultConfigDir() (string, error) {
	return filepath.Dir(DefaultPath()), nil
}

// pathWithinDir blocks directory traversal by ensuring path is under
// dir. It also rejects Windows cross-drive escapes because
// filepath.Rel returns an absolute path when roots differ.
func pathWithinDir(path string, dir string) bool {
	relativePath, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	if relativePath == "." {
		return true
	}
	if relativePath == ".." || strings.HasPrefix(relativePath, ".."+string(os.PathSeparator)) {
		return false
	}
	return !filepath.IsAbs(relativePath)
}

// applyDefaultsAndValidate fills missing defaults and validates cfg
// in-place. MUTATES: cfg is directly modified. Used by both Load and
// Save to ensure consistent normalization.
func applyDefaultsAndValidate(cfg *Config) error {
	defaults := DefaultConfig()
	if isZeroConfig(*cfg) {
		*cfg = defaults
		return nil
	}

	if cfg.Shell == "" {
		cfg.Shell = defaults.Shell
	}
	if err := validateShell(cfg.Shell); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = defaults.ListenAddr
	}
	if err := validateListenAddr(cfg.ListenAddr); err != nil {
		return err
	}
	if cfg.SessionIdleMinutes <= 0 {
		cfg.SessionIdleMinutes = defaults.SessionIdleMinutes
	}

	cfg.WorkspaceRoot = normalizeDir("workspace_root", cfg.WorkspaceRoot)
	cfg.DataDir = normalizeDir("data_dir", cfg.DataDir)
	cfg.HistoryDir = normalizeDir("history_dir", cfg.HistoryDir)
	cfg.ShellEnv = sanitizeEnvMap(cfg.ShellEnv)
	return nil
}

// ResolvedDataDir returns DataDir, defaulting under the home directory.
func (c Config) ResolvedDataDir() string {
	if c.DataDir != "" {
		return c.DataDir
	}
	home, err := userHomeDirFn()
	if err != nil {
		return filepath.Join(os.TempDir(), "webmux")
	}
	return filepath.Join(home, ".local", "share", "webmux")
}

// ResolvedHistoryDir returns HistoryDir, defaulting under the data dir.
func (c Config) ResolvedHistoryDir() string {
	if c.HistoryDir != "" {
		return c.HistoryDir
	}
	return filepath.Join(c.ResolvedDataDir(), "history")
}

// ResolvedWorkspaceRoot returns WorkspaceRoot, defaulting to
// "<home>/workspaces".
func (c Config) ResolvedWorkspaceRoot() string {
	if c.WorkspaceRoot != "" {
		return c.WorkspaceRoot
	}
	home, err := userHomeDirFn()
	if err != nil {
		return filepath.Join(os.TempDir(), "workspaces")
	}
	return filepath.Join(home, "workspaces")
}

// validateListenAddr requires a parseable host:port with an in-range
// port. Port 0 is allowed and means "OS auto-assign".
func validateListenAddr(addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listen_addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("listen_addr %q: invalid port %q", addr, portStr)
	}
	return nil
}

// normalizeDir expands ~ and environment variables, cleans the path,
// and drops non-absolute results with a warning (non-fatal).
func normalizeDir(field, dir string) string {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return ""
	}
	if strings.HasPrefix(dir, "~") {
		home, err := userHomeDirFn()
		if err != nil {
			slog.Warn("[WARN-CONFIG] failed to expand ~, ignoring", "field", field, "path", dir, "error", err)
			return ""
		}
		dir = filepath.Join(home, dir[1:])
	}
	dir = expandEnvTokens(dir)
	dir = filepath.Clean(dir)
	if !filepath.IsAbs(dir) {
		slog.Warn("[WARN-CONFIG] path is not absolute, ignoring", "field", field, "path", dir)
		return ""
	}
	return dir
}

func expandEnvTokens(dir string) string {
	if dir == "" {
		return ""
	}
	return posixEnvTokenPattern.ReplaceAllStringFunc(dir, func(token string) string {
		key := strings.TrimPrefix(token, "$")
		key = strings.TrimPrefix(key, "{")
		key = strings.TrimSuffix(key, "}")
		if value, ok := os.LookupEnv(key); ok {
			return value
		}
		return token
	})
}

// sanitizeEnvMap removes entries with empty keys, null bytes, or '='
// in keys and strips null bytes from values. Returns nil when the
// input is empty or every entry is removed.
func sanitizeEnvMap(entries map[string]string) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	cleaned := make(map[string]string, len(entries))
	sortedKeys := make([]string, 0, len(entries))
	for k := range entries {
		sortedKeys = append(sortedKeys, k)
	}
	sort.Strings(sortedKeys)
	for _, k := range sortedKeys {
		v := entries[k]
		k = strings.TrimSpace(k)
		if k == "" || strings.ContainsRune(k, '\x00') || strings.ContainsRune(k, '=') {
			slog.Warn("[WARN-CONFIG] shell_env: dropped invalid key", "key", k)
			continue
		}
		cleaned[k] = strings.TrimSpace(strings.ReplaceAll(v, "\x00", ""))
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}

// validateShell ensures the configured shell is safe for process
// creation: no null bytes, base name on the allowlist, absolute paths
// must exist, and relative paths are rejected.
func validateShell(shell string) error {
	shell = strings.TrimSpace(shell)
	if shell == "" {
		return errors.New("shell is required")
	}
	if strings.ContainsRune(shell, '\x00') {
		return errors.New("shell contains invalid null byte")
	}

	baseName := strings.ToLower(filepath.Base(shell))
	if _, ok := allowedShells[baseName]; !ok {
		return fmt.Errorf("shell %q is not in the allowlist", shell)
	}

	if filepath.IsAbs(shell) {
		info, err := os.Stat(shell)
		if err != nil {
			return fmt.Errorf("shell path does not exist: %w", err)
		}
		if info.IsDir() {
			return errors.New("shell path cannot be a directory")
		}
		return nil
	}

	// Reject relative paths such as "./tool/bash".
	if strings.Contains(shell, `\`) || strings.Contains(shell, "/") {
		return errors.New("shell must be executable name or absolute path")
	}
	return nil
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	limited := io.LimitReader(file, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", maxBytes)
	}
	return raw, nil
}

func isZeroConfig(cfg Config) bool {
	// reflect.DeepEqual guards against field-addition drift that manual
	// checks miss.
	return reflect.DeepEqual(cfg, Config{})
}

func renameFileWithRetry(sourcePath string, targetPath string) error {
	var lastErr error
	for attempt := range maxRenameRetry {
		err := os.Rename(sourcePath, targetPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if runtime.GOOS != "windows" {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * renameRetryBaseDelay)
	}
	return lastErr
}
