package terminal

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	shellHome = "/home/claude"
	shellUser = "claude"
	shellBin  = "/bin/bash"

	// Colored "user@host dir $" prompt for interactive shells.
	shellPrompt = `\[\033[01;32m\]\u@webmux\[\033[00m\]:\[\033[01;34m\]\w\[\033[00m\]\$ `
)

// ShellConfig builds the spawn configuration for a session shell in
// the given workspace directory: a login bash (powershell on Windows)
// sized cols x rows with the session environment layered over the
// server's.
func ShellConfig(workspaceDir string, cols, rows int) Config {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	cfg := Config{
		Dir:     workspaceDir,
		Columns: cols,
		Rows:    rows,
	}
	if runtime.GOOS == "windows" {
		cfg.Shell = "powershell.exe"
		cfg.Env = append(os.Environ(), "TERM=xterm-256color")
		return cfg
	}

	cfg.Shell = "bash"
	cfg.Args = []string{"--login"}
	cfg.Env = shellEnv(os.Environ())
	return cfg
}

// shellEnv layers the session identity over the base environment:
// HOME/USER/SHELL pinned to the terminal user, PATH extended with the
// user-local bin, a colored PS1, and a 256-color terminal type.
func shellEnv(base []string) []string {
	env := make([]string, 0, len(base)+6)
	path := ""
	for _, kv := range base {
		key, val, _ := strings.Cut(kv, "=")
		switch key {
		case "HOME", "USER", "SHELL", "PS1", "TERM":
			continue
		case "PATH":
			path = val
			continue
		}
		env = append(env, kv)
	}

	localBin := filepath.Join(shellHome, ".local", "bin")
	if path == "" {
		path = localBin
	} else if !strings.Contains(path, localBin) {
		path = path + string(os.PathListSeparator) + localBin
	}

	return append(env,
		"HOME="+shellHome,
		"USER="+shellUser,
		"SHELL="+shellBin,
		"PATH="+path,
		fmt.Sprintf("PS1=%s", shellPrompt),
		"TERM=xterm-256color",
	)
}
