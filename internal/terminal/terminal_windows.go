//go:build windows

package terminal

// Start launches the shell in pipe mode. Windows builds carry no PTY
// backend; resize is a no-op and CR input is normalized for the
// console host.
func Start(cfg Config) (*Terminal, error) {
	if cfg.Shell == "" {
		cfg.Shell = "powershell.exe"
	}
	if cfg.Columns <= 0 {
		cfg.Columns = DefaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = DefaultRows
	}
	return startPipeMode(cfg)
}
