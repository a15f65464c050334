// Package command classifies shell command lines. The PTY multiplexer
// hands every entered line to ShouldTrack to decide whether the process
// supervisor should adopt it as a long-running command.
package command

import (
	"regexp"
	"strings"
)

// longRunningPrefixes are command starts that indicate a long-running
// process (dev servers, container runs, file servers).
var longRunningPrefixes = []string{
	"npm run dev",
	"npm start",
	"yarn dev",
	"yarn start",
	"pnpm dev",
	"pnpm start",
	"next dev",
	"vite",
	"webpack serve",
	"webpack-dev-server",
	"nodemon",
	"ts-node-dev",
	"tsx watch",
	"python manage.py runserver",
	"rails server",
	"php -S",
	"serve",
	"http-server",
	"live-server",
	"docker-compose up",
	"docker run",
}

// devServerPrefixes is the subset of longRunningPrefixes that marks a
// development server. The supervisor enables auto-restart for these.
var devServerPrefixes = []string{
	"npm run dev",
	"npm start",
	"yarn dev",
	"yarn start",
	"pnpm dev",
	"pnpm start",
	"next dev",
	"vite",
	"webpack serve",
	"webpack-dev-server",
	"nodemon",
	"python manage.py runserver",
	"rails server",
}

// watchablePrefixes are tools that only run long when given a watch flag.
var watchablePrefixes = []string{
	"jest",
	"mocha",
	"vitest",
	"pytest",
	"cargo test",
	"go test",
	"npm test",
	"yarn test",
	"tsc",
}

var watchFlagPattern = regexp.MustCompile(`(^|\s)(--watch|-w)(\s|$)`)

// genericLongRunningPatterns catch long-running invocations that no
// prefix list covers.
var genericLongRunningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b--watch\b`),
	regexp.MustCompile(`\b--hot\b`),
	regexp.MustCompile(`\b--reload\b`),
	regexp.MustCompile(`\b--dev\b`),
	regexp.MustCompile(`\b--serve\b`),
	regexp.MustCompile(`serve.*--`),
	regexp.MustCompile(`python.*-m.*http\.server`),
	regexp.MustCompile(`python.*-m.*uvicorn`),
	regexp.MustCompile(`python.*-m.*gunicorn`),
	regexp.MustCompile(`-p\s+\d+.*--`),
	regexp.MustCompile(`--port\s+\d+`),
	regexp.MustCompile(`tail\s+-f`),
	regexp.MustCompile(`watch\s+`),
}

// ShouldTrack reports whether a command line starts a long-running
// process worth supervising. Pure and deterministic.
func ShouldTrack(line string) bool {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 3 {
		return false
	}

	for _, prefix := range longRunningPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}

	for _, prefix := range watchablePrefixes {
		if strings.HasPrefix(trimmed, prefix) && watchFlagPattern.MatchString(trimmed) {
			return true
		}
	}

	for _, pattern := range genericLongRunningPatterns {
		if pattern.MatchString(trimmed) {
			return true
		}
	}
	return false
}

// IsDevelopmentServer reports whether the line starts a development
// server. Dev servers get auto-restart in the supervisor.
func IsDevelopmentServer(line string) bool {
	trimmed := strings.TrimSpace(line)
	for _, prefix := range devServerPrefixes {
		if strings.HasPrefix(trimmed, prefix) {
			return true
		}
	}
	return false
}

// Parsed holds a command line split into the executable token and its
// arguments.
type Parsed struct {
	Command string
	Args    []string
}

// Parse splits a line on whitespace, collapsing runs of spaces. The
// first token is the command, the rest are args.
func Parse(line string) Parsed {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Parsed{}
	}
	return Parsed{Command: fields[0], Args: fields[1:]}
}
