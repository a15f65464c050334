// Package history keeps per-session scrollback: an in-memory ring of
// recent output chunks fronted over an append-only disk log, so a
// reattaching client can replay output from a prior run.
package history

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"webmux/internal/ringbuf"
)

const (
	// RingCapacity bounds in-memory scrollback per session.
	RingCapacity = 2000

	// appendQueueSize bounds the disk-append backlog. When the queue is
	// full the chunk is dropped from the disk log (the ring still has it);
	// the PTY data path must never block on disk.
	appendQueueSize = 256
)

// op is a queued disk operation. Exactly one of data/clear is set.
type op struct {
	data  []byte
	clear bool
}

// Log is one session's scrollback. Write is non-blocking with respect to
// disk; readers may observe the disk log lagging the ring by a bounded
// number of chunks.
type Log struct {
	path string
	ring *ringbuf.Ring[[]byte]

	ops       chan op
	wg        sync.WaitGroup
	closeOnce sync.Once

	now func() time.Time
}

// Open restores a session's scrollback log from dir and starts the disk
// appender. The directory is created if absent. Malformed lines in an
// existing log are skipped silently; only the tail RingCapacity entries
// are kept in memory.
func Open(dir, workspaceID, sessionID string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("history: mkdir %s: %w", dir, err)
	}

	ring, err := ringbuf.New[[]byte](RingCapacity)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	l := &Log{
		path: filepath.Join(dir, workspaceID+"_"+sessionID+".log"),
		ring: ring,
		ops:  make(chan op, appendQueueSize),
		now:  time.Now,
	}
	if err := l.restore(); err != nil {
		return nil, err
	}

	l.wg.Add(1)
	go l.appendLoop()
	return l, nil
}

// restore reads the existing log file into the ring. A missing file is
// not an error; decode failures skip the line.
func (l *Log) restore() error {
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("history: open %s: %w", l.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// Single chunks can exceed the default 64KB token limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		payload, ok := decodeLine(scanner.Text())
		if !ok {
			continue
		}
		l.ring.Push(payload)
	}
	if err := scanner.Err(); err != nil {
		// A torn tail write is recoverable: keep whatever parsed.
		slog.Warn("[WARN-HISTORY] log scan stopped early", "path", l.path, "error", err)
	}
	return nil
}

// decodeLine parses one "millis|base64(payload)" line.
func decodeLine(line string) ([]byte, bool) {
	millis, encoded, found := strings.Cut(line, "|")
	if !found || millis == "" {
		return nil, false
	}
	if _, err := strconv.ParseInt(millis, 10, 64); err != nil {
		return nil, false
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	return payload, true
}

// Write records an output chunk. The ring is updated synchronously; the
// disk append is queued best-effort and dropped with a log when the
// queue is full.
func (l *Log) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	chunk := make([]byte, len(data))
	copy(chunk, data)
	l.ring.Push(chunk)

	select {
	case l.ops <- op{data: chunk}:
	default:
		slog.Debug("[DEBUG-HISTORY] disk append queue full, dropping chunk", "path", l.path, "bytes", len(chunk))
	}
}

// Recent returns the ring contents in insertion order, oldest first.
func (l *Log) Recent() [][]byte {
	return l.ring.GetAll()
}

// Clear empties the ring and unlinks the disk log. The unlink is queued
// behind pending appends so ordering on disk matches the ring.
func (l *Log) Clear() error {
	l.ring.Clear()
	select {
	case l.ops <- op{clear: true}:
	default:
		// Queue is saturated with appends that are about to be deleted
		// anyway; unlink inline.
		l.unlink()
	}
	return nil
}

// Close stops the appender after draining queued writes.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		close(l.ops)
	})
	l.wg.Wait()
	return nil
}

// appendLoop drains queued ops to disk. Failures are logged and dropped;
// they never propagate to the PTY data path.
func (l *Log) appendLoop() {
	defer l.wg.Done()
	for o := range l.ops {
		if o.clear {
			l.unlink()
			continue
		}
		if err := l.appendChunk(o.data); err != nil {
			slog.Warn("[WARN-HISTORY] disk append failed", "path", l.path, "error", err)
		}
	}
}

func (l *Log) appendChunk(data []byte) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := strconv.FormatInt(l.now().UnixMilli(), 10) + "|" + base64.StdEncoding.EncodeToString(data) + "\n"
	_, err = f.WriteString(line)
	return err
}

func (l *Log) unlink() {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("[WARN-HISTORY] failed to remove log", "path", l.path, "error", err)
	}
}
