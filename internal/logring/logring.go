// Package logring keeps a bounded in-memory window of recent log
// records for the diagnostics endpoint. A TeeHandler wraps the
// process's base slog handler and tees warnings and errors into a
// ring buffer without affecting normal log output.
package logring

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"webmux/internal/ringbuf"
)

// DefaultCapacity is the number of records the buffer retains.
const DefaultCapacity = 500

// Entry is one captured log record.
type Entry struct {
	Time    time.Time  `json:"time"`
	Level   slog.Level `json:"level"`
	Message string     `json:"message"`
	Source  string     `json:"source,omitempty"` // accumulated slog group
}

// Buffer retains the most recent captured entries.
type Buffer struct {
	ring *ringbuf.Ring[Entry]
}

// NewBuffer creates a Buffer holding up to capacity entries.
// capacity <= 0 uses DefaultCapacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	r, err := ringbuf.New[Entry](capacity)
	if err != nil {
		// Unreachable: capacity is clamped above.
		panic(err)
	}
	return &Buffer{ring: r}
}

// Add records one entry, evicting the oldest when full.
func (b *Buffer) Add(e Entry) {
	b.ring.Push(e)
}

// Recent returns the buffered entries, oldest first.
func (b *Buffer) Recent() []Entry {
	return b.ring.GetAll()
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	return b.ring.Len()
}

// Callback adapts the buffer to a TeeHandler callback.
func (b *Buffer) Callback() EntryCallback {
	return func(ts time.Time, level slog.Level, msg string, group string) {
		b.Add(Entry{Time: ts, Level: level, Message: msg, Source: group})
	}
}

// EntryCallback is invoked for each record at or above the capture
// threshold. group is the accumulated dot-separated slog group name,
// or empty.
type EntryCallback func(ts time.Time, level slog.Level, msg string, group string)

// TeeHandler wraps a base slog.Handler and tees records at or above
// minLevel to a callback. All records are forwarded to the base
// handler regardless of level; only the callback is gated by minLevel.
type TeeHandler struct {
	base     slog.Handler
	callback EntryCallback
	minLevel slog.Level
	group    string
}

// NewTeeHandler creates a TeeHandler that delegates to base and
// invokes callback for every record whose level is >= minLevel. A nil
// callback is safe; the handler simply delegates.
func NewTeeHandler(base slog.Handler, minLevel slog.Level, callback EntryCallback) *TeeHandler {
	return &TeeHandler{
		base:     base,
		callback: callback,
		minLevel: minLevel,
	}
}

// Enabled reports whether the base handler is enabled for the level.
// The capture threshold does not affect visibility.
func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle forwards the record to the base handler, then conditionally
// invokes the callback. The callback runs regardless of base handler
// error: capture should not depend on base handler success.
func (h *TeeHandler) Handle(ctx context.Context, record slog.Record) error {
	err := h.base.Handle(ctx, record)

	if h.callback != nil && record.Level >= h.minLevel {
		func() {
			defer func() {
				if r := recover(); r != nil {
					// Stderr, not slog: a recursive TeeHandler
					// invocation here could loop.
					fmt.Fprintf(os.Stderr, "[logring] callback panicked: %v\n%s\n", r, debug.Stack())
				}
			}()
			h.callback(record.Time, record.Level, record.Message, h.group)
		}()
	}

	return err
}

// WithAttrs returns a TeeHandler whose base handler has the given
// attributes applied. Callback, threshold, and group are preserved.
func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return &TeeHandler{
		base:     h.base.WithAttrs(attrs),
		callback: h.callback,
		minLevel: h.minLevel,
		group:    h.group,
	}
}

// WithGroup returns a TeeHandler whose base handler is wrapped with
// the group name, appended to the accumulated group string.
func (h *TeeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &TeeHandler{
		base:     h.base.WithGroup(name),
		callback: h.callback,
		minLevel: h.minLevel,
		group:    newGroup,
	}
}
