package logring

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"
)

func newTestLogger(buf *Buffer, minLevel slog.Level) (*slog.Logger, *bytes.Buffer) {
	var out bytes.Buffer
	base := slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewTeeHandler(base, minLevel, buf.Callback())), &out
}

func TestTeeCapturesAtOrAboveThreshold(t *testing.T) {
	buf := NewBuffer(10)
	logger, out := newTestLogger(buf, slog.LevelWarn)

	logger.Debug("debug line")
	logger.Info("info line")
	logger.Warn("warn line")
	logger.Error("error line")

	got := buf.Recent()
	if len(got) != 2 {
		t.Fatalf("captured = %d entries, want 2", len(got))
	}
	if got[0].Message != "warn line" || got[0].Level != slog.LevelWarn {
		t.Fatalf("first entry = %+v", got[0])
	}
	if got[1].Message != "error line" || got[1].Level != slog.LevelError {
		t.Fatalf("second entry = %+v", got[1])
	}

	// Every record still reaches the base handler.
	for _, msg := range []string{"debug line", "info line", "warn line", "error line"} {
		if !bytes.Contains(out.Bytes(), []byte(msg)) {
			t.Fatalf("base handler missing %q", msg)
		}
	}
}

func TestBufferEvictsOldest(t *testing.T) {
	buf := NewBuffer(3)
	for i, msg := range []string{"a", "b", "c", "d", "e"} {
		buf.Add(Entry{Time: time.Unix(int64(i), 0), Level: slog.LevelWarn, Message: msg})
	}

	got := buf.Recent()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Message != "c" || got[2].Message != "e" {
		t.Fatalf("window = %q..%q, want c..e", got[0].Message, got[2].Message)
	}
}

func TestWithGroupAccumulatesSource(t *testing.T) {
	buf := NewBuffer(10)
	logger, _ := newTestLogger(buf, slog.LevelInfo)

	logger.WithGroup("mux").WithGroup("attach").Info("joined")

	got := buf.Recent()
	if len(got) != 1 {
		t.Fatalf("captured = %d entries, want 1", len(got))
	}
	if got[0].Source != "mux.attach" {
		t.Fatalf("source = %q, want mux.attach", got[0].Source)
	}
}

func TestWithAttrsPreservesCapture(t *testing.T) {
	buf := NewBuffer(10)
	logger, out := newTestLogger(buf, slog.LevelWarn)

	logger.With("sessionId", "s1").Warn("attr line")

	if buf.Len() != 1 {
		t.Fatalf("captured = %d, want 1", buf.Len())
	}
	if !bytes.Contains(out.Bytes(), []byte("sessionId=s1")) {
		t.Fatal("base handler lost attrs")
	}
}

func TestCallbackPanicDoesNotBreakLogging(t *testing.T) {
	var out bytes.Buffer
	base := slog.NewTextHandler(&out, nil)
	h := NewTeeHandler(base, slog.LevelInfo, func(time.Time, slog.Level, string, string) {
		panic("boom")
	})
	logger := slog.New(h)

	logger.Info("survives")
	if !bytes.Contains(out.Bytes(), []byte("survives")) {
		t.Fatal("record lost after callback panic")
	}
}

func TestNilCallbackDelegates(t *testing.T) {
	var out bytes.Buffer
	base := slog.NewTextHandler(&out, nil)
	logger := slog.New(NewTeeHandler(base, slog.LevelInfo, nil))

	logger.Info("plain")
	if !bytes.Contains(out.Bytes(), []byte("plain")) {
		t.Fatal("record lost with nil callback")
	}
}

func TestEnabledDelegatesToBase(t *testing.T) {
	base := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	h := NewTeeHandler(base, slog.LevelInfo, nil)

	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("debug should be disabled by the base handler")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("error should be enabled")
	}
}
