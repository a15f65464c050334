package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"webmux/internal/logring"
)

func main() {
	configPath := flag.String("config", "", "config file path (default: XDG config dir)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}

	// Warnings and errors are teed into a ring buffer served by the
	// /diagnostics endpoint.
	logBuf := logring.NewBuffer(logring.DefaultCapacity)
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(logring.NewTeeHandler(base, slog.LevelWarn, logBuf.Callback())))

	app, err := NewApp(*configPath, logBuf)
	if err != nil {
		slog.Error("[ERROR-APP] startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		slog.Error("[ERROR-APP] start failed", "error", err)
		app.Stop()
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("[INFO-APP] shutdown signal received")
	app.Stop()
}
