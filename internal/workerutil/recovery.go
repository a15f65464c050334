// Package workerutil runs long-lived background goroutines with panic
// recovery and bounded restart. Every background loop in the server
// (idle timers, PTY sweeps, process monitors) goes through
// RunWithPanicRecovery so a panic in one worker never takes the
// process down and never spins the CPU retrying.
package workerutil

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Restart policy defaults. The backoff doubles per attempt, so ten
// retries from 100ms capped at 5s span roughly half a minute before
// the worker is declared dead.
const (
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultMaxRetries     = 10
)

// RecoveryOptions tunes the restart policy. The zero value is the
// normal configuration: defaults for the numeric fields, no callbacks.
// MaxRetries of 1 means run once with no restart.
type RecoveryOptions struct {
	// InitialBackoff is the delay before the first restart. Zero or
	// negative selects the default.
	InitialBackoff time.Duration

	// MaxBackoff caps the doubling backoff. Zero or negative selects
	// the default; a cap below InitialBackoff is raised to it.
	MaxBackoff time.Duration

	// MaxRetries bounds total restart attempts. Zero or negative
	// selects the default.
	MaxRetries int

	// OnPanic is called after each recovered panic, before the backoff
	// wait. attempt is 1-based. May be nil.
	OnPanic func(worker string, attempt int)

	// OnFatal is called once when the retry budget is exhausted and the
	// worker stops for good. May be nil.
	OnFatal func(worker string, maxRetries int)

	// IsShutdown, when it reports true after a panic, suppresses the
	// restart: teardown is in progress and the worker's collaborators
	// may already be gone. May be nil.
	IsShutdown func() bool
}

// normalized returns a copy of opts with out-of-range fields replaced.
func (opts RecoveryOptions) normalized() RecoveryOptions {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		slog.Warn("[WARN-WORKER] MaxBackoff below InitialBackoff, raising",
			"initialBackoff", opts.InitialBackoff, "maxBackoff", opts.MaxBackoff)
		opts.MaxBackoff = opts.InitialBackoff
	}
	return opts
}

// RunWithPanicRecovery launches fn on a tracked goroutine. A panic is
// logged with its stack and fn is restarted after a doubling backoff,
// up to opts.MaxRetries attempts. fn exiting normally, or the context
// being cancelled, ends the worker. The goroutine registers with wg
// before this function returns, so wg.Wait cannot race a late start.
func RunWithPanicRecovery(
	ctx context.Context,
	name string,
	wg *sync.WaitGroup,
	fn func(ctx context.Context),
	opts RecoveryOptions,
) {
	opts = opts.normalized()
	wg.Go(func() {
		supervise(ctx, name, fn, opts)
	})
}

// supervise is the restart loop.
func supervise(ctx context.Context, name string, fn func(ctx context.Context), opts RecoveryOptions) {
	delay := opts.InitialBackoff

	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		panicked := false
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("[DEBUG-PANIC] worker panicked",
						"worker", name, "panic", r, "stack", string(debug.Stack()))
					panicked = true
				}
			}()
			fn(ctx)
		}()

		if !panicked || ctx.Err() != nil {
			return
		}
		// During teardown a restart would only panic again against
		// half-stopped collaborators; OnPanic is skipped for the same
		// reason. The panic itself is already logged above.
		if opts.IsShutdown != nil && opts.IsShutdown() {
			slog.Info("[DEBUG-PANIC] shutdown in progress, not restarting worker", "worker", name)
			return
		}

		slog.Warn("[DEBUG-PANIC] restarting worker",
			"worker", name, "delay", delay, "attempt", attempt+1)
		if opts.OnPanic != nil {
			opts.OnPanic(name, attempt+1)
		}

		// The last attempt has no restart to wait for.
		if attempt == opts.MaxRetries-1 {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay = nextBackoff(delay, opts.MaxBackoff)
	}

	slog.Error("[DEBUG-PANIC] worker retry budget exhausted",
		"worker", name, "maxRetries", opts.MaxRetries)
	if opts.OnFatal != nil {
		opts.OnFatal(name, opts.MaxRetries)
	}
}

// nextBackoff doubles the delay up to cap. Doubling a huge duration
// can wrap negative; that also resolves to the cap.
func nextBackoff(current, cap time.Duration) time.Duration {
	if current <= 0 {
		return defaultInitialBackoff
	}
	next := current * 2
	if next < current || next > cap {
		return cap
	}
	return next
}
