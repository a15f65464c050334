package session

import (
	"container/heap"
	"context"
	"log/slog"
	"time"

	"webmux/internal/store"
)

// idleEntry is one scheduled idle expiry. Rearming a session pushes a
// new entry with a higher seq; stale entries are discarded lazily when
// they reach the heap top.
type idleEntry struct {
	sessionID string
	deadline  time.Time
	seq       uint64
}

type idleHeap []idleEntry

func (h idleHeap) Len() int            { return len(h) }
func (h idleHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h idleHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *idleHeap) Push(x any)         { *h = append(*h, x.(idleEntry)) }
func (h *idleHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// SetupIdleTimeout schedules termination with reason idle_timeout
// after the given number of minutes, replacing any prior timeout for
// the session.
func (m *Manager) SetupIdleTimeout(id string, minutes int) {
	if minutes <= 0 {
		minutes = DefaultMaxIdleMinutes
	}
	deadline := m.now().Add(time.Duration(minutes) * time.Minute)

	m.mu.Lock()
	m.seq++
	m.latest[id] = m.seq
	heap.Push(&m.idle, idleEntry{sessionID: id, deadline: deadline, seq: m.seq})
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// CancelIdleTimeout drops any scheduled expiry for the session. The
// heap entry is discarded lazily.
func (m *Manager) CancelIdleTimeout(id string) {
	m.mu.Lock()
	delete(m.latest, id)
	m.mu.Unlock()
}

// runIdleLoop waits on the nearest deadline and fires due expiries.
// A single timer serves every session; rearms wake the loop through
// the wake channel.
func (m *Manager) runIdleLoop(ctx context.Context) {
	const idleWait = time.Hour

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		next := m.expireDue(m.now())
		wait := idleWait
		if !next.IsZero() {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-timer.C:
		}
	}
}

// expireDue pops every live entry whose deadline has passed and
// terminates the corresponding sessions. Returns the deadline of the
// next live entry, or the zero time when the heap is empty.
func (m *Manager) expireDue(now time.Time) time.Time {
	var due []string
	var next time.Time

	m.mu.Lock()
	for len(m.idle) > 0 {
		head := m.idle[0]
		if m.latest[head.sessionID] != head.seq {
			heap.Pop(&m.idle)
			continue
		}
		if head.deadline.After(now) {
			next = head.deadline
			break
		}
		heap.Pop(&m.idle)
		delete(m.latest, head.sessionID)
		due = append(due, head.sessionID)
	}
	m.mu.Unlock()

	for _, id := range due {
		m.expireSession(id)
	}
	return next
}

// expireSession terminates one idle session, honoring the autoCleanup
// flag at fire time.
func (m *Manager) expireSession(id string) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		if err != store.ErrNotFound {
			slog.Debug("[DEBUG-SESSION] idle expiry lookup failed", "sessionId", id, "error", err)
		}
		return
	}
	if sess.Status == store.SessionTerminated {
		return
	}
	if !sess.AutoCleanup {
		slog.Debug("[DEBUG-SESSION] idle expiry skipped, auto cleanup disabled", "sessionId", id)
		return
	}
	if err := m.TerminateSession(id, ReasonIdleTimeout); err != nil {
		slog.Warn("[WARN-SESSION] idle termination failed", "sessionId", id, "error", err)
	}
}
