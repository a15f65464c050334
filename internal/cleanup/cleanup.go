// Package cleanup is the retention coordinator: four independent
// periodic jobs that evict expired auth rows, dead session rows, and
// dead process rows from the store.
package cleanup

import (
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"webmux/internal/metrics"
	"webmux/internal/store"
)

// Job intervals and retention windows.
const (
	csrfInterval      = 5 * time.Minute
	rateLimitInterval = 10 * time.Minute
	sessionInterval   = 60 * time.Minute
	processInterval   = 30 * time.Minute

	sessionRetention = 7 * 24 * time.Hour
	processRetention = 7 * 24 * time.Hour

	// initialRunDelay is how soon after Start each job runs for the
	// first time, ahead of its regular interval.
	initialRunDelay = time.Second
)

// Store is the eviction surface the coordinator drives.
type Store interface {
	DeleteExpiredCSRFTokens(now time.Time) (int64, error)
	DeleteExpiredRateLimits(now time.Time) (int64, error)
	DeleteExpiredSessions(cutoff time.Time) (int64, error)
	DeleteDeadProcesses(cutoff time.Time) (int64, error)
}

// job is one periodic eviction task.
type job struct {
	name     string
	interval time.Duration
	run      func(now time.Time) (int64, error)
}

// JobStatus reports one job for diagnostics.
type JobStatus struct {
	Name      string     `json:"name"`
	Interval  string     `json:"interval"`
	Active    bool       `json:"active"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	LastCount int64      `json:"lastCount"`
	LastError string     `json:"lastError,omitempty"`
}

// Coordinator schedules the jobs. Start and Stop are idempotent; Stop
// cancels every timer and is safe to call repeatedly.
type Coordinator struct {
	store Store
	now   func() time.Time

	initialDelay time.Duration

	mu       sync.Mutex
	cron     *cron.Cron
	initial  []*time.Timer
	statuses map[string]*JobStatus
	started  bool
}

// New builds a Coordinator over the store.
func New(s Store) *Coordinator {
	return &Coordinator{
		store:        s,
		now:          time.Now,
		initialDelay: initialRunDelay,
		statuses:     make(map[string]*JobStatus),
	}
}

func (c *Coordinator) jobs() []job {
	return []job{
		{"csrf-tokens", csrfInterval, func(now time.Time) (int64, error) {
			return c.store.DeleteExpiredCSRFTokens(now)
		}},
		{"rate-limits", rateLimitInterval, func(now time.Time) (int64, error) {
			return c.store.DeleteExpiredRateLimits(now)
		}},
		{"sessions", sessionInterval, func(now time.Time) (int64, error) {
			return c.store.DeleteExpiredSessions(now.Add(-sessionRetention))
		}},
		{"processes", processInterval, func(now time.Time) (int64, error) {
			return c.store.DeleteDeadProcesses(now.Add(-processRetention))
		}},
	}
}

// Start schedules every job: one immediate run shortly after start,
// then the regular interval.
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return
	}
	c.started = true
	c.cron = cron.New()

	for _, j := range c.jobs() {
		j := j
		c.statuses[j.name] = &JobStatus{
			Name:     j.name,
			Interval: j.interval.String(),
			Active:   true,
		}
		if _, err := c.cron.AddFunc("@every "+j.interval.String(), func() { c.runJob(j) }); err != nil {
			slog.Error("[ERROR-CLEANUP] schedule job failed", "job", j.name, "error", err)
			c.statuses[j.name].Active = false
			continue
		}
		c.initial = append(c.initial, time.AfterFunc(c.initialDelay, func() { c.runJob(j) }))
	}

	c.cron.Start()
	slog.Info("[INFO-CLEANUP] cleanup jobs scheduled", "jobs", len(c.statuses))
}

// Stop cancels every job. Safe to call repeatedly.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return
	}
	c.started = false

	for _, t := range c.initial {
		t.Stop()
	}
	c.initial = nil
	c.cron.Stop()
	for _, st := range c.statuses {
		st.Active = false
	}
	slog.Info("[INFO-CLEANUP] cleanup jobs stopped")
}

// runJob executes one job. Errors are logged and recorded; the
// scheduler keeps running.
func (c *Coordinator) runJob(j job) {
	now := c.now()
	n, err := j.run(now)

	c.mu.Lock()
	st := c.statuses[j.name]
	if st != nil {
		ran := now
		st.LastRun = &ran
		st.LastCount = n
		st.LastError = ""
		if err != nil {
			st.LastError = err.Error()
		}
	}
	c.mu.Unlock()

	if err != nil {
		slog.Warn("[WARN-CLEANUP] cleanup job failed", "job", j.name, "error", err)
		return
	}
	metrics.RecordCleanup(j.name, n)
	if n > 0 {
		slog.Info("[INFO-CLEANUP] cleanup job evicted rows", "job", j.name, "count", n)
	}
}

// GetStatus reports every job's schedule state and last outcome.
func (c *Coordinator) GetStatus() []JobStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]JobStatus, 0, len(c.statuses))
	for _, j := range c.jobs() {
		if st := c.statuses[j.name]; st != nil {
			out = append(out, *st)
		} else {
			out = append(out, JobStatus{Name: j.name, Interval: j.interval.String()})
		}
	}
	return out
}

var _ Store = (*store.Store)(nil)
