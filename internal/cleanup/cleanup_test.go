package cleanup

import (
	"errors"
	"sync"
	"testing"
	"time"

	"webmux/internal/store"
)

func seedStore(t *testing.T) (*store.Store, time.Time) {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	now := time.Now()

	if err := s.InsertCSRFToken(&store.CSRFToken{Token: "expired", UserID: "u1", ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("InsertCSRFToken: %v", err)
	}
	if err := s.InsertCSRFToken(&store.CSRFToken{Token: "valid", UserID: "u1", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("InsertCSRFToken: %v", err)
	}

	if err := s.InsertRateLimitRecord(&store.RateLimitRecord{ClientIP: "10.0.0.1", KeyPrefix: "api", RequestTime: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("InsertRateLimitRecord: %v", err)
	}

	ended := now.Add(-8 * 24 * time.Hour)
	sess := &store.Session{
		ID: "old-terminated", WorkspaceID: "ws1", RecoveryToken: "t1",
		Name: "Terminal", Type: "terminal", Status: store.SessionTerminated,
		CreatedAt: ended.Add(-time.Hour), LastActivityAt: ended, EndedAt: &ended,
	}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	fresh := &store.Session{
		ID: "fresh-paused", WorkspaceID: "ws1", RecoveryToken: "t2",
		Name: "Terminal", Type: "terminal", Status: store.SessionPaused,
		CreatedAt: now.Add(-time.Hour), LastActivityAt: now,
	}
	if err := s.CreateSession(fresh); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := s.CreateProcess(&store.UserProcess{
		ID: "old-crashed", PID: 1, Command: "x", Status: store.ProcessCrashed,
		StartedAt: ended, LastSeen: ended, EndedAt: &ended,
	}); err != nil {
		t.Fatalf("CreateProcess: %v", err)
	}

	return s, now
}

func TestJobsEvictExpiredRows(t *testing.T) {
	s, now := seedStore(t)
	c := New(s)
	c.now = func() time.Time { return now }

	for _, j := range c.jobs() {
		c.runJob(j)
	}

	if n, err := s.DeleteExpiredCSRFTokens(now); err != nil || n != 0 {
		t.Fatalf("csrf rows left = %d (err %v), want 0", n, err)
	}
	if n, err := s.DeleteExpiredRateLimits(now); err != nil || n != 0 {
		t.Fatalf("rate limit rows left = %d (err %v), want 0", n, err)
	}
	if _, err := s.GetSession("old-terminated"); err != store.ErrNotFound {
		t.Fatalf("old session: err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSession("fresh-paused"); err != nil {
		t.Fatalf("fresh session deleted: %v", err)
	}
	if _, err := s.GetProcess("old-crashed"); err != store.ErrNotFound {
		t.Fatalf("old process: err = %v, want ErrNotFound", err)
	}
}

func TestStartRunsJobsImmediately(t *testing.T) {
	s, _ := seedStore(t)
	c := New(s)
	c.initialDelay = 5 * time.Millisecond
	c.Start()
	defer c.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := s.GetSession("old-terminated"); err == store.ErrNotFound {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("immediate run never evicted the stale session")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStatusTracksRuns(t *testing.T) {
	s, now := seedStore(t)
	c := New(s)
	c.now = func() time.Time { return now }
	c.Start()

	status := c.GetStatus()
	if len(status) != 4 {
		t.Fatalf("jobs = %d, want 4", len(status))
	}
	for _, st := range status {
		if !st.Active {
			t.Fatalf("job %s not active after Start", st.Name)
		}
	}

	for _, j := range c.jobs() {
		c.runJob(j)
	}
	for _, st := range c.GetStatus() {
		if st.LastRun == nil {
			t.Fatalf("job %s never recorded a run", st.Name)
		}
		if st.LastError != "" {
			t.Fatalf("job %s error = %q", st.Name, st.LastError)
		}
	}

	c.Stop()
	for _, st := range c.GetStatus() {
		if st.Active {
			t.Fatalf("job %s still active after Stop", st.Name)
		}
	}
}

func TestStopIsIdempotent(t *testing.T) {
	s, _ := seedStore(t)
	c := New(s)
	c.Start()
	c.Stop()
	c.Stop()
	c.Start()
	c.Stop()
}

// failingStore always errors; the scheduler must survive it.
type failingStore struct {
	mu    sync.Mutex
	calls int
}

func (f *failingStore) bump() (int64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return 0, errors.New("disk on fire")
}

func (f *failingStore) DeleteExpiredCSRFTokens(time.Time) (int64, error) { return f.bump() }
func (f *failingStore) DeleteExpiredRateLimits(time.Time) (int64, error) { return f.bump() }
func (f *failingStore) DeleteExpiredSessions(time.Time) (int64, error)   { return f.bump() }
func (f *failingStore) DeleteDeadProcesses(time.Time) (int64, error)     { return f.bump() }

func TestJobErrorsAreRecordedNotFatal(t *testing.T) {
	f := &failingStore{}
	c := New(f)
	c.initialDelay = time.Hour // keep scheduled runs out of the way
	c.Start()
	defer c.Stop()

	for _, j := range c.jobs() {
		c.runJob(j)
		c.runJob(j) // a failed run must not unschedule the job
	}

	f.mu.Lock()
	calls := f.calls
	f.mu.Unlock()
	if calls != 8 {
		t.Fatalf("store calls = %d, want 8", calls)
	}

	for _, st := range c.GetStatus() {
		if st.LastError == "" {
			t.Fatalf("job %s lost its error", st.Name)
		}
	}
}
