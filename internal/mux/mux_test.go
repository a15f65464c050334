package mux

import (
	"context"
	"sync"
	"testing"
	"time"

	"webmux/internal/layout"
	"webmux/internal/session"
	"webmux/internal/store"
	"webmux/internal/workspace"
	"webmux/internal/wsserver"
)

// fakePty is a scriptable PTY: tests feed output through the output
// channel and inspect writes.
type fakePty struct {
	mu     sync.Mutex
	writes [][]byte
	cols   int
	rows   int
	pid    int
	closed bool
	output chan []byte
	once   sync.Once
}

func newFakePty(pid int) *fakePty {
	return &fakePty{pid: pid, output: make(chan []byte, 16)}
}

func (p *fakePty) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	p.writes = append(p.writes, cp)
	return len(data), nil
}

func (p *fakePty) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	return nil
}

func (p *fakePty) ReadLoop(onData func([]byte)) {
	for chunk := range p.output {
		onData(chunk)
	}
}

func (p *fakePty) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.output)
	})
	return nil
}

func (p *fakePty) PID() int { return p.pid }

func (p *fakePty) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePty) written() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []byte
	for _, w := range p.writes {
		out = append(out, w...)
	}
	return out
}

// fakeHistory is an in-memory History that tests can pre-seed.
type fakeHistory struct {
	mu     sync.Mutex
	chunks [][]byte
}

func (h *fakeHistory) Write(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chunks = append(h.chunks, data)
}

func (h *fakeHistory) Recent() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.chunks))
	copy(out, h.chunks)
	return out
}

func (h *fakeHistory) Clear() error { h.mu.Lock(); h.chunks = nil; h.mu.Unlock(); return nil }
func (h *fakeHistory) Close() error { return nil }

// sentEvent is one Emit or Broadcast captured by the fake transport.
type sentEvent struct {
	target  string // socketID or room
	room    bool
	event   string
	payload any
}

type fakeTransport struct {
	mu     sync.Mutex
	events []sentEvent
}

func (t *fakeTransport) Emit(socketID, event string, payload any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, sentEvent{target: socketID, event: event, payload: payload})
}

func (t *fakeTransport) Broadcast(room, event string, payload any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, sentEvent{target: room, room: true, event: event, payload: payload})
}

// joinMarker records room membership changes in the ordered event
// stream so tests can assert ordering against emits.
const joinMarker = "room-join"

func (t *fakeTransport) Join(socketID, room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, sentEvent{target: socketID, event: joinMarker, payload: room})
}

func (t *fakeTransport) Leave(socketID, room string) {}

// eventIndex returns the position of the first event for socketID
// matching event, or -1.
func (t *fakeTransport) eventIndex(socketID, event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.events {
		if !e.room && e.target == socketID && e.event == event {
			return i
		}
	}
	return -1
}

func (t *fakeTransport) outputsTo(socketID string) []wsserver.TerminalOutputPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []wsserver.TerminalOutputPayload
	for _, e := range t.events {
		if !e.room && e.target == socketID && e.event == wsserver.EventTerminalOutput {
			out = append(out, e.payload.(wsserver.TerminalOutputPayload))
		}
	}
	return out
}

func (t *fakeTransport) waitForBroadcast(tb *testing.T, event string) sentEvent {
	tb.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		t.mu.Lock()
		for _, e := range t.events {
			if e.room && e.event == event {
				t.mu.Unlock()
				return e
			}
		}
		t.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("timed out waiting for broadcast %q", event)
	return sentEvent{}
}

func (t *fakeTransport) countBroadcasts(event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.events {
		if e.room && e.event == event {
			n++
		}
	}
	return n
}

type fakeSupervisor struct {
	mu    sync.Mutex
	lines []string
}

func (s *fakeSupervisor) TrackCommandLine(line, cwd, sessionID, workspaceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

type staticWorkspaces struct {
	list []*workspace.Workspace
}

func (w *staticWorkspaces) Get(id string) (*workspace.Workspace, error) {
	for _, ws := range w.list {
		if ws.ID == id {
			return ws, nil
		}
	}
	return nil, nil
}

func (w *staticWorkspaces) List() ([]*workspace.Workspace, error) {
	return w.list, nil
}

// testEnv bundles a mux over a real store and session manager with
// scriptable PTYs and histories.
type testEnv struct {
	mux        *Mux
	store      *store.Store
	sessions   *session.Manager
	transport  *fakeTransport
	supervisor *fakeSupervisor

	mu        sync.Mutex
	ptys      []*fakePty
	histories map[string]*fakeHistory
	nextPID   int
}

func newTestEnv(t *testing.T, workspaces ...*workspace.Workspace) *testEnv {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if len(workspaces) == 0 {
		workspaces = []*workspace.Workspace{{ID: "ws1", Name: "ws1", LocalPath: "/srv/ws1"}}
	}

	env := &testEnv{
		store:      s,
		sessions:   session.NewManager(s, s),
		transport:  &fakeTransport{},
		supervisor: &fakeSupervisor{},
		histories:  make(map[string]*fakeHistory),
		nextPID:    1000,
	}

	env.mux = New(Options{
		Transport:  env.transport,
		Sessions:   env.sessions,
		Layouts:    layout.NewEngine(s),
		Workspaces: &staticWorkspaces{list: workspaces},
		Store:      s,
		Supervisor: env.supervisor,
		Spawn: func(dir string, cols, rows int) (Pty, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.nextPID++
			pty := newFakePty(env.nextPID)
			env.ptys = append(env.ptys, pty)
			return pty, nil
		},
		OpenHistory: func(workspaceID, sessionID string) (History, error) {
			env.mu.Lock()
			defer env.mu.Unlock()
			key := workspaceID + "_" + sessionID
			if h := env.histories[key]; h != nil {
				return h, nil
			}
			h := &fakeHistory{}
			env.histories[key] = h
			return h, nil
		},
	})
	// Dead PTYs are under test control.
	env.mux.pidAlive = func(int) bool { return true }
	t.Cleanup(env.mux.Shutdown)
	return env
}

func (env *testEnv) lastPty(t *testing.T) *fakePty {
	t.Helper()
	env.mu.Lock()
	defer env.mu.Unlock()
	if len(env.ptys) == 0 {
		t.Fatal("no pty spawned")
	}
	return env.ptys[len(env.ptys)-1]
}

func TestCreatePtyForSocketCreatesDefaultSession(t *testing.T) {
	env := newTestEnv(t)

	id, outcome, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("CreatePtyForSocket: %v", err)
	}
	if outcome != OutcomeCreated {
		t.Fatalf("outcome = %q, want created", outcome)
	}

	sess, err := env.store.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != store.SessionActive || sess.SocketID != "sock1" {
		t.Fatalf("session = status %q socket %q", sess.Status, sess.SocketID)
	}
	if sess.ShellPID == 0 {
		t.Fatal("shell pid not persisted")
	}

	// Second socket with no session id resumes the default.
	id2, outcome2, err := env.mux.CreatePtyForSocket("sock2", "ws1", "", "")
	if err != nil {
		t.Fatalf("second CreatePtyForSocket: %v", err)
	}
	if outcome2 != OutcomeResumed || id2 != id {
		t.Fatalf("second attach = %q %q, want resumed %q", outcome2, id2, id)
	}
}

func TestReplaySuppressionOnTabSwitch(t *testing.T) {
	env := newTestEnv(t)

	idA, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	// Empty history: no replay frames at all.
	if got := env.transport.outputsTo("sock1"); len(got) != 0 {
		t.Fatalf("unexpected replay on empty history: %+v", got)
	}

	idB, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "session-b", "")
	if err != nil {
		t.Fatalf("create B: %v", err)
	}
	if idB == idA {
		t.Fatal("expected a second session")
	}

	// Seed A's history, then switch back: A was already visited in
	// this workspace attachment, so no replay.
	env.mu.Lock()
	env.histories["ws1_"+idA].chunks = [][]byte{[]byte("old output")}
	env.mu.Unlock()

	if err := env.mux.SwitchSocketToSession("sock1", "ws1", idA); err != nil {
		t.Fatalf("switch back to A: %v", err)
	}
	if got := env.transport.outputsTo("sock1"); len(got) != 0 {
		t.Fatalf("replay should be suppressed on repeat tab switch: %+v", got)
	}
}

func TestWorkspaceSwitchRestoresReplay(t *testing.T) {
	env := newTestEnv(t,
		&workspace.Workspace{ID: "ws1", Name: "ws1", LocalPath: "/srv/ws1"},
		&workspace.Workspace{ID: "ws2", Name: "ws2", LocalPath: "/srv/ws2"},
	)

	idA, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	env.mu.Lock()
	env.histories["ws1_"+idA].chunks = [][]byte{[]byte("hello "), []byte("world")}
	env.mu.Unlock()

	if _, _, err := env.mux.CreatePtyForSocket("sock1", "ws2", "", ""); err != nil {
		t.Fatalf("switch to ws2: %v", err)
	}
	if _, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", ""); err != nil {
		t.Fatalf("return to ws1: %v", err)
	}

	got := env.transport.outputsTo("sock1")
	if len(got) != 3 {
		t.Fatalf("replay frames = %d (%+v), want banner/body/banner", len(got), got)
	}
	if got[1].Data != "hello world" {
		t.Fatalf("replay body = %q, want %q", got[1].Data, "hello world")
	}
	if got[0].SessionID != idA || got[2].SessionID != idA {
		t.Fatalf("replay frames carry wrong session: %+v", got)
	}
}

func TestReplayCompletesBeforeRoomJoin(t *testing.T) {
	env := newTestEnv(t)

	idA, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.mu.Lock()
	env.histories["ws1_"+idA].chunks = [][]byte{[]byte("scrollback")}
	env.mu.Unlock()

	// A second socket resuming the session gets a replay; the room join
	// must come after it, or a live broadcast could land mid-replay.
	if _, _, err := env.mux.CreatePtyForSocket("sock2", "ws1", "", ""); err != nil {
		t.Fatalf("second attach: %v", err)
	}

	joinIdx := env.transport.eventIndex("sock2", joinMarker)
	if joinIdx < 0 {
		t.Fatal("sock2 never joined the workspace room")
	}

	env.transport.mu.Lock()
	defer env.transport.mu.Unlock()
	outputs := 0
	for i, e := range env.transport.events {
		if e.room || e.target != "sock2" || e.event != wsserver.EventTerminalOutput {
			continue
		}
		outputs++
		if i > joinIdx {
			t.Fatalf("replay frame at index %d after room join at %d", i, joinIdx)
		}
	}
	if outputs != 3 {
		t.Fatalf("replay frames = %d, want banner/body/banner", outputs)
	}
}

func TestWriteToPtyRecordsCommandAndTracks(t *testing.T) {
	env := newTestEnv(t)
	id, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("CreatePtyForSocket: %v", err)
	}

	if err := env.mux.WriteToPty("sock1", []byte("npm run dev\r"), ""); err != nil {
		t.Fatalf("WriteToPty: %v", err)
	}

	if got := string(env.lastPty(t).written()); got != "npm run dev\r" {
		t.Fatalf("pty received %q", got)
	}
	sess, err := env.store.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.LastCommand != "npm run dev" {
		t.Fatalf("lastCommand = %q, want %q", sess.LastCommand, "npm run dev")
	}
	if len(sess.ShellHistory) != 1 {
		t.Fatalf("shellHistory = %+v", sess.ShellHistory)
	}

	env.supervisor.mu.Lock()
	defer env.supervisor.mu.Unlock()
	if len(env.supervisor.lines) != 1 || env.supervisor.lines[0] != "npm run dev" {
		t.Fatalf("supervisor lines = %v", env.supervisor.lines)
	}
}

func TestPlainCommandNotHandedToSupervisor(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", ""); err != nil {
		t.Fatalf("CreatePtyForSocket: %v", err)
	}

	if err := env.mux.WriteToPty("sock1", []byte("git status\r"), ""); err != nil {
		t.Fatalf("WriteToPty: %v", err)
	}

	env.supervisor.mu.Lock()
	defer env.supervisor.mu.Unlock()
	if len(env.supervisor.lines) != 0 {
		t.Fatalf("supervisor lines = %v, want none", env.supervisor.lines)
	}
}

func TestOutputFansOutToWorkspaceRoom(t *testing.T) {
	env := newTestEnv(t)
	id, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("CreatePtyForSocket: %v", err)
	}

	env.lastPty(t).output <- []byte("build ok\r\n")

	e := env.transport.waitForBroadcast(t, wsserver.EventTerminalOutput)
	if e.target != "workspace:ws1" {
		t.Fatalf("room = %q, want workspace:ws1", e.target)
	}
	payload := e.payload.(wsserver.TerminalOutputPayload)
	if payload.SessionID != id || payload.Data != "build ok\r\n" {
		t.Fatalf("payload = %+v", payload)
	}

	// The chunk also lands in history.
	env.mu.Lock()
	hist := env.histories["ws1_"+id]
	env.mu.Unlock()
	if got := hist.Recent(); len(got) != 1 || string(got[0]) != "build ok\r\n" {
		t.Fatalf("history = %q", got)
	}
}

func TestDisconnectPausesButKeepsPty(t *testing.T) {
	env := newTestEnv(t)
	id, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("CreatePtyForSocket: %v", err)
	}
	pty := env.lastPty(t)

	env.mux.HandleSocketDisconnect("sock1")

	sess, err := env.store.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != store.SessionPaused || sess.SocketID != "" {
		t.Fatalf("after disconnect: status %q socket %q", sess.Status, sess.SocketID)
	}
	if pty.IsClosed() {
		t.Fatal("pty should survive the disconnect")
	}
}

func TestSecondSocketKeepsSessionActiveOnDisconnect(t *testing.T) {
	env := newTestEnv(t)
	id, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("CreatePtyForSocket: %v", err)
	}
	if _, _, err := env.mux.CreatePtyForSocket("sock2", "ws1", "", ""); err != nil {
		t.Fatalf("second socket: %v", err)
	}

	env.mux.HandleSocketDisconnect("sock1")

	sess, err := env.store.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != store.SessionActive {
		t.Fatalf("status = %q, want active while a socket remains", sess.Status)
	}
}

func TestPtyExitTerminatesSession(t *testing.T) {
	env := newTestEnv(t)
	id, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("CreatePtyForSocket: %v", err)
	}

	env.lastPty(t).Close() // reader drains, shell "exits"

	env.transport.waitForBroadcast(t, wsserver.EventTerminalKilled)

	deadline := time.Now().Add(2 * time.Second)
	for {
		sess, err := env.store.GetSession(id)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		detached := env.mux.GetTerminalInfo("sock1").SessionID == ""
		if sess.Status == store.SessionTerminated && detached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %q detached = %v, want terminated and detached", sess.Status, detached)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCloseSessionPromotesNextDefault(t *testing.T) {
	env := newTestEnv(t)
	first, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "second", "")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	if err := env.mux.CloseSession("ws1", first); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	// Reattach with no explicit session: the promoted default wins.
	id, outcome, err := env.mux.CreatePtyForSocket("sock2", "ws1", "", "")
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if outcome != OutcomeResumed || id != second {
		t.Fatalf("reattach = %q %q, want resumed %q", outcome, id, second)
	}
}

func TestRecoveryByToken(t *testing.T) {
	env := newTestEnv(t)
	id, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("CreatePtyForSocket: %v", err)
	}
	sess, err := env.store.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	token := sess.RecoveryToken

	// Simulate a dropped runtime with a live row: pause the session
	// and forget the in-memory state.
	env.mux.HandleSocketDisconnect("sock1")
	env.mux.mu.Lock()
	env.mux.workspaceSessions = make(map[string]*workspaceRuntime)
	env.mux.mu.Unlock()

	got, outcome, err := env.mux.CreatePtyForSocket("sock2", "ws1", "", token)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if outcome != OutcomeRecovered || got != id {
		t.Fatalf("recover = %q %q, want recovered %q", outcome, got, id)
	}

	recovered, err := env.store.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if recovered.Status != store.SessionActive {
		t.Fatalf("status = %q, want active", recovered.Status)
	}
	if recovered.ShellPID == sess.ShellPID {
		t.Fatal("expected a fresh shell pid after recovery")
	}
}

func TestStartupReconcileBlocksStaleTokenRecovery(t *testing.T) {
	env := newTestEnv(t)

	now := time.Now()
	row := &store.Session{
		ID:             "stale",
		WorkspaceID:    "ws1",
		RecoveryToken:  "stale-token",
		Name:           "Terminal",
		Type:           "terminal",
		Status:         store.SessionActive,
		MaxIdleTimeMin: session.DefaultMaxIdleMinutes,
		AutoCleanup:    true,
		CanRecover:     true,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := env.store.CreateSession(row); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	env.mux.Start(context.Background())

	got, err := env.store.GetSession("stale")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != store.SessionTerminated {
		t.Fatalf("stale row status = %q, want terminated", got.Status)
	}

	// The stale token no longer resolves, so the creation path runs.
	id, outcome, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "stale-token")
	if err != nil {
		t.Fatalf("CreatePtyForSocket: %v", err)
	}
	if outcome != OutcomeCreated || id == "stale" {
		t.Fatalf("outcome = %q id = %q, want a fresh created session", outcome, id)
	}
}

func TestSweepReapsDeadPtys(t *testing.T) {
	env := newTestEnv(t)
	id, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("CreatePtyForSocket: %v", err)
	}

	env.mux.pidAlive = func(int) bool { return false }
	env.mux.sweepDeadSessions()

	sess, err := env.store.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Status != store.SessionTerminated {
		t.Fatalf("status = %q, want terminated after sweep", sess.Status)
	}
}

func TestResizePersistsTerminalSize(t *testing.T) {
	env := newTestEnv(t)
	id, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("CreatePtyForSocket: %v", err)
	}

	if err := env.mux.ResizePty("sock1", 120, 40, ""); err != nil {
		t.Fatalf("ResizePty: %v", err)
	}

	pty := env.lastPty(t)
	pty.mu.Lock()
	cols, rows := pty.cols, pty.rows
	pty.mu.Unlock()
	if cols != 120 || rows != 40 {
		t.Fatalf("pty size = %dx%d", cols, rows)
	}

	sess, err := env.store.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.TerminalSize.Cols != 120 || sess.TerminalSize.Rows != 40 {
		t.Fatalf("persisted size = %+v", sess.TerminalSize)
	}
}

func TestAppendInputHandlesEditing(t *testing.T) {
	rt := &sessionRuntime{}

	if _, done := rt.appendInput([]byte("npm ru")); done {
		t.Fatal("no terminator yet")
	}
	if _, done := rt.appendInput([]byte("x\x7f")); done {
		t.Fatal("no terminator yet")
	}
	line, done := rt.appendInput([]byte("n dev\r"))
	if !done || line != "npm run dev" {
		t.Fatalf("line = %q done = %v", line, done)
	}

	line, done = rt.appendInput([]byte("ls\x1b[A\r"))
	if !done || line != "ls" {
		t.Fatalf("line = %q, want escape sequence stripped", line)
	}
}

func TestGetTerminalInfoListsSessions(t *testing.T) {
	env := newTestEnv(t)
	first, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if _, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "second", ""); err != nil {
		t.Fatalf("create second: %v", err)
	}

	info := env.mux.GetTerminalInfo("sock1")
	if info.WorkspaceID != "ws1" || info.SessionID != "second" {
		t.Fatalf("info = %+v", info)
	}
	if len(info.Sessions) != 2 || info.Sessions[0].SessionID != first {
		t.Fatalf("sessions = %+v", info.Sessions)
	}
	if !info.Sessions[0].IsDefault {
		t.Fatal("first session should be the default")
	}
}

func TestSessionsJoinLayout(t *testing.T) {
	env := newTestEnv(t)
	engine := layout.NewEngine(env.store)

	id, _, err := env.mux.CreatePtyForSocket("sock1", "ws1", "", "")
	if err != nil {
		t.Fatalf("CreatePtyForSocket: %v", err)
	}

	l, err := engine.GetDefaultLayout("ws1")
	if err != nil {
		t.Fatalf("GetDefaultLayout: %v", err)
	}
	cfg, err := layout.DecodeConfiguration(l.Configuration)
	if err != nil {
		t.Fatalf("DecodeConfiguration: %v", err)
	}
	found := false
	for _, pane := range cfg.Panes {
		for _, tab := range pane.Tabs {
			if tab == id {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("session %s not present in layout %s", id, l.ID)
	}

	if err := env.mux.CloseSession("ws1", id); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	l, err = engine.GetDefaultLayout("ws1")
	if err != nil {
		t.Fatalf("GetDefaultLayout: %v", err)
	}
	cfg, err = layout.DecodeConfiguration(l.Configuration)
	if err != nil {
		t.Fatalf("DecodeConfiguration: %v", err)
	}
	for _, pane := range cfg.Panes {
		for _, tab := range pane.Tabs {
			if tab == id {
				t.Fatalf("closed session %s still in layout", id)
			}
		}
	}
}
