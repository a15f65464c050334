package wsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"webmux/internal/metrics"
)

// writeDeadline bounds a single WebSocket write. A client that cannot
// accept a frame within 5s is considered dead.
const writeDeadline = 5 * time.Second

// readDeadline is the maximum time the server waits for any read
// activity (including pong responses) before considering the
// connection dead. 90 seconds allows ~3 missed pings.
const readDeadline = 90 * time.Second

// pingInterval is the interval between server-initiated pings.
const pingInterval = 30 * time.Second

// maxReadMessageSize limits incoming message size. Client requests are
// small JSON envelopes; 32 KiB leaves ample room for pasted input.
const maxReadMessageSize = 32 * 1024

// sendQueueSize is the per-socket outbound buffer. When a slow client
// falls this many frames behind, further frames are dropped; the
// client catches up from scrollback on reattach.
const sendQueueSize = 256

var wsUpgrader = websocket.Upgrader{
	// The server fronts a single tenant; cross-origin policy is the
	// reverse proxy's concern.
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
}

// Handler receives socket lifecycle and inbound events. Calls for one
// socket arrive sequentially; calls for different sockets may be
// concurrent.
type Handler interface {
	HandleConnect(socketID string)
	HandleMessage(socketID string, msg Message)
	HandleDisconnect(socketID string)
}

// HubOptions configures the WebSocket server.
type HubOptions struct {
	// Addr is the listen address. "127.0.0.1:0" picks a free port.
	Addr string

	// Register, when set, is called with the hub's ServeMux before
	// serving so the host application can mount extra endpoints
	// (health, metrics) on the same listener.
	Register func(mux *http.ServeMux)
}

// Hub accepts WebSocket clients and fans events out to them. Each
// socket gets a writer goroutine draining a bounded queue, so a slow
// client never blocks a broadcast.
//
// Lock ordering: mu guards sockets and rooms; each socket's queue is
// written under mu-free sends (the channel is the synchronization).
type Hub struct {
	opts    HubOptions
	handler Handler

	mu      sync.RWMutex
	sockets map[string]*socket
	rooms   map[string]map[string]struct{} // room -> socketIDs

	listener net.Listener
	server   *http.Server
	url      string

	closeOnce sync.Once
}

// socket is one connected client.
type socket struct {
	id    string
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	once  sync.Once
	rooms map[string]struct{}
}

// NewHub creates a Hub delivering inbound events to handler. The hub
// is not started until Start is called.
func NewHub(opts HubOptions, handler Handler) *Hub {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	return &Hub{
		opts:    opts,
		handler: handler,
		sockets: make(map[string]*socket),
		rooms:   make(map[string]map[string]struct{}),
	}
}

// Start begins listening and serving WebSocket connections on /ws.
// The context cancels active request handlers; the server itself is
// stopped via Stop.
func (h *Hub) Start(ctx context.Context) error {
	if h.server != nil {
		return fmt.Errorf("wsserver: already started")
	}

	ln, err := net.Listen("tcp", h.opts.Addr)
	if err != nil {
		return fmt.Errorf("wsserver: listen: %w", err)
	}
	h.listener = ln

	h.url = fmt.Sprintf("ws://%s/ws", ln.Addr().String())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	if h.opts.Register != nil {
		h.opts.Register(mux)
	}

	h.server = &http.Server{
		Handler: mux,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if serveErr := h.server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("[DEBUG-WS] server error", "error", serveErr)
		}
	}()

	slog.Info("[DEBUG-WS] server started", "addr", ln.Addr().String())
	return nil
}

// Stop shuts down the HTTP server and closes every socket. Idempotent.
func (h *Hub) Stop() error {
	var stopErr error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		sockets := make([]*socket, 0, len(h.sockets))
		for _, s := range h.sockets {
			sockets = append(sockets, s)
		}
		h.sockets = make(map[string]*socket)
		h.rooms = make(map[string]map[string]struct{})
		h.mu.Unlock()

		for _, s := range sockets {
			s.close()
		}

		if h.server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.server.Shutdown(shutdownCtx); err != nil {
				stopErr = fmt.Errorf("wsserver: shutdown: %w", err)
			}
		}
		slog.Info("[DEBUG-WS] server stopped")
	})
	return stopErr
}

// URL returns the ws:// URL clients connect to, or "" before Start.
func (h *Hub) URL() string {
	return h.url
}

// Emit sends one event to one socket, best-effort. Unknown sockets and
// full queues drop the frame with a debug log.
func (h *Hub) Emit(socketID, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		slog.Warn("[DEBUG-WS] emit encode failed", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	s := h.sockets[socketID]
	h.mu.RUnlock()
	if s == nil {
		slog.Debug("[DEBUG-WS] emit to unknown socket", "socketId", socketID, "event", event)
		return
	}
	s.enqueue(frame, event)
}

// Broadcast sends one event to every socket in a room, best-effort.
func (h *Hub) Broadcast(room, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		slog.Warn("[DEBUG-WS] broadcast encode failed", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*socket, 0, len(members))
	for id := range members {
		if s := h.sockets[id]; s != nil {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(frame, event)
	}
}

// Join adds a socket to a room.
func (h *Hub) Join(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.sockets[socketID]
	if s == nil {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]struct{})
	}
	h.rooms[room][socketID] = struct{}{}
	s.rooms[room] = struct{}{}
}

// Leave removes a socket from a room.
func (h *Hub) Leave(socketID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(socketID, room)
}

// LeaveAll removes a socket from every room it joined.
func (h *Hub) LeaveAll(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.sockets[socketID]
	if s == nil {
		return
	}
	for room := range s.rooms {
		h.leaveLocked(socketID, room)
	}
}

func (h *Hub) leaveLocked(socketID, room string) {
	if members := h.rooms[room]; members != nil {
		delete(members, socketID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if s := h.sockets[socketID]; s != nil {
		delete(s.rooms, room)
	}
}

// ConnectionCount returns the number of live sockets.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

func encodeFrame(event string, payload any) ([]byte, error) {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// handleWS upgrades the request, registers the socket, and runs its
// read pump until disconnect.
func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[DEBUG-WS] upgrade failed", "error", err)
		return
	}

	conn.SetReadLimit(maxReadMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(readDeadline)); err != nil {
		slog.Warn("[DEBUG-WS] SetReadDeadline failed on new connection", "error", err)
		conn.Close()
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	s := &socket{
		id:    uuid.NewString(),
		conn:  conn,
		send:  make(chan []byte, sendQueueSize),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.sockets[s.id] = s
	h.mu.Unlock()
	metrics.ConnectedSockets.Inc()

	slog.Info("[DEBUG-WS] client connected", "socketId", s.id, "remoteAddr", conn.RemoteAddr())

	go s.writeLoop()
	go h.pingLoop(s)

	if h.handler != nil {
		h.handler.HandleConnect(s.id)
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("[DEBUG-PANIC] wsserver handleWS recovered",
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}

		h.mu.Lock()
		delete(h.sockets, s.id)
		for room := range s.rooms {
			h.leaveLocked(s.id, room)
		}
		h.mu.Unlock()
		metrics.ConnectedSockets.Dec()

		s.close()
		if h.handler != nil {
			h.handler.HandleDisconnect(s.id)
		}
		slog.Info("[DEBUG-WS] client disconnected", "socketId", s.id)
	}()

	for {
		msgType, raw, readErr := conn.ReadMessage()
		if readErr != nil {
			if websocket.IsUnexpectedCloseError(readErr, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("[DEBUG-WS] read error", "socketId", s.id, "error", readErr)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg Message
		if jsonErr := json.Unmarshal(raw, &msg); jsonErr != nil {
			slog.Debug("[DEBUG-WS] invalid JSON from client", "socketId", s.id, "error", jsonErr)
			h.Emit(s.id, EventTerminalError, TerminalErrorPayload{Error: "invalid JSON: " + jsonErr.Error()})
			continue
		}
		if h.handler != nil {
			h.handler.HandleMessage(s.id, msg)
		}
	}
}

// pingLoop keeps the connection's liveness check running until the
// socket closes.
func (h *Hub) pingLoop(s *socket) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if err := s.writeControl(websocket.PingMessage); err != nil {
				slog.Debug("[DEBUG-WS] ping failed, connection likely dead",
					"socketId", s.id, "error", err)
				s.close()
				return
			}
		}
	}
}

// enqueue places a frame on the socket's outbound queue, dropping it
// when the queue is full.
func (s *socket) enqueue(frame []byte, event string) {
	select {
	case s.send <- frame:
	case <-s.done:
	default:
		metrics.SocketSendDrops.Inc()
		slog.Debug("[DEBUG-WS] send queue full, dropping frame",
			"socketId", s.id, "event", event)
	}
}

// writeLoop is the only goroutine that writes data frames to conn.
func (s *socket) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.send:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				s.close()
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("[DEBUG-WS] write failed, closing socket", "socketId", s.id, "error", err)
				s.close()
				return
			}
		}
	}
}

// writeControl sends a ping. Control frames carry their own deadline
// and may interleave with writeLoop's data frames.
func (s *socket) writeControl(messageType int) error {
	return s.conn.WriteControl(messageType, nil, time.Now().Add(writeDeadline))
}

func (s *socket) close() {
	s.once.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			slog.Debug("[DEBUG-WS] connection close", "socketId", s.id, "error", err)
		}
	})
}
