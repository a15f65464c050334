package terminal

import (
	"bytes"
	"sync"
	"time"
)

// Coalescing defaults. 16ms tracks a 60Hz repaint; 8KB keeps a frame
// comfortably under typical websocket message limits.
const (
	defaultFlushInterval = 16 * time.Millisecond
	defaultFlushBytes    = 8 * 1024
)

var spoolPool = sync.Pool{
	New: func() any { return &bytes.Buffer{} },
}

// OutputBuffer coalesces PTY output before fan-out so a bursty program
// does not become one socket frame per read(2). Data leaves the buffer
// when it crosses the size limit, when a tick finds it quiet, or when
// it has been held for too long under a steady trickle.
type OutputBuffer struct {
	mu         sync.Mutex
	spool      *bytes.Buffer
	limit      int
	tick       time.Duration
	sink       func([]byte)
	staleAfter time.Duration
	lastWrite  time.Time
	heldSince  time.Time

	flusher   *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
}

// NewOutputBuffer builds a buffer that hands coalesced batches to
// sink. Non-positive interval or maxBytes pick the defaults.
func NewOutputBuffer(interval time.Duration, maxBytes int, sink func([]byte)) *OutputBuffer {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	if maxBytes <= 0 {
		maxBytes = defaultFlushBytes
	}
	if sink == nil {
		sink = func([]byte) {}
	}
	// Under a steady trickle the quiet-period test never fires, so cap
	// how long a batch can be held outright.
	staleAfter := interval * 4
	if staleAfter < 64*time.Millisecond {
		staleAfter = 64 * time.Millisecond
	}
	spool := spoolPool.Get().(*bytes.Buffer)
	spool.Reset()
	return &OutputBuffer{
		spool:      spool,
		limit:      maxBytes,
		tick:       interval,
		sink:       sink,
		staleAfter: staleAfter,
		done:       make(chan struct{}),
	}
}

// Start launches the periodic flush loop. Second calls and calls after
// Stop are no-ops.
func (o *OutputBuffer) Start() {
	o.mu.Lock()
	if o.flusher != nil || o.closed {
		o.mu.Unlock()
		return
	}
	o.flusher = time.NewTicker(o.tick)
	ticker := o.flusher
	o.mu.Unlock()

	go func() {
		for {
			select {
			case <-o.done:
				return
			case <-ticker.C:
				if batch := o.drain(false); batch != nil {
					o.sink(batch)
				}
			}
		}
	}()
}

// Write appends data, flushing inline once the size limit is crossed.
// Writes after Stop are dropped.
func (o *OutputBuffer) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	now := time.Now()
	o.mu.Lock()
	if o.closed || o.spool == nil {
		o.mu.Unlock()
		return
	}
	if o.spool.Len() == 0 {
		o.heldSince = now
	}
	o.lastWrite = now
	o.spool.Write(data)
	full := o.spool.Len() >= o.limit
	o.mu.Unlock()

	if full {
		o.Flush()
	}
}

// Flush emits whatever is held, regardless of age.
func (o *OutputBuffer) Flush() {
	if batch := o.drain(true); batch != nil {
		o.sink(batch)
	}
}

// drain removes and returns the held bytes, or nil when nothing should
// leave yet. Without force, a batch leaves only when it is full, the
// writer has gone quiet for a tick, or it has been held past
// staleAfter.
func (o *OutputBuffer) drain(force bool) []byte {
	now := time.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.spool == nil || o.spool.Len() == 0 {
		return nil
	}
	if !force &&
		o.spool.Len() < o.limit &&
		now.Sub(o.lastWrite) < o.tick &&
		now.Sub(o.heldSince) < o.staleAfter {
		return nil
	}
	batch := append([]byte(nil), o.spool.Bytes()...)
	o.spool.Reset()
	o.heldSince = time.Time{}
	return batch
}

// Stop ends the flush loop, emits any held bytes, and returns the
// spool to the pool. Safe to call more than once.
func (o *OutputBuffer) Stop() {
	o.closeOnce.Do(func() { close(o.done) })

	var remainder []byte
	var spool *bytes.Buffer
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	if o.flusher != nil {
		o.flusher.Stop()
		o.flusher = nil
	}
	if o.spool != nil {
		remainder = append(remainder, o.spool.Bytes()...)
		o.spool.Reset()
		o.heldSince = time.Time{}
		spool = o.spool
		o.spool = nil
	}
	o.mu.Unlock()

	if len(remainder) > 0 {
		o.sink(remainder)
	}
	if spool != nil {
		spoolPool.Put(spool)
	}
}
