package audio

import (
	"log/slog"
	"sync"
	"time"
)

// Default accumulation parameters. The flush interval is a tunable, not a
// fixed correct value — anything in the 100 ms to 5 s range is reasonable
// depending on the transport strategy.
const (
	DefaultFlushInterval    = 500 * time.Millisecond
	DefaultMaxChunkBytes    = 64 * 1024
	DefaultMaxPendingFrames = 200

	// chunkChannelDepth bounds how many flushed chunks can wait for the
	// consumer before flushing blocks. Flushing never drops data.
	chunkChannelDepth = 64
)

// AccumulatorConfig configures an [Accumulator].
type AccumulatorConfig struct {
	// FlushInterval is the time trigger: pending frames are flushed into a
	// chunk this often, regardless of size. Defaults to 500 ms if zero.
	FlushInterval time.Duration

	// MaxChunkBytes is the size trigger: a push that brings the pending
	// payload to at least this many bytes flushes immediately.
	// Defaults to 64 KiB if zero.
	MaxChunkBytes int

	// MaxPendingFrames is the hard overflow cap. A push that exceeds it
	// forces an immediate full flush rather than dropping data, so no frame
	// is ever discarded. Defaults to 200 if zero.
	MaxPendingFrames int

	// OnOverflow, when set, is called once per forced overflow flush with
	// the pending frame count at that moment. Callers use it to count cap
	// hits; the accumulator itself recovers and carries on.
	OnOverflow func(pending int)
}

// Accumulator buffers captured frames and emits bounded [Chunk] values on
// whichever configured trigger fires first: the flush interval or the byte
// threshold. Exceeding the pending-frame hard cap forces one immediate
// oversized flush — overflow is recovered locally and is not an error.
//
// Guarantee: every pushed frame appears in exactly one emitted chunk, in
// arrival order, and the concatenation of emitted chunk payloads equals the
// concatenation of pushed frame payloads.
//
// All methods are safe for concurrent use.
type Accumulator struct {
	flushInterval time.Duration
	maxChunkBytes int
	maxPending    int
	onOverflow    func(pending int)

	// flushMu serializes flushes so chunk sequence ids leave in order.
	flushMu sync.Mutex

	mu           sync.Mutex
	pending      []Frame
	pendingBytes int
	nextSeq      uint64
	closed       bool

	chunks chan Chunk
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewAccumulator creates an [Accumulator] and starts its flush timer.
// Callers must consume [Accumulator.Chunks] and call [Accumulator.Close]
// when done.
func NewAccumulator(cfg AccumulatorConfig) *Accumulator {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = DefaultMaxChunkBytes
	}
	if cfg.MaxPendingFrames <= 0 {
		cfg.MaxPendingFrames = DefaultMaxPendingFrames
	}

	a := &Accumulator{
		flushInterval: cfg.FlushInterval,
		maxChunkBytes: cfg.MaxChunkBytes,
		maxPending:    cfg.MaxPendingFrames,
		onOverflow:    cfg.OnOverflow,
		nextSeq:       1,
		chunks:        make(chan Chunk, chunkChannelDepth),
		done:          make(chan struct{}),
	}

	a.wg.Add(1)
	go a.flushLoop()
	return a
}

// Push appends frame to the pending buffer. When the push reaches the byte
// threshold, or exceeds the pending-frame hard cap, the buffer is flushed
// immediately. Frames pushed after Close are discarded.
func (a *Accumulator) Push(frame Frame) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.pending = append(a.pending, frame)
	a.pendingBytes += len(frame.Data)

	sizeTrigger := a.pendingBytes >= a.maxChunkBytes
	overflow := len(a.pending) > a.maxPending
	pending := len(a.pending)
	a.mu.Unlock()

	if overflow {
		slog.Debug("accumulator overflow cap exceeded, forcing flush",
			"pending_frames", pending,
			"cap", a.maxPending,
		)
		if a.onOverflow != nil {
			a.onOverflow(pending)
		}
	}
	if sizeTrigger || overflow {
		a.flush()
	}
}

// Chunks returns the channel on which flushed chunks are delivered, in
// flush order. The channel is closed by [Accumulator.Close].
func (a *Accumulator) Chunks() <-chan Chunk { return a.chunks }

// Drain removes and returns the pending partial chunk without emitting it
// on the Chunks channel. It reports false when nothing is pending. This is
// for callers that want the remainder outside the channel; the regular
// shutdown path is [Accumulator.Close], whose final flush delivers the
// remainder on Chunks.
func (a *Accumulator) Drain() (Chunk, bool) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	chunk, ok := a.cut()
	return chunk, ok
}

// PendingFrames returns the number of frames waiting for the next flush.
func (a *Accumulator) PendingFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// PendingBytes returns the byte size of the pending buffer.
func (a *Accumulator) PendingBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingBytes
}

// Close stops the flush timer, flushes any remaining frames, and closes the
// Chunks channel. It is idempotent.
func (a *Accumulator) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.done)
	a.wg.Wait()
	a.flush()
	close(a.chunks)
	return nil
}

// flushLoop emits a chunk every flush interval while frames are pending.
func (a *Accumulator) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.flush()
		}
	}
}

// flush cuts the pending buffer into a chunk and delivers it. A full chunk
// channel applies backpressure to the producer instead of dropping audio.
func (a *Accumulator) flush() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	chunk, ok := a.cut()
	if !ok {
		return
	}
	a.chunks <- chunk
}

// cut atomically removes all pending frames and assembles them into a
// chunk. It must be called with flushMu held so sequence ids leave in
// order.
func (a *Accumulator) cut() (Chunk, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pending) == 0 {
		return Chunk{}, false
	}

	data := make([]byte, 0, a.pendingBytes)
	for _, f := range a.pending {
		data = append(data, f.Data...)
	}

	first := a.pending[0]
	chunk := Chunk{
		Seq:    a.nextSeq,
		Data:   data,
		Frames: len(a.pending),
		Format: Format{SampleRate: first.SampleRate, Channels: first.Channels},
		Start:  first.Time,
	}
	a.nextSeq++
	a.pending = a.pending[:0]
	a.pendingBytes = 0
	return chunk, true
}
