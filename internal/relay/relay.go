// Package relay moves PCM frames from a streaming backend to a voice
// transport on a fixed clock.
//
// Every tick the relay emits exactly one frame: the next decoded frame if the
// backend produced one within the poll budget, digital silence otherwise. The
// backend is read on its own goroutine so a slow backend can only ever cost
// silence, never a missed tick. The transport is fed through a small FIFO
// backlog; when the transport keeps reporting [audio.ErrWouldBlock] the
// oldest queued frame is discarded.
//
// The relay never changes session state itself. It reports conditions on its
// [Relay.Events] channel and is steered through non-blocking control methods
// ([Relay.Pause], [Relay.Resume], [Relay.Skip], [Relay.SwapSource],
// [Relay.SwapSink]).
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/soundlink/internal/observe"
	"github.com/MrWong99/soundlink/pkg/audio"
	"github.com/MrWong99/soundlink/pkg/backend"
	"golang.org/x/time/rate"
)

// Source yields decoded frames. [backend.Client] satisfies it.
type Source interface {
	ReadFrame(ctx context.Context) (audio.Frame, error)
}

// Sink accepts frames without blocking. [audio.Connection] satisfies it.
type Sink interface {
	SendFrame(frame audio.Frame) error
}

// EventType classifies relay events.
type EventType int

const (
	// EventEndOfTrack is emitted when the backend reports the end of a track.
	EventEndOfTrack EventType = iota

	// EventIdle is emitted when no audio followed an end of track for the
	// configured timeout. The relay has paused itself.
	EventIdle

	// EventSourceLost is emitted when the backend stream failed, either
	// outright or through too many decode errors. Silence keeps flowing until
	// [Relay.SwapSource].
	EventSourceLost

	// EventSinkClosed is emitted when the transport reported
	// [audio.ErrTransportClosed]. Nothing is sent until [Relay.SwapSink].
	EventSinkClosed
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventEndOfTrack:
		return "END_OF_TRACK"
	case EventIdle:
		return "IDLE"
	case EventSourceLost:
		return "SOURCE_LOST"
	case EventSinkClosed:
		return "SINK_CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Event is a condition reported by the relay.
type Event struct {
	Type EventType
	Err  error

	// Source is the lost source for EventSourceLost.
	Source Source

	// Sink is the closed sink for EventSinkClosed.
	Sink Sink
}

// Stats is a point-in-time snapshot of relay counters.
type Stats struct {
	// Sent counts frames accepted by the transport, silence included.
	Sent uint64

	// Silence counts accepted silence frames.
	Silence uint64

	// Dropped counts frames discarded by backlog overflow or transport errors.
	Dropped uint64

	// DecodeErrors counts frames the backend failed to decode.
	DecodeErrors uint64

	// Backlog is the current number of frames waiting for the transport.
	Backlog int

	// MaxBacklog is the highest backlog length observed.
	MaxBacklog int

	// LastSeq is the sequence number of the last real frame sent.
	LastSeq uint64
}

type controlKind int

const (
	ctlPause controlKind = iota
	ctlResume
	ctlSwapSource
	ctlSwapSink
	ctlSkip
	ctlTrackStarted
)

type control struct {
	kind   controlKind
	source Source
	sink   Sink
}

// Relay is the per-session tick loop. Create it with [New] and run it with
// [Relay.Run] on its own goroutine.
type Relay struct {
	cfg     Config
	metrics *observe.Metrics
	log     *slog.Logger

	events chan Event

	ctlMu   sync.Mutex
	pending []control
	wake    chan struct{}

	sent, silence, dropped, decodeErrs atomic.Uint64
	backlogLen, maxBacklog             atomic.Int64
	lastSeq                            atomic.Uint64

	// Owned by the Run goroutine.
	source      Source
	sink        Sink
	fetch       *fetcher
	framer      *audio.Framer
	limiter     *rate.Limiter
	ready       []audio.Frame
	backlog     []audio.Frame
	paused      bool
	sourceLost  bool
	sinkClosed  bool
	trackEnded  time.Time
	warnedError bool

	// awaitTrack is set by a skip. Backend output is discarded until
	// [Relay.TrackStarted] so no audio of the skipped track is played.
	awaitTrack bool
}

// Option configures a [Relay].
type Option func(*Relay)

// WithMetrics records frame counters on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithLogger sets the logger used for relay diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// New creates a relay reading from src and writing to sink.
func New(cfg Config, src Source, sink Sink, opts ...Option) *Relay {
	cfg.applyDefaults()
	r := &Relay{
		cfg:     cfg,
		log:     slog.Default(),
		events:  make(chan Event, 64),
		wake:    make(chan struct{}, 1),
		source:  src,
		sink:    sink,
		framer:  audio.NewFramer(),
		limiter: cfg.newLimiter(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Events delivers relay conditions. It is never closed.
func (r *Relay) Events() <-chan Event { return r.events }

// Pause stops emitting frames until [Relay.Resume].
func (r *Relay) Pause() { r.enqueue(control{kind: ctlPause}) }

// Resume restarts a paused or idle relay.
func (r *Relay) Resume() { r.enqueue(control{kind: ctlResume}) }

// Skip discards every frame already read from the backend and emits silence
// until [Relay.TrackStarted]. An end of track reported in between belongs to
// the skipped track and is ignored.
func (r *Relay) Skip() { r.enqueue(control{kind: ctlSkip}) }

// TrackStarted ends the silence started by [Relay.Skip].
func (r *Relay) TrackStarted() { r.enqueue(control{kind: ctlTrackStarted}) }

// SwapSource replaces the backend stream, e.g. after a reconnect.
func (r *Relay) SwapSource(src Source) { r.enqueue(control{kind: ctlSwapSource, source: src}) }

// SwapSink replaces the voice transport, e.g. after a rejoin.
func (r *Relay) SwapSink(sink Sink) { r.enqueue(control{kind: ctlSwapSink, sink: sink}) }

// enqueue never blocks so callers holding their own locks cannot deadlock
// against a relay that is busy delivering an event to them.
func (r *Relay) enqueue(c control) {
	r.ctlMu.Lock()
	r.pending = append(r.pending, c)
	r.ctlMu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Stats returns the current counters. Safe to call from any goroutine.
func (r *Relay) Stats() Stats {
	return Stats{
		Sent:         r.sent.Load(),
		Silence:      r.silence.Load(),
		Dropped:      r.dropped.Load(),
		DecodeErrors: r.decodeErrs.Load(),
		Backlog:      int(r.backlogLen.Load()),
		MaxBacklog:   int(r.maxBacklog.Load()),
		LastSeq:      r.lastSeq.Load(),
	}
}

// Run drives the tick loop until ctx is cancelled. It returns after the
// backend reader goroutine has exited.
func (r *Relay) Run(ctx context.Context) error {
	if r.source != nil {
		r.fetch = startFetcher(ctx, r.source, r.cfg.Prefetch)
	}
	defer func() {
		if r.fetch != nil {
			r.fetch.stop()
		}
	}()

	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
			r.applyControls(ctx)
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Relay) applyControls(ctx context.Context) {
	r.ctlMu.Lock()
	batch := r.pending
	r.pending = nil
	r.ctlMu.Unlock()

	for _, c := range batch {
		switch c.kind {
		case ctlPause:
			r.paused = true
		case ctlResume:
			r.paused = false
			r.trackEnded = time.Time{}
			if r.awaitTrack {
				r.trackEnded = time.Now()
			}
		case ctlSwapSource:
			if r.fetch != nil {
				r.fetch.stop()
			}
			r.source = c.source
			r.fetch = startFetcher(ctx, c.source, r.cfg.Prefetch)
			r.sourceLost = false
			r.trackEnded = time.Time{}
			r.awaitTrack = false
			r.warnedError = false
			r.ready = nil
			r.framer.Reset()
			r.limiter = r.cfg.newLimiter()
		case ctlSwapSink:
			r.sink = c.sink
			r.sinkClosed = false
		case ctlSkip:
			r.skip(ctx)
		case ctlTrackStarted:
			r.awaitTrack = false
			r.trackEnded = time.Time{}
		}
	}
}

// skip drops the prefetched frames, the framer remainder and the backlog.
// The idle timer runs from now in case the backend never starts another track.
func (r *Relay) skip(ctx context.Context) {
	r.ready = nil
	r.backlog = r.backlog[:0]
	r.noteBacklog()
	r.framer.Reset()
	r.awaitTrack = true
	r.trackEnded = time.Now()
	r.warnedError = false
	if r.fetch == nil || r.sourceLost {
		return
	}
	for {
		select {
		case res := <-r.fetch.results:
			if res.err != nil && !errors.Is(res.err, backend.ErrEndOfTrack) && !errors.Is(res.err, backend.ErrDecode) {
				r.handle(ctx, res)
				return
			}
		default:
			return
		}
	}
}

// tick emits one frame. Controls queued before the tick are applied first.
func (r *Relay) tick(ctx context.Context) {
	r.applyControls(ctx)
	if r.paused || r.sinkClosed || r.sink == nil {
		return
	}

	frame := r.next(ctx)
	r.push(ctx, frame)
	r.flush(ctx)

	if !r.trackEnded.IsZero() && time.Since(r.trackEnded) >= r.cfg.EndOfTrackTimeout {
		r.trackEnded = time.Time{}
		r.paused = true
		r.log.Info("relay: idle after end of track, pausing", "timeout", r.cfg.EndOfTrackTimeout)
		r.emit(ctx, Event{Type: EventIdle})
	}
}

// next picks the frame for this tick: buffered output first, then whatever
// the backend delivers within the poll budget, else silence.
func (r *Relay) next(ctx context.Context) audio.Frame {
	if f, ok := r.popReady(); ok {
		return f
	}
	if r.sourceLost || r.fetch == nil {
		return audio.SilenceFrame()
	}

	var res fetchResult
	select {
	case res = <-r.fetch.results:
	default:
		t := time.NewTimer(r.cfg.PollTimeout)
		select {
		case res = <-r.fetch.results:
			t.Stop()
		case <-t.C:
			return audio.SilenceFrame()
		}
	}

	r.handle(ctx, res)
	if f, ok := r.popReady(); ok {
		return f
	}
	return audio.SilenceFrame()
}

func (r *Relay) popReady() (audio.Frame, bool) {
	if len(r.ready) == 0 {
		return audio.Frame{}, false
	}
	f := r.ready[0]
	r.ready = r.ready[1:]
	if len(r.ready) == 0 {
		r.ready = nil
	}
	return f, true
}

// handle interprets one backend result.
func (r *Relay) handle(ctx context.Context, res fetchResult) {
	if r.awaitTrack && (res.err == nil || errors.Is(res.err, backend.ErrEndOfTrack) || errors.Is(res.err, backend.ErrDecode)) {
		return
	}
	switch {
	case res.err == nil:
		r.trackEnded = time.Time{}
		r.ready = append(r.ready, r.framer.Push(res.frame)...)

	case errors.Is(res.err, backend.ErrEndOfTrack):
		r.framer.Reset()
		r.trackEnded = time.Now()
		r.warnedError = false
		r.emit(ctx, Event{Type: EventEndOfTrack})

	case errors.Is(res.err, backend.ErrDecode):
		r.decodeErrs.Add(1)
		if r.metrics != nil {
			r.metrics.RelayDecodeErrors.Add(ctx, 1)
		}
		if !r.limiter.Allow() {
			r.sourceLost = true
			err := fmt.Errorf("%w: decode error rate exceeded: %w", backend.ErrConnectionLost, res.err)
			r.log.Warn("relay: too many decode errors, treating stream as lost", "err", res.err)
			r.emit(ctx, Event{Type: EventSourceLost, Err: err, Source: r.source})
			return
		}
		if !r.warnedError {
			r.warnedError = true
			r.log.Warn("relay: backend frame failed to decode, substituting silence", "err", res.err)
		}

	default:
		r.sourceLost = true
		r.log.Warn("relay: backend stream lost", "err", res.err)
		r.emit(ctx, Event{Type: EventSourceLost, Err: res.err, Source: r.source})
	}
}

// push appends to the backlog, discarding the oldest frame when full.
func (r *Relay) push(ctx context.Context, f audio.Frame) {
	if len(r.backlog) >= r.cfg.Backlog {
		r.backlog = r.backlog[1:]
		r.recordDrop(ctx)
	}
	r.backlog = append(r.backlog, f)
	r.noteBacklog()
}

// flush hands queued frames to the sink in order until it pushes back.
func (r *Relay) flush(ctx context.Context) {
	defer r.noteBacklog()
	for len(r.backlog) > 0 {
		f := r.backlog[0]
		err := r.sink.SendFrame(f)
		switch {
		case err == nil:
			r.sent.Add(1)
			if f.Silence {
				r.silence.Add(1)
			} else {
				r.lastSeq.Store(f.Seq)
			}
			if r.metrics != nil {
				r.metrics.RecordFrame(ctx, f.Silence)
			}
		case errors.Is(err, audio.ErrWouldBlock):
			return
		case errors.Is(err, audio.ErrTransportClosed):
			r.sinkClosed = true
			r.log.Warn("relay: transport closed")
			r.emit(ctx, Event{Type: EventSinkClosed, Err: err, Sink: r.sink})
			return
		default:
			r.log.Warn("relay: transport rejected frame", "seq", f.Seq, "err", err)
			r.recordDrop(ctx)
		}
		r.backlog = r.backlog[1:]
	}
	r.backlog = r.backlog[:0]
}

func (r *Relay) recordDrop(ctx context.Context) {
	r.dropped.Add(1)
	if r.metrics != nil {
		r.metrics.RelayDropped.Add(ctx, 1)
	}
}

func (r *Relay) noteBacklog() {
	n := int64(len(r.backlog))
	r.backlogLen.Store(n)
	if n > r.maxBacklog.Load() {
		r.maxBacklog.Store(n)
	}
}

func (r *Relay) emit(ctx context.Context, ev Event) {
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// ─── backend reader ───────────────────────────────────────────────────────────

type fetchResult struct {
	frame audio.Frame
	err   error
}

// fetcher reads a Source ahead of the tick loop into a bounded queue.
type fetcher struct {
	results chan fetchResult
	cancel  context.CancelFunc
	done    chan struct{}
}

func startFetcher(parent context.Context, src Source, size int) *fetcher {
	ctx, cancel := context.WithCancel(parent)
	f := &fetcher{
		results: make(chan fetchResult, size),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(f.done)
		for {
			frame, err := src.ReadFrame(ctx)
			if ctx.Err() != nil {
				return
			}
			select {
			case f.results <- fetchResult{frame: frame, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, backend.ErrEndOfTrack) && !errors.Is(err, backend.ErrDecode) {
				return
			}
		}
	}()
	return f
}

// stop cancels the reader and waits for it to exit.
func (f *fetcher) stop() {
	f.cancel()
	<-f.done
}
