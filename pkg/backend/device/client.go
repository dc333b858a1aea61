package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/soundlink/pkg/audio"
	"github.com/MrWong99/soundlink/pkg/backend"
	"github.com/coder/websocket"
	"github.com/jonas747/ogg"
	"layeh.com/gopus"
)

// Compile-time interface assertion.
var _ backend.Client = (*client)(nil)

const writeTimeout = 5 * time.Second

// item is one entry of the ordered frame stream: either a frame or a
// stream-level condition (end of track, decode failure).
type item struct {
	frame audio.Frame
	err   error
}

// client is a live gateway session. One goroutine reads the socket, one
// writes commands and one sends keepalive pings.
type client struct {
	conn *websocket.Conn
	cfg  Config

	frames chan item
	events chan backend.Event
	cmds   chan backend.Command

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once

	// skipping is set by a skip command and cleared by the next
	// track_changed. Audio received in between belongs to the skipped track.
	skipping atomic.Bool
	dropped  atomic.Uint64

	errMu   sync.Mutex
	lostErr error

	// Owned by readLoop.
	dec *gopus.Decoder
	seq uint64
	pos time.Duration
}

func newClient(conn *websocket.Conn, cfg Config) (*client, error) {
	dec, err := gopus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, fmt.Errorf("device: create opus decoder: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		conn:   conn,
		cfg:    cfg,
		frames: make(chan item, cfg.FrameQueue),
		events: make(chan backend.Event, 16),
		cmds:   make(chan backend.Command, defaultCommandQueue),
		ctx:    ctx,
		cancel: cancel,
		dec:    dec,
	}
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()
	if cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}
	return c, nil
}

// ReadFrame returns the next frame in stream order.
func (c *client) ReadFrame(ctx context.Context) (audio.Frame, error) {
	select {
	case it, ok := <-c.frames:
		if !ok {
			return audio.Frame{}, c.terminalErr()
		}
		return it.frame, it.err
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

// Command queues cmd for the write goroutine.
func (c *client) Command(cmd backend.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if c.closed.Load() {
		return backend.ErrClosed
	}
	skip := cmd.Kind == backend.CommandSkip
	if skip {
		c.skipping.Store(true)
	}
	select {
	case c.cmds <- cmd:
	default:
		if skip {
			c.skipping.Store(false)
		}
		return backend.ErrCommandQueueFull
	}
	if skip {
		c.discardQueued()
	}
	return nil
}

// discardQueued empties the frame stream without blocking.
func (c *client) discardQueued() {
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// Events implements [backend.Client].
func (c *client) Events() <-chan backend.Event { return c.events }

// Close closes the socket and waits for the background goroutines.
func (c *client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if err := c.conn.Close(websocket.StatusNormalClosure, "device closed"); err != nil {
			slog.Debug("device: close handshake", "err", err)
		}
		c.cancel()
		c.wg.Wait()
	})
	return nil
}

func (c *client) terminalErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.lostErr != nil {
		return c.lostErr
	}
	return backend.ErrClosed
}

func (c *client) readLoop() {
	defer c.wg.Done()
	defer close(c.frames)
	defer close(c.events)

	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.errMu.Lock()
			c.lostErr = fmt.Errorf("%w: %w", backend.ErrConnectionLost, err)
			c.errMu.Unlock()
			slog.Warn("device: connection lost", "err", err)
			return
		}
		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(data)
		case websocket.MessageText:
			c.handleControl(data)
		}
	}
}

// handleAudio demuxes the Ogg pages in one message and decodes every Opus
// packet into a PCM frame.
func (c *client) handleAudio(data []byte) {
	if c.skipping.Load() {
		return
	}
	pd := ogg.NewPacketDecoder(ogg.NewDecoder(bytes.NewReader(data)))
	for {
		packet, _, err := pd.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			c.push(item{err: fmt.Errorf("%w: ogg: %w", backend.ErrDecode, err)})
			return
		}
		if isOpusHeader(packet) {
			continue
		}

		pcm, err := c.dec.Decode(packet, audio.SamplesPerFrame, false)
		if err != nil {
			c.push(item{err: fmt.Errorf("%w: opus: %w", backend.ErrDecode, err)})
			continue
		}
		c.seq++
		f := audio.Frame{
			Seq:        c.seq,
			Data:       audio.SamplesToPCM(pcm),
			SampleRate: audio.SampleRate,
			Channels:   audio.Channels,
			Timestamp:  c.pos,
		}
		c.pos += f.Duration()
		c.push(item{frame: f})
	}
}

func isOpusHeader(packet []byte) bool {
	return bytes.HasPrefix(packet, []byte("OpusHead")) || bytes.HasPrefix(packet, []byte("OpusTags"))
}

func (c *client) handleControl(data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("device: malformed control message", "err", err)
		return
	}
	switch msg.Type {
	case msgTrackChanged:
		c.skipping.Store(false)
		c.pos = 0
		c.emit(backend.Event{Type: backend.EventTrackChanged, Track: msg.Track.metadata()})
	case msgPaused:
		c.emit(backend.Event{Type: backend.EventPaused})
	case msgPlaying:
		c.emit(backend.Event{Type: backend.EventPlaying})
	case msgEndOfTrack:
		if c.skipping.Load() {
			return
		}
		c.pushMarker(item{err: backend.ErrEndOfTrack})
	case msgEnded:
		var err error
		if msg.Message != "" {
			err = errors.New(msg.Message)
		}
		c.emit(backend.Event{Type: backend.EventEnded, Err: err})
	case msgError:
		c.emit(backend.Event{Type: backend.EventError, Err: fmt.Errorf("device: gateway error %s: %s", msg.Kind, msg.Message)})
	default:
		slog.Debug("device: ignoring control message", "type", msg.Type)
	}
}

// push never blocks the socket reader, which must keep consuming control
// messages and pong replies. Audio arriving while the queue is full is
// dropped.
func (c *client) push(it item) {
	select {
	case c.frames <- it:
	default:
		if c.dropped.Add(1) == 1 {
			slog.Warn("device: frame queue full, dropping audio", "queue", cap(c.frames))
		}
	}
}

// pushMarker queues a stream condition, evicting the oldest entry when the
// queue is full so the condition is never lost.
func (c *client) pushMarker(it item) {
	for {
		select {
		case c.frames <- it:
			return
		default:
		}
		select {
		case <-c.frames:
			c.dropped.Add(1)
		default:
		}
	}
}

func (c *client) emit(ev backend.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *client) writeLoop() {
	defer c.wg.Done()
	for {
		var cmd backend.Command
		select {
		case <-c.ctx.Done():
			return
		case cmd = <-c.cmds:
		}
		data, err := json.Marshal(encodeCommand(cmd))
		if err != nil {
			slog.Error("device: encode command", "command", cmd.Kind.String(), "err", err)
			continue
		}
		ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
		err = c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			if !c.closed.Load() {
				slog.Warn("device: command write failed, dropping connection", "command", cmd.Kind.String(), "err", err)
				_ = c.conn.CloseNow()
			}
			return
		}
	}
}

func (c *client) pingLoop() {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.PingTimeout)
		err := c.conn.Ping(ctx)
		cancel()
		if err != nil {
			if !c.closed.Load() {
				slog.Warn("device: keepalive failed, dropping connection", "err", err)
				_ = c.conn.CloseNow()
			}
			return
		}
	}
}
