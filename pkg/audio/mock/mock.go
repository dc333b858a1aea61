// Package mock provides in-memory mock implementations of the [audio.Platform]
// and [audio.Connection] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	platform := &mock.Platform{}
//	conn, err := platform.Join(ctx, "guild-1", "voice-42")
//	// ... drive a relay into conn ...
//	frames := platform.Last().Frames()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/soundlink/pkg/audio"
)

// ─── Connection ───────────────────────────────────────────────────────────────

// Connection is a mock implementation of [audio.Connection]. Accepted frames
// are recorded in order.
type Connection struct {
	mu sync.Mutex

	// Channel is returned by ChannelID.
	Channel string

	// Saturated makes SendFrame return [audio.ErrWouldBlock] for every frame.
	Saturated bool

	// LeaveError is returned by the first Leave call.
	LeaveError error

	// CallCountSendFrame records how many times SendFrame was called.
	CallCountSendFrame int

	// CallCountLeave records how many times Leave was called.
	CallCountLeave int

	sent   []audio.Frame
	closed bool
	cb     func(audio.HealthEvent)
}

// ChannelID implements [audio.Connection].
func (c *Connection) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Channel
}

// SendFrame implements [audio.Connection].
func (c *Connection) SendFrame(frame audio.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountSendFrame++
	switch {
	case c.closed:
		return audio.ErrTransportClosed
	case c.Saturated:
		return audio.ErrWouldBlock
	}
	c.sent = append(c.sent, frame)
	return nil
}

// OnHealthChange implements [audio.Connection]. Use [Connection.EmitHealth]
// to invoke the callback.
func (c *Connection) OnHealthChange(cb func(audio.HealthEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

// Leave implements [audio.Connection]. Only the first call returns LeaveError.
func (c *Connection) Leave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountLeave++
	if c.closed {
		return nil
	}
	c.closed = true
	return c.LeaveError
}

// SetSaturated toggles the would-block behaviour while the mock is in use.
func (c *Connection) SetSaturated(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Saturated = v
}

// Close simulates the platform closing the connection: subsequent sends fail
// with [audio.ErrTransportClosed] and a [audio.HealthClosed] event is emitted.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.EmitHealth(audio.HealthEvent{Type: audio.HealthClosed, Err: audio.ErrTransportClosed})
}

// EmitHealth synchronously invokes the registered health callback, if any.
func (c *Connection) EmitHealth(ev audio.HealthEvent) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// Frames returns a copy of all accepted frames in arrival order.
func (c *Connection) Frames() []audio.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]audio.Frame, len(c.sent))
	copy(out, c.sent)
	return out
}

// Left reports whether Leave has been called.
func (c *Connection) Left() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountLeave > 0
}

// ─── Platform ─────────────────────────────────────────────────────────────────

// JoinCall records the arguments of a single [Platform.Join] invocation.
type JoinCall struct {
	GuildID   string
	ChannelID string
}

// Platform is a mock implementation of [audio.Platform]. Every successful
// Join returns a fresh [Connection].
type Platform struct {
	mu sync.Mutex

	// JoinErrors are returned by consecutive Join calls, one per call, before
	// joins start succeeding. A nil entry means that call succeeds.
	JoinErrors []error

	// JoinFunc, when set, replaces the default behaviour entirely.
	JoinFunc func(ctx context.Context, guildID, channelID string) (audio.Connection, error)

	// JoinCalls records all Join invocations.
	JoinCalls []JoinCall

	conns []*Connection
}

// Join implements [audio.Platform].
func (p *Platform) Join(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	p.mu.Lock()
	p.JoinCalls = append(p.JoinCalls, JoinCall{GuildID: guildID, ChannelID: channelID})
	fn := p.JoinFunc
	var err error
	if len(p.JoinErrors) > 0 {
		err = p.JoinErrors[0]
		p.JoinErrors = p.JoinErrors[1:]
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, guildID, channelID)
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, &audio.JoinError{GuildID: guildID, ChannelID: channelID, Reason: audio.JoinTimeout, Err: ctx.Err()}
	}

	c := &Connection{Channel: channelID}
	p.mu.Lock()
	p.conns = append(p.conns, c)
	p.mu.Unlock()
	return c, nil
}

// Connections returns every connection handed out so far.
func (p *Platform) Connections() []*Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Connection, len(p.conns))
	copy(out, p.conns)
	return out
}

// Last returns the most recent connection, or nil.
func (p *Platform) Last() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

// CallCountJoin returns how many times Join was called.
func (p *Platform) CallCountJoin() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.JoinCalls)
}
