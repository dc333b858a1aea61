// Package mock provides a scripted in-memory [backend.Dialer] and
// [backend.Client] for unit tests.
//
// A [Client] plays back whatever the test queued: numbered PCM frames,
// stream conditions such as [backend.ErrEndOfTrack], and events. Each frame's
// payload carries its sequence number in the first eight bytes so tests can
// verify ordering after the frame has passed through a relay.
package mock

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/MrWong99/soundlink/pkg/audio"
	"github.com/MrWong99/soundlink/pkg/backend"
)

const queueSize = 1 << 14

// ─── Client ───────────────────────────────────────────────────────────────────

type item struct {
	frame audio.Frame
	err   error
}

// Client is a scripted implementation of [backend.Client].
type Client struct {
	mu sync.Mutex

	// CommandError is returned by Command.
	CommandError error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	commands []backend.Command
	seq      uint64
	closed   bool

	items  chan item
	events chan backend.Event
	done   chan struct{}
}

// NewClient returns an empty scripted client.
func NewClient() *Client {
	return &Client{
		items:  make(chan item, queueSize),
		events: make(chan backend.Event, 64),
		done:   make(chan struct{}),
	}
}

// PushFrames queues n consecutive transport-format frames.
func (c *Client) PushFrames(n int) {
	for range n {
		c.mu.Lock()
		c.seq++
		seq := c.seq
		c.mu.Unlock()
		c.items <- item{frame: Frame(seq)}
	}
}

// PushError queues a stream condition returned by ReadFrame in order.
func (c *Client) PushError(err error) {
	c.items <- item{err: err}
}

// Pending reports how many queued items ReadFrame has not returned yet.
func (c *Client) Pending() int { return len(c.items) }

// Emit delivers ev on the Events channel.
func (c *Client) Emit(ev backend.Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// ReadFrame implements [backend.Client].
func (c *Client) ReadFrame(ctx context.Context) (audio.Frame, error) {
	select {
	case <-c.done:
		return audio.Frame{}, backend.ErrClosed
	default:
	}
	select {
	case it := <-c.items:
		return it.frame, it.err
	case <-c.done:
		return audio.Frame{}, backend.ErrClosed
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	}
}

// Command implements [backend.Client]. Commands are recorded even when
// CommandError is set.
func (c *Client) Command(cmd backend.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return backend.ErrClosed
	}
	c.commands = append(c.commands, cmd)
	return c.CommandError
}

// Events implements [backend.Client].
func (c *Client) Events() <-chan backend.Event { return c.events }

// Close implements [backend.Client].
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Commands returns a copy of the recorded commands.
func (c *Client) Commands() []backend.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]backend.Command, len(c.commands))
	copy(out, c.commands)
	return out
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Frame builds the transport frame a Client emits for seq.
func Frame(seq uint64) audio.Frame {
	data := make([]byte, audio.FrameBytes)
	binary.LittleEndian.PutUint64(data, seq)
	return audio.Frame{Seq: seq, Data: data, SampleRate: audio.SampleRate, Channels: audio.Channels}
}

// PayloadSeq extracts the sequence number written by [Frame]. It returns 0
// for silence.
func PayloadSeq(f audio.Frame) uint64 {
	if len(f.Data) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(f.Data)
}

// ─── Dialer ───────────────────────────────────────────────────────────────────

// Dialer is a scripted implementation of [backend.Dialer].
type Dialer struct {
	mu sync.Mutex

	// ConnectErrors are returned by consecutive Connect calls, one per call,
	// before connects start succeeding. A nil entry means that call succeeds.
	ConnectErrors []error

	// OnConnect, when set, is called with every new client before it is
	// returned, e.g. to queue frames.
	OnConnect func(c *Client)

	// ConnectCalls records the credentials of all Connect invocations.
	ConnectCalls []backend.Credentials

	clients []*Client
}

// Connect implements [backend.Dialer].
func (d *Dialer) Connect(ctx context.Context, creds backend.Credentials) (backend.Client, error) {
	d.mu.Lock()
	d.ConnectCalls = append(d.ConnectCalls, creds)
	var err error
	if len(d.ConnectErrors) > 0 {
		err = d.ConnectErrors[0]
		d.ConnectErrors = d.ConnectErrors[1:]
	}
	hook := d.OnConnect
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := NewClient()
	if hook != nil {
		hook(c)
	}
	d.mu.Lock()
	d.clients = append(d.clients, c)
	d.mu.Unlock()
	return c, nil
}

// Clients returns every client handed out so far.
func (d *Dialer) Clients() []*Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Client, len(d.clients))
	copy(out, d.clients)
	return out
}

// Last returns the most recent client, or nil.
func (d *Dialer) Last() *Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		return nil
	}
	return d.clients[len(d.clients)-1]
}

// CallCountConnect returns how many times Connect was called.
func (d *Dialer) CallCountConnect() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ConnectCalls)
}
