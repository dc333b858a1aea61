// Package audio defines the voice transport abstraction used by soundlink and
// the PCM frame type that flows from a streaming backend to a voice channel.
//
// The two primary abstractions are:
//
//   - [Platform] joins a voice channel in a guild and returns a [Connection].
//   - [Connection] is an outbound PCM sink for that channel with health events.
//
// Implementations are provided by platform-specific adapter packages (e.g.
// audio/discord). Encoding to the wire codec is the adapter's concern; callers
// only ever hand over 20 ms transport-format PCM frames.
//
// This package lives under pkg/ because external code (third-party transports)
// is expected to implement [Platform] and [Connection].
package audio

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrWouldBlock is returned by [Connection.SendFrame] when the transport's
	// outbound buffer is full. The frame was not accepted; the caller decides
	// whether to retry it or drop it.
	ErrWouldBlock = errors.New("audio: transport would block")

	// ErrTransportClosed is returned by [Connection.SendFrame] once the
	// connection has been torn down, either locally via [Connection.Leave] or
	// because the platform closed it.
	ErrTransportClosed = errors.New("audio: transport closed")
)

// JoinReason classifies why a voice channel could not be joined.
type JoinReason int

const (
	// JoinNetwork covers gateway and voice-server failures.
	JoinNetwork JoinReason = iota

	// JoinPermissions means the bot lacks Connect or Speak in the channel.
	JoinPermissions

	// JoinChannelFull means the channel's user limit has been reached.
	JoinChannelFull

	// JoinTimeout means the join did not complete before the context expired.
	JoinTimeout
)

// String returns the snake_case name of the reason.
func (r JoinReason) String() string {
	switch r {
	case JoinNetwork:
		return "network"
	case JoinPermissions:
		return "permissions"
	case JoinChannelFull:
		return "channel_full"
	case JoinTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// JoinError is returned by [Platform.Join] when a voice channel cannot be joined.
type JoinError struct {
	GuildID   string
	ChannelID string
	Reason    JoinReason
	Err       error
}

// Error implements error.
func (e *JoinError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("audio: join %s/%s: %s", e.GuildID, e.ChannelID, e.Reason)
	}
	return fmt.Sprintf("audio: join %s/%s: %s: %v", e.GuildID, e.ChannelID, e.Reason, e.Err)
}

// Unwrap returns the underlying cause.
func (e *JoinError) Unwrap() error { return e.Err }

// HealthEventType classifies transport health changes emitted by a [Connection].
type HealthEventType int

const (
	// HealthDropped is emitted when the voice link is lost but may recover.
	HealthDropped HealthEventType = iota

	// HealthReconnected is emitted when a dropped voice link is usable again.
	HealthReconnected

	// HealthClosed is emitted when the platform closed the connection for good
	// (the bot was kicked, the channel was deleted, ...). A new Join is required.
	HealthClosed
)

// String returns the human-readable name of the event type.
func (t HealthEventType) String() string {
	switch t {
	case HealthDropped:
		return "DROPPED"
	case HealthReconnected:
		return "RECONNECTED"
	case HealthClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// HealthEvent describes a transport health change.
type HealthEvent struct {
	Type HealthEventType
	Err  error
}

// Connection is an active outbound audio link to one voice channel.
//
// A Connection is obtained by calling [Platform.Join] and remains valid until
// [Connection.Leave] is called or the platform closes it (reported through a
// [HealthClosed] event).
//
// Implementations must be safe for concurrent use.
type Connection interface {
	// ChannelID returns the voice channel this connection is attached to.
	ChannelID() string

	// SendFrame hands one transport-format PCM frame to the transport. It never
	// blocks: a full outbound buffer yields [ErrWouldBlock], a torn-down
	// connection yields [ErrTransportClosed].
	SendFrame(frame Frame) error

	// OnHealthChange registers cb as the callback for transport health changes.
	// Only one callback may be registered at a time; subsequent calls replace
	// the previous registration. The callback runs on an internal goroutine and
	// must not block.
	OnHealthChange(cb func(HealthEvent))

	// Leave leaves the voice channel and releases all resources. It is safe to
	// call Leave more than once; subsequent calls are no-ops and return nil.
	Leave() error
}

// Platform is the entry point for a voice-channel provider.
//
// Implementations must be safe for concurrent use.
type Platform interface {
	// Join joins channelID in guildID and returns an active [Connection].
	// ctx bounds the join attempt only. Failures are reported as *[JoinError].
	Join(ctx context.Context, guildID, channelID string) (Connection, error)
}
