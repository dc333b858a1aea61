// Package backend defines the streaming music backend abstraction: an
// authenticated remote playback device that produces decoded PCM frames,
// accepts playback commands and reports track metadata.
//
// A [Dialer] opens one [Client] per guild session using the credentials of the
// user who linked their account. Concrete implementations live in sub-packages
// (backend/device for the WebSocket device gateway, backend/mock for tests).
//
// Errors returned by [Client.ReadFrame] are classified with the sentinel
// values below; callers use [errors.Is] to react:
//
//   - [ErrEndOfTrack]      the current track finished; more audio follows a skip.
//   - [ErrDecode]          one frame could not be decoded; the stream continues.
//   - [ErrConnectionLost]  the stream is gone; the client must be re-dialed.
//   - [ErrClosed]          [Client.Close] was called.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/soundlink/pkg/audio"
)

var (
	// ErrAuth is returned by [Dialer.Connect] when the credentials are rejected.
	ErrAuth = errors.New("backend: authentication failed")

	// ErrNetwork is returned by [Dialer.Connect] when the backend is unreachable.
	ErrNetwork = errors.New("backend: network error")

	// ErrConnectionLost means an established stream dropped.
	ErrConnectionLost = errors.New("backend: connection lost")

	// ErrDecode means a single frame could not be decoded.
	ErrDecode = errors.New("backend: decode error")

	// ErrEndOfTrack marks the end of the current track's audio.
	ErrEndOfTrack = errors.New("backend: end of track")

	// ErrClosed is returned after [Client.Close].
	ErrClosed = errors.New("backend: client closed")

	// ErrCommandQueueFull is returned by [Client.Command] when commands are
	// issued faster than the backend accepts them.
	ErrCommandQueueFull = errors.New("backend: command queue full")
)

// Credentials identify the linked account a session plays from.
type Credentials struct {
	// UserID is the chat-platform user who owns the linked account.
	UserID string

	// Username is the backend account name.
	Username string

	// Token is the backend access token.
	Token string

	// DeviceName is how the playback device appears in the user's apps.
	DeviceName string
}

// CommandKind enumerates playback commands.
type CommandKind int

const (
	// CommandPlay starts or resumes playback.
	CommandPlay CommandKind = iota

	// CommandPause pauses playback.
	CommandPause

	// CommandSkip advances to the next track.
	CommandSkip

	// CommandSetVolume sets the playback volume in percent.
	CommandSetVolume
)

// String returns the wire name of the command.
func (k CommandKind) String() string {
	switch k {
	case CommandPlay:
		return "play"
	case CommandPause:
		return "pause"
	case CommandSkip:
		return "skip"
	case CommandSetVolume:
		return "set_volume"
	default:
		return "unknown"
	}
}

// Command is a playback instruction sent to the backend.
type Command struct {
	Kind CommandKind

	// Volume is the target volume in percent (0-100). Only used by
	// [CommandSetVolume].
	Volume int
}

// MaxVolume is the highest accepted volume.
const MaxVolume = 100

// Validate reports whether the command is well formed.
func (c Command) Validate() error {
	if c.Kind < CommandPlay || c.Kind > CommandSetVolume {
		return fmt.Errorf("backend: unknown command kind %d", c.Kind)
	}
	if c.Kind == CommandSetVolume && (c.Volume < 0 || c.Volume > MaxVolume) {
		return fmt.Errorf("backend: volume %d out of range 0..%d", c.Volume, MaxVolume)
	}
	return nil
}

// Metadata describes the track currently loaded on the backend.
type Metadata struct {
	ID       string
	Title    string
	Artists  []string
	Album    string
	Duration time.Duration
	CoverURL string
}

// ArtistLine joins the artists for display.
func (m Metadata) ArtistLine() string {
	return strings.Join(m.Artists, ", ")
}

// EventType classifies backend events.
type EventType int

const (
	// EventTrackChanged is emitted when a new track is loaded.
	EventTrackChanged EventType = iota

	// EventPaused is emitted when playback was paused from the backend side
	// (e.g. from the user's phone).
	EventPaused

	// EventPlaying is emitted when playback was started from the backend side.
	EventPlaying

	// EventEnded is emitted when the backend ended the device session, for
	// instance because the user switched to another device.
	EventEnded

	// EventError reports a non-fatal backend error.
	EventError
)

// String returns the human-readable name of the event type.
func (t EventType) String() string {
	switch t {
	case EventTrackChanged:
		return "TRACK_CHANGED"
	case EventPaused:
		return "PAUSED"
	case EventPlaying:
		return "PLAYING"
	case EventEnded:
		return "ENDED"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is a backend-originated notification.
type Event struct {
	Type EventType

	// Track is set for [EventTrackChanged].
	Track Metadata

	// Err is set for [EventError] and optionally for [EventEnded].
	Err error
}

// Client is one authenticated backend playback session.
//
// Implementations must be safe for concurrent use; ReadFrame is called from a
// single goroutine.
type Client interface {
	// ReadFrame blocks until the next decoded frame is available, ctx is done,
	// or the stream fails. Frames carry strictly increasing sequence numbers.
	ReadFrame(ctx context.Context) (audio.Frame, error)

	// Command queues a playback command. It does not wait for the backend to
	// act on it.
	Command(cmd Command) error

	// Events delivers backend-originated notifications. The channel is closed
	// when the client shuts down.
	Events() <-chan Event

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Dialer opens backend sessions.
type Dialer interface {
	// Connect authenticates with creds and opens a playback session.
	// Failures wrap [ErrAuth] or [ErrNetwork].
	Connect(ctx context.Context, creds Credentials) (Client, error)
}
