package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/soundlink/internal/relay"
	"github.com/MrWong99/soundlink/pkg/backend"
)

// State is the lifecycle state of a [Session].
type State int

const (
	StateConnecting State = iota
	StatePlaying
	StatePaused
	StateReconnecting
	StateTerminating
	StateTerminated
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateTerminating:
		return "TERMINATING"
	case StateTerminated:
		return "TERMINATED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether s is Terminating or Terminated.
func (s State) Terminal() bool {
	return s == StateTerminating || s == StateTerminated
}

// transitions lists every edge of the state machine.
var transitions = map[State][]State{
	StateConnecting:   {StatePlaying, StateTerminating, StateTerminated},
	StatePlaying:      {StatePaused, StateReconnecting, StateTerminating},
	StatePaused:       {StatePlaying, StateReconnecting, StateTerminating},
	StateReconnecting: {StatePlaying, StateTerminating},
	StateTerminating:  {StateTerminated},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Errors returned by [Session.Control].
var (
	// ErrCommandRejected is returned when a command is not valid in the
	// current state. The session state is unchanged.
	ErrCommandRejected = errors.New("session: command rejected")

	// ErrTerminated is returned for commands sent to a session that is
	// terminating or terminated.
	ErrTerminated = errors.New("session: terminated")
)

// CommandKind identifies a control command.
type CommandKind int

const (
	CmdPlay CommandKind = iota
	CmdPause
	CmdResume
	CmdSkip
	CmdSetVolume
	CmdDisconnect
)

// String returns the snake_case command name used in logs and metrics.
func (k CommandKind) String() string {
	switch k {
	case CmdPlay:
		return "play"
	case CmdPause:
		return "pause"
	case CmdResume:
		return "resume"
	case CmdSkip:
		return "skip"
	case CmdSetVolume:
		return "set_volume"
	case CmdDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Command is a control request for a session. Volume is only read for
// [CmdSetVolume].
type Command struct {
	Kind   CommandKind
	Volume int
}

// Reason explains why a session ended.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonLeave          Reason = "leave"
	ReasonJoinFailed     Reason = "join_failed"
	ReasonConnectionLost Reason = "connection_lost"
	ReasonTransportLost  Reason = "transport_lost"
	ReasonBackendEnded   Reason = "backend_ended"
	ReasonIdle           Reason = "idle"
	ReasonReplaced       Reason = "replaced"
	ReasonShutdown       Reason = "shutdown"
)

// Snapshot is a consistent copy of a session's observable state.
type Snapshot struct {
	ID             string
	GuildID        string
	ChannelID      string
	State          State
	Track          backend.Metadata
	CreatedAt      time.Time
	LastActivityAt time.Time

	// Volume is the last volume set through the session, or -1.
	Volume int

	// RetriesLeft is the remaining reconnect budget.
	RetriesLeft int

	// Relay holds the relay counters; zero before the session is playing.
	Relay relay.Stats

	// Reason and Err are set once the session is terminating.
	Reason Reason
	Err    error
}

// EventType classifies session events.
type EventType int

const (
	EventStateChanged EventType = iota
	EventTrackChanged
	EventEnded
)

// Event is delivered to a [Listener].
type Event struct {
	Type      EventType
	SessionID string
	GuildID   string

	// From and To are set for EventStateChanged.
	From, To State

	// Track is set for EventTrackChanged.
	Track backend.Metadata

	// Reason and Err are set for EventEnded.
	Reason Reason
	Err    error
}

// Listener observes session events. Listeners run on the session's own
// goroutine and must not block or call back into the session.
type Listener func(Event)
