package device

import (
	"time"

	"github.com/MrWong99/soundlink/pkg/backend"
)

// Gateway message types.
const (
	msgTrackChanged = "track_changed"
	msgPaused       = "paused"
	msgPlaying      = "playing"
	msgEndOfTrack   = "end_of_track"
	msgEnded        = "ended"
	msgError        = "error"
)

// inbound is a control message from the gateway.
type inbound struct {
	Type    string     `json:"type"`
	Track   *wireTrack `json:"track,omitempty"`
	Kind    string     `json:"kind,omitempty"`
	Message string     `json:"message,omitempty"`
}

type wireTrack struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Artists    []string `json:"artists"`
	Album      string   `json:"album"`
	DurationMS int64    `json:"duration_ms"`
	CoverURL   string   `json:"cover_url"`
}

func (t *wireTrack) metadata() backend.Metadata {
	if t == nil {
		return backend.Metadata{}
	}
	return backend.Metadata{
		ID:       t.ID,
		Title:    t.Title,
		Artists:  t.Artists,
		Album:    t.Album,
		Duration: time.Duration(t.DurationMS) * time.Millisecond,
		CoverURL: t.CoverURL,
	}
}

// outbound is a command sent to the gateway.
type outbound struct {
	Type   string `json:"type"`
	Volume *int   `json:"volume,omitempty"`
}

func encodeCommand(cmd backend.Command) outbound {
	out := outbound{Type: cmd.Kind.String()}
	if cmd.Kind == backend.CommandSetVolume {
		v := cmd.Volume
		out.Volume = &v
	}
	return out
}
