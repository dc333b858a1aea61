package relay

import (
	"time"

	"github.com/MrWong99/soundlink/pkg/audio"
	"golang.org/x/time/rate"
)

// Config holds relay timing and buffering policy. Zero fields take the
// defaults listed on each field.
type Config struct {
	// Tick is the emission cadence. Default: [audio.FrameDuration].
	Tick time.Duration

	// PollTimeout bounds how long a tick waits for a backend frame before
	// substituting silence. Default: Tick/4.
	PollTimeout time.Duration

	// Backlog bounds the frames queued for a transport that reports
	// [audio.ErrWouldBlock]. Default: 5.
	Backlog int

	// Prefetch bounds frames read ahead from the backend. Default: 10.
	Prefetch int

	// EndOfTrackTimeout is how long silence is emitted after an end of track
	// before the relay pauses itself. Default: 10s.
	EndOfTrackTimeout time.Duration

	// DecodeErrorBurst and DecodeErrorWindow describe the tolerated decode
	// error rate: DecodeErrorBurst errors per DecodeErrorWindow. Defaults: 10
	// per second.
	DecodeErrorBurst  int
	DecodeErrorWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = audio.FrameDuration
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = c.Tick / 4
	}
	if c.Backlog <= 0 {
		c.Backlog = 5
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
	if c.EndOfTrackTimeout <= 0 {
		c.EndOfTrackTimeout = 10 * time.Second
	}
	if c.DecodeErrorBurst <= 0 {
		c.DecodeErrorBurst = 10
	}
	if c.DecodeErrorWindow <= 0 {
		c.DecodeErrorWindow = time.Second
	}
}

func (c Config) newLimiter() *rate.Limiter {
	every := rate.Every(c.DecodeErrorWindow / time.Duration(c.DecodeErrorBurst))
	return rate.NewLimiter(every, c.DecodeErrorBurst)
}
