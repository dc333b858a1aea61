// Package device implements [backend.Dialer] for a remote playback device
// gateway reached over WebSocket.
//
// The gateway protocol:
//
//   - Dial with "Authorization: Bearer <token>" and a device_name query
//     parameter. 401/403 during the handshake means the credentials are bad.
//   - Binary messages carry complete Ogg pages of an Opus stream. Each Opus
//     packet becomes one PCM frame.
//   - Text messages are JSON objects with a "type" field: track_changed,
//     paused, playing, end_of_track, ended and error from the gateway;
//     play, pause, skip and set_volume from the device.
package device

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/MrWong99/soundlink/pkg/backend"
	"github.com/coder/websocket"
)

// Compile-time interface assertion.
var _ backend.Dialer = (*Dialer)(nil)

const (
	defaultDeviceName   = "soundlink"
	defaultFrameQueue   = 50
	defaultCommandQueue = 16
	defaultPingInterval = 15 * time.Second
	defaultPingTimeout  = 10 * time.Second
	defaultReadLimit    = 1 << 20
)

// Config holds gateway connection settings.
type Config struct {
	// URL is the gateway endpoint, e.g. "wss://gateway.example.com/v1/device".
	URL string

	// DeviceName is used when the credentials do not name a device.
	DeviceName string

	// FrameQueue is how many decoded frames are buffered ahead of the reader.
	// A full queue stops reading from the socket.
	FrameQueue int

	// PingInterval is how often the connection is probed. Zero uses the
	// default; a negative value disables keepalive.
	PingInterval time.Duration

	// PingTimeout bounds a single keepalive probe.
	PingTimeout time.Duration

	// HTTPClient is used for the handshake. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

func (c *Config) applyDefaults() {
	if c.DeviceName == "" {
		c.DeviceName = defaultDeviceName
	}
	if c.FrameQueue <= 0 {
		c.FrameQueue = defaultFrameQueue
	}
	if c.PingInterval == 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
}

// Dialer opens device sessions on the gateway.
type Dialer struct {
	cfg Config
}

// NewDialer returns a Dialer for cfg.
func NewDialer(cfg Config) *Dialer {
	cfg.applyDefaults()
	return &Dialer{cfg: cfg}
}

// Connect performs the WebSocket handshake and starts the session's
// background goroutines.
func (d *Dialer) Connect(ctx context.Context, creds backend.Credentials) (backend.Client, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("device: parse gateway url: %w", err)
	}
	name := creds.DeviceName
	if name == "" {
		name = d.cfg.DeviceName
	}
	q := u.Query()
	q.Set("device_name", name)
	u.RawQuery = q.Encode()

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+creds.Token)

	conn, resp, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: d.cfg.HTTPClient,
		HTTPHeader: hdr,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: gateway answered %s", backend.ErrAuth, resp.Status)
		}
		return nil, fmt.Errorf("%w: %w", backend.ErrNetwork, err)
	}
	conn.SetReadLimit(defaultReadLimit)

	c, err := newClient(conn, d.cfg)
	if err != nil {
		_ = conn.CloseNow()
		return nil, err
	}
	return c, nil
}
