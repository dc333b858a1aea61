package discord

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/soundlink/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Connection = (*Connection)(nil)

// silentFramesBeforeQuiet is how many consecutive silence frames (1 s) pass
// before the speaking indicator is cleared.
const silentFramesBeforeQuiet = 50

// errRemoved reports that Discord removed the bot from the voice channel.
var errRemoved = errors.New("discord: removed from voice channel")

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Connection] interface. PCM frames are queued in a bounded buffer and
// encoded to Opus by a single send goroutine.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc        *discordgo.VoiceConnection
	guildID   string
	botUserID string

	chanMu    sync.RWMutex
	channelID string

	frames chan audio.Frame

	healthMu sync.Mutex
	healthCb func(audio.HealthEvent)

	done      chan struct{}
	stopOnce  sync.Once
	leaveOnce sync.Once
	wg        sync.WaitGroup

	// speaking is owned by sendLoop until Leave has waited for it.
	speaking bool

	removeHandler func()
	pollEvery     time.Duration

	// disconnectVC tears down the voice connection during Leave.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error

	// ready reports whether the voice websocket and UDP link are up.
	// Defaults to reading vc.Ready; overridden in tests.
	ready func() bool

	// speak sends the speaking indicator. Defaults to vc.Speaking.
	speak func(bool) error
}

// newConnection starts the send and health goroutines for an already-joined
// voice channel.
func newConnection(vc *discordgo.VoiceConnection, session *discordgo.Session, guildID, channelID string, buffer int, poll time.Duration) *Connection {
	c := &Connection{
		vc:           vc,
		guildID:      guildID,
		channelID:    channelID,
		frames:       make(chan audio.Frame, buffer),
		done:         make(chan struct{}),
		pollEvery:    poll,
		disconnectVC: vc.Disconnect,
		speak:        vc.Speaking,
		ready: func() bool {
			vc.RLock()
			defer vc.RUnlock()
			return vc.Ready
		},
	}
	if session != nil {
		if session.State != nil && session.State.User != nil {
			c.botUserID = session.State.User.ID
		}
		c.removeHandler = session.AddHandler(c.handleVoiceStateUpdate)
	}

	c.start()
	return c
}

func (c *Connection) start() {
	c.wg.Go(c.sendLoop)
	c.wg.Go(c.watchHealth)
}

// ChannelID returns the voice channel the bot is currently in. It follows
// moves made by moderators.
func (c *Connection) ChannelID() string {
	c.chanMu.RLock()
	defer c.chanMu.RUnlock()
	return c.channelID
}

// SendFrame queues one PCM frame for encoding without blocking.
func (c *Connection) SendFrame(frame audio.Frame) error {
	select {
	case <-c.done:
		return audio.ErrTransportClosed
	default:
	}
	select {
	case c.frames <- frame:
		return nil
	default:
		return audio.ErrWouldBlock
	}
}

// OnHealthChange registers cb for voice link health changes. Only one callback
// may be registered; subsequent calls replace the previous one.
func (c *Connection) OnHealthChange(cb func(audio.HealthEvent)) {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	c.healthCb = cb
}

// Leave stops the background goroutines, waits for them to exit and
// disconnects from the voice channel. It is safe to call more than once;
// subsequent calls return nil.
func (c *Connection) Leave() error {
	var err error
	c.leaveOnce.Do(func() {
		if c.removeHandler != nil {
			c.removeHandler()
		}
		c.stop()
		c.wg.Wait()
		if c.speaking {
			c.setSpeaking(false)
			c.speaking = false
		}
		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

func (c *Connection) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// sendLoop encodes queued PCM frames to Opus and hands them to discordgo,
// which paces the packets onto the UDP socket.
func (c *Connection) sendLoop() {
	enc, err := newOpusEncoder()
	if err != nil {
		slog.Error("discord: failed to create opus encoder", "guild_id", c.guildID, "err", err)
		return
	}

	silentRun := 0
	for {
		var frame audio.Frame
		select {
		case <-c.done:
			return
		case frame = <-c.frames:
		}

		if frame.Silence {
			silentRun++
			if c.speaking && silentRun >= silentFramesBeforeQuiet {
				c.setSpeaking(false)
				c.speaking = false
			}
		} else {
			silentRun = 0
			if !c.speaking {
				c.setSpeaking(true)
				c.speaking = true
			}
		}

		packet, err := enc.encode(frame.Data)
		if err != nil {
			slog.Warn("discord: dropping frame", "guild_id", c.guildID, "seq", frame.Seq, "err", err)
			continue
		}

		select {
		case c.vc.OpusSend <- packet:
		case <-c.done:
			return
		}
	}
}

// watchHealth polls the voice link and reports transitions between usable
// and dropped. discordgo reconnects the voice websocket on its own; this only
// surfaces what it is doing.
func (c *Connection) watchHealth() {
	t := time.NewTicker(c.pollEvery)
	defer t.Stop()

	up := true
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
		}
		now := c.ready()
		if now == up {
			continue
		}
		up = now
		if up {
			c.emitHealth(audio.HealthEvent{Type: audio.HealthReconnected})
		} else {
			c.emitHealth(audio.HealthEvent{Type: audio.HealthDropped, Err: errors.New("discord: voice link not ready")})
		}
	}
}

// handleVoiceStateUpdate watches the bot's own voice state to detect being
// disconnected or moved by someone else.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.GuildID != c.guildID || c.botUserID == "" || vsu.UserID != c.botUserID {
		return
	}

	if vsu.ChannelID == "" {
		select {
		case <-c.done:
			return
		default:
		}
		slog.Info("discord: removed from voice channel", "guild_id", c.guildID, "channel_id", c.ChannelID())
		c.stop()
		c.emitHealth(audio.HealthEvent{Type: audio.HealthClosed, Err: errRemoved})
		return
	}

	c.chanMu.Lock()
	moved := vsu.ChannelID != c.channelID
	c.channelID = vsu.ChannelID
	c.chanMu.Unlock()
	if moved {
		slog.Info("discord: moved to another voice channel", "guild_id", c.guildID, "channel_id", vsu.ChannelID)
	}
}

func (c *Connection) setSpeaking(b bool) {
	if c.speak == nil {
		return
	}
	if err := c.speak(b); err != nil {
		slog.Warn("discord: speaking notification error", "speaking", b, "err", err)
	}
}

// emitHealth invokes the registered health callback on its own goroutine.
func (c *Connection) emitHealth(ev audio.HealthEvent) {
	c.healthMu.Lock()
	cb := c.healthCb
	c.healthMu.Unlock()
	if cb != nil {
		go cb(ev)
	}
}
