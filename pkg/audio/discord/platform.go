// Package discord provides an [audio.Platform] implementation backed by
// Discord voice channels via the bwmarrin/discordgo library. It turns
// soundlink's 20 ms PCM [audio.Frame] stream into Opus packets on a
// discordgo voice connection.
//
// The platform shares the bot's *discordgo.Session and can join one voice
// channel per guild. Each call to [Platform.Join] returns a [Connection]
// whose [Connection.SendFrame] never blocks the caller.
package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/soundlink/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Platform = (*Platform)(nil)

const (
	defaultSendBuffer = 8
	defaultHealthPoll = time.Second
)

// Platform implements [audio.Platform] using discordgo voice connections.
//
// Platform is safe for concurrent use.
type Platform struct {
	session    *discordgo.Session
	sendBuffer int
	healthPoll time.Duration

	// joinVoice performs the actual voice join. Defaults to
	// session.ChannelVoiceJoin; overridden in tests.
	joinVoice func(guildID, channelID string) (*discordgo.VoiceConnection, error)
}

// Option configures a [Platform].
type Option func(*Platform)

// WithSendBuffer sets how many PCM frames a connection buffers ahead of the
// Opus sender before [Connection.SendFrame] reports [audio.ErrWouldBlock].
func WithSendBuffer(n int) Option {
	return func(p *Platform) {
		if n > 0 {
			p.sendBuffer = n
		}
	}
}

// WithHealthPoll sets how often a connection checks its voice link.
func WithHealthPoll(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.healthPoll = d
		}
	}
}

// New creates a Discord Platform on top of an open bot session.
func New(session *discordgo.Session, opts ...Option) *Platform {
	p := &Platform{
		session:    session,
		sendBuffer: defaultSendBuffer,
		healthPoll: defaultHealthPoll,
	}
	p.joinVoice = func(guildID, channelID string) (*discordgo.VoiceConnection, error) {
		// mute=false (we send audio), deaf=true (we never receive).
		return session.ChannelVoiceJoin(guildID, channelID, false, true)
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Join joins channelID in guildID. Permission and capacity problems visible
// in the gateway state are reported before any voice traffic happens. If ctx
// expires first, the join is abandoned and a late voice connection is torn
// down in the background.
func (p *Platform) Join(ctx context.Context, guildID, channelID string) (audio.Connection, error) {
	if err := p.precheck(guildID, channelID); err != nil {
		return nil, err
	}

	type result struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	done := make(chan result, 1)
	go func() {
		vc, err := p.joinVoice(guildID, channelID)
		done <- result{vc: vc, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, &audio.JoinError{GuildID: guildID, ChannelID: channelID, Reason: audio.JoinNetwork, Err: r.err}
		}
		return newConnection(r.vc, p.session, guildID, channelID, p.sendBuffer, p.healthPoll), nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.vc != nil {
				_ = r.vc.Disconnect()
			}
		}()
		return nil, &audio.JoinError{GuildID: guildID, ChannelID: channelID, Reason: audio.JoinTimeout, Err: ctx.Err()}
	}
}

// precheck inspects the cached gateway state. Missing state is not an error;
// the voice join itself will fail if something is wrong.
func (p *Platform) precheck(guildID, channelID string) error {
	if p.session == nil || p.session.State == nil || p.session.State.User == nil {
		return nil
	}
	st := p.session.State

	perms, err := st.UserChannelPermissions(st.User.ID, channelID)
	if err == nil {
		const need = discordgo.PermissionVoiceConnect | discordgo.PermissionVoiceSpeak
		if perms&need != need {
			return &audio.JoinError{
				GuildID: guildID, ChannelID: channelID, Reason: audio.JoinPermissions,
				Err: errors.New("missing connect or speak permission"),
			}
		}
	}

	ch, err := st.Channel(channelID)
	if err != nil || ch.UserLimit <= 0 {
		return nil
	}
	g, err := st.Guild(guildID)
	if err != nil {
		return nil
	}
	st.RLock()
	occupied := 0
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == channelID && vs.UserID != st.User.ID {
			occupied++
		}
	}
	st.RUnlock()
	if occupied >= ch.UserLimit {
		return &audio.JoinError{
			GuildID: guildID, ChannelID: channelID, Reason: audio.JoinChannelFull,
			Err: fmt.Errorf("%d of %d slots taken", occupied, ch.UserLimit),
		}
	}
	return nil
}
