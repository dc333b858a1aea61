package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/soundlink/internal/session"
)

const (
	colorPlaying = 0x1DB954
	colorPaused  = 0xF1C40F
	colorStopped = 0x95A5A6
	colorWarning = 0xE67E22
)

func stateColor(s session.State) int {
	switch s {
	case session.StatePlaying:
		return colorPlaying
	case session.StatePaused:
		return colorPaused
	case session.StateReconnecting, session.StateConnecting:
		return colorWarning
	default:
		return colorStopped
	}
}

// statusEmbed renders a session snapshot.
func statusEmbed(snap session.Snapshot) *discordgo.MessageEmbed {
	track := "Nothing yet. Pick the device in your streaming app."
	if snap.Track.Title != "" {
		track = "**" + snap.Track.Title + "**"
		if artists := snap.Track.ArtistLine(); artists != "" {
			track += " by " + artists
		}
		if snap.Track.Duration > 0 {
			track += " (" + formatDuration(snap.Track.Duration) + ")"
		}
	}
	volume := "unchanged"
	if snap.Volume >= 0 {
		volume = strconv.Itoa(snap.Volume)
	}

	embed := &discordgo.MessageEmbed{
		Title:       "Now playing",
		Description: track,
		Color:       stateColor(snap.State),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "State", Value: snap.State.String(), Inline: true},
			{Name: "Channel", Value: "<#" + snap.ChannelID + ">", Inline: true},
			{Name: "Volume", Value: volume, Inline: true},
			{Name: "Uptime", Value: formatDuration(time.Since(snap.CreatedAt)), Inline: true},
			{Name: "Retries left", Value: strconv.Itoa(snap.RetriesLeft), Inline: true},
			{
				Name: "Relay",
				Value: fmt.Sprintf("%d sent, %d silence, %d dropped",
					snap.Relay.Sent, snap.Relay.Silence, snap.Relay.Dropped),
				Inline: true,
			},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: "session " + snap.ID},
	}
	if snap.Track.CoverURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: snap.Track.CoverURL}
	}
	return embed
}

// playerButtons returns the control row for the given state.
func playerButtons(s session.State) discordgo.ActionsRow {
	toggle := discordgo.Button{Label: "Pause", Style: discordgo.SecondaryButton, CustomID: buttonPrefix + "pause"}
	if s == session.StatePaused {
		toggle = discordgo.Button{Label: "Resume", Style: discordgo.PrimaryButton, CustomID: buttonPrefix + "resume"}
	}
	active := s == session.StatePlaying || s == session.StatePaused
	toggle.Disabled = !active
	return discordgo.ActionsRow{Components: []discordgo.MessageComponent{
		toggle,
		discordgo.Button{Label: "Skip", Style: discordgo.SecondaryButton, CustomID: buttonPrefix + "skip", Disabled: !active},
		discordgo.Button{Label: "Leave", Style: discordgo.DangerButton, CustomID: buttonPrefix + "leave"},
	}}
}

// formatDuration renders d as m:ss or h:mm:ss.
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	s := int(d % time.Minute / time.Second)
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
