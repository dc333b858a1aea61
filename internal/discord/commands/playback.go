// Package commands implements the soundlink slash commands and player
// buttons.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/soundlink/internal/account"
	"github.com/MrWong99/soundlink/internal/app"
	"github.com/MrWong99/soundlink/internal/discord"
	"github.com/MrWong99/soundlink/internal/observe"
	"github.com/MrWong99/soundlink/internal/session"
	"github.com/MrWong99/soundlink/pkg/audio"
	"github.com/MrWong99/soundlink/pkg/backend"
)

// buttonPrefix namespaces the player buttons attached to /status.
const buttonPrefix = "player:"

// VoiceLocator returns the voice channel a user is in, or "".
type VoiceLocator func(guildID, userID string) string

// PlaybackConfig holds the dependencies of [PlaybackCommands].
type PlaybackConfig struct {
	Sessions *app.SessionManager
	Accounts account.Store
	Perms    *discord.PermissionChecker
	Voice    VoiceLocator

	// Notices posts asynchronous session notices. Nil disables them.
	Notices discord.API

	// DefaultDevice is the device name shown when the linked account has
	// none of its own.
	DefaultDevice string

	// Timeout bounds each command. Default: 30s.
	Timeout time.Duration

	Logger *slog.Logger
}

// PlaybackCommands implements /join, /leave, /pause, /resume, /skip,
// /volume and /status.
type PlaybackCommands struct {
	cfg PlaybackConfig
	log *slog.Logger
}

// NewPlaybackCommands creates the command set. Call [PlaybackCommands.Register]
// to route interactions to it and pass [PlaybackCommands.Notify] to
// [app.SessionManager.SetListener] for ended-session notices.
func NewPlaybackCommands(cfg PlaybackConfig) *PlaybackCommands {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PlaybackCommands{cfg: cfg, log: cfg.Logger}
}

// Register adds every playback command and the player buttons to router.
func (pc *PlaybackCommands) Register(router *discord.CommandRouter) {
	handlers := map[string]discord.HandlerFunc{
		"join":   pc.handleJoin,
		"leave":  pc.control(session.CmdDisconnect),
		"pause":  pc.control(session.CmdPause),
		"resume": pc.control(session.CmdResume),
		"skip":   pc.control(session.CmdSkip),
		"volume": pc.handleVolume,
		"status": pc.handleStatus,
	}
	for _, def := range Definitions() {
		router.RegisterCommand(def.Name, def, handlers[def.Name])
	}
	router.RegisterComponentPrefix(buttonPrefix, pc.handleButton)
}

// Definitions returns the ApplicationCommand definitions for Discord.
func Definitions() []*discordgo.ApplicationCommand {
	minVolume := 0.0
	return []*discordgo.ApplicationCommand{
		{Name: "join", Description: "Start relaying your streaming account into your voice channel"},
		{Name: "leave", Description: "Stop playback and leave the voice channel"},
		{Name: "pause", Description: "Pause playback"},
		{Name: "resume", Description: "Resume playback"},
		{Name: "skip", Description: "Skip to the next track"},
		{
			Name:        "volume",
			Description: "Set the playback volume",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "level",
				Description: "Volume from 0 to 100",
				Required:    true,
				MinValue:    &minVolume,
				MaxValue:    backend.MaxVolume,
			}},
		},
		{Name: "status", Description: "Show what is playing"},
	}
}

// ─── handlers ────────────────────────────────────────────────────────────────

func (pc *PlaybackCommands) handleJoin(api discord.API, i *discordgo.InteractionCreate) {
	if i.GuildID == "" || i.Member == nil {
		discord.RespondEphemeral(api, i, "Use this command in a server.")
		return
	}
	userID := interactionUserID(i)
	channelID := pc.cfg.Voice(i.GuildID, userID)
	if channelID == "" {
		discord.RespondEphemeral(api, i, "Join a voice channel first.")
		return
	}

	ctx, cancel, log := pc.begin(i, "join")
	defer cancel()

	creds, err := pc.cfg.Accounts.CredentialsFor(ctx, userID)
	switch {
	case errors.Is(err, account.ErrNotLinked):
		discord.RespondEphemeral(api, i, "No streaming account is linked to you yet.")
		return
	case err != nil:
		log.Error("failed to look up linked account", "err", err)
		discord.RespondEphemeral(api, i, "Could not look up your linked account. Try again later.")
		return
	}
	if creds.UserID == "" {
		creds.UserID = userID
	}

	// Connecting can take longer than the interaction acknowledgement window.
	discord.DeferReply(api, i)

	sess, created, err := pc.cfg.Sessions.GetOrCreate(ctx, app.JoinRequest{
		GuildID:         i.GuildID,
		ChannelID:       channelID,
		UserID:          userID,
		NoticeChannelID: i.ChannelID,
		Credentials:     creds,
	})
	if err != nil {
		log.Warn("join failed", "channel_id", channelID, "err", err)
		discord.FollowUp(api, i, joinErrorMessage(err))
		return
	}
	if !created {
		discord.FollowUp(api, i, fmt.Sprintf("Already connected to <#%s>.", sess.ChannelID()))
		return
	}

	device := creds.DeviceName
	if device == "" {
		device = pc.cfg.DefaultDevice
	}
	discord.FollowUp(api, i, fmt.Sprintf(
		"Connected to <#%s>. Pick **%s** as the playback device in your streaming app.",
		channelID, device,
	))
}

func (pc *PlaybackCommands) handleVolume(api discord.API, i *discordgo.InteractionCreate) {
	opts := i.ApplicationCommandData().Options
	if len(opts) == 0 {
		discord.RespondEphemeral(api, i, "Missing volume level.")
		return
	}
	pc.run(api, i, session.Command{Kind: session.CmdSetVolume, Volume: int(opts[0].IntValue())})
}

func (pc *PlaybackCommands) control(kind session.CommandKind) discord.HandlerFunc {
	return func(api discord.API, i *discordgo.InteractionCreate) {
		pc.run(api, i, session.Command{Kind: kind})
	}
}

func (pc *PlaybackCommands) handleButton(api discord.API, i *discordgo.InteractionCreate) {
	action := strings.TrimPrefix(i.MessageComponentData().CustomID, buttonPrefix)
	kind, ok := buttonCommands[action]
	if !ok {
		discord.RespondEphemeral(api, i, "Unknown button.")
		return
	}
	pc.run(api, i, session.Command{Kind: kind})
}

var buttonCommands = map[string]session.CommandKind{
	"pause":  session.CmdPause,
	"resume": session.CmdResume,
	"skip":   session.CmdSkip,
	"leave":  session.CmdDisconnect,
}

// run applies cmd to the guild's session and reports the outcome.
func (pc *PlaybackCommands) run(api discord.API, i *discordgo.InteractionCreate, cmd session.Command) {
	if !pc.cfg.Perms.CanControl(i) {
		discord.RespondEphemeral(api, i, "You need the DJ role to control playback.")
		return
	}
	sess := pc.cfg.Sessions.Get(i.GuildID)
	if sess == nil {
		discord.RespondEphemeral(api, i, "Nothing is playing here. Use /join first.")
		return
	}

	ctx, cancel, log := pc.begin(i, cmd.Kind.String())
	defer cancel()

	if err := sess.Control(ctx, cmd); err != nil {
		log.Debug("command failed", "err", err)
		discord.RespondEphemeral(api, i, controlErrorMessage(cmd, err))
		return
	}
	discord.Respond(api, i, controlSuccessMessage(cmd, interactionUserID(i)))
}

func (pc *PlaybackCommands) handleStatus(api discord.API, i *discordgo.InteractionCreate) {
	sess := pc.cfg.Sessions.Get(i.GuildID)
	if sess == nil {
		discord.RespondEphemeral(api, i, "Not connected.")
		return
	}
	snap := sess.Status()
	discord.RespondEmbed(api, i, statusEmbed(snap), playerButtons(snap.State))
}

// begin derives the command context with its span and logger.
func (pc *PlaybackCommands) begin(i *discordgo.InteractionCreate, name string) (context.Context, context.CancelFunc, *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), pc.cfg.Timeout)
	ctx, span := observe.StartGuildSpan(ctx, "discord.command."+name, i.GuildID,
		attribute.String("user_id", interactionUserID(i)))
	log := observe.Logger(ctx, pc.log).With("command", name, "guild_id", i.GuildID)
	return ctx, func() {
		span.End()
		cancel()
	}, log
}

// ─── notices ─────────────────────────────────────────────────────────────────

// Notify posts a notice to the channel /join was issued in when a session
// ends for a reason the user did not trigger. It never blocks the caller.
func (pc *PlaybackCommands) Notify(req app.JoinRequest, ev session.Event) {
	if ev.Type != session.EventEnded || pc.cfg.Notices == nil || req.NoticeChannelID == "" {
		return
	}
	text, ok := endedNotices[ev.Reason]
	if !ok {
		return
	}
	embed := &discordgo.MessageEmbed{
		Title:       "Playback stopped",
		Description: text,
		Color:       colorStopped,
	}
	if ev.Err != nil {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: ev.Err.Error()}
	}
	go func() {
		if _, err := pc.cfg.Notices.ChannelMessageSendEmbed(req.NoticeChannelID, embed); err != nil {
			pc.log.Warn("failed to post session notice", "guild_id", req.GuildID,
				"channel_id", req.NoticeChannelID, "err", err)
		}
	}()
}

// endedNotices covers the reasons a user is not already told about by a
// command reply.
var endedNotices = map[session.Reason]string{
	session.ReasonConnectionLost: "Lost the connection to the streaming service.",
	session.ReasonTransportLost:  "Lost the voice connection.",
	session.ReasonBackendEnded:   "The streaming service closed the session.",
	session.ReasonIdle:           "Left the voice channel after being paused for too long.",
	session.ReasonShutdown:       "The bot is restarting.",
}

// ─── messages ────────────────────────────────────────────────────────────────

func joinErrorMessage(err error) string {
	var joinErr *audio.JoinError
	switch {
	case errors.Is(err, backend.ErrAuth):
		return "The streaming service rejected your linked credentials. Link your account again."
	case errors.As(err, &joinErr):
		switch joinErr.Reason {
		case audio.JoinPermissions:
			return "I don't have permission to join that voice channel."
		case audio.JoinChannelFull:
			return "That voice channel is full."
		case audio.JoinTimeout:
			return "Timed out joining the voice channel."
		default:
			return "Could not join the voice channel."
		}
	case errors.Is(err, app.ErrShuttingDown):
		return "The bot is restarting. Try again in a moment."
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out connecting to the streaming service."
	default:
		return "Could not start playback: " + err.Error()
	}
}

func controlErrorMessage(cmd session.Command, err error) string {
	switch {
	case errors.Is(err, session.ErrTerminated):
		return "The session already ended."
	case errors.Is(err, session.ErrCommandRejected):
		if cmd.Kind == session.CmdSetVolume {
			return fmt.Sprintf("Volume must be between 0 and %d.", backend.MaxVolume)
		}
		return fmt.Sprintf("Can't %s right now.", cmd.Kind)
	default:
		return "Command failed: " + err.Error()
	}
}

func controlSuccessMessage(cmd session.Command, userID string) string {
	switch cmd.Kind {
	case session.CmdDisconnect:
		return "Left the voice channel."
	case session.CmdPause:
		return fmt.Sprintf("Paused by <@%s>.", userID)
	case session.CmdResume, session.CmdPlay:
		return fmt.Sprintf("Resumed by <@%s>.", userID)
	case session.CmdSkip:
		return fmt.Sprintf("Skipped by <@%s>.", userID)
	case session.CmdSetVolume:
		return fmt.Sprintf("Volume set to %d.", cmd.Volume)
	default:
		return "Done."
	}
}

// interactionUserID extracts the user ID from an interaction, handling
// both guild (Member) and DM (User) contexts.
func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}
