package discord

import (
	"cmp"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// HandlerFunc handles one interaction.
type HandlerFunc func(api API, i *discordgo.InteractionCreate)

// CommandRouter maps slash commands and button custom IDs to handlers.
//
// Commands are keyed "name" or "name/subcommand". Buttons match an exact
// custom ID first, then the longest registered prefix.
type CommandRouter struct {
	mu       sync.RWMutex
	defs     map[string]*discordgo.ApplicationCommand // top-level name → definition
	commands map[string]HandlerFunc
	buttons  map[string]HandlerFunc
	prefixes []prefixRoute // longest first
}

type prefixRoute struct {
	prefix  string
	handler HandlerFunc
}

// NewCommandRouter returns an empty router.
func NewCommandRouter() *CommandRouter {
	return &CommandRouter{
		defs:     make(map[string]*discordgo.ApplicationCommand),
		commands: make(map[string]HandlerFunc),
		buttons:  make(map[string]HandlerFunc),
	}
}

// RegisterCommand routes key to handler. cmd is the top-level definition
// uploaded by [Bot.Run]; registering several subcommand keys with the same
// definition uploads it once.
func (r *CommandRouter) RegisterCommand(key string, cmd *discordgo.ApplicationCommand, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[key] = handler
	if cmd != nil {
		r.defs[cmd.Name] = cmd
	}
}

// RegisterComponent routes the button with exactly this custom ID.
func (r *CommandRouter) RegisterComponent(customID string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buttons[customID] = handler
}

// RegisterComponentPrefix routes every button whose custom ID starts with
// prefix, such as "player:" for "player:skip".
func (r *CommandRouter) RegisterComponentPrefix(prefix string, handler HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = slices.DeleteFunc(r.prefixes, func(p prefixRoute) bool { return p.prefix == prefix })
	r.prefixes = append(r.prefixes, prefixRoute{prefix: prefix, handler: handler})
	slices.SortFunc(r.prefixes, func(a, b prefixRoute) int { return cmp.Compare(len(b.prefix), len(a.prefix)) })
}

// ApplicationCommands returns the top-level definitions sorted by name.
func (r *CommandRouter) ApplicationCommands() []*discordgo.ApplicationCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmds := make([]*discordgo.ApplicationCommand, 0, len(r.defs))
	for _, def := range r.defs {
		cmds = append(cmds, def)
	}
	slices.SortFunc(cmds, func(a, b *discordgo.ApplicationCommand) int { return cmp.Compare(a.Name, b.Name) })
	return cmds
}

// Handle dispatches i. Unknown commands and buttons get an ephemeral reply.
// A panicking handler is logged and answered with an ephemeral error so the
// gateway event loop survives.
func (r *CommandRouter) Handle(api API, i *discordgo.InteractionCreate) {
	var (
		handler HandlerFunc
		key     string
		unknown string
	)
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		key = commandKey(i.ApplicationCommandData())
		handler = r.command(key)
		unknown = "Unknown command."
	case discordgo.InteractionMessageComponent:
		key = i.MessageComponentData().CustomID
		handler = r.button(key)
		unknown = "Unknown button."
	default:
		slog.Debug("discord: ignoring interaction", "type", i.Type)
		return
	}

	if handler == nil {
		slog.Warn("discord: no route for interaction", "key", key, "guild_id", i.GuildID)
		RespondEphemeral(api, i, unknown)
		return
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("discord: interaction handler panicked", "key", key, "guild_id", i.GuildID,
				"panic", p, "stack", string(debug.Stack()))
			RespondEphemeral(api, i, "Something went wrong.")
		}
	}()
	handler(api, i)
}

func (r *CommandRouter) command(key string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commands[key]
}

func (r *CommandRouter) button(customID string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.buttons[customID]; ok {
		return h
	}
	for _, p := range r.prefixes {
		if strings.HasPrefix(customID, p.prefix) {
			return p.handler
		}
	}
	return nil
}

// commandKey is "name", or "name/sub" when the first option is a subcommand.
func commandKey(data discordgo.ApplicationCommandInteractionData) string {
	if len(data.Options) > 0 && data.Options[0].Type == discordgo.ApplicationCommandOptionSubCommand {
		return data.Name + "/" + data.Options[0].Name
	}
	return data.Name
}
