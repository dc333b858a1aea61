package commands

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/soundlink/internal/account"
	"github.com/MrWong99/soundlink/internal/app"
	"github.com/MrWong99/soundlink/internal/discord"
	"github.com/MrWong99/soundlink/internal/discord/mock"
	"github.com/MrWong99/soundlink/internal/relay"
	"github.com/MrWong99/soundlink/internal/session"
	audiomock "github.com/MrWong99/soundlink/pkg/audio/mock"
	"github.com/MrWong99/soundlink/pkg/backend"
	backendmock "github.com/MrWong99/soundlink/pkg/backend/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

type fixture struct {
	pc       *PlaybackCommands
	sm       *app.SessionManager
	api      *mock.API
	platform *audiomock.Platform
	dialer   *backendmock.Dialer
	accounts *account.MemStore
}

func newFixture(t *testing.T, djRole string) *fixture {
	t.Helper()
	f := &fixture{
		api:      &mock.API{Sent: make(chan mock.SentEmbed, 4)},
		platform: &audiomock.Platform{},
		dialer:   &backendmock.Dialer{},
		accounts: account.NewMemStore(),
	}
	f.sm = app.NewSessionManager(app.SessionManagerConfig{
		Platform: f.platform,
		Dialer:   f.dialer,
		Policy: session.Policy{
			JoinTimeout: time.Second,
			MaxRetries:  2,
			Backoff:     time.Millisecond,
			MaxBackoff:  2 * time.Millisecond,
			IdleTimeout: -1,
			Relay:       relay.Config{Tick: 2 * time.Millisecond, EndOfTrackTimeout: time.Hour},
		},
	})
	voice := map[string]string{"alice": "voice-1", "bob": "voice-1"}
	f.pc = NewPlaybackCommands(PlaybackConfig{
		Sessions:      f.sm,
		Accounts:      f.accounts,
		Perms:         discord.NewPermissionChecker(djRole),
		Voice:         func(_, userID string) string { return voice[userID] },
		Notices:       f.api,
		DefaultDevice: "soundlink",
	})
	f.sm.SetListener(f.pc.Notify)

	if err := f.accounts.Link(t.Context(), "alice", backend.Credentials{Username: "alice", Token: "tok"}); err != nil {
		t.Fatalf("Link: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.sm.ShutdownAll(ctx)
	})
	return f
}

func slash(name, userID string, roles []string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   "g1",
		ChannelID: "text-1",
		Member:    &discordgo.Member{User: &discordgo.User{ID: userID}, Roles: roles},
		Data:      discordgo.ApplicationCommandInteractionData{Name: name, Options: opts},
	}}
}

func button(action, userID string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:    discordgo.InteractionMessageComponent,
		GuildID: "g1",
		Member:  &discordgo.Member{User: &discordgo.User{ID: userID}},
		Data:    discordgo.MessageComponentInteractionData{CustomID: buttonPrefix + action},
	}}
}

func volumeOpt(v int64) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name: "level", Type: discordgo.ApplicationCommandOptionInteger, Value: float64(v),
	}
}

// dispatch routes the interaction through a router the way the bot does.
func (f *fixture) dispatch(i *discordgo.InteractionCreate) {
	r := discord.NewCommandRouter()
	f.pc.Register(r)
	r.Handle(f.api, i)
}

func (f *fixture) join(t *testing.T) *session.Session {
	t.Helper()
	f.dispatch(slash("join", "alice", nil))
	s := f.sm.Get("g1")
	if s == nil {
		t.Fatalf("join did not create a session; follow-up: %+v", f.api.LastFollowUp())
	}
	f.api.Reset()
	return s
}

func lastContent(t *testing.T, api *mock.API) string {
	t.Helper()
	resp := api.LastResponse()
	if resp == nil || resp.Data == nil {
		t.Fatal("no response sent")
	}
	return resp.Data.Content
}

func isEphemeral(resp *discordgo.InteractionResponse) bool {
	return resp.Data != nil && resp.Data.Flags&discordgo.MessageFlagsEphemeral != 0
}

// ─── /join ───────────────────────────────────────────────────────────────────

func TestJoin_Success(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	f.dispatch(slash("join", "alice", nil))

	if got := f.api.Responses[0].Type; got != discordgo.InteractionResponseDeferredChannelMessageWithSource {
		t.Errorf("first response type = %v, want deferred", got)
	}
	fu := f.api.LastFollowUp()
	if fu == nil || !strings.Contains(fu.Content, "<#voice-1>") || !strings.Contains(fu.Content, "**soundlink**") {
		t.Errorf("follow-up = %+v", fu)
	}

	info, ok := f.sm.Info("g1")
	if !ok {
		t.Fatal("no session registered")
	}
	if info.Request.NoticeChannelID != "text-1" || info.Request.UserID != "alice" {
		t.Errorf("request = %+v", info.Request)
	}
	if creds := f.dialer.ConnectCalls[0]; creds.Token != "tok" || creds.UserID != "alice" {
		t.Errorf("dialed with %+v", creds)
	}
	if got := info.Session.State(); got != session.StatePlaying {
		t.Errorf("State = %v, want PLAYING", got)
	}
}

func TestJoin_Rejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		inter *discordgo.InteractionCreate
		want  string
	}{
		{
			name:  "not in voice",
			inter: slash("join", "carol", nil),
			want:  "Join a voice channel first.",
		},
		{
			name:  "no linked account",
			inter: slash("join", "bob", nil),
			want:  "No streaming account is linked to you yet.",
		},
		{
			name: "outside a guild",
			inter: &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
				Type: discordgo.InteractionApplicationCommand,
				User: &discordgo.User{ID: "alice"},
				Data: discordgo.ApplicationCommandInteractionData{Name: "join"},
			}},
			want: "Use this command in a server.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, "")
			f.dispatch(tt.inter)

			if got := lastContent(t, f.api); got != tt.want {
				t.Errorf("response = %q, want %q", got, tt.want)
			}
			if !isEphemeral(f.api.LastResponse()) {
				t.Error("rejection should be ephemeral")
			}
			if f.sm.Len() != 0 {
				t.Error("a session was created")
			}
		})
	}
}

func TestJoin_AlreadyConnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	s := f.join(t)

	f.dispatch(slash("join", "alice", nil))

	if fu := f.api.LastFollowUp(); fu == nil || !strings.HasPrefix(fu.Content, "Already connected") {
		t.Errorf("follow-up = %+v", fu)
	}
	if f.sm.Get("g1") != s {
		t.Error("session was replaced")
	}
}

func TestJoin_AuthRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.dialer.ConnectErrors = []error{backend.ErrAuth}

	f.dispatch(slash("join", "alice", nil))

	fu := f.api.LastFollowUp()
	if fu == nil || !strings.Contains(fu.Content, "rejected your linked credentials") {
		t.Errorf("follow-up = %+v", fu)
	}
	if f.sm.Len() != 0 {
		t.Error("failed session stayed registered")
	}
}

// ─── control ─────────────────────────────────────────────────────────────────

func TestControl_Sequence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	s := f.join(t)

	steps := []struct {
		inter     *discordgo.InteractionCreate
		wantReply string
		wantState session.State
	}{
		{slash("pause", "bob", nil), "Paused by <@bob>.", session.StatePaused},
		{slash("resume", "bob", nil), "Resumed by <@bob>.", session.StatePlaying},
		{slash("volume", "bob", nil, volumeOpt(40)), "Volume set to 40.", session.StatePlaying},
		{button("pause", "alice"), "Paused by <@alice>.", session.StatePaused},
		{button("skip", "alice"), "Skipped by <@alice>.", session.StatePlaying},
	}
	for _, st := range steps {
		f.dispatch(st.inter)
		if got := lastContent(t, f.api); got != st.wantReply {
			t.Errorf("reply = %q, want %q", got, st.wantReply)
		}
		if got := s.State(); got != st.wantState {
			t.Errorf("after %q: State = %v, want %v", st.wantReply, got, st.wantState)
		}
	}
	if got := s.Status().Volume; got != 40 {
		t.Errorf("Volume = %d, want 40", got)
	}

	f.dispatch(slash("leave", "bob", nil))
	if got := lastContent(t, f.api); got != "Left the voice channel." {
		t.Errorf("leave reply = %q", got)
	}
	if got := s.State(); got != session.StateTerminated {
		t.Errorf("State after leave = %v, want TERMINATED", got)
	}
	if !f.platform.Last().Left() {
		t.Error("voice channel not left")
	}
}

func TestControl_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		djRole string
		join   bool
		inter  *discordgo.InteractionCreate
		want   string
	}{
		{
			name:  "no session",
			inter: slash("pause", "bob", nil),
			want:  "Nothing is playing here. Use /join first.",
		},
		{
			name:   "missing DJ role",
			djRole: "dj",
			join:   true,
			inter:  slash("skip", "bob", []string{"listener"}),
			want:   "You need the DJ role to control playback.",
		},
		{
			name:  "resume while playing",
			join:  true,
			inter: slash("resume", "bob", nil),
			want:  "Can't resume right now.",
		},
		{
			name:  "volume out of range",
			join:  true,
			inter: slash("volume", "bob", nil, volumeOpt(150)),
			want:  "Volume must be between 0 and 100.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tt.djRole)
			if tt.join {
				// The DJ gate does not apply to /join.
				f.join(t)
			}
			f.dispatch(tt.inter)
			if got := lastContent(t, f.api); got != tt.want {
				t.Errorf("reply = %q, want %q", got, tt.want)
			}
			if !isEphemeral(f.api.LastResponse()) {
				t.Error("error reply should be ephemeral")
			}
		})
	}
}

// ─── /status ─────────────────────────────────────────────────────────────────

func TestStatus(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")

	f.dispatch(slash("status", "bob", nil))
	if got := lastContent(t, f.api); got != "Not connected." {
		t.Errorf("reply without session = %q", got)
	}

	f.join(t)
	f.dialer.Last().Emit(backend.Event{Type: backend.EventTrackChanged, Track: backend.Metadata{
		Title: "Song", Artists: []string{"A", "B"}, Duration: 3*time.Minute + 5*time.Second,
	}})
	waitFor(t, "track change", func() bool { return f.sm.Get("g1").Status().Track.Title == "Song" })

	f.dispatch(slash("status", "bob", nil))
	resp := f.api.LastResponse()
	if resp == nil || len(resp.Data.Embeds) != 1 {
		t.Fatalf("response = %+v, want one embed", resp)
	}
	embed := resp.Data.Embeds[0]
	if embed.Description != "**Song** by A, B (3:05)" {
		t.Errorf("description = %q", embed.Description)
	}
	if embed.Fields[0].Value != "PLAYING" || embed.Color != colorPlaying {
		t.Errorf("state field = %q, color = %#x", embed.Fields[0].Value, embed.Color)
	}
	row, ok := resp.Data.Components[0].(discordgo.ActionsRow)
	if !ok || len(row.Components) != 3 {
		t.Fatalf("components = %+v", resp.Data.Components)
	}
	if b := row.Components[0].(discordgo.Button); b.CustomID != "player:pause" || b.Disabled {
		t.Errorf("toggle button = %+v", b)
	}
}

// ─── notices ─────────────────────────────────────────────────────────────────

func TestNotify_BackendEnded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	f.join(t)

	f.dialer.Last().Emit(backend.Event{Type: backend.EventEnded})

	select {
	case sent := <-f.api.Sent:
		if sent.ChannelID != "text-1" {
			t.Errorf("notice channel = %q, want text-1", sent.ChannelID)
		}
		if sent.Embed.Description != endedNotices[session.ReasonBackendEnded] {
			t.Errorf("notice = %q", sent.Embed.Description)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no notice posted")
	}
}

func TestNotify_SkipsUserInitiatedEnds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	req := app.JoinRequest{GuildID: "g1", NoticeChannelID: "text-1"}

	for _, reason := range []session.Reason{session.ReasonLeave, session.ReasonReplaced, session.ReasonJoinFailed} {
		f.pc.Notify(req, session.Event{Type: session.EventEnded, Reason: reason})
	}
	f.pc.Notify(req, session.Event{Type: session.EventStateChanged, To: session.StatePaused})

	if len(f.api.Embeds) != 0 {
		t.Errorf("posted %d notices, want none", len(f.api.Embeds))
	}
}

// ─── formatting ──────────────────────────────────────────────────────────────

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00"},
		{59*time.Second + 900*time.Millisecond, "0:59"},
		{3*time.Minute + 5*time.Second, "3:05"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.in); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
