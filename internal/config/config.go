// Package config provides the configuration schema and loader for the
// soundlink relay.
package config

import (
	"time"

	"github.com/MrWong99/soundlink/internal/relay"
	"github.com/MrWong99/soundlink/internal/session"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Discord  DiscordConfig  `yaml:"discord"`
	Backend  BackendConfig  `yaml:"backend"`
	Session  SessionConfig  `yaml:"session"`
	Relay    RelayConfig    `yaml:"relay"`
	Accounts AccountsConfig `yaml:"accounts"`
	Stats    StatsConfig    `yaml:"stats"`
}

// ServerConfig holds the HTTP listener, logging and shutdown settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /metrics, /healthz and /readyz.
	ListenAddr string `yaml:"listen_addr" env:"LISTEN_ADDR, overwrite"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level" env:"LOG_LEVEL, overwrite"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DiscordConfig configures the chat bot.
type DiscordConfig struct {
	// Token is the bot token.
	Token string `yaml:"token" env:"DISCORD_TOKEN, overwrite"`

	// GuildID limits slash-command registration to one guild. Empty registers
	// the commands globally.
	GuildID string `yaml:"guild_id" env:"DISCORD_GUILD_ID, overwrite"`

	// DJRoleID, when set, is required for playback control commands.
	DJRoleID string `yaml:"dj_role_id"`
}

// BackendConfig configures the streaming backend gateway.
type BackendConfig struct {
	// GatewayURL is the primary device gateway (ws:// or wss://).
	GatewayURL string `yaml:"gateway_url" env:"BACKEND_GATEWAY_URL, overwrite"`

	// FallbackURLs are tried in order when the primary gateway is unreachable.
	FallbackURLs []string `yaml:"fallback_urls"`

	// DeviceName is how the relay appears in users' apps when the linked
	// account does not name a device.
	DeviceName string `yaml:"device_name"`

	// PingInterval is the keepalive period. Negative disables keepalive.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// SessionConfig holds per-session lifecycle policy. Zero values take the
// session package defaults.
type SessionConfig struct {
	JoinTimeout time.Duration `yaml:"join_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	ResetAfter  time.Duration `yaml:"reset_after"`

	// IdleTimeout terminates sessions paused this long. Negative disables.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// RelayConfig holds audio relay timing. Zero values take the relay package
// defaults.
type RelayConfig struct {
	Tick              time.Duration `yaml:"tick"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	Backlog           int           `yaml:"backlog"`
	Prefetch          int           `yaml:"prefetch"`
	EndOfTrackTimeout time.Duration `yaml:"end_of_track_timeout"`
	DecodeErrorBurst  int           `yaml:"decode_error_burst"`
	DecodeErrorWindow time.Duration `yaml:"decode_error_window"`
}

// AccountsConfig configures where linked backend accounts are stored.
type AccountsConfig struct {
	// DatabaseURL is a PostgreSQL connection string. When empty, links are
	// kept in memory and seeded from Links.
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL, overwrite"`

	// Links seeds account links, mainly for development setups.
	Links []AccountLink `yaml:"links"`
}

// AccountLink maps a chat user to backend credentials.
type AccountLink struct {
	UserID     string `yaml:"user_id"`
	Username   string `yaml:"username"`
	Token      string `yaml:"token"`
	DeviceName string `yaml:"device_name"`
}

// StatsConfig configures the statistics publisher.
type StatsConfig struct {
	// KVURL is a Redis URL ("redis://host:6379/0"). Empty disables publishing.
	KVURL string `yaml:"kv_url" env:"KV_URL, overwrite"`

	// Interval is the publishing period. Default: 30s.
	Interval time.Duration `yaml:"interval"`
}

const (
	defaultListenAddr      = ":8080"
	defaultShutdownTimeout = 15 * time.Second
	defaultStatsInterval   = 30 * time.Second
)

// ApplyDefaults fills unset fields that have process-level defaults. Session
// and relay policy defaults are left to their packages.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = defaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.Stats.Interval <= 0 {
		c.Stats.Interval = defaultStatsInterval
	}
}

// SessionPolicy converts the session and relay sections into the policy new
// sessions are created with.
func (c *Config) SessionPolicy() session.Policy {
	return session.Policy{
		JoinTimeout: c.Session.JoinTimeout,
		MaxRetries:  c.Session.MaxRetries,
		Backoff:     c.Session.Backoff,
		MaxBackoff:  c.Session.MaxBackoff,
		ResetAfter:  c.Session.ResetAfter,
		IdleTimeout: c.Session.IdleTimeout,
		Relay: relay.Config{
			Tick:              c.Relay.Tick,
			PollTimeout:       c.Relay.PollTimeout,
			Backlog:           c.Relay.Backlog,
			Prefetch:          c.Relay.Prefetch,
			EndOfTrackTimeout: c.Relay.EndOfTrackTimeout,
			DecodeErrorBurst:  c.Relay.DecodeErrorBurst,
			DecodeErrorWindow: c.Relay.DecodeErrorWindow,
		},
	}
}
