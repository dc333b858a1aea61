package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// LoadDotEnv loads environment variables from the given .env files without
// overriding variables that are already set. Missing files are skipped with a
// warning.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		err := godotenv.Load(p)
		if errors.Is(err, fs.ErrNotExist) {
			slog.Warn("env file not found, skipping", "path", p)
			continue
		}
		if err != nil {
			return fmt.Errorf("config: load env file %q: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := ApplyEnv(context.Background(), cfg, envconfig.OsLookuper()); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with values found through l for every field tagged
// with an environment variable name.
func ApplyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: l,
	}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must not be negative"))
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required (or set DISCORD_TOKEN)"))
	}

	// Backend
	if cfg.Backend.GatewayURL == "" {
		errs = append(errs, errors.New("backend.gateway_url is required (or set BACKEND_GATEWAY_URL)"))
	} else if err := validateGatewayURL(cfg.Backend.GatewayURL); err != nil {
		errs = append(errs, fmt.Errorf("backend.gateway_url: %w", err))
	}
	for i, u := range cfg.Backend.FallbackURLs {
		if err := validateGatewayURL(u); err != nil {
			errs = append(errs, fmt.Errorf("backend.fallback_urls[%d]: %w", i, err))
		}
	}

	// Session
	s := cfg.Session
	errs = appendNegative(errs, "session.join_timeout", s.JoinTimeout)
	errs = appendNegative(errs, "session.backoff", s.Backoff)
	errs = appendNegative(errs, "session.max_backoff", s.MaxBackoff)
	errs = appendNegative(errs, "session.reset_after", s.ResetAfter)
	if s.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("session.max_retries %d must not be negative", s.MaxRetries))
	}
	if s.Backoff > 0 && s.MaxBackoff > 0 && s.Backoff > s.MaxBackoff {
		errs = append(errs, fmt.Errorf("session.backoff %v exceeds session.max_backoff %v", s.Backoff, s.MaxBackoff))
	}

	// Relay
	r := cfg.Relay
	errs = appendNegative(errs, "relay.tick", r.Tick)
	errs = appendNegative(errs, "relay.poll_timeout", r.PollTimeout)
	errs = appendNegative(errs, "relay.end_of_track_timeout", r.EndOfTrackTimeout)
	errs = appendNegative(errs, "relay.decode_error_window", r.DecodeErrorWindow)
	if r.Backlog < 0 || r.Prefetch < 0 || r.DecodeErrorBurst < 0 {
		errs = append(errs, errors.New("relay.backlog, relay.prefetch and relay.decode_error_burst must not be negative"))
	}
	if r.Tick > 0 && r.PollTimeout >= r.Tick {
		errs = append(errs, fmt.Errorf("relay.poll_timeout %v must be shorter than relay.tick %v", r.PollTimeout, r.Tick))
	}

	// Accounts
	seen := make(map[string]int, len(cfg.Accounts.Links))
	for i, l := range cfg.Accounts.Links {
		prefix := fmt.Sprintf("accounts.links[%d]", i)
		if l.UserID == "" {
			errs = append(errs, fmt.Errorf("%s.user_id is required", prefix))
			continue
		}
		if prev, ok := seen[l.UserID]; ok {
			errs = append(errs, fmt.Errorf("%s.user_id %q is a duplicate of accounts.links[%d]", prefix, l.UserID, prev))
		}
		seen[l.UserID] = i
		if l.Token == "" {
			errs = append(errs, fmt.Errorf("%s.token is required", prefix))
		}
	}
	if cfg.Accounts.DatabaseURL != "" && len(cfg.Accounts.Links) > 0 {
		slog.Warn("accounts.links are ignored when accounts.database_url is set")
	}

	// Stats
	errs = appendNegative(errs, "stats.interval", cfg.Stats.Interval)
	if cfg.Stats.KVURL != "" {
		if u, err := url.Parse(cfg.Stats.KVURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, fmt.Errorf("stats.kv_url %q must be a redis:// or rediss:// URL", cfg.Stats.KVURL))
		}
	}

	return errors.Join(errs...)
}

func validateGatewayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%q must use the ws or wss scheme", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	return nil
}

func appendNegative[T ~int64](errs []error, field string, v T) []error {
	if v < 0 {
		return append(errs, fmt.Errorf("%s must not be negative", field))
	}
	return errs
}
