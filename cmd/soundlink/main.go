// Command soundlink relays users' music-streaming sessions into Discord voice
// channels.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/soundlink/internal/app"
	"github.com/MrWong99/soundlink/internal/config"
	discordbot "github.com/MrWong99/soundlink/internal/discord"
	"github.com/MrWong99/soundlink/internal/discord/commands"
	"github.com/MrWong99/soundlink/internal/health"
	"github.com/MrWong99/soundlink/internal/observe"
	"github.com/MrWong99/soundlink/internal/resilience"
	"github.com/MrWong99/soundlink/pkg/backend"
	"github.com/MrWong99/soundlink/pkg/backend/device"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	envFile := flag.String("env-file", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "soundlink: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "soundlink: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "soundlink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("soundlink starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Streaming backend ─────────────────────────────────────────────────────
	gateways := buildDialer(cfg.Backend)

	// ── Discord bot ───────────────────────────────────────────────────────────
	bot, err := discordbot.New(ctx, discordbot.Config{
		Token:    cfg.Discord.Token,
		GuildID:  cfg.Discord.GuildID,
		DJRoleID: cfg.Discord.DJRoleID,
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}
	defer func() {
		if err := bot.Close(); err != nil {
			slog.Warn("discord bot close error", "err", err)
		}
	}()

	application, err := app.New(ctx, cfg, &app.Providers{Audio: bot.Platform(), Backend: gateways},
		app.WithMetrics(metrics),
		app.WithGuildCounter(bot.GuildCount),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	playback := commands.NewPlaybackCommands(commands.PlaybackConfig{
		Sessions:      application.Sessions(),
		Accounts:      application.Accounts(),
		Perms:         bot.Permissions(),
		Voice:         bot.VoiceChannel,
		Notices:       bot.Session(),
		DefaultDevice: cfg.Backend.DeviceName,
	})
	playback.Register(bot.Router())
	application.Sessions().SetListener(playback.Notify)

	printStartupSummary(cfg)

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(change config.Change) {
		d := change.Diff
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.PolicyChanged {
			application.Sessions().SetPolicy(change.New.SessionPolicy())
			slog.Info("session policy updated; applies to new sessions")
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config changes need a restart", "fields", d.RestartRequired)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		go func() { _ = watcher.Run(ctx) }()

		// SIGHUP forces a reload without waiting for the next poll.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					if _, err := watcher.Reload(ctx); err != nil {
						slog.Warn("config reload failed", "err", err)
					}
				}
			}
		}()
	}

	// ── HTTP: metrics and health ──────────────────────────────────────────────
	checks := append([]health.Checker{bot.HealthCheck()}, application.HealthCheckers()...)
	if fb, ok := gateways.(*resilience.DialerFallback); ok {
		checks = append(checks, health.Checker{Name: "backend", Check: fb.Check})
	}
	probes := health.New(checks, health.WithStats(application.HealthStats))

	mux := http.NewServeMux()
	probes.Register(mux)
	mux.Handle("GET /metrics", telemetry.Handler())
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server error", "err", err)
			stop()
		}
	}()

	// ── Run ───────────────────────────────────────────────────────────────────
	go func() {
		if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("discord bot error", "err", err)
			stop()
		}
	}()

	slog.Info("server ready; press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping")
	probes.SetDraining(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	code := 0
	// Sessions leave their voice channels before the gateway connection closes.
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// buildDialer returns the device dialer for the primary gateway, wrapped in a
// failover when fallback gateways are configured.
func buildDialer(cfg config.BackendConfig) backend.Dialer {
	dial := func(u string) backend.Dialer {
		return device.NewDialer(device.Config{
			URL:          u,
			DeviceName:   cfg.DeviceName,
			PingInterval: cfg.PingInterval,
		})
	}
	primary := dial(cfg.GatewayURL)
	if len(cfg.FallbackURLs) == 0 {
		return primary
	}

	fb := resilience.NewDialerFallback(primary, gatewayName(cfg.GatewayURL), resilience.CircuitBreakerConfig{
		Name:        "backend-gateway",
		MaxFailures: 3,
		CoolDown:    30 * time.Second,
	})
	for _, u := range cfg.FallbackURLs {
		fb.AddFallback(gatewayName(u), dial(u))
	}
	slog.Info("backend gateway failover enabled", "gateways", len(cfg.FallbackURLs)+1)
	return fb
}

// gatewayName labels a gateway by host for logs and breaker state.
func gatewayName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       soundlink startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Gateway", gatewayName(cfg.Backend.GatewayURL))
	printRow("Fallbacks", fmt.Sprint(len(cfg.Backend.FallbackURLs)))
	accounts := "memory"
	if cfg.Accounts.DatabaseURL != "" {
		accounts = "postgres"
	}
	printRow("Accounts", accounts)
	stats := "log"
	if cfg.Stats.KVURL != "" {
		stats = "redis"
	}
	printRow("Stats", stats)
	guild := cfg.Discord.GuildID
	if guild == "" {
		guild = "(global)"
	}
	printRow("Commands", guild)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "..."
	}
	fmt.Printf("║  %-15s : %-19s ║\n", key, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
