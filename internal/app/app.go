// Package app wires the soundlink subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// account store, the statistics publisher and the [SessionManager]; Run
// executes the periodic statistics loop; Shutdown terminates every session
// and tears the subsystems down in order.
//
// For testing, inject mock implementations via functional options
// (WithAccountStore, WithReporter, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/soundlink/internal/account"
	"github.com/MrWong99/soundlink/internal/config"
	"github.com/MrWong99/soundlink/internal/health"
	"github.com/MrWong99/soundlink/internal/observe"
	"github.com/MrWong99/soundlink/internal/stats"
	"github.com/MrWong99/soundlink/pkg/audio"
	"github.com/MrWong99/soundlink/pkg/backend"
)

// Providers holds the two external halves every session connects: the voice
// transport and the streaming backend.
type Providers struct {
	Audio   audio.Platform
	Backend backend.Dialer
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics  *observe.Metrics
	accounts account.Store
	reporter stats.Reporter
	sessions *SessionManager

	// guilds reports how many guilds the bot is in. Nil publishes zero.
	guilds func() int

	// closers are called in order during Shutdown.
	closers []func() error

	// checkers probe the external stores New connected to.
	checkers []health.Checker

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithAccountStore injects an account store instead of creating one from config.
func WithAccountStore(s account.Store) Option {
	return func(a *App) { a.accounts = s }
}

// WithReporter injects a statistics reporter instead of creating one from config.
func WithReporter(r stats.Reporter) Option {
	return func(a *App) { a.reporter = r }
}

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGuildCounter sets the function the statistics loop samples for the
// guild count.
func WithGuildCounter(f func() int) Option {
	return func(a *App) { a.guilds = f }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from main.go. Use Option functions to inject test doubles.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Account store ─────────────────────────────────────────────────
	if err := a.initAccounts(ctx); err != nil {
		return nil, fmt.Errorf("app: init accounts: %w", err)
	}

	// ── 2. Statistics publisher ──────────────────────────────────────────
	if err := a.initReporter(ctx); err != nil {
		return nil, fmt.Errorf("app: init stats: %w", err)
	}

	// ── 3. Session manager ───────────────────────────────────────────────
	a.sessions = NewSessionManager(SessionManagerConfig{
		Platform: providers.Audio,
		Dialer:   providers.Backend,
		Policy:   cfg.SessionPolicy(),
		Metrics:  a.metrics,
		Logger:   slog.Default(),
	})

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initAccounts connects the Postgres account store, or falls back to an
// in-memory store seeded from the config.
func (a *App) initAccounts(ctx context.Context) error {
	if a.accounts != nil {
		return nil
	}

	if dsn := a.cfg.Accounts.DatabaseURL; dsn != "" {
		store, pool, err := account.Open(ctx, dsn)
		if err != nil {
			return err
		}
		a.accounts = store
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})
		a.checkers = append(a.checkers, health.Checker{Name: "accounts", Check: pool.Ping})
		slog.Info("account store connected", "backend", "postgres")
		return nil
	}

	mem := account.NewMemStore()
	for _, l := range a.cfg.Accounts.Links {
		creds := backend.Credentials{Username: l.Username, Token: l.Token, DeviceName: l.DeviceName}
		if err := mem.Link(ctx, l.UserID, creds); err != nil {
			return fmt.Errorf("seed link %q: %w", l.UserID, err)
		}
	}
	a.accounts = mem
	slog.Warn("accounts.database_url is empty; account links are kept in memory", "seeded", len(a.cfg.Accounts.Links))
	return nil
}

// initReporter connects the Redis statistics publisher, or logs statistics
// when no key/value store is configured.
func (a *App) initReporter(ctx context.Context) error {
	if a.reporter != nil {
		return nil
	}
	if url := a.cfg.Stats.KVURL; url != "" {
		r, err := stats.Dial(ctx, url)
		if err != nil {
			return err
		}
		a.reporter = r
		a.closers = append(a.closers, r.Close)
		a.checkers = append(a.checkers, health.Checker{Name: "stats", Check: r.Ping})
		return nil
	}
	a.reporter = stats.LogReporter{}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session registry.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Accounts returns the account store.
func (a *App) Accounts() account.Store { return a.accounts }

// HealthCheckers returns readiness checks for the stores New connected.
// Injected and in-memory stores have none.
func (a *App) HealthCheckers() []health.Checker {
	return append([]health.Checker(nil), a.checkers...)
}

// HealthStats returns the session counters reported by the health endpoints.
func (a *App) HealthStats() map[string]int {
	return map[string]int{
		"sessions": a.sessions.Len(),
		"playing":  a.sessions.ActiveSessionCount(),
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run publishes statistics every stats interval and blocks until ctx is
// cancelled, returning ctx.Err().
func (a *App) Run(ctx context.Context) error {
	interval := a.cfg.Stats.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("app running", "stats_interval", interval)
	a.publishStats(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.publishStats(ctx)
		}
	}
}

// publishStats sends the current counts to the reporter and the guild gauge.
// Failures are logged; the next tick tries again.
func (a *App) publishStats(ctx context.Context) {
	active := a.sessions.ActiveSessionCount()
	guilds := 0
	if a.guilds != nil {
		guilds = a.guilds()
	}
	a.metrics.Guilds.Record(ctx, int64(guilds))

	if err := a.reporter.SetActiveCount(ctx, active); err != nil {
		slog.Warn("failed to publish active session count", "err", err)
	}
	if err := a.reporter.SetServerCount(ctx, guilds); err != nil {
		slog.Warn("failed to publish server count", "err", err)
	}
	slog.Debug("stats published", "active_sessions", active, "guilds", guilds, "registered", a.sessions.Len())
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown terminates every session, then runs the closers in order. It
// respects the context deadline: if ctx expires, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Len(), "closers", len(a.closers))

		if err := a.sessions.ShutdownAll(ctx); err != nil {
			slog.Warn("sessions did not terminate cleanly", "err", err)
			shutdownErr = err
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
