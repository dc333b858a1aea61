package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/soundlink/internal/observe"
	"github.com/MrWong99/soundlink/internal/session"
	"github.com/MrWong99/soundlink/pkg/audio"
	"github.com/MrWong99/soundlink/pkg/backend"
)

// ErrShuttingDown is returned by [SessionManager.GetOrCreate] once
// [SessionManager.ShutdownAll] has started.
var ErrShuttingDown = errors.New("app: shutting down")

// JoinRequest asks for a session in one guild's voice channel.
type JoinRequest struct {
	GuildID   string
	ChannelID string

	// UserID is the chat user who asked for the session.
	UserID string

	// NoticeChannelID is where asynchronous notices about the session (such
	// as it ending) should be posted. Opaque to the manager.
	NoticeChannelID string

	Credentials backend.Credentials
}

// SessionInfo describes a registered session.
type SessionInfo struct {
	Session   *session.Session
	Request   JoinRequest
	StartedAt time.Time
}

// Listener receives the events of every managed session together with the
// request that created it. It runs on the session goroutine and must not
// block.
type Listener func(req JoinRequest, ev session.Event)

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Platform audio.Platform
	Dialer   backend.Dialer
	Policy   session.Policy
	Listener Listener
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// entry is one registry slot. sess and req are immutable once the entry is
// published; err is written before ready is closed.
type entry struct {
	req   JoinRequest
	sess  *session.Session
	start time.Time
	ready chan struct{}
	err   error
}

func (e *entry) isReady() bool {
	select {
	case <-e.ready:
		return e.err == nil
	default:
		return false
	}
}

// SessionManager is the process-wide registry of sessions keyed by guild.
// At most one session exists per guild; all mutation goes through its
// methods, which are safe for concurrent use.
type SessionManager struct {
	platform audio.Platform
	dialer   backend.Dialer
	metrics  *observe.Metrics
	log      *slog.Logger

	mu           sync.Mutex
	listener     Listener
	policy       session.Policy
	entries      map[string]*entry
	shuttingDown bool
	watchers     sync.WaitGroup
}

// NewSessionManager creates an empty registry.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SessionManager{
		platform: cfg.Platform,
		dialer:   cfg.Dialer,
		listener: cfg.Listener,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		policy:   cfg.Policy,
		entries:  make(map[string]*entry),
	}
}

// SetPolicy replaces the policy used for sessions created afterwards.
func (m *SessionManager) SetPolicy(p session.Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
}

// SetListener replaces the listener that receives session events. Events of
// running sessions are delivered to the new listener from then on.
func (m *SessionManager) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

// Policy returns the policy new sessions are created with.
func (m *SessionManager) Policy() session.Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// GetOrCreate returns the guild's session, creating and starting one if none
// exists. Concurrent calls for the same guild share one session: the first
// caller starts it and the others wait for the outcome. A request for a
// different voice channel terminates the existing session first. The bool
// reports whether this call created the session.
func (m *SessionManager) GetOrCreate(ctx context.Context, req JoinRequest) (*session.Session, bool, error) {
	for {
		m.mu.Lock()
		if m.shuttingDown {
			m.mu.Unlock()
			return nil, false, ErrShuttingDown
		}
		e, ok := m.entries[req.GuildID]
		if !ok {
			e = m.register(req)
			m.mu.Unlock()
			return m.start(ctx, e)
		}
		m.mu.Unlock()

		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		if e.err != nil {
			return nil, false, e.err
		}

		switch {
		case e.sess.State().Terminal():
			// Ending on its own; wait for the slot to free up.
		case e.sess.ChannelID() == req.ChannelID:
			return e.sess, false, nil
		default:
			m.log.Info("moving session to another channel",
				"guild_id", req.GuildID, "from", e.sess.ChannelID(), "to", req.ChannelID)
			if err := e.sess.TerminateWith(ctx, session.ReasonReplaced); err != nil {
				return nil, false, err
			}
		}

		select {
		case <-e.sess.Done():
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
		m.remove(e)
	}
}

// register must be called with m.mu held.
func (m *SessionManager) register(req JoinRequest) *entry {
	e := &entry{req: req, start: time.Now(), ready: make(chan struct{})}
	e.sess = session.New(session.Config{
		GuildID:     req.GuildID,
		ChannelID:   req.ChannelID,
		Credentials: req.Credentials,
		Platform:    m.platform,
		Dialer:      m.dialer,
		Policy:      m.policy,
		Listener:    m.forward(req),
		Metrics:     m.metrics,
		Logger:      m.log,
	})
	m.entries[req.GuildID] = e
	m.metrics.RegisteredSessions.Add(context.Background(), 1)
	return e
}

func (m *SessionManager) start(ctx context.Context, e *entry) (*session.Session, bool, error) {
	err := e.sess.Start(ctx)
	if err != nil {
		e.err = err
		close(e.ready)
		m.remove(e)
		return nil, false, err
	}

	// Watchers are only added under m.mu before shutdown begins, so
	// ShutdownAll never waits on a group that is still growing.
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		e.err = ErrShuttingDown
		close(e.ready)
		if err := e.sess.TerminateWith(context.WithoutCancel(ctx), session.ReasonShutdown); err != nil {
			m.log.Warn("failed to stop session started during shutdown", "guild_id", e.req.GuildID, "err", err)
		}
		m.remove(e)
		return nil, false, ErrShuttingDown
	}
	m.watchers.Go(func() {
		<-e.sess.Done()
		m.remove(e)
	})
	m.mu.Unlock()
	close(e.ready)
	return e.sess, true, nil
}

// remove drops e from the registry if it is still the registered entry.
func (m *SessionManager) remove(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[e.req.GuildID]; ok && cur == e {
		delete(m.entries, e.req.GuildID)
		m.metrics.RegisteredSessions.Add(context.Background(), -1)
	}
}

func (m *SessionManager) forward(req JoinRequest) session.Listener {
	return func(ev session.Event) {
		if ev.Type == session.EventEnded {
			m.log.Info("session ended", "guild_id", ev.GuildID, "session_id", ev.SessionID,
				"reason", ev.Reason, "err", ev.Err)
		}
		m.mu.Lock()
		l := m.listener
		m.mu.Unlock()
		if l != nil {
			l(req, ev)
		}
	}
}

// Get returns the guild's started session, or nil.
func (m *SessionManager) Get(guildID string) *session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[guildID]; ok && e.isReady() {
		return e.sess
	}
	return nil
}

// Info returns the registry details of the guild's started session.
func (m *SessionManager) Info(guildID string) (SessionInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[guildID]
	if !ok || !e.isReady() {
		return SessionInfo{}, false
	}
	return SessionInfo{Session: e.sess, Request: e.req, StartedAt: e.start}, true
}

// Sessions returns every started session.
func (m *SessionManager) Sessions() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, 0, len(m.entries))
	for _, e := range m.entries {
		if e.isReady() {
			out = append(out, e.sess)
		}
	}
	return out
}

// Len returns the number of registered sessions in any state.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// ActiveSessionCount returns the number of sessions currently PLAYING.
func (m *SessionManager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.sess.State() == session.StatePlaying {
			n++
		}
	}
	return n
}

// ShutdownAll rejects new sessions, terminates every registered session
// concurrently and returns once all of them are TERMINATED or ctx ends.
func (m *SessionManager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	m.log.Info("terminating all sessions", "count", len(entries))

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			if err := e.sess.TerminateWith(gctx, session.ReasonShutdown); err != nil {
				return fmt.Errorf("guild %s: %w", e.req.GuildID, err)
			}
			m.remove(e)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: shutdown sessions: %w", err)
	}

	done := make(chan struct{})
	go func() {
		m.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: shutdown sessions: %w", ctx.Err())
	}
}
