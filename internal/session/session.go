// Package session implements the per-guild playback session: one streaming
// backend connection, one voice transport connection and the relay moving
// audio between them.
//
// A [Session] is an actor. After [Session.Start] succeeds, a single goroutine
// owns the backend client, the voice connection and the relay; commands,
// relay events, backend events, transport health changes and reconnect
// results all reach it as messages and are applied one at a time. State
// transitions are therefore serialised without locking the audio path.
//
// Lifecycle:
//
//	CONNECTING ──► PLAYING ◄──► PAUSED
//	    │             │  ▲         │
//	    │             ▼  │         ▼
//	    │          RECONNECTING ◄──┘
//	    ▼             │
//	TERMINATED ◄── TERMINATING ◄── (leave, fatal error, retry budget exhausted)
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/soundlink/internal/observe"
	"github.com/MrWong99/soundlink/internal/relay"
	"github.com/MrWong99/soundlink/internal/resilience"
	"github.com/MrWong99/soundlink/pkg/audio"
	"github.com/MrWong99/soundlink/pkg/backend"
)

// Policy holds the tunable timing and retry parameters of a session.
type Policy struct {
	// JoinTimeout bounds the initial backend connect and transport join, and
	// every single reconnect attempt. Default: 10s.
	JoinTimeout time.Duration

	// MaxRetries is the reconnect budget: failed attempts tolerated before the
	// session terminates. Default: 5.
	MaxRetries int

	// Backoff and MaxBackoff shape the exponential delay between reconnect
	// attempts. Defaults: 1s and 30s.
	Backoff    time.Duration
	MaxBackoff time.Duration

	// ResetAfter is how long both sides must stay healthy before the reconnect
	// budget refills. Default: 60s.
	ResetAfter time.Duration

	// IdleTimeout terminates a session that stays paused this long. Zero
	// selects the default of 5m; negative disables the idle policy.
	IdleTimeout time.Duration

	// Relay configures the audio relay.
	Relay relay.Config
}

// DefaultPolicy returns the policy used when no configuration is supplied.
func DefaultPolicy() Policy {
	var p Policy
	p.applyDefaults()
	return p
}

func (p *Policy) applyDefaults() {
	if p.JoinTimeout <= 0 {
		p.JoinTimeout = 10 * time.Second
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 5
	}
	if p.Backoff <= 0 {
		p.Backoff = time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	if p.ResetAfter <= 0 {
		p.ResetAfter = time.Minute
	}
	if p.IdleTimeout == 0 {
		p.IdleTimeout = 5 * time.Minute
	}
}

// Config describes one session.
type Config struct {
	GuildID     string
	ChannelID   string
	Credentials backend.Credentials

	Platform audio.Platform
	Dialer   backend.Dialer

	Policy

	// Listener, if set, receives state changes, track changes and the final
	// ended event.
	Listener Listener

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

type request struct {
	cmd   Command
	reply chan error
}

type healthMsg struct {
	conn audio.Connection
	ev   audio.HealthEvent
}

// Session is one guild's playback session. Create it with [New], then call
// [Session.Start]. All exported methods are safe for concurrent use.
type Session struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	budget  *resilience.Budget
	backoff resilience.Backoff

	// ctx scopes all background work; it outlives the context passed to Start.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	snap       Snapshot
	started    bool
	joinCancel context.CancelFunc
	relay      *relay.Relay
	stopReason Reason
	stopErr    error

	cmds       chan request
	health     chan healthMsg
	reconnects chan reconnectResult
	stopSig    chan struct{}
	stopOnce   sync.Once
	done       chan struct{}

	// Owned by the actor goroutine once Start has returned.
	client        backend.Client
	backendEvents <-chan backend.Event
	conn          audio.Connection
	relayCancel   context.CancelFunc
	relayDone     chan struct{}
	idle          *time.Timer
	rec           reconnectState
}

// New creates a session in the CONNECTING state. Nothing is dialed until
// [Session.Start].
func New(cfg Config) *Session {
	cfg.Policy.applyDefaults()
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	id := uuid.NewString()
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:     cfg,
		metrics: cfg.Metrics,
		log:     cfg.Logger.With("session_id", id, "guild_id", cfg.GuildID),
		budget:  resilience.NewBudget(cfg.MaxRetries, cfg.ResetAfter),
		backoff: resilience.Backoff{Initial: cfg.Backoff, Max: cfg.MaxBackoff, Jitter: 0.2},
		ctx:     ctx,
		cancel:  cancel,
		snap: Snapshot{
			ID:             id,
			GuildID:        cfg.GuildID,
			ChannelID:      cfg.ChannelID,
			State:          StateConnecting,
			Volume:         -1,
			CreatedAt:      now,
			LastActivityAt: now,
		},
		cmds:       make(chan request, 16),
		health:     make(chan healthMsg, 8),
		reconnects: make(chan reconnectResult, 2),
		stopSig:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.rec.pending = make(map[side]bool)
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.snap.ID }

// GuildID returns the guild this session plays in.
func (s *Session) GuildID() string { return s.cfg.GuildID }

// ChannelID returns the voice channel the session was created for.
func (s *Session) ChannelID() string { return s.cfg.ChannelID }

// Done is closed once the session has reached TERMINATED.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.State
}

// Status returns a snapshot of the session.
func (s *Session) Status() Snapshot {
	s.mu.Lock()
	snap := s.snap
	r := s.relay
	s.mu.Unlock()

	snap.RetriesLeft = s.budget.Remaining()
	if r != nil {
		snap.Relay = r.Stats()
	}
	return snap
}

// Start connects the backend and joins the voice channel concurrently, both
// bounded by the join timeout. On success the session is PLAYING and Start
// returns; on failure either side is released and the session is TERMINATED.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session: already started")
	}
	s.started = true
	jctx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	s.joinCancel = cancel
	s.mu.Unlock()
	defer cancel()

	jctx, span := observe.StartGuildSpan(jctx, "session.start", s.cfg.GuildID,
		attribute.String("channel_id", s.cfg.ChannelID),
		attribute.String("session_id", s.snap.ID),
	)

	begin := time.Now()
	client, conn, err := s.join(jctx)
	observe.EndSpan(span, err)
	if err != nil {
		s.failStart(err)
		return fmt.Errorf("session: start guild %s: %w", s.cfg.GuildID, err)
	}
	s.metrics.JoinDuration.Record(ctx, time.Since(begin).Seconds())

	s.client = client
	s.backendEvents = client.Events()
	s.conn = conn
	conn.OnHealthChange(s.healthCallback(conn))

	r := relay.New(s.cfg.Relay, client, conn,
		relay.WithMetrics(s.metrics),
		relay.WithLogger(s.log),
	)
	rctx, rcancel := context.WithCancel(s.ctx)
	s.relayCancel = rcancel
	s.relayDone = make(chan struct{})
	s.mu.Lock()
	s.relay = r
	s.mu.Unlock()
	go func() {
		defer close(s.relayDone)
		_ = r.Run(rctx)
	}()

	select {
	case <-s.stopSig:
		// Terminated while joining: the actor tears down from CONNECTING.
		go s.loop()
		return ErrTerminated
	default:
	}

	s.transition(StatePlaying)
	s.log.Info("session playing", "channel_id", s.cfg.ChannelID, "join_time", time.Since(begin))
	go s.loop()
	return nil
}

// join dials both sides in parallel and releases whichever side succeeded
// when the other fails.
func (s *Session) join(ctx context.Context) (backend.Client, audio.Connection, error) {
	var (
		client backend.Client
		conn   audio.Connection
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		bctx, span := observe.StartGuildSpan(gctx, "backend.connect", s.cfg.GuildID)
		c, err := s.cfg.Dialer.Connect(bctx, s.cfg.Credentials)
		observe.EndSpan(span, err)
		if err != nil {
			return fmt.Errorf("connect backend: %w", err)
		}
		client = c
		return nil
	})
	g.Go(func() error {
		tctx, span := observe.StartGuildSpan(gctx, "transport.join", s.cfg.GuildID)
		c, err := s.cfg.Platform.Join(tctx, s.cfg.GuildID, s.cfg.ChannelID)
		observe.EndSpan(span, err)
		if err != nil {
			return fmt.Errorf("join voice channel: %w", err)
		}
		conn = c
		return nil
	})
	if err := g.Wait(); err != nil {
		if client != nil {
			_ = client.Close()
		}
		if conn != nil {
			_ = conn.Leave()
		}
		return nil, nil, err
	}
	return client, conn, nil
}

// failStart finishes a session whose Start failed.
func (s *Session) failStart(err error) {
	s.mu.Lock()
	if s.stopReason == ReasonNone {
		s.stopReason = ReasonJoinFailed
		s.stopErr = err
	}
	s.snap.Reason, s.snap.Err = s.stopReason, s.stopErr
	reason := s.stopReason
	s.mu.Unlock()

	s.log.Warn("session failed to start", "reason", reason, "err", err)
	s.transition(StateTerminated)
	s.emit(Event{Type: EventEnded, Reason: reason, Err: err})
	s.cancel()
	close(s.done)
}

// Control applies a playback command. Commands are applied in the order they
// are received. Invalid commands fail with [ErrCommandRejected] and leave the
// state unchanged; [CmdDisconnect] terminates the session and waits for it.
func (s *Session) Control(ctx context.Context, cmd Command) error {
	if cmd.Kind == CmdDisconnect {
		err := s.Terminate(ctx)
		s.recordCommand(ctx, cmd, err)
		return err
	}
	if cmd.Kind == CmdSetVolume && (cmd.Volume < 0 || cmd.Volume > backend.MaxVolume) {
		err := fmt.Errorf("%w: volume %d out of range 0..%d", ErrCommandRejected, cmd.Volume, backend.MaxVolume)
		s.recordCommand(ctx, cmd, err)
		return err
	}

	switch st := s.State(); {
	case st.Terminal() || s.stopping():
		s.recordCommand(ctx, cmd, ErrTerminated)
		return ErrTerminated
	case st == StateConnecting:
		err := fmt.Errorf("%w: %s while %s", ErrCommandRejected, cmd.Kind, st)
		s.recordCommand(ctx, cmd, err)
		return err
	}

	req := request{cmd: cmd, reply: make(chan error, 1)}
	select {
	case s.cmds <- req:
	case <-s.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		s.recordCommand(ctx, cmd, err)
		return err
	case <-s.done:
		return ErrTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) recordCommand(ctx context.Context, cmd Command, err error) {
	status := "ok"
	switch {
	case errors.Is(err, ErrCommandRejected):
		status = "rejected"
	case errors.Is(err, ErrTerminated):
		status = "terminated"
	case err != nil:
		status = "error"
	}
	s.metrics.RecordCommand(ctx, cmd.Kind.String(), status)
}

// Terminate ends the session with reason [ReasonLeave]. See
// [Session.TerminateWith].
func (s *Session) Terminate(ctx context.Context) error {
	return s.TerminateWith(ctx, ReasonLeave)
}

// TerminateWith ends the session and waits until it is TERMINATED: the relay
// has stopped, the voice channel was left and the backend closed. It is
// idempotent; the first reason wins. It returns early only if ctx ends.
func (s *Session) TerminateWith(ctx context.Context, reason Reason) error {
	s.mu.Lock()
	if !s.started {
		s.started = true
		s.stopReason = reason
		s.snap.Reason = reason
		s.mu.Unlock()
		s.stopOnce.Do(func() { close(s.stopSig) })
		s.transition(StateTerminated)
		s.emit(Event{Type: EventEnded, Reason: reason})
		s.cancel()
		close(s.done)
		return nil
	}
	if s.stopReason == ReasonNone {
		s.stopReason = reason
	}
	if s.snap.State == StateConnecting && s.joinCancel != nil {
		s.joinCancel()
	}
	s.mu.Unlock()

	s.requestStop(reason, nil)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: terminate guild %s: %w", s.cfg.GuildID, ctx.Err())
	}
}

// requestStop asks the actor to tear down. The first reason is kept.
func (s *Session) requestStop(reason Reason, err error) {
	s.mu.Lock()
	if s.stopReason == ReasonNone {
		s.stopReason = reason
		s.stopErr = err
	}
	s.mu.Unlock()
	s.stopOnce.Do(func() { close(s.stopSig) })
}

func (s *Session) stopping() bool {
	select {
	case <-s.stopSig:
		return true
	default:
		return false
	}
}

// ─── actor ────────────────────────────────────────────────────────────────────

func (s *Session) loop() {
	defer close(s.done)
	relayEvents := s.relay.Events()
	for {
		select {
		case <-s.stopSig:
			s.teardown()
			return
		case req := <-s.cmds:
			req.reply <- s.handleCommand(req.cmd)
		case ev := <-relayEvents:
			s.handleRelayEvent(ev)
		case ev, ok := <-s.backendEvents:
			if !ok {
				s.backendEvents = nil
				continue
			}
			s.handleBackendEvent(ev)
		case msg := <-s.health:
			s.handleHealth(msg)
		case res := <-s.reconnects:
			s.handleReconnect(res)
		case <-s.idleC():
			s.log.Info("session idle, terminating", "idle_timeout", s.cfg.IdleTimeout)
			s.requestStop(ReasonIdle, nil)
		}
	}
}

func (s *Session) handleCommand(cmd Command) error {
	if s.stopping() {
		return ErrTerminated
	}
	state := s.State()
	reject := func() error {
		return fmt.Errorf("%w: %s while %s", ErrCommandRejected, cmd.Kind, state)
	}
	if state != StatePlaying && state != StatePaused {
		return reject()
	}
	s.touch()

	switch cmd.Kind {
	case CmdPlay, CmdResume:
		if cmd.Kind == CmdResume && state != StatePaused {
			return reject()
		}
		if err := s.client.Command(backend.Command{Kind: backend.CommandPlay}); err != nil {
			return fmt.Errorf("session: %s: %w", cmd.Kind, err)
		}
		if state == StatePaused {
			s.relay.Resume()
			s.transition(StatePlaying)
		}
	case CmdPause:
		if state != StatePlaying {
			return reject()
		}
		if err := s.client.Command(backend.Command{Kind: backend.CommandPause}); err != nil {
			return fmt.Errorf("session: pause: %w", err)
		}
		s.relay.Pause()
		s.transition(StatePaused)
	case CmdSkip:
		if err := s.client.Command(backend.Command{Kind: backend.CommandSkip}); err != nil {
			return fmt.Errorf("session: skip: %w", err)
		}
		// Silent until the backend reports the next track.
		s.relay.Skip()
		if state == StatePaused {
			if err := s.client.Command(backend.Command{Kind: backend.CommandPlay}); err != nil {
				return fmt.Errorf("session: skip: %w", err)
			}
			s.relay.Resume()
			s.transition(StatePlaying)
		}
	case CmdSetVolume:
		if err := s.client.Command(backend.Command{Kind: backend.CommandSetVolume, Volume: cmd.Volume}); err != nil {
			return fmt.Errorf("session: set volume: %w", err)
		}
		s.mu.Lock()
		s.snap.Volume = cmd.Volume
		s.mu.Unlock()
	default:
		return reject()
	}
	return nil
}

func (s *Session) handleRelayEvent(ev relay.Event) {
	switch ev.Type {
	case relay.EventEndOfTrack:
		if s.client == nil {
			return
		}
		if err := s.client.Command(backend.Command{Kind: backend.CommandSkip}); err != nil {
			s.log.Warn("failed to advance backend after end of track", "err", err)
		}
	case relay.EventIdle:
		if s.State() != StatePlaying {
			return
		}
		if s.client != nil {
			if err := s.client.Command(backend.Command{Kind: backend.CommandPause}); err != nil {
				s.log.Warn("failed to pause backend after idle", "err", err)
			}
		}
		s.transition(StatePaused)
	case relay.EventSourceLost:
		if s.client == nil || ev.Source != relay.Source(s.client) {
			return
		}
		s.startReconnect(sideBackend, ev.Err)
	case relay.EventSinkClosed:
		if s.conn == nil || ev.Sink != relay.Sink(s.conn) {
			return
		}
		s.startReconnect(sideTransport, ev.Err)
	}
}

func (s *Session) handleBackendEvent(ev backend.Event) {
	switch ev.Type {
	case backend.EventTrackChanged:
		s.relay.TrackStarted()
		s.mu.Lock()
		s.snap.Track = ev.Track
		s.mu.Unlock()
		s.touch()
		s.log.Info("track changed", "title", ev.Track.Title, "artists", ev.Track.ArtistLine())
		s.emit(Event{Type: EventTrackChanged, Track: ev.Track})
	case backend.EventPaused:
		if s.State() == StatePlaying {
			s.relay.Pause()
			s.transition(StatePaused)
		}
	case backend.EventPlaying:
		if s.State() == StatePaused {
			s.relay.Resume()
			s.transition(StatePlaying)
		}
	case backend.EventEnded:
		s.log.Info("backend ended the session", "err", ev.Err)
		s.requestStop(ReasonBackendEnded, ev.Err)
	case backend.EventError:
		s.log.Warn("backend reported an error", "err", ev.Err)
	}
}

func (s *Session) handleHealth(msg healthMsg) {
	if msg.conn != s.conn {
		return
	}
	switch msg.ev.Type {
	case audio.HealthDropped, audio.HealthClosed:
		s.log.Warn("voice connection lost", "event", msg.ev.Type, "err", msg.ev.Err)
		s.startReconnect(sideTransport, msg.ev.Err)
	case audio.HealthReconnected:
		s.log.Info("voice connection recovered by the platform")
	}
}

func (s *Session) healthCallback(conn audio.Connection) func(audio.HealthEvent) {
	return func(ev audio.HealthEvent) {
		select {
		case s.health <- healthMsg{conn: conn, ev: ev}:
		case <-s.done:
		}
	}
}

// teardown runs on the actor goroutine and always ends in TERMINATED.
func (s *Session) teardown() {
	s.mu.Lock()
	reason, cause := s.stopReason, s.stopErr
	s.snap.Reason, s.snap.Err = reason, cause
	s.mu.Unlock()

	s.transition(StateTerminating)
	s.cancelReconnects()

	s.relayCancel()
	<-s.relayDone

	var errs []error
	if s.conn != nil {
		if err := s.conn.Leave(); err != nil {
			errs = append(errs, fmt.Errorf("leave voice channel: %w", err))
		}
		s.conn = nil
	}
	if s.client != nil {
		if err := s.client.Close(); err != nil && !errors.Is(err, backend.ErrClosed) {
			errs = append(errs, fmt.Errorf("close backend: %w", err))
		}
		s.client = nil
	}
	s.cancel()

	if err := errors.Join(errs...); err != nil {
		s.log.Warn("session teardown incomplete", "err", err)
	}
	s.transition(StateTerminated)
	s.log.Info("session terminated", "reason", reason, "err", cause)
	s.emit(Event{Type: EventEnded, Reason: reason, Err: cause})
}

// transition moves the state machine along a legal edge and publishes it.
func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.snap.State
	if from == to {
		s.mu.Unlock()
		return
	}
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.log.Error("illegal session transition ignored", "from", from, "to", to)
		return
	}
	s.snap.State = to
	s.mu.Unlock()

	ctx := context.Background()
	s.metrics.RecordTransition(ctx, from.String(), to.String())
	if from == StatePlaying {
		s.metrics.ActiveSessions.Add(ctx, -1)
	}
	if to == StatePlaying {
		s.metrics.ActiveSessions.Add(ctx, 1)
	}
	s.armIdle(to)

	s.log.Debug("session state changed", "from", from, "to", to)
	s.emit(Event{Type: EventStateChanged, From: from, To: to})
}

func (s *Session) emit(ev Event) {
	if s.cfg.Listener == nil {
		return
	}
	ev.SessionID = s.snap.ID
	ev.GuildID = s.cfg.GuildID
	s.cfg.Listener(ev)
}

// ─── idle policy ──────────────────────────────────────────────────────────────

func (s *Session) armIdle(state State) {
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	if state == StatePaused && s.cfg.IdleTimeout > 0 {
		s.idle = time.NewTimer(s.cfg.IdleTimeout)
	}
}

func (s *Session) idleC() <-chan time.Time {
	if s.idle == nil {
		return nil
	}
	return s.idle.C
}

// touch records user-visible activity and restarts a running idle timer.
func (s *Session) touch() {
	s.mu.Lock()
	s.snap.LastActivityAt = time.Now()
	s.mu.Unlock()
	if s.idle != nil {
		s.idle.Reset(s.cfg.IdleTimeout)
	}
}
