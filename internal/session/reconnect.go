package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/soundlink/internal/resilience"
	"github.com/MrWong99/soundlink/pkg/audio"
	"github.com/MrWong99/soundlink/pkg/backend"
)

// side names the half of a session that is being reconnected.
type side string

const (
	sideTransport side = "transport"
	sideBackend   side = "backend"
)

type reconnectResult struct {
	side   side
	conn   audio.Connection
	client backend.Client
	err    error
}

// release frees whatever the result carries. Used when the session is torn
// down before the result was applied.
func (r reconnectResult) release() {
	if r.conn != nil {
		_ = r.conn.Leave()
	}
	if r.client != nil {
		_ = r.client.Close()
	}
}

// reconnectState is owned by the actor goroutine.
type reconnectState struct {
	pending  map[side]bool
	resumeTo State
	cancel   context.CancelFunc
	ctx      context.Context
	wg       sync.WaitGroup
}

// startReconnect moves the session to RECONNECTING (remembering whether to
// come back PLAYING or PAUSED) and starts a background retry loop for one
// side. A side that is already reconnecting is left alone.
func (s *Session) startReconnect(sd side, cause error) {
	state := s.State()
	if state != StatePlaying && state != StatePaused && state != StateReconnecting {
		return
	}
	if s.stopping() || s.rec.pending[sd] {
		return
	}

	if state != StateReconnecting {
		s.rec.resumeTo = state
		s.budget.MarkUnhealthy()
		s.transition(StateReconnecting)
	}
	if s.rec.ctx == nil {
		s.rec.ctx, s.rec.cancel = context.WithCancel(s.ctx)
	}
	s.rec.pending[sd] = true
	s.log.Warn("reconnecting", "side", sd, "cause", cause, "retries_left", s.budget.Remaining())

	ctx := s.rec.ctx
	switch sd {
	case sideTransport:
		old := s.conn
		s.conn = nil
		s.rec.wg.Go(func() { s.reconnects <- s.rejoinTransport(ctx, old) })
	case sideBackend:
		old := s.client
		s.client = nil
		s.backendEvents = nil
		s.rec.wg.Go(func() { s.reconnects <- s.redialBackend(ctx, old) })
	}
}

// rejoinTransport leaves the broken voice connection and joins again until
// the retry budget runs out.
func (s *Session) rejoinTransport(ctx context.Context, old audio.Connection) reconnectResult {
	if old != nil {
		_ = old.Leave()
	}
	res := reconnectResult{side: sideTransport}
	res.err = resilience.Retry(ctx, s.budget, s.backoff, func(ctx context.Context, attempt int) error {
		jctx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
		defer cancel()
		s.log.Info("rejoining voice channel", "channel_id", s.cfg.ChannelID, "attempt", attempt)
		conn, err := s.cfg.Platform.Join(jctx, s.cfg.GuildID, s.cfg.ChannelID)
		if err != nil {
			var je *audio.JoinError
			if errors.As(err, &je) && je.Reason == audio.JoinPermissions {
				return resilience.Permanent(err)
			}
			return err
		}
		res.conn = conn
		return nil
	}, s.onAttemptFailed(sideTransport))
	return res
}

// redialBackend closes the lost backend client and connects a new one until
// the retry budget runs out. Rejected credentials end the loop immediately.
func (s *Session) redialBackend(ctx context.Context, old backend.Client) reconnectResult {
	if old != nil {
		_ = old.Close()
	}
	res := reconnectResult{side: sideBackend}
	res.err = resilience.Retry(ctx, s.budget, s.backoff, func(ctx context.Context, attempt int) error {
		dctx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
		defer cancel()
		s.log.Info("reconnecting backend", "attempt", attempt)
		client, err := s.cfg.Dialer.Connect(dctx, s.cfg.Credentials)
		if err != nil {
			if errors.Is(err, backend.ErrAuth) {
				return resilience.Permanent(err)
			}
			return err
		}
		res.client = client
		return nil
	}, s.onAttemptFailed(sideBackend))
	return res
}

func (s *Session) onAttemptFailed(sd side) func(int, error) {
	return func(attempt int, err error) {
		s.metrics.RecordReconnect(s.ctx, string(sd), "error")
		s.log.Warn("reconnect attempt failed", "side", sd, "attempt", attempt, "err", err)
	}
}

// handleReconnect applies a finished retry loop. Success swaps the new
// connection into the relay; failure terminates the session.
func (s *Session) handleReconnect(res reconnectResult) {
	delete(s.rec.pending, res.side)
	if s.stopping() {
		res.release()
		return
	}
	if res.err != nil {
		reason := ReasonTransportLost
		if res.side == sideBackend {
			reason = ReasonConnectionLost
		}
		s.log.Error("reconnect failed, terminating", "side", res.side, "err", res.err)
		s.requestStop(reason, fmt.Errorf("reconnect %s: %w", res.side, res.err))
		return
	}

	s.metrics.RecordReconnect(s.ctx, string(res.side), "ok")
	switch res.side {
	case sideTransport:
		s.conn = res.conn
		res.conn.OnHealthChange(s.healthCallback(res.conn))
		s.relay.SwapSink(res.conn)
	case sideBackend:
		s.client = res.client
		s.backendEvents = res.client.Events()
		s.relay.SwapSource(res.client)
		s.restoreBackend()
	}

	if len(s.rec.pending) > 0 {
		return
	}
	s.rec.cancel()
	s.rec.ctx, s.rec.cancel = nil, nil
	s.budget.MarkHealthy()
	// Recovery always lands in PLAYING. A paused session steps straight back
	// to PAUSED; its relay was never resumed so no audio escapes.
	s.transition(StatePlaying)
	if s.rec.resumeTo == StatePaused {
		s.transition(StatePaused)
	}
	s.log.Info("reconnected", "state", s.rec.resumeTo)
}

// restoreBackend replays the playback settings a fresh backend client does
// not know about.
func (s *Session) restoreBackend() {
	s.mu.Lock()
	vol := s.snap.Volume
	s.mu.Unlock()
	if vol >= 0 {
		if err := s.client.Command(backend.Command{Kind: backend.CommandSetVolume, Volume: vol}); err != nil {
			s.log.Warn("failed to restore volume", "err", err)
		}
	}
	kind := backend.CommandPlay
	if s.rec.resumeTo == StatePaused {
		kind = backend.CommandPause
	}
	if err := s.client.Command(backend.Command{Kind: kind}); err != nil {
		s.log.Warn("failed to restore playback state", "err", err)
	}
}

// cancelReconnects stops all retry loops, waits for them and releases any
// connection they produced.
func (s *Session) cancelReconnects() {
	if s.rec.cancel != nil {
		s.rec.cancel()
	}
	s.rec.wg.Wait()
	for {
		select {
		case res := <-s.reconnects:
			res.release()
		default:
			s.rec.ctx, s.rec.cancel = nil, nil
			clear(s.rec.pending)
			return
		}
	}
}
