package session

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/soundlink/internal/resilience"
	"github.com/MrWong99/soundlink/pkg/audio"
	audiomock "github.com/MrWong99/soundlink/pkg/audio/mock"
	"github.com/MrWong99/soundlink/pkg/backend"
	backendmock "github.com/MrWong99/soundlink/pkg/backend/mock"
)

func TestReconnect_BackendRecoversWithinBudget(t *testing.T) {
	t.Parallel()
	lost := backend.ErrConnectionLost
	dialer := &backendmock.Dialer{ConnectErrors: []error{nil, lost, lost, lost}}
	platform := &audiomock.Platform{}
	s, rec := startTestSession(t, dialer, platform, nil)

	first := dialer.Last()
	first.PushFrames(3)
	first.PushError(backend.ErrConnectionLost)

	waitFor(t, "second backend client", func() bool { return len(dialer.Clients()) == 2 })
	waitState(t, s, StatePlaying)

	want := []State{StatePlaying, StateReconnecting, StatePlaying}
	if diff := cmp.Diff(want, rec.states()); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}
	if got := dialer.CallCountConnect(); got != 5 {
		t.Errorf("Connect calls = %d, want 5", got)
	}
	if got := s.Status().RetriesLeft; got != 2 {
		t.Errorf("RetriesLeft = %d, want 2", got)
	}
	if !first.Closed() {
		t.Error("lost backend client was not closed")
	}

	// Audio from the new client reaches the same voice connection.
	next := dialer.Last()
	next.PushFrames(2)
	waitFor(t, "frames from the new client", func() bool {
		return countReal(platform.Last()) >= 5
	})

	// The new client was told to resume playback.
	if diff := cmp.Diff([]backend.Command{{Kind: backend.CommandPlay}}, next.Commands()); diff != "" {
		t.Errorf("restored commands mismatch (-want +got):\n%s", diff)
	}
}

func TestReconnect_BackendBudgetExhausted(t *testing.T) {
	t.Parallel()
	lost := backend.ErrConnectionLost
	dialer := &backendmock.Dialer{ConnectErrors: []error{nil, lost, lost, lost, lost, lost, lost}}
	platform := &audiomock.Platform{}
	s, rec := startTestSession(t, dialer, platform, nil)

	dialer.Last().PushError(backend.ErrConnectionLost)
	waitDone(t, s)

	want := []State{StatePlaying, StateReconnecting, StateTerminating, StateTerminated}
	if diff := cmp.Diff(want, rec.states()); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}
	ended := rec.ended(t)
	if ended.Reason != ReasonConnectionLost {
		t.Errorf("Reason = %q, want %q", ended.Reason, ReasonConnectionLost)
	}
	if !errors.Is(ended.Err, resilience.ErrBudgetExhausted) || !errors.Is(ended.Err, backend.ErrConnectionLost) {
		t.Errorf("Err = %v, want ErrBudgetExhausted wrapping ErrConnectionLost", ended.Err)
	}
	if !platform.Last().Left() {
		t.Error("voice connection not left after exhaustion")
	}
	if got := dialer.CallCountConnect(); got != 7 {
		t.Errorf("Connect calls = %d, want 7", got)
	}
}

func TestReconnect_BackendAuthStopsImmediately(t *testing.T) {
	t.Parallel()
	dialer := &backendmock.Dialer{ConnectErrors: []error{nil, backend.ErrAuth}}
	s, rec := startTestSession(t, dialer, &audiomock.Platform{}, nil)

	dialer.Last().PushError(backend.ErrConnectionLost)
	waitDone(t, s)

	ended := rec.ended(t)
	if !errors.Is(ended.Err, backend.ErrAuth) {
		t.Errorf("Err = %v, want ErrAuth", ended.Err)
	}
	if got := dialer.CallCountConnect(); got != 2 {
		t.Errorf("Connect calls = %d, want 2", got)
	}
	if got := s.Status().RetriesLeft; got != 5 {
		t.Errorf("RetriesLeft = %d, want 5 (auth failures are not retried)", got)
	}
}

func TestReconnect_TransportClosed(t *testing.T) {
	t.Parallel()
	dialer := &backendmock.Dialer{}
	platform := &audiomock.Platform{}
	s, rec := startTestSession(t, dialer, platform, nil)

	old := platform.Last()
	old.Close()

	waitFor(t, "rejoin", func() bool { return len(platform.Connections()) == 2 })
	waitState(t, s, StatePlaying)

	want := []State{StatePlaying, StateReconnecting, StatePlaying}
	if diff := cmp.Diff(want, rec.states()); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}
	if !old.Left() {
		t.Error("closed connection was not left")
	}

	dialer.Last().PushFrames(3)
	waitFor(t, "frames on the new connection", func() bool { return countReal(platform.Last()) == 3 })
}

func TestReconnect_TransportRetriesThenRecovers(t *testing.T) {
	t.Parallel()
	netErr := &audio.JoinError{Reason: audio.JoinNetwork, Err: errors.New("udp timeout")}
	platform := &audiomock.Platform{JoinErrors: []error{nil, netErr, netErr}}
	s, _ := startTestSession(t, &backendmock.Dialer{}, platform, nil)

	platform.Last().EmitHealth(audio.HealthEvent{Type: audio.HealthDropped})

	waitFor(t, "rejoin", func() bool { return len(platform.Connections()) == 2 })
	waitState(t, s, StatePlaying)
	if got := platform.CallCountJoin(); got != 4 {
		t.Errorf("Join calls = %d, want 4", got)
	}
}

func TestReconnect_TransportPermissionLostTerminates(t *testing.T) {
	t.Parallel()
	permErr := &audio.JoinError{Reason: audio.JoinPermissions, Err: errors.New("missing speak")}
	platform := &audiomock.Platform{JoinErrors: []error{nil, permErr}}
	s, rec := startTestSession(t, &backendmock.Dialer{}, platform, nil)

	platform.Last().Close()
	waitDone(t, s)

	if got := rec.ended(t).Reason; got != ReasonTransportLost {
		t.Errorf("Reason = %q, want %q", got, ReasonTransportLost)
	}
	if got := platform.CallCountJoin(); got != 2 {
		t.Errorf("Join calls = %d, want 2", got)
	}
}

func TestReconnect_ReturnsToPaused(t *testing.T) {
	t.Parallel()
	platform := &audiomock.Platform{}
	dialer := &backendmock.Dialer{}
	s, rec := startTestSession(t, dialer, platform, nil)

	if err := s.Control(t.Context(), Command{Kind: CmdPause}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	platform.Last().Close()
	waitFor(t, "rejoin", func() bool { return len(platform.Connections()) == 2 })
	waitFor(t, "back to paused", func() bool { return len(rec.states()) == 5 })

	want := []State{StatePlaying, StatePaused, StateReconnecting, StatePlaying, StatePaused}
	if diff := cmp.Diff(want, rec.states()); diff != "" {
		t.Errorf("state sequence mismatch (-want +got):\n%s", diff)
	}
	prev := StateConnecting
	for _, st := range rec.states() {
		if !CanTransition(prev, st) {
			t.Errorf("illegal transition %v -> %v", prev, st)
		}
		prev = st
	}

	// The relay stays paused across the PLAYING step.
	dialer.Last().PushFrames(3)
	time.Sleep(30 * time.Millisecond)
	if got := len(platform.Last().Frames()); got != 0 {
		t.Errorf("rejoined connection received %d frames while paused", got)
	}
}

func TestReconnect_CommandsRejectedWhileReconnecting(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	dialer := &backendmock.Dialer{}
	s, _ := startTestSession(t, dialer, &audiomock.Platform{}, nil)

	// Hold the redial until the test is done with the RECONNECTING state.
	dialer.OnConnect = func(*backendmock.Client) { <-block }
	dialer.Last().PushError(backend.ErrConnectionLost)
	waitState(t, s, StateReconnecting)

	err := s.Control(t.Context(), Command{Kind: CmdSkip})
	if !errors.Is(err, ErrCommandRejected) {
		t.Errorf("Control(skip) = %v, want ErrCommandRejected", err)
	}
	close(block)
	waitState(t, s, StatePlaying)
}

func TestReconnect_TerminateDuringReconnect(t *testing.T) {
	t.Parallel()
	lost := backend.ErrConnectionLost
	dialer := &backendmock.Dialer{ConnectErrors: []error{nil, lost, lost, lost, lost}}
	s, _ := startTestSession(t, dialer, &audiomock.Platform{}, func(c *Config) {
		c.Backoff = time.Hour
		c.MaxBackoff = time.Hour
	})

	dialer.Last().PushError(backend.ErrConnectionLost)
	waitState(t, s, StateReconnecting)

	done := make(chan error, 1)
	go func() { done <- s.Terminate(t.Context()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Terminate: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Terminate blocked on a sleeping reconnect loop")
	}
	if got := s.State(); got != StateTerminated {
		t.Errorf("State = %v, want TERMINATED", got)
	}
}
