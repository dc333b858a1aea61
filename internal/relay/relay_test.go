package relay_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/MrWong99/soundlink/internal/relay"
	audiomock "github.com/MrWong99/soundlink/pkg/audio/mock"
	"github.com/MrWong99/soundlink/pkg/backend"
	backendmock "github.com/MrWong99/soundlink/pkg/backend/mock"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

var fastConfig = relay.Config{
	Tick:              2 * time.Millisecond,
	PollTimeout:       time.Millisecond,
	Backlog:           4,
	EndOfTrackTimeout: 40 * time.Millisecond,
	DecodeErrorBurst:  3,
	DecodeErrorWindow: time.Hour,
}

// startRelay runs r until the test ends and waits for Run to return.
func startRelay(t *testing.T, r *relay.Relay) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitEvent(t *testing.T, r *relay.Relay, want relay.EventType) relay.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-r.Events():
			if ev.Type == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event %v", want)
		}
	}
}

func realFrames(conn *audiomock.Connection) []uint64 {
	var seqs []uint64
	for _, f := range conn.Frames() {
		if !f.Silence {
			seqs = append(seqs, backendmock.PayloadSeq(f))
		}
	}
	return seqs
}

// logBuffer collects log output written from the relay goroutine.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestRelay_PreservesFrameOrder(t *testing.T) {
	t.Parallel()
	const n = 60
	src := backendmock.NewClient()
	src.PushFrames(n)
	conn := &audiomock.Connection{}

	r := relay.New(fastConfig, src, conn)
	startRelay(t, r)

	waitFor(t, "all frames delivered", func() bool { return len(realFrames(conn)) == n })

	seqs := realFrames(conn)
	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("frame %d has seq %d, want %d (seqs=%v)", i, s, i+1, seqs)
		}
	}
	if got := r.Stats().LastSeq; got != n {
		t.Errorf("Stats.LastSeq = %d, want %d", got, n)
	}
}

func TestRelay_SilenceWhenBackendIsSlow(t *testing.T) {
	t.Parallel()
	src := backendmock.NewClient()
	conn := &audiomock.Connection{}

	r := relay.New(fastConfig, src, conn)
	startRelay(t, r)

	waitFor(t, "silence frames", func() bool { return r.Stats().Silence >= 10 })
	src.PushFrames(3)
	waitFor(t, "real frames after silence", func() bool { return len(realFrames(conn)) == 3 })

	for _, f := range conn.Frames() {
		if f.Silence && f.Seq != 0 {
			t.Fatalf("silence frame carries seq %d", f.Seq)
		}
	}
}

func TestRelay_BacklogStaysBoundedWhenSinkSaturated(t *testing.T) {
	t.Parallel()
	src := backendmock.NewClient()
	src.PushFrames(200)
	conn := &audiomock.Connection{Saturated: true}

	r := relay.New(fastConfig, src, conn)
	startRelay(t, r)

	waitFor(t, "frames dropped", func() bool { return r.Stats().Dropped >= 20 })

	st := r.Stats()
	if st.MaxBacklog > fastConfig.Backlog {
		t.Errorf("MaxBacklog = %d, want <= %d", st.MaxBacklog, fastConfig.Backlog)
	}
	if st.Sent != 0 {
		t.Errorf("Sent = %d, want 0 while saturated", st.Sent)
	}

	conn.SetSaturated(false)
	waitFor(t, "frames flowing again", func() bool { return r.Stats().Sent > 0 })

	seqs := realFrames(conn)
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("reordered or duplicated frames after drop: %v", seqs)
		}
	}
}

func TestRelay_EndOfTrackThenIdle(t *testing.T) {
	t.Parallel()
	src := backendmock.NewClient()
	src.PushFrames(3)
	src.PushError(backend.ErrEndOfTrack)
	conn := &audiomock.Connection{}

	r := relay.New(fastConfig, src, conn)
	startRelay(t, r)

	waitEvent(t, r, relay.EventEndOfTrack)
	waitEvent(t, r, relay.EventIdle)

	// Paused: nothing more is sent.
	sent := r.Stats().Sent
	time.Sleep(20 * time.Millisecond)
	if got := r.Stats().Sent; got != sent {
		t.Errorf("Sent grew from %d to %d after idle", sent, got)
	}

	src.PushFrames(2)
	r.Resume()
	waitFor(t, "next track frames", func() bool { return len(realFrames(conn)) == 5 })
}

func TestRelay_EndOfTrackCancelledByNewAudio(t *testing.T) {
	t.Parallel()
	src := backendmock.NewClient()
	src.PushError(backend.ErrEndOfTrack)
	src.PushFrames(2)
	conn := &audiomock.Connection{}

	r := relay.New(fastConfig, src, conn)
	startRelay(t, r)

	waitEvent(t, r, relay.EventEndOfTrack)
	waitFor(t, "frames of the next track", func() bool { return len(realFrames(conn)) == 2 })

	time.Sleep(2 * fastConfig.EndOfTrackTimeout)
	select {
	case ev := <-r.Events():
		t.Fatalf("unexpected event %v", ev.Type)
	default:
	}
}

func TestRelay_DecodeErrors(t *testing.T) {
	t.Parallel()

	t.Run("isolated error becomes silence", func(t *testing.T) {
		t.Parallel()
		src := backendmock.NewClient()
		src.PushFrames(2)
		src.PushError(backend.ErrDecode)
		src.PushFrames(2)
		conn := &audiomock.Connection{}

		r := relay.New(fastConfig, src, conn)
		startRelay(t, r)

		waitFor(t, "frames around the bad one", func() bool { return len(realFrames(conn)) == 4 })
		if got := r.Stats().DecodeErrors; got != 1 {
			t.Errorf("DecodeErrors = %d, want 1", got)
		}
		select {
		case ev := <-r.Events():
			t.Fatalf("unexpected event %v", ev.Type)
		default:
		}
	})

	t.Run("error rate escalates to source lost", func(t *testing.T) {
		t.Parallel()
		src := backendmock.NewClient()
		for range 10 {
			src.PushError(backend.ErrDecode)
		}
		conn := &audiomock.Connection{}

		r := relay.New(fastConfig, src, conn)
		startRelay(t, r)

		ev := waitEvent(t, r, relay.EventSourceLost)
		if !errors.Is(ev.Err, backend.ErrConnectionLost) {
			t.Errorf("event error = %v, want ErrConnectionLost", ev.Err)
		}
		if !errors.Is(ev.Err, backend.ErrDecode) {
			t.Errorf("event error = %v, want it to wrap ErrDecode", ev.Err)
		}
	})
}

func TestRelay_SourceLostAndSwap(t *testing.T) {
	t.Parallel()
	src := backendmock.NewClient()
	src.PushFrames(2)
	src.PushError(backend.ErrConnectionLost)
	conn := &audiomock.Connection{}

	r := relay.New(fastConfig, src, conn)
	startRelay(t, r)

	ev := waitEvent(t, r, relay.EventSourceLost)
	if !errors.Is(ev.Err, backend.ErrConnectionLost) {
		t.Fatalf("event error = %v, want ErrConnectionLost", ev.Err)
	}

	silence := r.Stats().Silence
	waitFor(t, "silence while lost", func() bool { return r.Stats().Silence > silence+5 })

	next := backendmock.NewClient()
	next.PushFrames(3)
	r.SwapSource(next)
	waitFor(t, "frames from the new source", func() bool { return len(realFrames(conn)) == 5 })
}

func TestRelay_SinkClosedAndSwap(t *testing.T) {
	t.Parallel()
	src := backendmock.NewClient()
	conn := &audiomock.Connection{}

	r := relay.New(fastConfig, src, conn)
	startRelay(t, r)

	waitFor(t, "first frames", func() bool { return r.Stats().Sent > 0 })
	conn.Close()
	waitEvent(t, r, relay.EventSinkClosed)

	sent := r.Stats().Sent
	time.Sleep(20 * time.Millisecond)
	if got := r.Stats().Sent; got != sent {
		t.Errorf("Sent grew from %d to %d with a closed sink", sent, got)
	}

	fresh := &audiomock.Connection{}
	r.SwapSink(fresh)
	src.PushFrames(2)
	waitFor(t, "frames on the new sink", func() bool { return len(realFrames(fresh)) == 2 })
}

func TestRelay_PauseResume(t *testing.T) {
	t.Parallel()
	src := backendmock.NewClient()
	conn := &audiomock.Connection{}

	r := relay.New(fastConfig, src, conn)
	startRelay(t, r)

	waitFor(t, "frames", func() bool { return r.Stats().Sent > 3 })
	r.Pause()
	time.Sleep(10 * time.Millisecond)
	sent := r.Stats().Sent
	time.Sleep(20 * time.Millisecond)
	if got := r.Stats().Sent; got != sent {
		t.Fatalf("Sent grew from %d to %d while paused", sent, got)
	}

	r.Resume()
	waitFor(t, "frames after resume", func() bool { return r.Stats().Sent > sent })
}

func TestRelay_SkipDiscardsQueuedAudio(t *testing.T) {
	t.Parallel()
	cfg := fastConfig
	cfg.EndOfTrackTimeout = time.Hour
	src := backendmock.NewClient()
	conn := &audiomock.Connection{}

	r := relay.New(cfg, src, conn)
	startRelay(t, r)

	waitFor(t, "silence before pause", func() bool { return r.Stats().Silence >= 3 })
	r.Pause()
	src.PushFrames(5)
	src.PushError(backend.ErrEndOfTrack)
	waitFor(t, "backend read ahead", func() bool { return src.Pending() == 0 })

	r.Skip()
	// Late audio of the skipped track.
	src.PushFrames(2)
	r.Resume()

	waitFor(t, "late audio consumed", func() bool { return src.Pending() == 0 })
	silence := r.Stats().Silence
	waitFor(t, "silence after skip", func() bool { return r.Stats().Silence > silence+10 })
	if got := realFrames(conn); len(got) != 0 {
		t.Fatalf("skipped track played %d frames: %v", len(got), got)
	}
	select {
	case ev := <-r.Events():
		t.Fatalf("unexpected event %v after skip", ev.Type)
	default:
	}

	r.TrackStarted()
	src.PushFrames(3)
	waitFor(t, "next track frames", func() bool { return len(realFrames(conn)) == 3 })
	if diff := cmp.Diff([]uint64{8, 9, 10}, realFrames(conn)); diff != "" {
		t.Errorf("frames after skip mismatch (-want +got):\n%s", diff)
	}
}

func TestRelay_SkipWithoutNextTrackGoesIdle(t *testing.T) {
	t.Parallel()
	src := backendmock.NewClient()
	src.PushFrames(50)
	conn := &audiomock.Connection{}

	r := relay.New(fastConfig, src, conn)
	startRelay(t, r)

	waitFor(t, "frames", func() bool { return len(realFrames(conn)) > 2 })
	r.Skip()
	waitEvent(t, r, relay.EventIdle)
	if got := len(realFrames(conn)); got >= 50 {
		t.Errorf("all %d frames played despite skip", got)
	}
}

func TestRelay_DecodeWarningResetsOnSwap(t *testing.T) {
	t.Parallel()
	const msg = "failed to decode"
	logs := &logBuffer{}
	src := backendmock.NewClient()
	src.PushError(backend.ErrDecode)
	src.PushFrames(1)
	src.PushError(backend.ErrDecode)
	src.PushFrames(1)
	conn := &audiomock.Connection{}

	r := relay.New(fastConfig, src, conn, relay.WithLogger(slog.New(slog.NewTextHandler(logs, nil))))
	startRelay(t, r)

	waitFor(t, "first source played", func() bool { return len(realFrames(conn)) == 2 })
	if got := logs.count(msg); got != 1 {
		t.Fatalf("decode warnings = %d, want 1 for one stream", got)
	}

	next := backendmock.NewClient()
	next.PushError(backend.ErrDecode)
	next.PushFrames(1)
	r.SwapSource(next)
	waitFor(t, "second source played", func() bool { return len(realFrames(conn)) == 3 })
	if got := logs.count(msg); got != 2 {
		t.Errorf("decode warnings = %d, want 2 after swapping source", got)
	}
}

func TestEventType_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		typ  relay.EventType
		want string
	}{
		{relay.EventEndOfTrack, "END_OF_TRACK"},
		{relay.EventIdle, "IDLE"},
		{relay.EventSourceLost, "SOURCE_LOST"},
		{relay.EventSinkClosed, "SINK_CLOSED"},
		{relay.EventType(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.typ, got, tt.want)
		}
	}
}
