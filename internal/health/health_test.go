package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func serve(t *testing.T, h http.HandlerFunc, path string) (int, result) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	rec := httptest.NewRecorder()
	h(rec, req)

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func ok(context.Context) error { return nil }

// ─── Healthz ─────────────────────────────────────────────────────────────────

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "discord", Check: func(context.Context) error { return errors.New("down") }}})

	code, body := serve(t, h.Healthz, "/healthz")
	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestHealthz_ContentType(t *testing.T) {
	t.Parallel()
	h := New(nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestHealthz_IncludesStats(t *testing.T) {
	t.Parallel()
	h := New(nil, WithStats(func() map[string]int {
		return map[string]int{"sessions": 3, "playing": 2}
	}))

	_, body := serve(t, h.Healthz, "/healthz")
	want := map[string]int{"sessions": 3, "playing": 2}
	if diff := cmp.Diff(want, body.Stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

// ─── Readyz ──────────────────────────────────────────────────────────────────

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				{Name: "discord", Check: ok},
				{Name: "accounts", Check: ok},
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"discord": "ok", "accounts": "ok"},
		},
		{
			name: "one fails",
			checkers: []Checker{
				{Name: "discord", Check: ok},
				{Name: "accounts", Check: func(context.Context) error { return errors.New("connection refused") }},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"discord": "ok", "accounts": "fail: connection refused"},
		},
		{
			name: "all fail",
			checkers: []Checker{
				{Name: "stats", Check: func(context.Context) error { return errors.New("timeout") }},
				{Name: "accounts", Check: func(context.Context) error { return errors.New("no route") }},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"stats": "fail: timeout", "accounts": "fail: no route"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(tc.checkers).Readyz, "/readyz")
			if code != tc.wantCode {
				t.Errorf("status = %d, want %d", code, tc.wantCode)
			}
			if body.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tc.wantStatus)
			}
			if diff := cmp.Diff(tc.wantChecks, body.Checks); diff != "" {
				t.Errorf("checks mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	blocking := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New([]Checker{{Name: "a", Check: blocking}, {Name: "b", Check: blocking}})

	done := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
		done <- rec.Code
	}()

	for range 2 {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("checkers did not start concurrently")
		}
	}
	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
}

func TestReadyz_Draining(t *testing.T) {
	t.Parallel()
	called := false
	h := New([]Checker{{Name: "discord", Check: func(context.Context) error {
		called = true
		return nil
	}}})
	h.SetDraining(true)

	code, body := serve(t, h.Readyz, "/readyz")
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if body.Status != "draining" {
		t.Errorf("status = %q, want %q", body.Status, "draining")
	}
	if called {
		t.Error("checker ran while draining")
	}

	h.SetDraining(false)
	if code, _ := serve(t, h.Readyz, "/readyz"); code != http.StatusOK {
		t.Errorf("after draining cleared: status = %d, want %d", code, http.StatusOK)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

// ─── Flag ────────────────────────────────────────────────────────────────────

func TestFlag(t *testing.T) {
	t.Parallel()
	var f Flag
	if err := f.Check(t.Context()); !errors.Is(err, ErrNotReady) {
		t.Errorf("unset Check() = %v, want ErrNotReady", err)
	}
	f.Set(true)
	if err := f.Check(t.Context()); err != nil {
		t.Errorf("set Check() = %v, want nil", err)
	}
	f.Set(false)
	if err := f.Check(t.Context()); !errors.Is(err, ErrNotReady) {
		t.Errorf("cleared Check() = %v, want ErrNotReady", err)
	}
}

// ─── Register ────────────────────────────────────────────────────────────────

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()
	h := New([]Checker{{Name: "test", Check: ok}})

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}
