package account_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/soundlink/internal/account"
	"github.com/MrWong99/soundlink/pkg/backend"
)

// storeContract runs the behaviour every Store must have.
func storeContract(t *testing.T, s account.Store) {
	t.Helper()
	ctx := t.Context()

	if _, err := s.CredentialsFor(ctx, "u1"); !errors.Is(err, account.ErrNotLinked) {
		t.Fatalf("CredentialsFor(unlinked) = %v, want ErrNotLinked", err)
	}

	creds := backend.Credentials{Username: "alice", Token: "t1", DeviceName: "Kitchen"}
	if err := s.Link(ctx, "u1", creds); err != nil {
		t.Fatalf("Link: %v", err)
	}
	got, err := s.CredentialsFor(ctx, "u1")
	if err != nil {
		t.Fatalf("CredentialsFor: %v", err)
	}
	want := backend.Credentials{UserID: "u1", Username: "alice", Token: "t1", DeviceName: "Kitchen"}
	if got != want {
		t.Errorf("CredentialsFor = %+v, want %+v", got, want)
	}

	// Relinking replaces the token.
	if err := s.Link(ctx, "u1", backend.Credentials{Username: "alice", Token: "t2"}); err != nil {
		t.Fatalf("Link (replace): %v", err)
	}
	got, _ = s.CredentialsFor(ctx, "u1")
	if got.Token != "t2" || got.DeviceName != "" {
		t.Errorf("after relink = %+v, want token t2 and no device name", got)
	}

	if err := s.Link(ctx, "", creds); err == nil {
		t.Error("Link with empty user id should fail")
	}

	if err := s.Unlink(ctx, "u1"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := s.CredentialsFor(ctx, "u1"); !errors.Is(err, account.ErrNotLinked) {
		t.Errorf("CredentialsFor(after unlink) = %v, want ErrNotLinked", err)
	}
	if err := s.Unlink(ctx, "never-linked"); err != nil {
		t.Errorf("Unlink(unknown) = %v, want nil", err)
	}
}

func TestMemStore(t *testing.T) {
	t.Parallel()
	storeContract(t, account.NewMemStore())
}
