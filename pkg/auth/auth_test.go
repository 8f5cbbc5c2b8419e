package auth

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/jamlink-dev/jamlink/pkg/directory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDirectory() *directory.MemoryDirectory {
	dir := directory.NewMemoryDirectory()
	dir.Add(directory.User{ID: "u1", Username: "alice", GroupID: "g1"})
	dir.Add(directory.User{ID: "u2", Username: "bob", GroupID: "g1", Deleted: true})
	return dir
}

func TestAuthenticateKnownUser(t *testing.T) {
	a := New(testDirectory(), nil, testLogger())

	user, err := a.Authenticate(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if user.Username != "alice" || user.GroupID != "g1" {
		t.Errorf("user = %+v", user)
	}
}

func TestAuthenticateEmptyClaim(t *testing.T) {
	a := New(testDirectory(), nil, testLogger())

	_, err := a.Authenticate(context.Background(), "")
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("error = %v, want ErrNotAuthenticated", err)
	}
}

func TestAuthenticateUnknownUser(t *testing.T) {
	a := New(testDirectory(), nil, testLogger())

	_, err := a.Authenticate(context.Background(), "ghost")
	if !errors.Is(err, ErrUnknownUser) {
		t.Errorf("error = %v, want ErrUnknownUser", err)
	}

	var authErr *Error
	if !errors.As(err, &authErr) {
		t.Fatalf("error should be *Error, got %T", err)
	}
	if authErr.ClaimedID != "ghost" {
		t.Errorf("ClaimedID = %q, want ghost", authErr.ClaimedID)
	}
}

func TestAuthenticateDeletedUser(t *testing.T) {
	a := New(testDirectory(), nil, testLogger())

	_, err := a.Authenticate(context.Background(), "u2")
	if !errors.Is(err, ErrUnknownUser) {
		t.Errorf("error = %v, want ErrUnknownUser for deleted user", err)
	}
}

func TestRelaxedModeStillRequiresRealUser(t *testing.T) {
	a := New(testDirectory(), &Config{AllowUnverified: true}, testLogger())

	if _, err := a.Authenticate(context.Background(), "u1"); err != nil {
		t.Errorf("relaxed mode should admit a real user: %v", err)
	}
	if _, err := a.Authenticate(context.Background(), "ghost"); !errors.Is(err, ErrUnknownUser) {
		t.Errorf("relaxed mode must still reject unknown claims, got %v", err)
	}
	if _, err := a.Authenticate(context.Background(), ""); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("relaxed mode must still reject empty claims, got %v", err)
	}
}
