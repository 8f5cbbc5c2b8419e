package registry

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jamlink-dev/jamlink/pkg/song"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(nil, testLogger())
	t.Cleanup(r.Shutdown)
	return r
}

func TestJoinCreatesGroupLazily(t *testing.T) {
	r := newTestRegistry(t)

	if r.GroupCount() != 0 {
		t.Fatalf("GroupCount = %d, want 0", r.GroupCount())
	}

	snap, joined := r.Join("g1", "alice")
	if !joined {
		t.Error("first Join should report joined")
	}
	if r.GroupCount() != 1 {
		t.Errorf("GroupCount = %d, want 1", r.GroupCount())
	}
	if len(snap.Members) != 1 || snap.Members[0] != "alice" {
		t.Errorf("Members = %v, want [alice]", snap.Members)
	}
	if snap.Active != nil {
		t.Error("new group should have no active song")
	}
}

func TestJoinIsIdempotentForPresence(t *testing.T) {
	r := newTestRegistry(t)

	r.Join("g1", "alice")
	snap, joined := r.Join("g1", "alice")
	if joined {
		t.Error("second Join for the same user should not report joined")
	}
	if len(snap.Members) != 1 {
		t.Errorf("Members = %v, want one entry", snap.Members)
	}
}

func TestLeaveRefcountsConnections(t *testing.T) {
	r := newTestRegistry(t)

	r.Join("g1", "alice")
	r.Join("g1", "alice")

	_, left, err := r.Leave("g1", "alice")
	if err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if left {
		t.Error("user with a second connection should not be reported left")
	}

	snap, left, err := r.Leave("g1", "alice")
	if err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if !left {
		t.Error("last Leave should report left")
	}
	if len(snap.Members) != 0 {
		t.Errorf("Members = %v, want empty", snap.Members)
	}
}

func TestMutationsOnUnknownGroup(t *testing.T) {
	r := newTestRegistry(t)

	if _, _, err := r.Leave("nope", "alice"); err != ErrUnknownGroup {
		t.Errorf("Leave error = %v, want ErrUnknownGroup", err)
	}
	if _, err := r.SelectSong("nope", "alice", song.Song{ID: "s1"}); err != ErrUnknownGroup {
		t.Errorf("SelectSong error = %v, want ErrUnknownGroup", err)
	}
	if _, _, err := r.QuitSong("nope", "alice"); err != ErrUnknownGroup {
		t.Errorf("QuitSong error = %v, want ErrUnknownGroup", err)
	}
	if r.ActiveSong("nope") != nil {
		t.Error("ActiveSong on unknown group should be nil")
	}
}

func TestSelectSongLastWriterWins(t *testing.T) {
	r := newTestRegistry(t)
	r.Join("g1", "alice")
	r.Join("g1", "bob")

	var wg sync.WaitGroup
	for _, sel := range []struct{ user, songID string }{
		{"alice", "s1"}, {"bob", "s2"},
	} {
		wg.Add(1)
		go func(user, songID string) {
			defer wg.Done()
			if _, err := r.SelectSong("g1", user, song.Song{ID: songID}); err != nil {
				t.Errorf("SelectSong: %v", err)
			}
		}(sel.user, sel.songID)
	}
	wg.Wait()

	active := r.ActiveSong("g1")
	if active == nil {
		t.Fatal("expected an active song")
	}
	if active.Song.ID != "s1" && active.Song.ID != "s2" {
		t.Errorf("active song = %q, want s1 or s2", active.Song.ID)
	}
	if (active.Song.ID == "s1") != (active.SelectedBy == "alice") {
		t.Errorf("SelectedBy = %q does not match song %q", active.SelectedBy, active.Song.ID)
	}
}

func TestQuitSongIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	r.Join("g1", "alice")
	r.SelectSong("g1", "alice", song.Song{ID: "s1"})

	_, cleared, err := r.QuitSong("g1", "alice")
	if err != nil {
		t.Fatalf("QuitSong: %v", err)
	}
	if !cleared {
		t.Error("first QuitSong should report cleared")
	}

	_, cleared, err = r.QuitSong("g1", "alice")
	if err != nil {
		t.Fatalf("second QuitSong: %v", err)
	}
	if cleared {
		t.Error("second QuitSong should be a no-op")
	}
	if r.ActiveSong("g1") != nil {
		t.Error("active song should stay nil")
	}
}

func TestAnyMemberMayQuit(t *testing.T) {
	r := newTestRegistry(t)
	r.Join("g1", "alice")
	r.Join("g1", "bob")
	r.SelectSong("g1", "alice", song.Song{ID: "s1"})

	_, cleared, err := r.QuitSong("g1", "bob")
	if err != nil {
		t.Fatalf("QuitSong: %v", err)
	}
	if !cleared {
		t.Error("bob should be able to clear alice's selection")
	}
}

func TestActiveSongSurvivesEmptyGroup(t *testing.T) {
	r := newTestRegistry(t)
	r.Join("g1", "alice")
	r.SelectSong("g1", "alice", song.Song{ID: "s1"})
	r.Leave("g1", "alice")

	active := r.ActiveSong("g1")
	if active == nil || active.Song.ID != "s1" {
		t.Error("active song should survive member churn")
	}
}

func TestActiveSongReturnsCopy(t *testing.T) {
	r := newTestRegistry(t)
	r.Join("g1", "alice")
	r.SelectSong("g1", "alice", song.Song{ID: "s1", Title: "One"})

	a := r.ActiveSong("g1")
	a.Song.Title = "mutated"

	if got := r.ActiveSong("g1").Song.Title; got != "One" {
		t.Errorf("Title = %q, registry state was mutated through a snapshot", got)
	}
}

func TestReapEmptyGroups(t *testing.T) {
	r := New(&Config{Retention: 10 * time.Millisecond, CleanupInterval: 10 * time.Millisecond}, testLogger())
	defer r.Shutdown()

	r.Join("g1", "alice")
	r.Leave("g1", "alice")

	deadline := time.Now().Add(time.Second)
	for r.GroupCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("empty group was not reaped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOccupiedGroupIsNotReaped(t *testing.T) {
	r := New(&Config{Retention: 10 * time.Millisecond, CleanupInterval: 10 * time.Millisecond}, testLogger())
	defer r.Shutdown()

	r.Join("g1", "alice")
	time.Sleep(50 * time.Millisecond)

	if r.GroupCount() != 1 {
		t.Error("occupied group must never be reaped")
	}
}

func TestResetPresenceKeepsActiveSong(t *testing.T) {
	r := newTestRegistry(t)
	r.Join("g1", "alice")
	r.Join("g1", "bob")
	r.SelectSong("g1", "alice", song.Song{ID: "s1"})

	r.ResetPresence()

	if got := r.Members("g1"); len(got) != 0 {
		t.Errorf("Members = %v, want empty after reset", got)
	}
	if r.ActiveSong("g1") == nil {
		t.Error("active song should survive a presence reset")
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := newTestRegistry(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Join("g1", "alice")
			r.Leave("g1", "alice")
		}()
	}
	wg.Wait()

	if got := r.Members("g1"); len(got) != 0 {
		t.Errorf("Members = %v, want empty after balanced join/leave", got)
	}
}
