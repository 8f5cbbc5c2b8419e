package recovery

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSuspendAndResume(t *testing.T) {
	s := NewStore(nil, nil, testLogger())
	defer s.Shutdown()

	ticket, err := s.Suspend("c1", "alice", "g1")
	if err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if ticket.ConnID != "c1" || ticket.UserID != "alice" || ticket.GroupID != "g1" {
		t.Errorf("ticket = %+v", ticket)
	}

	got, ok := s.Resume("alice")
	if !ok {
		t.Fatal("Resume should find the ticket")
	}
	if got.ConnID != "c1" {
		t.Errorf("ConnID = %q, want c1", got.ConnID)
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0 after resume", s.Len())
	}
}

func TestResumeUnknownUser(t *testing.T) {
	s := NewStore(nil, nil, testLogger())
	defer s.Shutdown()

	if _, ok := s.Resume("nobody"); ok {
		t.Error("Resume should fail for a user with no ticket")
	}
}

func TestDoubleResumeHasOneWinner(t *testing.T) {
	s := NewStore(nil, nil, testLogger())
	defer s.Shutdown()

	s.Suspend("c1", "alice", "g1")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.Resume("alice"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", wins.Load())
	}
}

func TestResumePicksNewestTicket(t *testing.T) {
	s := NewStore(nil, nil, testLogger())
	defer s.Shutdown()

	s.Suspend("c1", "alice", "g1")
	time.Sleep(5 * time.Millisecond)
	s.Suspend("c2", "alice", "g1")

	got, ok := s.Resume("alice")
	if !ok {
		t.Fatal("Resume should find a ticket")
	}
	if got.ConnID != "c2" {
		t.Errorf("ConnID = %q, want the newer c2", got.ConnID)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want the older ticket left for expiry", s.Len())
	}
}

func TestExpiredTicketCannotResume(t *testing.T) {
	s := NewStore(&Config{Window: 20 * time.Millisecond, SweepInterval: time.Hour}, nil, testLogger())
	defer s.Shutdown()

	s.Suspend("c1", "alice", "g1")
	time.Sleep(40 * time.Millisecond)

	if _, ok := s.Resume("alice"); ok {
		t.Error("Resume should fail after the window")
	}
}

func TestExpiryCallbackFires(t *testing.T) {
	expired := make(chan Ticket, 1)
	s := NewStore(&Config{Window: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond},
		func(tk Ticket) { expired <- tk }, testLogger())
	defer s.Shutdown()

	s.Suspend("c1", "alice", "g1")

	select {
	case tk := <-expired:
		if tk.UserID != "alice" || tk.GroupID != "g1" {
			t.Errorf("expired ticket = %+v", tk)
		}
	case <-time.After(time.Second):
		t.Fatal("expiry callback did not fire")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0 after expiry", s.Len())
	}
}

func TestResumedTicketNeverExpires(t *testing.T) {
	var fired atomic.Int32
	s := NewStore(&Config{Window: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond},
		func(Ticket) { fired.Add(1) }, testLogger())
	defer s.Shutdown()

	s.Suspend("c1", "alice", "g1")
	if _, ok := s.Resume("alice"); !ok {
		t.Fatal("Resume failed")
	}

	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("expiry fired for a resumed ticket")
	}
}

func TestClearDropsTicketsSilently(t *testing.T) {
	var fired atomic.Int32
	s := NewStore(&Config{Window: 20 * time.Millisecond, SweepInterval: 10 * time.Millisecond},
		func(Ticket) { fired.Add(1) }, testLogger())
	defer s.Shutdown()

	s.Suspend("c1", "alice", "g1")
	s.Clear()

	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("expiry fired for a cleared ticket")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestSuspendAfterShutdown(t *testing.T) {
	s := NewStore(nil, nil, testLogger())
	s.Shutdown()

	if _, err := s.Suspend("c1", "alice", "g1"); err != ErrStoreClosed {
		t.Errorf("Suspend error = %v, want ErrStoreClosed", err)
	}
}
