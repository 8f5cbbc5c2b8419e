package live

import (
	"testing"
	"time"

	"github.com/jamlink-dev/jamlink/pkg/hub"
	"github.com/jamlink-dev/jamlink/pkg/recovery"
	"github.com/jamlink-dev/jamlink/pkg/registry"
)

func TestResumeWithoutConnectionReleasesSeat(t *testing.T) {
	reg := registry.New(nil, testLogger())
	defer reg.Shutdown()

	sup := NewSupervisor(reg, hub.New(testLogger()), &recovery.Config{
		Window:        time.Second,
		SweepInterval: time.Hour,
	}, testLogger())
	defer sup.Shutdown()

	// A ticket whose connection is no longer tracked (a reset raced the
	// reconnect). The resume must fail, and the deferred leave must still
	// run instead of stranding the member seat.
	reg.Join("g1", "u1")
	if _, err := sup.Tickets().Suspend("gone", "u1", "g1"); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	if _, ok := sup.TryResume("u1", nil); ok {
		t.Fatal("resume should fail without a tracked connection")
	}
	if got := reg.Members("g1"); len(got) != 0 {
		t.Errorf("Members = %v, want empty after the orphaned ticket", got)
	}
	if sup.Tickets().Len() != 0 {
		t.Errorf("ticket count = %d, want 0", sup.Tickets().Len())
	}
}
