// Package recovery bridges short network interruptions. When a live
// connection drops, its user/group context is parked in a ticket; a
// client reconnecting as the same user within the recovery window
// resumes the prior logical session with no presence change. Tickets
// live in a keyed store with explicit expiry, not as floating timers,
// and never survive a process restart.
package recovery

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStoreClosed is returned when operations are attempted after Shutdown.
var ErrStoreClosed = errors.New("recovery: store closed")

// Ticket links a suspended connection to its user and group context.
type Ticket struct {
	ConnID      string
	UserID      string
	GroupID     string
	SuspendedAt time.Time
}

// Config configures the ticket Store.
type Config struct {
	// Window is how long after suspension a ticket remains resumable.
	// Default: 10 seconds, half the transport idle-timeout budget.
	Window time.Duration

	// SweepInterval is how often expired tickets are collected.
	// Default: 1 second.
	SweepInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Window:        10 * time.Second,
		SweepInterval: time.Second,
	}
}

// Store holds recovery tickets keyed by connection ID, one per
// suspended connection. Resume matches by user identity, since a
// reconnecting transport presents a user ID and not the dead
// connection's ID; when a user has several tickets the newest wins and
// the rest are left to expire on their own.
type Store struct {
	mu      sync.Mutex
	tickets map[string]Ticket
	closed  bool

	config   *Config
	onExpire func(Ticket)
	logger   *slog.Logger

	done      chan struct{}
	sweepDone chan struct{}
	stopOnce  sync.Once
}

// NewStore creates a Store and starts its sweep loop. onExpire is
// invoked (outside the store lock) for every ticket whose window
// elapses without a resume; it drives the final leave path.
func NewStore(config *Config, onExpire func(Ticket), logger *slog.Logger) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		tickets:   make(map[string]Ticket),
		config:    config,
		onExpire:  onExpire,
		logger:    logger.With("component", "recovery"),
		done:      make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	go s.sweepLoop()

	return s
}

// Window returns the configured recovery window.
func (s *Store) Window() time.Duration {
	return s.config.Window
}

// Suspend parks a disconnected connection's context and returns its
// ticket.
func (s *Store) Suspend(connID, userID, groupID string) (Ticket, error) {
	t := Ticket{
		ConnID:      connID,
		UserID:      userID,
		GroupID:     groupID,
		SuspendedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Ticket{}, ErrStoreClosed
	}
	s.tickets[connID] = t

	s.logger.Debug("connection suspended",
		"conn_id", connID,
		"user_id", userID,
		"group_id", groupID)

	return t, nil
}

// Resume consumes the newest unexpired ticket for userID, if any.
// Exactly one caller wins when two transports race for the same
// ticket; the loser gets ok=false and must be treated as a fresh
// connection attempt. Expired tickets are left for the sweep loop so
// the leave path still runs exactly once.
func (s *Store) Resume(userID string) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Ticket{}, false
	}

	var best Ticket
	found := false
	for _, t := range s.tickets {
		if t.UserID != userID || time.Since(t.SuspendedAt) > s.config.Window {
			continue
		}
		if !found || t.SuspendedAt.After(best.SuspendedAt) {
			best = t
			found = true
		}
	}
	if !found {
		return Ticket{}, false
	}

	delete(s.tickets, best.ConnID)

	s.logger.Debug("session resumed within window",
		"conn_id", best.ConnID,
		"user_id", userID)

	return best, true
}

// Len returns the number of outstanding tickets.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

// Clear drops every outstanding ticket without invoking expiry
// callbacks. Used by the server-wide reset: a restart must not replay
// leave broadcasts for connections it just closed wholesale.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets = make(map[string]Ticket)
}

// sweepLoop periodically expires tickets past the window.
func (s *Store) sweepLoop() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expireTickets()
		case <-s.done:
			return
		}
	}
}

// expireTickets collects expired tickets under the lock, then invokes
// the expiry callback outside it.
func (s *Store) expireTickets() {
	now := time.Now()

	s.mu.Lock()
	var expired []Ticket
	for connID, t := range s.tickets {
		if now.Sub(t.SuspendedAt) > s.config.Window {
			delete(s.tickets, connID)
			expired = append(expired, t)
		}
	}
	s.mu.Unlock()

	for _, t := range expired {
		s.logger.Info("recovery window elapsed",
			"conn_id", t.ConnID,
			"user_id", t.UserID,
			"group_id", t.GroupID)
		if s.onExpire != nil {
			s.onExpire(t)
		}
	}
}

// Shutdown stops the sweep loop, waits for it to exit, and closes the
// store. Outstanding tickets are discarded without expiry callbacks.
func (s *Store) Shutdown() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.tickets = make(map[string]Ticket)
		s.mu.Unlock()
		close(s.done)
	})
	<-s.sweepDone
}
