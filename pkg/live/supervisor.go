package live

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/jamlink-dev/jamlink/pkg/hub"
	"github.com/jamlink-dev/jamlink/pkg/protocol"
	"github.com/jamlink-dev/jamlink/pkg/recovery"
	"github.com/jamlink-dev/jamlink/pkg/registry"
)

// Supervisor tracks every live logical connection and drives the
// disconnect lifecycle: a transport loss suspends the connection behind
// a recovery ticket, a reconnect inside the window resumes it silently,
// and a ticket expiry finalizes the leave with its presence broadcast.
//
// Group membership and the member-left event are deferred to
// finalization, so a member bouncing through a refresh never flickers
// out of the group for its peers.
type Supervisor struct {
	mu    sync.Mutex
	conns map[string]*Connection

	registry *registry.Registry
	hub      *hub.Dispatcher
	tickets  *recovery.Store

	logger *slog.Logger

	hooks LifecycleHooks

	// onFinalize, when set, observes every finalized leave.
	onFinalize func(userID, groupID string)
}

// LifecycleHooks observe connection lifecycle transitions. Every field
// is optional. Hooks run synchronously on the transition path and must
// be fast.
type LifecycleHooks struct {
	OnConnect          func()
	OnDisconnect       func()
	OnSuspend          func()
	OnResume           func()
	OnTicketExpired    func()
	OnHandshakeRefused func(code string)
}

// NewSupervisor creates a Supervisor and its recovery ticket store.
func NewSupervisor(reg *registry.Registry, dispatch *hub.Dispatcher, recoveryConfig *recovery.Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		conns:    make(map[string]*Connection),
		registry: reg,
		hub:      dispatch,
		logger:   logger.With("component", "supervisor"),
	}
	s.tickets = recovery.NewStore(recoveryConfig, s.expireTicket, logger)
	return s
}

// Tickets exposes the recovery store, mainly for tests and metrics.
func (s *Supervisor) Tickets() *recovery.Store { return s.tickets }

// SetOnFinalize sets the finalized-leave observer. Call before the
// supervisor is shared between goroutines.
func (s *Supervisor) SetOnFinalize(fn func(userID, groupID string)) {
	s.onFinalize = fn
}

// SetHooks sets the lifecycle hooks. Call during setup.
func (s *Supervisor) SetHooks(h LifecycleHooks) {
	s.hooks = h
}

// Track registers a new logical connection.
func (s *Supervisor) Track(c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ConnID()] = c
}

// Count returns the number of tracked logical connections, suspended
// ones included.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// HandleDisconnect is wired as every connection's transport-loss
// callback. A clean close finalizes the leave immediately; anything
// else is treated as an interruption and suspended for recovery. A
// connection already in StateClosed was torn down deliberately and
// needs nothing further.
func (s *Supervisor) HandleDisconnect(c *Connection, err error) {
	if c.State() == StateClosed {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		s.logger.Debug("client closed connection",
			"conn_id", c.ConnID(),
			"user_id", c.UserID())
		s.Finalize(c)
		return
	}

	c.Suspend()
	s.hub.Unregister(c.GroupID(), c.ConnID())

	if _, err := s.tickets.Suspend(c.ConnID(), c.UserID(), c.GroupID()); err != nil {
		// Store already shut down; fall back to an immediate leave.
		s.Finalize(c)
		return
	}
	if s.hooks.OnSuspend != nil {
		s.hooks.OnSuspend()
	}
}

// TryResume attempts to resume a suspended logical connection for
// userID on a fresh transport. On success the connection is re-armed;
// the caller acks the handshake on the new transport, re-registers the
// connection with the dispatcher, and restarts its loops. No presence
// events fire because the member never logically left.
func (s *Supervisor) TryResume(userID string, ws *websocket.Conn) (*Connection, bool) {
	t, ok := s.tickets.Resume(userID)
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	c := s.conns[t.ConnID]
	s.mu.Unlock()
	if c == nil || c.State() != StateSuspended {
		// The ticket outlived its connection (reset or shutdown race).
		// The deferred leave runs now so the member seat is not stranded.
		if c != nil {
			s.Finalize(c)
		} else {
			s.finalizeLeave(t.UserID, t.GroupID)
		}
		return nil, false
	}

	c.Resume(ws)
	if s.hooks.OnResume != nil {
		s.hooks.OnResume()
	}
	return c, true
}

// Finalize removes a connection for good: close the transport, drop it
// from the dispatcher and the table, release its group seat, and tell
// the group when the member is fully gone.
func (s *Supervisor) Finalize(c *Connection) {
	c.Close()
	s.hub.Unregister(c.GroupID(), c.ConnID())

	s.mu.Lock()
	delete(s.conns, c.ConnID())
	s.mu.Unlock()

	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect()
	}
	s.finalizeLeave(c.UserID(), c.GroupID())
}

// expireTicket is the recovery store's expiry callback: the window
// elapsed with no resume, so the deferred leave runs now.
func (s *Supervisor) expireTicket(t recovery.Ticket) {
	s.mu.Lock()
	c := s.conns[t.ConnID]
	delete(s.conns, t.ConnID)
	s.mu.Unlock()

	if c != nil {
		c.Close()
	}
	if s.hooks.OnTicketExpired != nil {
		s.hooks.OnTicketExpired()
	}
	s.finalizeLeave(t.UserID, t.GroupID)
}

func (s *Supervisor) finalizeLeave(userID, groupID string) {
	_, left, err := s.registry.Leave(groupID, userID)
	if err != nil {
		s.logger.Warn("leave on unknown group",
			"group_id", groupID,
			"user_id", userID)
		return
	}
	if !left {
		return
	}

	s.hub.Publish(groupID, protocol.ServerEvent{
		Type:    protocol.EventMemberLeft,
		Payload: protocol.MemberPayload{UserID: userID},
	})
	if s.onFinalize != nil {
		s.onFinalize(userID, groupID)
	}
}

// Reset atomically severs every connection without running the
// recovery path: no tickets, no deferred leaves, no member-left
// broadcasts for connections the reset itself killed. Group song state
// in the registry is left intact.
func (s *Supervisor) Reset() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*Connection)
	s.mu.Unlock()

	s.tickets.Clear()
	s.hub.Clear()
	s.registry.ResetPresence()

	for _, c := range conns {
		c.Close()
	}

	s.logger.Info("live layer reset", "connections_closed", len(conns))
}

// Shutdown closes every connection and stops the ticket store.
func (s *Supervisor) Shutdown() {
	s.Reset()
	s.tickets.Shutdown()
}
