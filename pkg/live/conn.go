package live

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jamlink-dev/jamlink/pkg/protocol"
)

// Connection states. A connection is created in StateConnecting, moves
// to StateActive once the handshake succeeds, oscillates between
// StateActive and StateSuspended across transport drops inside the
// recovery window, and ends in StateClosed.
const (
	StateConnecting int32 = iota
	StateActive
	StateSuspended
	StateClosed
)

// Connection is one authenticated WebSocket connection: the transport
// plus the identity and group context established at handshake. The
// logical connection outlives its transport; a resume swaps the socket
// underneath while the ID and context stay fixed.
type Connection struct {
	id      string
	userID  string
	groupID string

	// mu guards conn and every write to it.
	mu   sync.Mutex
	conn *websocket.Conn

	state atomic.Int32

	config *Config
	logger *slog.Logger

	// handler receives every decoded client command.
	handler func(*Connection, *protocol.ClientEvent)

	// onDisconnect is invoked once per transport loss with the read error.
	onDisconnect func(*Connection, error)

	done     chan struct{}
	stopOnce *sync.Once
}

// NewConnection wraps an upgraded transport with its authenticated
// identity. The connection starts in StateConnecting; the server
// activates it once the handshake ack is on the wire.
func NewConnection(ws *websocket.Conn, userID, groupID string, config *Config, logger *slog.Logger) *Connection {
	c := &Connection{
		id:       newConnID(),
		userID:   userID,
		groupID:  groupID,
		conn:     ws,
		config:   config,
		done:     make(chan struct{}),
		stopOnce: &sync.Once{},
	}
	c.logger = logger.With(
		"component", "connection",
		"conn_id", c.id,
		"user_id", userID,
		"group_id", groupID)
	return c
}

// newConnID returns a 32-character hex connection ID.
func newConnID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b)
}

// ConnID returns the logical connection ID. Part of the dispatcher's
// Recipient interface.
func (c *Connection) ConnID() string { return c.id }

// UserID returns the authenticated user ID.
func (c *Connection) UserID() string { return c.userID }

// GroupID returns the group the connection belongs to.
func (c *Connection) GroupID() string { return c.groupID }

// State returns the current connection state.
func (c *Connection) State() int32 { return c.state.Load() }

// SetHandler sets the command handler. Call before Start.
func (c *Connection) SetHandler(fn func(*Connection, *protocol.ClientEvent)) {
	c.handler = fn
}

// SetOnDisconnect sets the transport-loss callback. Call before Start.
func (c *Connection) SetOnDisconnect(fn func(*Connection, error)) {
	c.onDisconnect = fn
}

// Activate marks the handshake complete.
func (c *Connection) Activate() {
	c.state.CompareAndSwap(StateConnecting, StateActive)
}

// Deliver sends a server event over the transport. It satisfies the
// dispatcher's Recipient interface. Writes to a non-active connection
// fail immediately so broadcast fan-out never blocks on a dead peer.
func (c *Connection) Deliver(ev protocol.ServerEvent) error {
	switch c.state.Load() {
	case StateClosed:
		return ErrConnClosed
	case StateSuspended:
		return ErrConnSuspended
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := c.conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("live: write %s: %w", ev.Type, err)
	}
	return nil
}

// DeliverError is a convenience for unicasting a command rejection.
func (c *Connection) DeliverError(code, message string) {
	if err := c.Deliver(protocol.NewError(code, message)); err != nil {
		c.logger.Debug("error event not delivered", "code", code, "error", err)
	}
}

// Start launches the read and write loops.
func (c *Connection) Start() {
	go c.readLoop()
	go c.writeLoop()
}

// readLoop reads frames until the transport fails or the connection is
// stopped. Every inbound frame, pong frames included, counts as
// liveness and pushes the idle deadline out.
func (c *Connection) readLoop() {
	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.IdleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.IdleTimeout))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.stopLoops()
			if c.onDisconnect != nil {
				c.onDisconnect(c, err)
			}
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(c.config.IdleTimeout))

		ev, err := protocol.DecodeClientEvent(msg)
		if err != nil {
			if ev != nil {
				c.logger.Warn("unknown event type", "type", ev.Type)
				c.DeliverError(protocol.CodeUnknownEvent, "unknown event type: "+ev.Type)
			} else {
				c.logger.Warn("invalid frame", "error", err)
				c.DeliverError(protocol.CodeBadPayload, "invalid frame")
			}
			continue
		}

		if c.handler != nil {
			c.handler(c, ev)
		}
	}
}

// writeLoop pings on the heartbeat interval until stopped. The done
// channel is captured once: Resume replaces it for the next loop
// generation.
func (c *Connection) writeLoop() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.sendPing(); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Connection) sendPing() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Load() != StateActive {
		return ErrConnClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

// Suspend marks the connection suspended after a transport loss. The
// dead socket is released; the logical connection waits for a resume.
func (c *Connection) Suspend() {
	if !c.state.CompareAndSwap(StateActive, StateSuspended) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.logger.Debug("transport lost, connection suspended")
}

// Resume swaps in a fresh transport after a reconnect inside the
// recovery window. The loops are not restarted here: the caller sends
// its handshake ack on the new transport first, re-registers the
// connection with the dispatcher, then calls Start.
func (c *Connection) Resume(ws *websocket.Conn) {
	c.mu.Lock()
	old := c.conn
	c.conn = ws
	c.done = make(chan struct{})
	c.stopOnce = &sync.Once{}
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
	c.state.Store(StateActive)
	c.logger.Info("connection resumed on new transport")
}

// stopLoops stops the write loop after the read loop exits. The state
// is left untouched so the disconnect handler can distinguish a
// suspension from a deliberate close.
func (c *Connection) stopLoops() {
	c.mu.Lock()
	once := c.stopOnce
	done := c.done
	c.mu.Unlock()

	once.Do(func() {
		close(done)
	})
}

// Close tears the connection down for good. Safe to call multiple
// times and from any state.
func (c *Connection) Close() {
	prev := c.state.Swap(StateClosed)
	if prev == StateClosed {
		return
	}
	c.stopLoops()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
}
