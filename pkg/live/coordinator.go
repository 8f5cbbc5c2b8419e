package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/jamlink-dev/jamlink/pkg/hub"
	"github.com/jamlink-dev/jamlink/pkg/protocol"
	"github.com/jamlink-dev/jamlink/pkg/registry"
)

// Handler processes one client command on behalf of a connection.
type Handler func(ctx context.Context, c *Connection, ev *protocol.ClientEvent) error

// Middleware wraps a Handler. Middleware runs for every command in
// registration order, outermost first.
type Middleware func(Handler) Handler

// Coordinator applies client commands to group state and fans the
// resulting events out to the group. It is the only writer path into
// the registry for song state; all ordering guarantees reduce to the
// registry's per-group lock.
type Coordinator struct {
	registry *registry.Registry
	hub      *hub.Dispatcher
	config   *Config
	logger   *slog.Logger

	middleware []Middleware
	chain      Handler
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(reg *registry.Registry, dispatch *hub.Dispatcher, config *Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		registry: reg,
		hub:      dispatch,
		config:   config,
		logger:   logger.With("component", "coordinator"),
	}
	c.chain = c.dispatch
	return c
}

// Use appends middleware to the command pipeline. Call during setup,
// before any connection is started.
func (co *Coordinator) Use(mw Middleware) {
	co.middleware = append(co.middleware, mw)
	chain := co.dispatch
	for i := len(co.middleware) - 1; i >= 0; i-- {
		chain = co.middleware[i](chain)
	}
	co.chain = chain
}

// HandleEvent runs one decoded client command through the middleware
// chain. Rejections are unicast to the issuing connection as error
// events; the connection always stays open.
func (co *Coordinator) HandleEvent(c *Connection, ev *protocol.ClientEvent) {
	err := co.chain(context.Background(), c, ev)
	if err == nil {
		return
	}

	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		c.DeliverError(cmdErr.Code, cmdErr.Message)
		return
	}
	co.logger.Error("command failed",
		"event", ev.Type,
		"conn_id", c.ConnID(),
		"error", err)
}

// dispatch is the innermost handler.
func (co *Coordinator) dispatch(ctx context.Context, c *Connection, ev *protocol.ClientEvent) error {
	if c.State() != StateActive {
		return &CommandError{Code: protocol.CodeNotReady, Message: "handshake not complete", Err: ErrNotReady}
	}

	switch ev.Type {
	case protocol.EventSelectSong:
		return co.handleSelectSong(c, ev.Payload)
	case protocol.EventQuitSong:
		return co.handleQuitSong(c)
	case protocol.EventCheckActiveSong:
		return co.handleCheckActiveSong(c)
	case protocol.EventHeartbeat:
		// Liveness was already credited by the read loop.
		return nil
	default:
		return &CommandError{Code: protocol.CodeUnknownEvent, Message: "unknown event type: " + ev.Type}
	}
}

// handleSelectSong records the song and broadcasts the selection. The
// registry is last-writer-wins; concurrent selections converge on
// whichever commits second, and every member observes the same final
// state because broadcast order follows commit order per group.
func (co *Coordinator) handleSelectSong(c *Connection, payload json.RawMessage) error {
	var p protocol.SelectSongPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return &CommandError{Code: protocol.CodeBadPayload, Message: "malformed selectSong payload", Err: err}
	}
	if p.Song.ID == "" {
		return &CommandError{Code: protocol.CodeBadPayload, Message: "selectSong requires a song id"}
	}

	snap, err := co.registry.SelectSong(c.GroupID(), c.UserID(), p.Song)
	if err != nil {
		return co.registryError(err)
	}

	co.publish(c, protocol.ServerEvent{
		Type: protocol.EventSongSelected,
		Payload: protocol.SongSelectedPayload{
			Song:       snap.Active.Song,
			SelectedBy: snap.Active.SelectedBy,
			At:         snap.Active.SelectedAt,
		},
	})
	return nil
}

// handleQuitSong clears the active song. The broadcast goes out whether
// or not a song was actually active: a second quit racing the first
// carries no new information, and suppressing it would make the issuer
// responsible for knowing state it cannot atomically observe.
func (co *Coordinator) handleQuitSong(c *Connection) error {
	_, _, err := co.registry.QuitSong(c.GroupID(), c.UserID())
	if err != nil {
		return co.registryError(err)
	}

	co.publish(c, protocol.ServerEvent{Type: protocol.EventSongCleared})
	return nil
}

// handleCheckActiveSong unicasts the group's current active song to the
// asking connection. Never broadcast: this is the reconnection
// catch-up query and the rest of the group already knows.
func (co *Coordinator) handleCheckActiveSong(c *Connection) error {
	var payload protocol.SnapshotPayload
	if active := co.registry.ActiveSong(c.GroupID()); active != nil {
		songCopy := active.Song
		at := active.SelectedAt
		payload = protocol.SnapshotPayload{
			Song:       &songCopy,
			SelectedBy: active.SelectedBy,
			At:         &at,
		}
	}

	if err := c.Deliver(protocol.ServerEvent{
		Type:    protocol.EventActiveSongSnapshot,
		Payload: payload,
	}); err != nil {
		co.logger.Debug("snapshot not delivered", "conn_id", c.ConnID(), "error", err)
	}
	return nil
}

// publish broadcasts to the issuer's group, honoring the echo policy.
func (co *Coordinator) publish(c *Connection, ev protocol.ServerEvent) {
	if co.config.EchoToSender {
		co.hub.Publish(c.GroupID(), ev)
		return
	}
	co.hub.Publish(c.GroupID(), ev, c.ConnID())
}

func (co *Coordinator) registryError(err error) error {
	if errors.Is(err, registry.ErrUnknownGroup) {
		return &CommandError{Code: protocol.CodeUnknownGroup, Message: "group has no session", Err: err}
	}
	return err
}
